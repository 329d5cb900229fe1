// Package api is the REST side channel used by stream sessions.
//
// It covers the ephemeral user-data token ("listen key") lifecycle:
//   - Spot:    POST/PUT/DELETE /api/v3/userDataStream
//   - Futures: POST/PUT/DELETE /fapi/v1/listenKey
//
// Requests authenticate with the X-MBX-APIKEY header only; these endpoints
// are not signed.
package api
