// Package model defines the venue-neutral types shared by the stream and FIX
// session layers and their consumers.
//
// Conventions:
//   - Prices and quantities: shopspring decimal, never float
//   - Timestamps: time.Time in UTC; EventTime is the venue's clock, ReceivedAt ours
//   - IDs: uuid.UUID for locally generated event ids
package model
