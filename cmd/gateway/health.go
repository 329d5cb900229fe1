package main

import (
	"encoding/json"
	"net/http"

	"github.com/rickgao/venuelink/internal/connection"
	"github.com/rickgao/venuelink/internal/fix"
	"github.com/rickgao/venuelink/internal/metrics"
	"github.com/rickgao/venuelink/internal/stream"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// healthCheck reports one component's state and its health status.
type healthCheck struct {
	name  string
	check func() (state, status string)
}

// newHTTPHandler serves metrics at metricsPath and session health at /health.
// Either client may be nil when that session is disabled.
func newHTTPHandler(metricsPath string, sc *stream.Client, fc *fix.Client) http.Handler {
	var checks []healthCheck
	if sc != nil {
		checks = append(checks, healthCheck{name: "stream", check: func() (string, string) {
			return streamStatus(sc.Supervisor().State())
		}})
	}
	if fc != nil {
		checks = append(checks, healthCheck{name: "fix", check: func() (string, string) {
			return fixStatus(fc.State())
		}})
	}
	return healthMux(metricsPath, checks)
}

func healthMux(metricsPath string, checks []healthCheck) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, metrics.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health := struct {
			Status     string                       `json:"status"`
			Components map[string]map[string]string `json:"components"`
		}{
			Status:     statusHealthy,
			Components: make(map[string]map[string]string, len(checks)),
		}

		for _, c := range checks {
			state, status := c.check()
			health.Components[c.name] = map[string]string{
				"state":  state,
				"status": status,
			}
			health.Status = worse(health.Status, status)
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == statusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}

func streamStatus(st connection.State) (string, string) {
	switch st {
	case connection.StateActive:
		return st.String(), statusHealthy
	case connection.StateStopped:
		return st.String(), statusUnhealthy
	default:
		return st.String(), statusDegraded
	}
}

func fixStatus(st fix.State) (string, string) {
	switch st {
	case fix.StateLoggedIn:
		return st.String(), statusHealthy
	case fix.StateStopped:
		return st.String(), statusUnhealthy
	default:
		return st.String(), statusDegraded
	}
}

func worse(a, b string) string {
	rank := map[string]int{statusHealthy: 0, statusDegraded: 1, statusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
