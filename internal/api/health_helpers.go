package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

const readinessTimeout = 3 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components,omitempty"`
}

// checkDependencies pings every dependency concurrently. The datastore is always listed
// first; the rest follow in name order.
func (h *Handler) checkDependencies(ctx context.Context) healthResponse {
	type check struct {
		name string
		ping Pinger
	}
	var checks []check
	if h.Store != nil {
		checks = append(checks, check{"datastore", h.Store})
	}
	names := make([]string, 0, len(h.Readiness))
	for name := range h.Readiness {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		checks = append(checks, check{name, h.Readiness[name]})
	}

	results := make([]componentStatus, len(checks))
	var group errgroup.Group
	for i, c := range checks {
		group.Go(func() error {
			start := time.Now()
			err := c.ping.Ping(ctx)
			results[i] = componentStatus{Component: c.name, Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				results[i].Status = "degraded"
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = group.Wait()

	resp := healthResponse{Status: "ok", Components: results}
	for _, r := range results {
		if r.Status != "ok" {
			resp.Status = "degraded"
		}
	}
	return resp
}

// Healthz reports process liveness only.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	resp := h.checkDependencies(ctx)
	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
