// Package health provides the liveness and readiness handlers for the ops
// listener.
//
// The package exposes two endpoints:
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker. Schedulers
// should gate session traffic on /readyz and restart the process on /healthz.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voxgate/internal/modelinfo"
	"github.com/MrWong99/voxgate/internal/resilience"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "models",
	// "breakers"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// ModelListCheck reports whether the inference runtime is reachable, using
// the model list cache as the probe. A cached list younger than maxAge
// passes without touching the network; otherwise the list is refreshed and
// the check fails when the refresh does not produce a fresh copy. maxAge
// should comfortably exceed the client's list TTL.
func ModelListCheck(models *modelinfo.Client, maxAge time.Duration) Checker {
	return Checker{
		Name: "models",
		Check: func(ctx context.Context) error {
			if age, ok := models.ListAge(); ok && age <= maxAge {
				return nil
			}
			if err := models.Refresh(ctx); err != nil {
				return err
			}
			age, ok := models.ListAge()
			switch {
			case !ok:
				return errors.New("model list never fetched")
			case age > maxAge:
				return fmt.Errorf("model list stale for %s", age.Round(time.Second))
			}
			return nil
		},
	}
}

// BreakerCheck fails readiness while any of the given circuit breakers is
// open, so schedulers stop routing new sessions at a gateway whose upstreams
// are refusing work. Half-open breakers pass: probes are already flowing.
func BreakerCheck(breakers ...*resilience.Breaker) Checker {
	return Checker{
		Name: "breakers",
		Check: func(_ context.Context) error {
			var open []string
			for _, b := range breakers {
				if b.State() == resilience.StateOpen {
					open = append(open, b.Name())
				}
			}
			if len(open) > 0 {
				return fmt.Errorf("open: %s", strings.Join(open, ", "))
			}
			return nil
		},
	}
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz endpoints. It is safe for concurrent
// use; the checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers are evaluated sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
