// Package health serves the liveness (/healthz) and readiness (/readyz)
// probes.
//
// /healthz answers 200 while the process can serve HTTP. /readyz runs every
// registered [Check] concurrently and answers 200 only when all of them pass;
// otherwise 503 with the failing checks' errors in the body.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeTimeout bounds a single check.
const probeTimeout = 5 * time.Second

// Status strings used in reports.
const (
	StatusOK   = "ok"
	StatusFail = "fail"
)

// Check is one named readiness probe. Probe returns nil while the dependency
// is usable and must honour ctx.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Pinger is implemented by turn stores and the event bus client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck probes p.Ping.
func PingCheck(name string, p Pinger) Check {
	return Check{Name: name, Probe: p.Ping}
}

// APIKeyCheck fails while key is empty.
func APIKeyCheck(name, key string) Check {
	return Check{Name: name, Probe: func(context.Context) error {
		if key == "" {
			return errors.New("api key not configured")
		}
		return nil
	}}
}

// CheckResult is the outcome of one [Check].
type CheckResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report is the JSON body of both probes.
type Report struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler evaluates a fixed set of checks. It is safe for concurrent use.
type Handler struct {
	checks  []Check
	started time.Time
	now     func() time.Time
}

// New returns a Handler for checks.
func New(checks ...Check) *Handler {
	return &Handler{
		checks:  append([]Check(nil), checks...),
		started: time.Now(),
		now:     time.Now,
	}
}

// Evaluate runs every check concurrently and aggregates the results.
func (h *Handler) Evaluate(ctx context.Context) Report {
	var (
		mu      sync.Mutex
		results = make(map[string]CheckResult, len(h.checks))
		failed  bool
	)

	var g errgroup.Group
	for _, c := range h.checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			start := h.now()
			err := c.Probe(cctx)
			res := CheckResult{Status: StatusOK, LatencyMS: h.now().Sub(start).Milliseconds()}
			if err != nil {
				res.Status = StatusFail
				res.Error = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			results[c.Name] = res
			failed = failed || err != nil
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusOK, Checks: results}
	if failed {
		rep.Status = StatusFail
	}
	return rep
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	uptime := h.now().Sub(h.started).Truncate(time.Second)
	writeJSON(w, http.StatusOK, Report{Status: StatusOK, Uptime: uptime.String()})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	status := http.StatusOK
	if rep.Status != StatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
