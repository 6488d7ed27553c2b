// Package health serves the liveness and readiness probes.
//
//   - /healthz always returns 200 while the process can serve HTTP.
//   - /readyz returns 200 only when every [Checker] passes. The
//     [SessionProbe] checker passes while a voice session is open.
//
// Responses are JSON objects with a "status" field ("ok" or "fail") and a
// "checks" map holding each checker's result.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/livesight/internal/voice"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] evaluating checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker concurrently, each under a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := make([]error, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
		}()
	}
	wg.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		if errs[i] != nil {
			res.Checks[c.Name] = "fail: " + errs[i].Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ── session probe ────────────────────────────────────────────────────────────

var _ voice.Observer = (*SessionProbe)(nil)

// ErrNoSession is reported by [SessionProbe] before the first session starts.
var ErrNoSession = errors.New("no session")

// SessionProbe tracks the latest session snapshot and reports ready while
// the session is open.
type SessionProbe struct {
	mu   sync.Mutex
	snap *voice.Snapshot
}

// OnState implements [voice.Observer].
func (p *SessionProbe) OnState(s voice.Snapshot) {
	p.mu.Lock()
	p.snap = &s
	p.mu.Unlock()
}

// Check reports nil while the session is open.
func (p *SessionProbe) Check(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.snap == nil:
		return ErrNoSession
	case p.snap.Phase == voice.PhaseOpen:
		return nil
	case p.snap.Error != "":
		return errors.New("session " + p.snap.Phase.String() + ": " + p.snap.Error)
	default:
		return errors.New("session " + p.snap.Phase.String())
	}
}

// Checker returns the probe as a readiness [Checker] named "session".
func (p *SessionProbe) Checker() Checker {
	return Checker{Name: "session", Check: p.Check}
}
