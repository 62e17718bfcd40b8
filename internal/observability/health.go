package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const checkTimeout = 2 * time.Second

// DependencyCheck reports whether one dependency is usable.
type DependencyCheck func(ctx context.Context) error

// HealthChecker serves /healthz (liveness) and /readyz (readiness).
// Readiness needs SetReady(true) and every registered check passing.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu       sync.RWMutex
	checks   map[string]DependencyCheck
	sequence func() int64
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		checks:    make(map[string]DependencyCheck),
	}
}

// SetReady is flipped once recovery has finished and the listeners are up.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// AddCheck registers a named dependency check.
func (h *HealthChecker) AddCheck(name string, p DependencyCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = p
}

// SetSequenceSource reports the engine's next sequence on both endpoints.
func (h *HealthChecker) SetSequenceSource(fn func() int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sequence = fn
}

// Check runs every check and returns "ok" or the error text per name.
func (h *HealthChecker) Check(ctx context.Context) (map[string]string, bool) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := h.checks
	h.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	results := make(map[string]string, len(names))
	healthy := true
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = "ok"
	}
	return results, healthy
}

func (h *HealthChecker) body(status string) map[string]interface{} {
	out := map[string]interface{}{"status": status}
	h.mu.RLock()
	seq := h.sequence
	h.mu.RUnlock()
	if seq != nil {
		out["sequence"] = seq()
	}
	return out
}

// LivenessHandler is always OK while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	body := h.body("alive")
	body["uptime"] = time.Since(h.startTime).String()
	writeHealth(w, http.StatusOK, body)
}

// ReadinessHandler returns 503 until SetReady(true), and while any check
// fails.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeHealth(w, http.StatusServiceUnavailable, h.body("not_ready"))
		return
	}
	results, healthy := h.Check(r.Context())
	if !healthy {
		body := h.body("degraded")
		body["checks"] = results
		writeHealth(w, http.StatusServiceUnavailable, body)
		return
	}
	body := h.body("ready")
	body["checks"] = results
	writeHealth(w, http.StatusOK, body)
}

func writeHealth(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
