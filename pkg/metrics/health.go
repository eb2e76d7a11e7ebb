package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status strings served by the health endpoints.
const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusReady     = "ready"
	statusNotReady  = "not_ready"
)

// criticalComponents must all be registered and healthy before the
// daemon reports ready. They mirror the serve startup order.
var criticalComponents = []string{"queue", "pool", "api"}

// HealthStatus is the JSON body served by /health and /ready.
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

type componentHealth struct {
	healthy bool
	message string
	updated time.Time
}

// healthRegistry is the process-wide record of component health.
type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]componentHealth
	version    string
	startedAt  time.Time
}

func newHealthRegistry() *healthRegistry {
	return &healthRegistry{
		components: make(map[string]componentHealth),
		startedAt:  time.Now(),
	}
}

var checker = newHealthRegistry()

// SetVersion records the build version the health endpoints report.
func SetVersion(version string) {
	checker.mu.Lock()
	checker.version = version
	checker.mu.Unlock()
}

// RegisterComponent records a component's health, overwriting any
// earlier state for the same name.
func RegisterComponent(name string, healthy bool, message string) {
	checker.mu.Lock()
	checker.components[name] = componentHealth{
		healthy: healthy,
		message: message,
		updated: time.Now(),
	}
	checker.mu.Unlock()
}

// UpdateComponent flips an already registered component. It reads
// better than RegisterComponent at call sites reacting to a failure.
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// GetHealth aggregates every registered component: one unhealthy
// component makes the whole process unhealthy.
func GetHealth() HealthStatus {
	checker.mu.RLock()
	defer checker.mu.RUnlock()

	out := checker.statusLocked(statusHealthy)
	for name, comp := range checker.components {
		if comp.healthy {
			out.Components[name] = statusHealthy
			continue
		}
		out.Status = statusUnhealthy
		out.Components[name] = statusUnhealthy + ": " + comp.message
	}
	return out
}

// GetReadiness reports whether the critical components have come up.
// Unlike GetHealth it treats an unregistered critical component as not
// ready, so the endpoint answers 503 during startup.
func GetReadiness() HealthStatus {
	checker.mu.RLock()
	defer checker.mu.RUnlock()

	out := checker.statusLocked(statusReady)
	for _, name := range criticalComponents {
		comp, registered := checker.components[name]
		switch {
		case !registered:
			out.Status = statusNotReady
			out.Message = "waiting for " + name + " initialization"
			out.Components[name] = "not registered"
		case !comp.healthy:
			out.Status = statusNotReady
			out.Message = "waiting for " + name
			out.Components[name] = "not ready: " + comp.message
		default:
			out.Components[name] = statusReady
		}
	}
	return out
}

// statusLocked builds the response skeleton; callers hold the lock.
func (r *healthRegistry) statusLocked(status string) HealthStatus {
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]string),
		Version:    r.version,
		Uptime:     time.Since(r.startedAt).String(),
	}
}

// HealthHandler serves GET /health: 200 while every component is
// healthy, 503 otherwise.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, GetHealth(), statusHealthy)
	}
}

// ReadyHandler serves GET /ready: 200 once the critical components are
// up, 503 before that.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, GetReadiness(), statusReady)
	}
}

// LivenessHandler serves GET /live: 200 whenever the process answers.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checker.mu.RLock()
		startedAt := checker.startedAt
		checker.mu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(startedAt).String(),
		})
	}
}

func writeStatus(w http.ResponseWriter, status HealthStatus, okValue string) {
	w.Header().Set("Content-Type", "application/json")
	if status.Status != okValue {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
