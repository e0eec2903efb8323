package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthStatus is the JSON body served on /healthz and /readyz.
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy" or "unhealthy"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

var healthChecker = &checker{
	components: make(map[string]componentHealth),
	startTime:  time.Now(),
}

type componentHealth struct {
	Healthy bool
	Message string
	Updated time.Time
}

type checker struct {
	mu         sync.RWMutex
	components map[string]componentHealth
	startTime  time.Time
	version    string
}

// SetVersion sets the version string reported by health responses.
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// UpdateComponent records the health of a named component. Components report
// themselves on start, on state changes, and from periodic probes.
func UpdateComponent(name string, healthy bool, message string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.components[name] = componentHealth{
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// GetHealth returns the aggregated health across all registered components.
func GetHealth() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(healthChecker.components))
	for name, comp := range healthChecker.components {
		if comp.Healthy {
			components[name] = "healthy"
		} else {
			status = "unhealthy"
			components[name] = "unhealthy: " + comp.Message
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    healthChecker.version,
		Uptime:     time.Since(healthChecker.startTime).Round(time.Second).String(),
	}
}

// HealthHandler serves liveness: 200 while the process can respond at all.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, GetHealth(), http.StatusOK)
	}
}

// ReadyHandler serves readiness: 503 while any component reports unhealthy.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		code := http.StatusOK
		if health.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeHealth(w, health, code)
	}
}

func writeHealth(w http.ResponseWriter, health HealthStatus, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(health)
}
