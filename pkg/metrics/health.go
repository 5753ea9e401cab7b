package metrics

import (
	"cmp"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"
)

// Overall states reported by GetHealth and GetReadiness
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// HealthStatus is the JSON body served by the component health endpoints
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime"`
	Details    []ComponentHealth `json:"details,omitempty"`
}

// ComponentHealth is the last report received for one component
type ComponentHealth struct {
	Name        string    `json:"name"`
	Healthy     bool      `json:"healthy"`
	Message     string    `json:"message,omitempty"`
	Since       time.Time `json:"since"`
	Transitions int       `json:"transitions"`
}

// board collects component reports. A component that never reported counts
// as not ready; a non-critical one going down only degrades overall health.
type board struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	critical   []string
	started    time.Time
	version    string
	now        func() time.Time
}

func newBoard() *board {
	return &board{
		components: make(map[string]*ComponentHealth),
		critical:   []string{"store", "queue", "ledger"},
		started:    time.Now(),
		now:        time.Now,
	}
}

var components = newBoard()

func (b *board) report(name string, healthy bool, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.components[name]
	switch {
	case !ok:
		c = &ComponentHealth{Name: name, Healthy: healthy, Since: b.now()}
		b.components[name] = c
	case c.Healthy != healthy:
		c.Healthy = healthy
		c.Since = b.now()
		c.Transitions++
	}
	c.Message = message

	up := 0.0
	if healthy {
		up = 1
	}
	ComponentUp.WithLabelValues(name).Set(up)
}

func (b *board) snapshot() []ComponentHealth {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]ComponentHealth, 0, len(b.components))
	for _, c := range b.components {
		out = append(out, *c)
	}
	slices.SortFunc(out, func(x, y ComponentHealth) int {
		return cmp.Compare(x.Name, y.Name)
	})
	return out
}

func (b *board) isCritical(name string) bool {
	return slices.Contains(b.critical, name)
}

func (b *board) health() HealthStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	hs := b.base(StatusHealthy)
	for name, c := range b.components {
		if c.Healthy {
			hs.Components[name] = StatusHealthy
			continue
		}
		hs.Components[name] = "unhealthy: " + c.Message
		if b.isCritical(name) {
			hs.Status = StatusUnhealthy
			hs.Message = name + " is down"
		} else if hs.Status == StatusHealthy {
			hs.Status = StatusDegraded
			hs.Message = name + " is down"
		}
	}
	return hs
}

func (b *board) readiness() HealthStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	hs := b.base(StatusReady)
	for _, name := range b.critical {
		c, ok := b.components[name]
		switch {
		case !ok:
			hs.Components[name] = "not registered"
			hs.Status = StatusNotReady
			hs.Message = "waiting for " + name + " initialization"
		case !c.Healthy:
			hs.Components[name] = "not ready: " + c.Message
			hs.Status = StatusNotReady
			hs.Message = "waiting for " + name
		default:
			hs.Components[name] = StatusReady
		}
	}
	return hs
}

func (b *board) base(status string) HealthStatus {
	now := b.now()
	return HealthStatus{
		Status:     status,
		Timestamp:  now,
		Components: make(map[string]string),
		Version:    b.version,
		Uptime:     now.Sub(b.started).Truncate(time.Second).String(),
	}
}

// SetVersion records the build version reported by the health endpoints
func SetVersion(version string) {
	components.mu.Lock()
	components.version = version
	components.mu.Unlock()
}

// RegisterComponent records the initial state of a component
func RegisterComponent(name string, healthy bool, message string) {
	components.report(name, healthy, message)
}

// UpdateComponent records a state change. Its signature matches
// health.Reporter so a monitor can report straight into the board.
func UpdateComponent(name string, healthy bool, message string) {
	components.report(name, healthy, message)
}

// SetCriticalComponents replaces the components readiness waits for
func SetCriticalComponents(names ...string) {
	components.mu.Lock()
	components.critical = slices.Clone(names)
	components.mu.Unlock()
}

// Components returns every reported component sorted by name
func Components() []ComponentHealth {
	return components.snapshot()
}

// GetHealth summarizes all reported components. A critical component that is
// down makes the process unhealthy; any other one only degrades it.
func GetHealth() HealthStatus {
	return components.health()
}

// GetReadiness reports whether every critical component is up
func GetReadiness() HealthStatus {
	return components.readiness()
}

// HealthHandler serves GetHealth, answering 503 while unhealthy
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hs := GetHealth()
		hs.Details = Components()
		code := http.StatusOK
		if hs.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(hs)
	}
}
