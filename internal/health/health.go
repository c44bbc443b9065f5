// Package health tracks locally recovered problems per recording component so
// a session can report whether it finished degraded.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/meetcap/meetcap/internal/logging"
)

var log = logging.L("health")

// Status represents the health status of a component.
type Status string

const (
	Healthy  Status = "healthy"
	Degraded Status = "degraded"
	Failed   Status = "failed"
)

// Component names used by the recorder.
const (
	Audio    = "audio"
	Video    = "video"
	Presence = "presence"
	Shutdown = "shutdown"
	Merge    = "merge"
)

// Check stores the latest result for a named component and how many
// non-healthy reports it has received.
type Check struct {
	Name      string    `yaml:"name"`
	Status    Status    `yaml:"status"`
	Message   string    `yaml:"message,omitempty"`
	Incidents int       `yaml:"incidents"`
	UpdatedAt time.Time `yaml:"updatedAt"`
}

// Monitor tracks health checks for multiple components. A component never
// improves within a session: once degraded, later healthy reports keep the
// worse status but refresh the timestamp.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
}

func NewMonitor() *Monitor {
	return &Monitor{
		checks: make(map[string]Check),
	}
}

// Update records the health status for a named component.
func (m *Monitor) Update(name string, status Status, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.checks[name]
	c.Name = name
	c.UpdatedAt = time.Now()
	if status != Healthy {
		c.Incidents++
		c.Message = message
	}
	if rank(status) >= rank(c.Status) {
		c.Status = status
	}
	m.checks[name] = c

	// Only the first incident is logged; the owning component logs the rest.
	if status != Healthy && c.Incidents == 1 {
		log.Warn("component degraded", "name", name, "status", string(status), "message", message)
	}
}

// Get returns the health check for a named component.
func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst status across all registered checks.
// An empty monitor is Healthy.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	worst := Healthy
	for _, c := range m.checks {
		if rank(c.Status) > rank(worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns a snapshot of all checks sorted by name.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func rank(s Status) int {
	switch s {
	case Degraded:
		return 1
	case Failed:
		return 2
	default:
		return 0
	}
}
