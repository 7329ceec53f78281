// Package health implements core.HealthMonitor: named component checks
// aggregated into one boolean. cmd/agent polls it on a timer and logs
// each failing component; the cycle loop runs regardless of the result.
//
// Grounded on the teacher's internal/infrastructure/health.HealthManager:
// same Register/IsHealthy shape, generalized GetStatus to return the
// error itself (core.HealthMonitor's contract) rather than a formatted
// string, since nothing here renders an HTTP status page.
package health

import (
	"sync"

	"spotguard/internal/core"
)

// Manager aggregates health status from independently registered checks.
type Manager struct {
	logger core.Logger
	mu     sync.RWMutex
	checks map[string]func() error
}

// New constructs an empty Manager.
func New(logger core.Logger) *Manager {
	return &Manager{
		logger: logger,
		checks: make(map[string]func() error),
	}
}

// Register adds or replaces the health check for component.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// GetStatus runs every registered check and returns the error for each
// component that failed; a component absent from the map is healthy.
func (m *Manager) GetStatus() map[string]error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]error)
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = err
		}
	}
	return status
}

// IsHealthy reports whether every registered component currently passes.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for component, check := range m.checks {
		if err := check(); err != nil {
			if m.logger != nil {
				m.logger.Warn("health: component unhealthy", "component", component, "error", err.Error())
			}
			return false
		}
	}
	return true
}

var _ core.HealthMonitor = (*Manager)(nil)
