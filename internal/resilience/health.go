package resilience

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency"`
}

// HealthCheck represents a health check function.
type HealthCheck func(ctx context.Context) ComponentHealth

// HealthMonitor runs registered component checks on demand.
type HealthMonitor struct {
	mu         sync.RWMutex
	startTime  time.Time
	components map[string]HealthCheck
	last       SystemHealth
	timeout    time.Duration
}

// NewHealthMonitor creates a new health monitor.
func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		startTime:  time.Now(),
		components: make(map[string]HealthCheck),
		timeout:    5 * time.Second,
		last:       SystemHealth{Status: HealthStatusUnknown},
	}
}

// RegisterComponent registers a health check for a component, replacing any
// earlier check with the same name.
func (m *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = check
}

// Check runs every registered check concurrently and returns the result. A
// panicking check counts as unhealthy.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	components := make(map[string]HealthCheck, len(m.components))
	for k, v := range m.components {
		components[k] = v
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan ComponentHealth, len(components))
	for name, check := range components {
		wg.Add(1)
		go func(n string, c HealthCheck) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results <- ComponentHealth{
						Name:      n,
						Status:    HealthStatusUnhealthy,
						Message:   fmt.Sprintf("health check panicked: %v", r),
						LastCheck: time.Now(),
					}
				}
			}()

			start := time.Now()
			health := c(ctx)
			health.Name = n
			health.LastCheck = time.Now()
			if health.Latency == 0 {
				health.Latency = time.Since(start)
			}
			results <- health
		}(name, check)
	}
	wg.Wait()
	close(results)

	sys := SystemHealth{
		Status:    HealthStatusHealthy,
		Uptime:    time.Since(m.startTime),
		CheckedAt: time.Now(),
	}
	for health := range results {
		sys.Components = append(sys.Components, health)
		switch health.Status {
		case HealthStatusUnhealthy:
			sys.Status = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if sys.Status == HealthStatusHealthy {
				sys.Status = HealthStatusDegraded
			}
		}
	}
	sort.Slice(sys.Components, func(i, j int) bool { return sys.Components[i].Name < sys.Components[j].Name })

	m.mu.Lock()
	m.last = sys
	m.mu.Unlock()
	return sys
}

// Last returns the result of the most recent Check.
func (m *HealthMonitor) Last() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// IsHealthy returns true if the last check found every component healthy.
func (m *HealthMonitor) IsHealthy() bool {
	return m.Last().Status == HealthStatusHealthy
}

// SystemHealth represents overall system health.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	Uptime     time.Duration     `json:"uptime"`
	CheckedAt  time.Time         `json:"checked_at"`
	Components []ComponentHealth `json:"components"`
}

// BreakerHealthCheck reports unhealthy while any breaker is open and degraded
// while one is probing.
func BreakerHealthCheck(stats func() []CircuitBreakerStats) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		var open, probing []string
		for _, s := range stats() {
			switch s.State {
			case CircuitOpen:
				open = append(open, s.Name)
			case CircuitHalfOpen:
				probing = append(probing, s.Name)
			}
		}
		switch {
		case len(open) > 0:
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: "circuit open: " + strings.Join(open, ", ")}
		case len(probing) > 0:
			return ComponentHealth{Status: HealthStatusDegraded, Message: "circuit half-open: " + strings.Join(probing, ", ")}
		}
		return ComponentHealth{Status: HealthStatusHealthy, Message: "all circuits closed"}
	}
}

// DatabaseHealthCheck creates a health check for database connections.
func DatabaseHealthCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		health := ComponentHealth{}

		start := time.Now()
		err := ping(ctx)
		health.Latency = time.Since(start)

		if err != nil {
			health.Status = HealthStatusUnhealthy
			health.Message = fmt.Sprintf("Database ping failed: %v", err)
			return health
		}

		if health.Latency > 100*time.Millisecond {
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("Database slow: %v", health.Latency)
			return health
		}

		health.Status = HealthStatusHealthy
		health.Message = fmt.Sprintf("Database healthy: %v", health.Latency)
		return health
	}
}
