// Package health runs periodic dependency checks and serves their result.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"ai-character-runtime/backend/pkg/logger"
	"ai-character-runtime/backend/pkg/resilience"

	"github.com/redis/go-redis/v9"
)

// Status represents the health status of a component
type Status string

const (
	// StatusUp indicates a component is working correctly
	StatusUp Status = "up"
	// StatusDown indicates a component is not working
	StatusDown Status = "down"
	// StatusDegraded indicates a component is working but with reduced functionality
	StatusDegraded Status = "degraded"
)

// Component represents a system component that can be health-checked
type Component struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Description string    `json:"description,omitempty"`
	Error       string    `json:"error,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// Check is one health probe
type Check func(ctx context.Context) (Status, string, error)

// Checker manages health checks for the system
type Checker struct {
	checks      map[string]Check
	critical    map[string]bool
	components  map[string]*Component
	checkPeriod time.Duration
	timeout     time.Duration
	listeners   []func(healthy bool)
	mutex       sync.RWMutex
	log         *logger.Logger
}

// NewChecker creates a new health checker
func NewChecker(log *logger.Logger, checkPeriod time.Duration) *Checker {
	if log == nil {
		log = logger.GetGlobal()
	}
	if checkPeriod <= 0 {
		checkPeriod = 30 * time.Second
	}
	return &Checker{
		checks:      make(map[string]Check),
		critical:    make(map[string]bool),
		components:  make(map[string]*Component),
		checkPeriod: checkPeriod,
		timeout:     5 * time.Second,
		log:         log,
	}
}

// RegisterCheck registers a check. Critical checks that are down make the whole system unhealthy.
func (c *Checker) RegisterCheck(name string, critical bool, check Check) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.checks[name] = check
	c.critical[name] = critical
	c.components[name] = &Component{
		Name:        name,
		Status:      StatusDown,
		Description: "Not checked yet",
	}
}

// OnUpdate registers a listener called with the overall health after every run
func (c *Checker) OnUpdate(fn func(healthy bool)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.listeners = append(c.listeners, fn)
}

// RunChecks executes all registered health checks
func (c *Checker) RunChecks(ctx context.Context) {
	c.mutex.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mutex.RUnlock()

	results := make(map[string]Component, len(checks))
	for name, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
		status, description, err := check(checkCtx)
		cancel()

		component := Component{Name: name, Status: status, Description: description, LastChecked: time.Now()}
		if err != nil {
			component.Error = err.Error()
			c.log.Error("Health check failed", "component", name, "status", string(status), "error", err.Error())
		}
		results[name] = component
	}

	c.mutex.Lock()
	for name, component := range results {
		component := component
		c.components[name] = &component
	}
	listeners := append([]func(bool)(nil), c.listeners...)
	c.mutex.Unlock()

	healthy := c.IsSystemHealthy()
	for _, fn := range listeners {
		fn(healthy)
	}
}

// Start runs the checks now and then every period until ctx is done
func (c *Checker) Start(ctx context.Context) {
	go func() {
		c.RunChecks(ctx)

		ticker := time.NewTicker(c.checkPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.RunChecks(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// GetStatus returns a copy of the latest results, sorted by name
func (c *Checker) GetStatus() []Component {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	result := make([]Component, 0, len(c.components))
	for _, v := range c.components {
		result = append(result, *v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// IsSystemHealthy returns true if no critical component is down
func (c *Checker) IsSystemHealthy() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	for name, component := range c.components {
		if component.Status == StatusDown && c.critical[name] {
			return false
		}
	}
	return true
}

// Response is the body served by HTTPHandler
type Response struct {
	Status     string      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// HTTPHandler serves the latest results; 503 when a critical component is down
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := Response{Status: "ok", Timestamp: time.Now(), Components: c.GetStatus()}
		code := http.StatusOK
		if !c.IsSystemHealthy() {
			response.Status = "unavailable"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(response); err != nil {
			c.log.Error("Failed to encode health check response", "error", err.Error())
		}
	}
}

// RegisterDatabaseCheck registers the durable-store ping
func (c *Checker) RegisterDatabaseCheck(ping func(ctx context.Context) error) {
	c.RegisterCheck("database", true, func(ctx context.Context) (Status, string, error) {
		if err := ping(ctx); err != nil {
			return StatusDown, "Database connection failed", err
		}
		return StatusUp, "Database connection is established", nil
	})
}

// RegisterBreakerCheck reports the durable-store breaker: open is down,
// half-open is degraded
func (c *Checker) RegisterBreakerCheck(name string, breaker *resilience.CircuitBreaker) {
	c.RegisterCheck(name, true, func(context.Context) (Status, string, error) {
		switch state := breaker.GetState(); state {
		case resilience.StateOpen:
			return StatusDown, "Circuit open", resilience.ErrCircuitOpen
		case resilience.StateHalfOpen:
			return StatusDegraded, "Circuit half-open", nil
		default:
			return StatusUp, "Circuit " + string(state), nil
		}
	})
}

// RegisterRedisCheck registers a ping of the nonce backend
func (c *Checker) RegisterRedisCheck(client redis.UniversalClient) {
	c.RegisterCheck("redis", true, func(ctx context.Context) (Status, string, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return StatusDown, "Redis ping failed", err
		}
		return StatusUp, "Redis is responding", nil
	})
}
