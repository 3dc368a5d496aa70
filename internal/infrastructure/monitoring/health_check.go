package monitoring

import (
	"context"
	"sync"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Dependency is a backend the settlement service reports on in /ready. A
// failing critical dependency makes the instance unready; any other failure
// only degrades it.
type Dependency struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
	// Interval is how long a result is reused before the check runs again.
	Interval time.Duration
	Timeout  time.Duration
}

type checkResult struct {
	err       error
	checkedAt time.Time
}

// HealthChecker aggregates dependency checks. Results are cached per
// dependency so frequent readiness polls do not hammer the backends.
type HealthChecker struct {
	mu      sync.Mutex
	deps    []Dependency
	results map[string]checkResult
	clock   func() time.Time
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		results: make(map[string]checkResult),
		clock:   time.Now,
	}
}

// Register adds dep. Registering a name twice replaces the earlier check.
func (h *HealthChecker) Register(dep Dependency) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.deps {
		if h.deps[i].Name == dep.Name {
			h.deps[i] = dep
			delete(h.results, dep.Name)
			return
		}
	}
	h.deps = append(h.deps, dep)
}

// CheckAll reports every dependency. The overall status is unhealthy if a
// critical dependency fails and degraded if only optional ones do.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock()
	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: now,
		Checks:    make(map[string]string, len(h.deps)),
	}

	for _, dep := range h.deps {
		res, ok := h.results[dep.Name]
		if !ok || dep.Interval <= 0 || now.Sub(res.checkedAt) >= dep.Interval {
			res = checkResult{err: runCheck(ctx, dep), checkedAt: now}
			h.results[dep.Name] = res
		}

		if res.err == nil {
			status.Checks[dep.Name] = StatusHealthy
			continue
		}
		status.Checks[dep.Name] = res.err.Error()
		if dep.Critical {
			status.Status = StatusUnhealthy
		} else if status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}

	return status
}

// IsReady is false only when a critical dependency is down.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status != StatusUnhealthy
}

func runCheck(ctx context.Context, dep Dependency) error {
	if dep.Timeout <= 0 {
		return dep.Check(ctx)
	}
	checkCtx, cancel := context.WithTimeout(ctx, dep.Timeout)
	defer cancel()
	return dep.Check(checkCtx)
}
