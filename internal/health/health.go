// Package health implements the liveness, readiness, and full health
// probes for the pipeline services.
package health

import (
	"context"
	"time"
)

// Status is an aggregated health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Result is the outcome of one dependency check.
type Result struct {
	Healthy   bool    `json:"healthy"`
	LatencyMS float64 `json:"latency_ms,omitempty"`
	Message   string  `json:"message,omitempty"`
}

// Pinger is anything that answers a reachability probe; the Redis
// adapter and the state store both satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerChecker reports log producer health.
type BrokerChecker interface {
	Healthy(ctx context.Context) error
}

// CheckPing times a Ping against a dependency.
func CheckPing(ctx context.Context, p Pinger, timeout time.Duration) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := p.Ping(ctx); err != nil {
		return Result{Healthy: false, Message: err.Error()}
	}
	return Result{Healthy: true, LatencyMS: roundMS(time.Since(start))}
}

// CheckBroker times the producer's health probe.
func CheckBroker(ctx context.Context, b BrokerChecker, timeout time.Duration) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := b.Healthy(ctx); err != nil {
		return Result{Healthy: false, Message: err.Error()}
	}
	return Result{Healthy: true, LatencyMS: roundMS(time.Since(start))}
}

func roundMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

// Aggregate folds component results into one status: all healthy means
// healthy, none healthy means unhealthy, anything else is degraded.
func Aggregate(checks map[string]Result) Status {
	if len(checks) == 0 {
		return StatusHealthy
	}
	healthy := 0
	for _, r := range checks {
		if r.Healthy {
			healthy++
		}
	}
	switch healthy {
	case len(checks):
		return StatusHealthy
	case 0:
		return StatusUnhealthy
	default:
		return StatusDegraded
	}
}

// Report is the health endpoint response body.
type Report struct {
	Status    Status            `json:"status"`
	Checks    map[string]Result `json:"checks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewReport aggregates checks into a response.
func NewReport(checks map[string]Result) Report {
	return Report{
		Status:    Aggregate(checks),
		Checks:    checks,
		Timestamp: time.Now().UTC(),
	}
}
