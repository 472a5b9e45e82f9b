// Package health exposes the liveness surface the collaborating HTTP layer
// polls. The core contract is a boolean: is the broker connection usable
// right now. Richer checkers are provided for diagnostics endpoints.
package health

import (
	"context"
	"time"
)

// Status is the outcome of a health check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult carries the outcome and diagnostics of one check.
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Checker is a named health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}
