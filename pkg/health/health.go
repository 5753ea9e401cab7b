package health

import (
	"context"
	"time"
)

// Result is the outcome of one probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one component
type Checker interface {
	Check(ctx context.Context) Result
}

// Config controls how often components are probed and how many failures
// it takes to mark one down.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration

	// Retries is the number of consecutive failures before a component is
	// reported unhealthy.
	Retries int

	// Failures inside StartPeriod are not counted.
	StartPeriod time.Duration
}

// DefaultConfig returns the probe settings used when a field is left zero
func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Retries <= 0 {
		c.Retries = d.Retries
	}
	return c
}

// Status folds successive results for one component. A component starts
// healthy and a single success restores it.
type Status struct {
	Healthy             bool
	ConsecutiveFailures int
	LastResult          Result
	StartedAt           time.Time
}

// NewStatus returns a healthy status starting now
func NewStatus() *Status {
	return &Status{Healthy: true, StartedAt: time.Now()}
}

// Update applies a probe result
func (s *Status) Update(r Result, cfg Config) {
	s.LastResult = r
	switch {
	case r.Healthy:
		s.Healthy = true
		s.ConsecutiveFailures = 0
	case cfg.StartPeriod > 0 && time.Since(s.StartedAt) < cfg.StartPeriod:
	default:
		s.ConsecutiveFailures++
		if s.ConsecutiveFailures >= cfg.Retries {
			s.Healthy = false
		}
	}
}
