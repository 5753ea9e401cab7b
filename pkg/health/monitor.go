package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/herbtrace/anchor/pkg/log"
)

// Reporter receives component health transitions. metrics.UpdateComponent
// satisfies it.
type Reporter func(name string, healthy bool, message string)

type probe struct {
	name    string
	checker Checker
	status  *Status
}

// Monitor runs registered checkers on an interval and reports each
// component's status.
type Monitor struct {
	cfg    Config
	report Reporter
	logger zerolog.Logger

	mu     sync.Mutex
	probes []*probe

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a monitor. report may be nil.
func NewMonitor(cfg Config, report Reporter) *Monitor {
	return &Monitor{
		cfg:    cfg.withDefaults(),
		report: report,
		logger: log.WithComponent("health"),
		stopCh: make(chan struct{}),
	}
}

// Register adds a component checker
func (m *Monitor) Register(name string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes = append(m.probes, &probe{name: name, checker: checker, status: NewStatus()})
}

// Start runs an immediate check and then one per interval
func (m *Monitor) Start() {
	go func() {
		m.CheckAll(context.Background())

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CheckAll(context.Background())
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop stops the monitor
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// CheckAll runs every checker once and returns the resulting statuses by name
func (m *Monitor) CheckAll(ctx context.Context) map[string]Status {
	m.mu.Lock()
	probes := append([]*probe(nil), m.probes...)
	m.mu.Unlock()

	var wg sync.WaitGroup
	results := make([]Result, len(probes))
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p *probe) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
			defer cancel()
			results[i] = p.checker.Check(checkCtx)
		}(i, p)
	}
	wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Status, len(probes))
	for i, p := range probes {
		wasHealthy := p.status.Healthy
		p.status.Update(results[i], m.cfg)
		out[p.name] = *p.status

		if wasHealthy != p.status.Healthy {
			ev := m.logger.Info()
			if !p.status.Healthy {
				ev = m.logger.Warn()
			}
			ev.Str("component", p.name).
				Bool("healthy", p.status.Healthy).
				Str("message", results[i].Message).
				Msg("component health changed")
		}
		if m.report != nil {
			m.report(p.name, p.status.Healthy, results[i].Message)
		}
	}
	return out
}

// Names returns the registered component names in sorted order
func (m *Monitor) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.probes))
	for _, p := range m.probes {
		names = append(names, p.name)
	}
	sort.Strings(names)
	return names
}
