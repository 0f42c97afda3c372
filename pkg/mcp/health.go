package mcp

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// HealthMonitor probes every registered MCP on a fixed cadence, updating
// descriptor health and feeding probe outcomes into the breakers.
type HealthMonitor struct {
	coordinator *Coordinator
	interval    time.Duration
	timeout     time.Duration
	logger      *slog.Logger
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewHealthMonitor creates a monitor bound to the coordinator's registry.
func NewHealthMonitor(coordinator *Coordinator) *HealthMonitor {
	return &HealthMonitor{
		coordinator: coordinator,
		interval:    coordinator.cfg.HealthInterval(),
		timeout:     coordinator.cfg.HealthTimeout(),
		logger:      slog.Default().With("component", "mcp-health"),
	}
}

// Start launches the probe loop. An immediate first sweep runs before the
// ticker cadence begins.
func (m *HealthMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		m.sweep(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
	m.logger.Info("Health monitor started", "interval", m.interval)
}

// Stop halts the probe loop and waits for it to exit.
func (m *HealthMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// sweep probes every registered MCP concurrently.
func (m *HealthMonitor) sweep(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range m.coordinator.registry.Names() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			m.probe(ctx, name)
		}(name)
	}
	wg.Wait()
}

// probe performs one cheap health call (a tool listing) and records the
// outcome on the breaker and the health map.
func (m *HealthMonitor) probe(ctx context.Context, name string) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	br := m.coordinator.breakerFor(name)
	if err := br.Allow(); err != nil {
		// Breaker still open: skip the probe, health stays as observed.
		return
	}

	cl, err := m.coordinator.client(probeCtx, name)
	if err == nil {
		_, err = cl.listTools(probeCtx)
		if err != nil {
			m.coordinator.dropClient(name, cl)
		}
	}

	if err != nil {
		br.RecordFailure()
		m.setHealth(name, HealthUnhealthy)
		m.logger.Warn("Health probe failed", "mcp", name, "error", err)
		return
	}
	br.RecordSuccess()
	m.setHealth(name, HealthHealthy)
}

// setHealth updates the coordinator's health map, notifying the status
// callback only on transitions.
func (m *HealthMonitor) setHealth(name string, state HealthState) {
	c := m.coordinator
	c.mu.Lock()
	previous := c.health[name]
	c.health[name] = state
	c.mu.Unlock()

	if previous != state {
		m.logger.Info("MCP health changed", "mcp", name, "from", previous, "to", state)
		c.notifyStatus(name, c.breakerFor(name).State())
	}
}
