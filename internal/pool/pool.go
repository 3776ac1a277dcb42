// Package pool keeps a bounded stack of idle transfer engines so that
// consecutive transfers reuse warm connections.
package pool

import (
	"log/slog"
	"sync"

	"xfer/internal/engine"
	"xfer/internal/metrics"
)

// Pool is a LIFO stack of idle engines. The most recently released engine
// is handed out first.
type Pool struct {
	capacity int
	logger   *slog.Logger
	metrics  *metrics.PoolMetrics

	mu     sync.Mutex
	idle   []*engine.Engine
	closed bool
}

// New returns a pool that keeps at most capacity idle engines. Metrics may
// be nil.
func New(capacity int, logger *slog.Logger, m *metrics.PoolMetrics) *Pool {
	if capacity < 0 {
		capacity = 0
	}
	return &Pool{
		capacity: capacity,
		logger:   logger.With("component", "pool"),
		metrics:  m,
	}
}

// Acquire returns an idle engine or a new one when none is idle.
func (p *Pool) Acquire() *engine.Engine {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		e := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.observe()
		p.mu.Unlock()
		return e
	}
	p.mu.Unlock()

	e := engine.New()
	if p.metrics != nil {
		p.metrics.Created.Inc()
	}
	p.logger.Debug("engine created", "engine", e.ID())
	return e
}

// Release returns e to the pool. It is reset for reuse, or closed when the
// pool is already full.
func (p *Pool) Release(e *engine.Engine) {
	if e == nil || e.Closed() {
		return
	}
	p.mu.Lock()
	if p.closed || len(p.idle) >= p.capacity {
		p.mu.Unlock()
		e.Close()
		if p.metrics != nil {
			p.metrics.Destroyed.Inc()
		}
		p.logger.Debug("engine closed", "engine", e.ID())
		return
	}
	e.Reset()
	p.idle = append(p.idle, e)
	p.observe()
	p.mu.Unlock()
}

// Len returns the number of idle engines.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Capacity returns the maximum number of idle engines kept.
func (p *Pool) Capacity() int { return p.capacity }

// Close closes every idle engine. Engines released afterwards are closed
// immediately.
func (p *Pool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.observe()
	p.mu.Unlock()

	for _, e := range idle {
		e.Close()
	}
}

// observe must be called with mu held.
func (p *Pool) observe() {
	if p.metrics != nil {
		p.metrics.Idle.Set(float64(len(p.idle)))
	}
}
