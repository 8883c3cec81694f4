// Package pool runs stream setup work on a bounded set of goroutines.
package pool

import (
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultSize is the number of concurrent workers.
const DefaultSize = 50

// Pool is a bounded worker pool. When every worker is busy, work runs on the
// submitting goroutine instead of queueing.
type Pool struct {
	group  errgroup.Group
	size   int
	logger *zap.Logger

	running atomic.Int64
	inline  atomic.Int64
}

// New creates a pool with size workers.
func New(size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	p := &Pool{
		size:   size,
		logger: logger.With(zap.String("component", "pool")),
	}
	p.group.SetLimit(size)
	return p
}

// Submit runs fn on a free worker, or on the caller when none is free.
func (p *Pool) Submit(fn func()) {
	started := p.group.TryGo(func() error {
		p.running.Add(1)
		defer p.running.Add(-1)
		fn()
		return nil
	})
	if started {
		return
	}

	p.inline.Add(1)
	p.logger.Debug("pool saturated, running on caller", zap.Int("size", p.size))
	fn()
}

// Running is the number of busy workers.
func (p *Pool) Running() int64 {
	return p.running.Load()
}

// Inline is how many submissions ran on their caller.
func (p *Pool) Inline() int64 {
	return p.inline.Load()
}

// Size is the worker limit.
func (p *Pool) Size() int {
	return p.size
}

// Wait blocks until every worker finished.
func (p *Pool) Wait() {
	_ = p.group.Wait()
}
