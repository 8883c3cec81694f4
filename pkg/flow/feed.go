// Package flow implements credit-based flow control between a line producer
// (the upstream transport) and a single consumer.
//
// A Feed is a bounded channel paired with a credit counter. The producer may
// only deliver a line while it holds credit; the consumer grants credit in
// batches as it drains. A stalled consumer therefore stops the producer after
// at most the granted number of lines, without blocking any consumer goroutine.
package flow

import (
	"context"
	"sync"
)

// Stats is a snapshot of a feed's credit accounting.
type Stats struct {
	// Granted is the total credit ever granted by the consumer.
	Granted int64
	// Delivered is the number of lines handed to the consumer.
	Delivered int64
}

// Outstanding is the credit not yet used by the producer.
func (s Stats) Outstanding() int64 {
	return s.Granted - s.Delivered
}

// Feed carries lines from one producer to one consumer.
type Feed struct {
	lines chan string

	mu        sync.Mutex
	credit    int64
	granted   int64
	delivered int64
	err       error
	closed    bool

	// signal wakes a producer waiting for credit.
	signal chan struct{}
}

// NewFeed creates a feed whose queue holds up to capacity lines. Capacity must
// be at least the consumer's credit batch so that a credited Push never waits
// on the queue itself.
func NewFeed(capacity int) *Feed {
	if capacity < 1 {
		capacity = 1
	}
	return &Feed{
		lines:  make(chan string, capacity),
		signal: make(chan struct{}, 1),
	}
}

// Lines is the consumer side of the feed. It is closed after Close.
func (f *Feed) Lines() <-chan string {
	return f.lines
}

// Request grants the producer n more lines. Non-positive grants are ignored,
// so the credit counter can never go negative.
func (f *Feed) Request(n int) {
	if n <= 0 {
		return
	}

	f.mu.Lock()
	f.credit += int64(n)
	f.granted += int64(n)
	f.mu.Unlock()

	select {
	case f.signal <- struct{}{}:
	default:
	}
}

// Push delivers one line, waiting for credit when none is left. It returns the
// context error if ctx is done first. Push must not be called after Close.
func (f *Feed) Push(ctx context.Context, line string) error {
	if err := f.acquire(ctx); err != nil {
		return err
	}

	select {
	case f.lines <- line:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Feed) acquire(ctx context.Context) error {
	for {
		f.mu.Lock()
		if f.credit > 0 {
			f.credit--
			f.delivered++
			f.mu.Unlock()
			return nil
		}
		f.mu.Unlock()

		select {
		case <-f.signal:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close ends the feed. err is the reason the producer stopped; nil means the
// upstream sequence completed normally. Only the first call has an effect.
func (f *Feed) Close(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	f.err = err
	close(f.lines)
}

// Err reports why the feed was closed. Only meaningful once Lines is drained.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Stats returns the current credit accounting.
func (f *Feed) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{Granted: f.granted, Delivered: f.delivered}
}
