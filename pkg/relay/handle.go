package relay

import (
	"context"
	"sync"

	"github.com/papercomputeco/coach/pkg/flow"
)

// Opener starts the upstream request and pushes its lines into feed until the
// upstream ends or ctx is cancelled. It must not close the feed.
type Opener func(ctx context.Context, feed *flow.Feed) error

// Handle controls one running stream: the upstream request and the consumer
// draining it.
type Handle struct {
	id       string
	consumer *Consumer
	cancel   context.CancelFunc
	once     sync.Once

	upstreamDone chan struct{}
	upstreamErr  error
	done         chan struct{}
}

// Start opens the upstream with open and relays its lines to sink in the
// background. The returned handle is done once the consumer delivered its
// terminal signal and the upstream request returned.
func Start(ctx context.Context, id string, open Opener, sink Sink, opts Options) *Handle {
	opts = opts.withDefaults()

	streamCtx, cancel := context.WithCancel(ctx)
	feed := flow.NewFeed(opts.CreditBatch)

	h := &Handle{
		id:           id,
		consumer:     NewConsumer(id, feed, sink, opts),
		cancel:       cancel,
		upstreamDone: make(chan struct{}),
		done:         make(chan struct{}),
	}

	go func() {
		defer close(h.upstreamDone)
		h.upstreamErr = open(streamCtx, feed)
		feed.Close(h.upstreamErr)
	}()

	go func() {
		defer close(h.done)
		h.consumer.Run(streamCtx)
		// The consumer is terminal; nothing reads the feed anymore.
		cancel()
		<-h.upstreamDone
	}()

	return h
}

// ID returns the stream identifier.
func (h *Handle) ID() string {
	return h.id
}

// Cancel stops the stream. The consumer stops pulling lines and the upstream
// request is aborted. Safe to call any number of times, also after the stream
// ended; a finished stream never gets a second terminal signal.
func (h *Handle) Cancel() {
	h.once.Do(func() {
		h.consumer.Cancel()
		h.cancel()
	})
}

// Done is closed once the stream fully stopped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the stream stopped and returns its terminal state.
func (h *Handle) Wait() State {
	<-h.done
	return h.consumer.State()
}

// State returns the consumer's current state.
func (h *Handle) State() State {
	return h.consumer.State()
}

// UpstreamErr returns the error the upstream request ended with. Only
// meaningful after Done.
func (h *Handle) UpstreamErr() error {
	select {
	case <-h.done:
		return h.upstreamErr
	default:
		return nil
	}
}
