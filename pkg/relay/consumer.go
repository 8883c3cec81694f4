// Package relay turns an upstream NDJSON generation stream into batched token
// deliveries on a downstream Sink.
//
// A Consumer drains lines from a credit-controlled source, parses each line as
// a chunk, accumulates the text fragments and flushes them to its sink at most
// once per latency window. A Handle ties one consumer to the upstream request
// feeding it so that a single Cancel releases both.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/coach/pkg/llm"
)

const (
	// DefaultCreditBatch is the number of lines granted per credit request.
	DefaultCreditBatch = 32

	// DefaultMaxLatency bounds how long tokens may sit in a batch.
	DefaultMaxLatency = time.Second

	// DefaultCancelGrace is how long a canceled consumer may stay blocked on
	// its sink before the sink is aborted.
	DefaultCancelGrace = time.Second
)

// LineSource is the consumer side of a credit-controlled line sequence.
// flow.Feed implements it.
type LineSource interface {
	// Lines delivers lines in arrival order and is closed when the
	// upstream sequence ends.
	Lines() <-chan string
	// Request grants the producer n more lines.
	Request(n int)
	// Err is the reason Lines was closed, nil for a natural end.
	Err() error
}

// UpstreamError is an error reported by the upstream inside the stream.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string {
	return "upstream error: " + e.Message
}

// deliveryError marks a failure of the sink itself.
type deliveryError struct {
	err error
}

func (e *deliveryError) Error() string {
	return fmt.Sprintf("deliver to sink: %v", e.err)
}

func (e *deliveryError) Unwrap() error {
	return e.err
}

// Options configures a Consumer. Zero values fall back to defaults.
type Options struct {
	// CreditBatch is the size of each credit grant.
	CreditBatch int

	// MaxLatency bounds the time between a token arriving and its flush.
	MaxLatency time.Duration

	// EmitDeltas sends every flushed batch to the sink. When false the
	// batches are only accumulated into the final result.
	EmitDeltas bool

	// Finalize converts the full text into the final result. A nil
	// Finalize delivers the text itself.
	Finalize func(full string) (any, error)

	// CancelGrace bounds how long a canceled consumer waits on a blocked
	// sink. Only sinks implementing Aborter can be released.
	CancelGrace time.Duration

	Activity Activity
	Recorder Recorder
	Logger   *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.CreditBatch <= 0 {
		o.CreditBatch = DefaultCreditBatch
	}
	if o.MaxLatency <= 0 {
		o.MaxLatency = DefaultMaxLatency
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = DefaultCancelGrace
	}
	if o.Activity == nil {
		o.Activity = nopActivity{}
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Consumer processes the lines of one upstream stream. It is single use.
type Consumer struct {
	id     string
	source LineSource
	sink   Sink
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	state      atomic.Int32
	released   atomic.Bool
	cancelOnce sync.Once
	canceled   chan struct{}
	done       chan struct{}

	// Owned by the Run goroutine.
	batch     strings.Builder
	full      strings.Builder
	consumed  int
	lastFlush time.Time
}

// NewConsumer creates a consumer in StateIdle.
func NewConsumer(id string, source LineSource, sink Sink, opts Options) *Consumer {
	opts = opts.withDefaults()
	return &Consumer{
		id:       id,
		source:   source,
		sink:     sink,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("stream_id", id)),
		now:      time.Now,
		canceled: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// Done is closed once the consumer reached a terminal state.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Cancel stops the consumer from pulling further lines. It is safe to call
// any number of times, including after the stream ended.
func (c *Consumer) Cancel() {
	c.cancelOnce.Do(func() {
		close(c.canceled)
	})
}

// Run drains the source until it ends, fails, or the consumer is cancelled,
// then delivers exactly one terminal signal to the sink and closes it. Run
// returns the terminal state. Calling Run more than once returns immediately.
func (c *Consumer) Run(ctx context.Context) State {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateRequesting)) {
		return c.State()
	}
	defer close(c.done)

	release := c.releaseOnCancel(ctx)
	defer release()

	c.source.Request(c.opts.CreditBatch)
	c.lastFlush = c.now()

	timer := time.NewTimer(c.opts.MaxLatency)
	timer.Stop()
	defer timer.Stop()
	armed := false

	lines := c.source.Lines()
	for {
		select {
		case <-c.canceled:
			return c.cancel()
		case <-ctx.Done():
			return c.cancel()
		default:
		}

		var timerC <-chan time.Time
		if armed {
			timerC = timer.C
		}

		select {
		case <-c.canceled:
			return c.cancel()

		case <-ctx.Done():
			return c.cancel()

		case <-timerC:
			armed = false
			if err := c.flush(); err != nil {
				return c.fail(err)
			}

		case line, ok := <-lines:
			if !ok {
				return c.end(ctx)
			}
			last, err := c.process(line)
			if err != nil {
				return c.fail(err)
			}
			if last {
				return c.complete()
			}
		}

		switch pending := c.batch.Len() > 0; {
		case pending && !armed:
			wait := c.opts.MaxLatency - c.now().Sub(c.lastFlush)
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
			armed = true
		case !pending && armed:
			timer.Stop()
			armed = false
		}
	}
}

// releaseOnCancel aborts the sink if the consumer is still running one grace
// period after it was canceled, which only happens while a send is blocked on
// a sink that stopped draining. The returned func stops the watch.
func (c *Consumer) releaseOnCancel(ctx context.Context) func() {
	aborter, ok := c.sink.(Aborter)
	if !ok {
		return func() {}
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-c.canceled:
		case <-ctx.Done():
		case <-stop:
			return
		}

		grace := time.NewTimer(c.opts.CancelGrace)
		defer grace.Stop()
		select {
		case <-stop:
		case <-grace.C:
			c.logger.Warn("sink blocked after cancel, aborting it")
			c.released.Store(true)
			aborter.Abort(ErrCanceled)
		}
	}()
	return func() { close(stop) }
}

// process handles one line and reports whether it was the last chunk.
func (c *Consumer) process(line string) (bool, error) {
	c.state.CompareAndSwap(int32(StateRequesting), int32(StateDraining))
	defer c.replenish()

	if strings.TrimSpace(line) == "" {
		return false, nil
	}

	var chunk llm.StreamChunk
	if err := json.Unmarshal([]byte(line), &chunk); err != nil {
		c.logger.Warn("skipping malformed line", zap.Error(err), zap.String("line", truncate(line, 200)))
		c.opts.Recorder.MalformedLine()
		return false, nil
	}

	if chunk.Error != "" {
		return false, &UpstreamError{Message: chunk.Error}
	}

	if token := chunk.Token(); token != "" {
		c.batch.WriteString(token)
	}

	if c.now().Sub(c.lastFlush) > c.opts.MaxLatency {
		if err := c.flush(); err != nil {
			return false, err
		}
	}

	return chunk.Done, nil
}

// replenish grants another batch once the previous one has been consumed.
func (c *Consumer) replenish() {
	c.consumed++
	if c.consumed >= c.opts.CreditBatch {
		c.source.Request(c.opts.CreditBatch)
		c.consumed = 0
	}
}

// flush emits the pending batch. Empty batches are never flushed.
func (c *Consumer) flush() error {
	if c.batch.Len() == 0 {
		return nil
	}

	token := c.batch.String()
	c.batch.Reset()
	c.lastFlush = c.now()
	c.full.WriteString(token)

	if !c.opts.EmitDeltas {
		return nil
	}

	if err := c.sink.SendToken(token); err != nil {
		return &deliveryError{err: err}
	}
	c.opts.Recorder.Flushed(len(token))
	c.opts.Activity.Touch(c.id)

	c.logger.Debug("flushed batch", zap.Int("bytes", len(token)))
	return nil
}

// end handles the source closing without a terminal chunk.
func (c *Consumer) end(ctx context.Context) State {
	select {
	case <-c.canceled:
		return c.cancel()
	default:
	}
	if ctx.Err() != nil {
		return c.cancel()
	}

	if err := c.source.Err(); err != nil {
		return c.fail(err)
	}
	return c.complete()
}

func (c *Consumer) complete() State {
	if err := c.flush(); err != nil {
		return c.fail(err)
	}

	full := c.full.String()
	var result any = full
	if c.opts.Finalize != nil {
		var err error
		if result, err = c.opts.Finalize(full); err != nil {
			return c.finish(StateFailed, func() error {
				return c.sink.SendError(fmt.Errorf("finalize result: %w", err))
			})
		}
	}

	return c.finish(StateCompleted, func() error {
		return c.sink.SendFinal(result)
	})
}

func (c *Consumer) fail(cause error) State {
	if c.released.Load() {
		// The send failed because the canceled stream's sink was aborted.
		return c.cancel()
	}

	var delivery *deliveryError
	if !errors.As(cause, &delivery) {
		// The sink is still healthy: give it what was buffered first.
		if err := c.flush(); err != nil {
			c.logger.Warn("final flush failed", zap.Error(err))
		}
	}

	c.logger.Warn("stream failed", zap.Error(cause))
	return c.finish(StateFailed, func() error {
		return c.sink.SendError(cause)
	})
}

func (c *Consumer) cancel() State {
	return c.finish(StateCanceled, func() error {
		return c.sink.SendError(ErrCanceled)
	})
}

// finish moves to the terminal state, delivers the terminal signal and closes
// the sink. Only the Run goroutine gets here, once.
func (c *Consumer) finish(state State, deliver func() error) State {
	if err := deliver(); err != nil {
		c.logger.Debug("terminal signal not delivered", zap.Error(err))
		if state == StateCompleted {
			state = StateFailed
		}
	}
	if err := c.sink.Close(); err != nil {
		c.logger.Debug("closing sink", zap.Error(err))
	}

	c.state.Store(int32(state))
	c.opts.Recorder.Finished(state)

	c.logger.Debug("stream finished",
		zap.String("state", state.String()),
		zap.Int("bytes", c.full.Len()),
	)
	return state
}

// truncate shortens s for logging.
func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
