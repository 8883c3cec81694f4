// Package sse delivers relay output to an HTTP client as server-sent events.
//
// A Sink queues events from the relay and the heartbeat monitor; Serve writes
// them to the response body. Serve is meant to run as a fasthttp body stream
// writer, so the queue decouples the relay from the connection.
package sse

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultBufferSize is the number of events queued before senders block.
	DefaultBufferSize = 256

	// DefaultTimeout is the absolute lifetime of a stream.
	DefaultTimeout = 10 * time.Minute
)

var (
	// ErrClosed is returned by sends after the stream was closed or aborted.
	ErrClosed = errors.New("sse: stream closed")

	// ErrTimeout ends a stream that outlived its absolute timeout.
	ErrTimeout = errors.New("sse: stream timed out")
)

type kind int

const (
	kindToken kind = iota
	kindFinal
	kindError
	kindKeepalive
)

type event struct {
	kind kind
	data string
}

// Config configures a Sink. Zero values fall back to defaults; a negative
// Timeout disables the absolute timeout.
type Config struct {
	BufferSize int
	Timeout    time.Duration
}

// Sink is one server-sent event stream.
type Sink struct {
	id     string
	events chan event
	logger *zap.Logger

	mu       sync.Mutex
	closed   bool
	terminal bool
	err      error

	closing   chan struct{}
	closeOnce sync.Once
	aborted   chan struct{}
	abortOnce sync.Once
	done      chan struct{}
	serveOnce sync.Once
	timer     *time.Timer
}

// NewSink creates a sink and starts its absolute timeout.
func NewSink(id string, config Config, logger *zap.Logger) *Sink {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}

	s := &Sink{
		id:      id,
		events:  make(chan event, config.BufferSize),
		logger:  logger.With(zap.String("component", "sse"), zap.String("stream_id", id)),
		closing: make(chan struct{}),
		aborted: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if config.Timeout > 0 {
		s.timer = time.AfterFunc(config.Timeout, func() {
			s.Abort(ErrTimeout)
		})
	}
	return s
}

// ID returns the stream identifier.
func (s *Sink) ID() string {
	return s.id
}

// Done is closed once Serve returned.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

// Err is the reason the stream ended abnormally: a timeout, an abort, or a
// write failure. It is nil for a stream that was closed normally.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SendToken queues a token event, blocking while the queue is full.
func (s *Sink) SendToken(token string) error {
	return s.send(event{kind: kindToken, data: token}, false)
}

// SendFinal queues the final event. Strings are sent as text, anything else
// as JSON. A result that cannot be encoded is reported with an error event
// instead, and its encoding error is returned.
func (s *Sink) SendFinal(result any) error {
	var data string
	switch v := result.(type) {
	case string:
		data = v
	case []byte:
		data = string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			err = fmt.Errorf("marshal final result: %w", err)
			if sendErr := s.SendError(err); sendErr != nil {
				return errors.Join(err, sendErr)
			}
			return err
		}
		data = string(b)
	}
	return s.send(event{kind: kindFinal, data: data}, true)
}

// SendError queues the error event.
func (s *Sink) SendError(err error) error {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return s.send(event{kind: kindError, data: msg}, true)
}

// Keepalive queues a keepalive without blocking. A full queue means the
// stream is not idle, so the keepalive is dropped. A closed stream that is
// still draining its queue needs no keepalive; only an aborted or finished
// stream reports ErrClosed.
func (s *Sink) Keepalive() error {
	select {
	case <-s.aborted:
		return ErrClosed
	case <-s.done:
		return ErrClosed
	default:
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}

	select {
	case s.events <- event{kind: kindKeepalive}:
	default:
	}
	return nil
}

// Close ends the stream after every queued event was written.
func (s *Sink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		close(s.closing)
	})
	return nil
}

// Abort ends the stream immediately with err. Queued events are dropped.
func (s *Sink) Abort(err error) {
	s.abortOnce.Do(func() {
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.closed = true
		s.mu.Unlock()
		close(s.aborted)
	})
}

func (s *Sink) check(terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if terminal {
		if s.terminal {
			return ErrClosed
		}
		s.terminal = true
	}
	return nil
}

func (s *Sink) send(ev event, terminal bool) error {
	if err := s.check(terminal); err != nil {
		return err
	}
	select {
	case s.events <- ev:
		return nil
	case <-s.aborted:
		return ErrClosed
	case <-s.done:
		return ErrClosed
	}
}

// Serve writes events to w until the stream is closed, aborted, or a write
// fails. It returns once and closes Done; later calls return immediately.
func (s *Sink) Serve(w *bufio.Writer) {
	s.serveOnce.Do(func() {
		s.serve(w)
	})
}

func (s *Sink) serve(w *bufio.Writer) {
	defer close(s.done)
	if s.timer != nil {
		defer s.timer.Stop()
	}

	wroteTerminal := false
	write := func(ev event) bool {
		if err := writeEvent(w, ev); err != nil {
			s.logger.Debug("client went away", zap.Error(err))
			s.Abort(fmt.Errorf("write event: %w", err))
			return false
		}
		if ev.kind == kindFinal || ev.kind == kindError {
			wroteTerminal = true
		}
		return true
	}

	_, err := w.WriteString(": start\n\n")
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		s.Abort(fmt.Errorf("write start: %w", err))
		return
	}

	for {
		select {
		case ev := <-s.events:
			if !write(ev) {
				return
			}

		case <-s.closing:
			for {
				select {
				case ev := <-s.events:
					if !write(ev) {
						return
					}
				default:
					return
				}
			}

		case <-s.aborted:
			if !wroteTerminal && errors.Is(s.Err(), ErrTimeout) {
				_ = writeEvent(w, event{kind: kindError, data: ErrTimeout.Error()})
			}
			return
		}
	}
}

// writeEvent writes one event in wire format and flushes it.
func writeEvent(w *bufio.Writer, ev event) error {
	var b strings.Builder
	switch ev.kind {
	case kindKeepalive:
		b.WriteString("event: keepalive\n: ping\n\n")
	case kindToken:
		writeData(&b, ev.data)
	case kindFinal:
		b.WriteString("event: final\n")
		writeData(&b, ev.data)
	case kindError:
		b.WriteString("event: error\n")
		writeData(&b, ev.data)
	}

	if _, err := w.WriteString(b.String()); err != nil {
		return err
	}
	return w.Flush()
}

// writeData splits data over as many data fields as it has lines.
func writeData(b *strings.Builder, data string) {
	data = strings.ReplaceAll(data, "\r\n", "\n")
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
}
