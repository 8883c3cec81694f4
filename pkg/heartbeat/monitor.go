// Package heartbeat keeps idle streams alive. A single Monitor scans every
// registered stream on a fixed tick and sends a keepalive to each one that has
// not delivered anything within the idle threshold.
package heartbeat

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultInterval is how often the registry is scanned.
	DefaultInterval = 10 * time.Second

	// DefaultIdleThreshold is how long a stream may stay silent before it
	// gets a keepalive.
	DefaultIdleThreshold = 59 * time.Second

	shardCount = 16
)

// Target is a stream that can receive keepalives.
type Target interface {
	// Keepalive sends a keepalive signal without blocking.
	Keepalive() error
	// Abort terminates the stream with err after a keepalive failed.
	Abort(err error)
}

// Recorder observes keepalive outcomes.
type Recorder interface {
	KeepaliveSent()
	KeepaliveFailed()
}

type nopRecorder struct{}

func (nopRecorder) KeepaliveSent() {}
func (nopRecorder) KeepaliveFailed() {}

// Config is the monitor configuration. Zero values fall back to defaults.
type Config struct {
	Interval      time.Duration
	IdleThreshold time.Duration
	Recorder      Recorder

	// Now is the clock used for activity times. Defaults to time.Now.
	Now func() time.Time
}

type entry struct {
	target Target
	// last is the unix nanosecond time of the last delivery.
	last atomic.Int64
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Monitor is the registry of live streams plus the keepalive scan.
type Monitor struct {
	interval time.Duration
	idle     time.Duration
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time

	shards [shardCount]shard
}

// NewMonitor creates an empty monitor. Call Run to start scanning.
func NewMonitor(config Config, logger *zap.Logger) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.IdleThreshold <= 0 {
		config.IdleThreshold = DefaultIdleThreshold
	}
	if config.Recorder == nil {
		config.Recorder = nopRecorder{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	m := &Monitor{
		interval: config.Interval,
		idle:     config.IdleThreshold,
		recorder: config.Recorder,
		logger:   logger.With(zap.String("component", "heartbeat")),
		now:      config.Now,
	}
	for i := range m.shards {
		m.shards[i].entries = make(map[string]*entry)
	}
	return m
}

func (m *Monitor) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &m.shards[h.Sum32()%shardCount]
}

// Register adds a stream with its activity time set to now. Registering an id
// again replaces the previous target.
func (m *Monitor) Register(id string, target Target) {
	e := &entry{target: target}
	e.last.Store(m.now().UnixNano())

	s := m.shardFor(id)
	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()
}

// Touch records that the stream just delivered something. Unknown ids are
// ignored.
func (m *Monitor) Touch(id string) {
	s := m.shardFor(id)
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if ok {
		e.last.Store(m.now().UnixNano())
	}
}

// Remove drops a stream from the registry. Removing twice is harmless.
func (m *Monitor) Remove(id string) {
	s := m.shardFor(id)
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// drop removes id only if it still maps to e, so a stream registered again
// under the same id survives the failure of its predecessor.
func (m *Monitor) drop(id string, e *entry) {
	s := m.shardFor(id)
	s.mu.Lock()
	if s.entries[id] == e {
		delete(s.entries, id)
	}
	s.mu.Unlock()
}

// Len is the number of registered streams.
func (m *Monitor) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Run scans the registry every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Debug("heartbeat monitor started",
		zap.Duration("interval", m.interval),
		zap.Duration("idle_threshold", m.idle),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(m.now())
		}
	}
}

type candidate struct {
	id string
	e  *entry
}

// Tick sends a keepalive to every stream idle for at least the threshold at
// time now and returns how many were sent. A stream whose keepalive fails is
// removed and aborted.
func (m *Monitor) Tick(now time.Time) int {
	cutoff := now.Add(-m.idle).UnixNano()
	sent := 0

	var due []candidate
	for i := range m.shards {
		s := &m.shards[i]

		due = due[:0]
		s.mu.RLock()
		for id, e := range s.entries {
			if e.last.Load() <= cutoff {
				due = append(due, candidate{id: id, e: e})
			}
		}
		s.mu.RUnlock()

		for _, c := range due {
			if err := c.e.target.Keepalive(); err != nil {
				m.logger.Debug("keepalive failed",
					zap.String("stream_id", c.id),
					zap.Error(err),
				)
				m.recorder.KeepaliveFailed()
				m.drop(c.id, c.e)
				c.e.target.Abort(err)
				continue
			}
			c.e.last.Store(now.UnixNano())
			m.recorder.KeepaliveSent()
			sent++
		}
	}
	return sent
}
