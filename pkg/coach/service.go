// Package coach orchestrates personalized generation streams: it looks up the
// resume, renders the prompts, opens the upstream stream and ties the relay,
// the heartbeat monitor and the client stream together.
package coach

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/coach/pkg/flow"
	"github.com/papercomputeco/coach/pkg/heartbeat"
	"github.com/papercomputeco/coach/pkg/llm"
	"github.com/papercomputeco/coach/pkg/pool"
	"github.com/papercomputeco/coach/pkg/prompt"
	"github.com/papercomputeco/coach/pkg/relay"
	"github.com/papercomputeco/coach/pkg/resume"
)

// Stream kinds, used for logging and metrics.
const (
	KindInterview    = "interview"
	KindLearningPath = "learning_path"
	KindGreeting     = "greeting"
)

// GreetingPrompt is the fixed prompt of the greeting stream.
const GreetingPrompt = "Hello! Please introduce yourself in two lines or fewer."

// ErrShuttingDown is delivered to streams requested after Shutdown.
var ErrShuttingDown = errors.New("service is shutting down")

// Upstream opens generation streams. ollama.Client implements it.
type Upstream interface {
	NewRequest(system, user string, opts *llm.Options) llm.ChatRequest
	Stream(ctx context.Context, req llm.ChatRequest, feed *flow.Feed) error
}

// Stream is a client connection that receives one generation.
// sse.Sink implements it.
type Stream interface {
	relay.Sink
	heartbeat.Target

	ID() string
	// Done is closed once the client connection finished.
	Done() <-chan struct{}
	// Err is non-nil when the connection ended abnormally.
	Err() error
}

// Recorder observes streams. metrics.Collector implements it.
type Recorder interface {
	relay.Recorder
	StreamStarted(kind string)
}

type nopRecorder struct{}

func (nopRecorder) StreamStarted(string) {}
func (nopRecorder) Flushed(int) {}
func (nopRecorder) MalformedLine() {}
func (nopRecorder) Finished(relay.State) {}

// Config tunes the relay of every stream.
type Config struct {
	CreditBatch int
	MaxLatency  time.Duration
}

// Service starts and tracks generation streams.
type Service struct {
	resumes  resume.Store
	prompts  *prompt.Loader
	upstream Upstream
	monitor  *heartbeat.Monitor
	pool     *pool.Pool
	recorder Recorder
	config   Config
	logger   *zap.Logger

	mu      sync.Mutex
	handles map[string]*relay.Handle
	closed  bool
	wg      sync.WaitGroup
}

// Options holds the collaborators of a Service. Recorder may be nil.
type Options struct {
	Resumes  resume.Store
	Prompts  *prompt.Loader
	Upstream Upstream
	Monitor  *heartbeat.Monitor
	Pool     *pool.Pool
	Recorder Recorder
	Config   Config
}

// New creates a Service.
func New(opts Options, logger *zap.Logger) *Service {
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	return &Service{
		resumes:  opts.Resumes,
		prompts:  opts.Prompts,
		upstream: opts.Upstream,
		monitor:  opts.Monitor,
		pool:     opts.Pool,
		recorder: opts.Recorder,
		config:   opts.Config,
		logger:   logger.With(zap.String("component", "coach")),
		handles:  make(map[string]*relay.Handle),
	}
}

// generation is everything needed to open one upstream stream.
type generation struct {
	kind     string
	system   string
	user     string
	options  *llm.Options
	deltas   bool
	finalize func(full string) (any, error)
}

// StreamMockInterview streams mock interview questions personalized for the
// resume. ctx is the parent of the whole stream, not of the HTTP request.
func (s *Service) StreamMockInterview(ctx context.Context, resumeID string, deltas bool, stream Stream) {
	s.submit(ctx, stream, func(ctx context.Context) (generation, error) {
		res, err := s.resumes.Get(ctx, resumeID)
		if err != nil {
			return generation{}, err
		}
		prompts := s.prompts.Prompts()
		return generation{
			kind:    KindInterview,
			system:  prompts.InterviewSystem,
			user:    prompt.Render(prompts.InterviewUser, resumeVars(res)),
			options: llm.CreativeOptions(),
			deltas:  deltas,
			finalize: func(full string) (any, error) {
				return ParseInterview(full, resumeID), nil
			},
		}, nil
	})
}

// StreamLearningPath streams a learning path personalized for the resume.
func (s *Service) StreamLearningPath(ctx context.Context, resumeID string, deltas bool, stream Stream) {
	s.submit(ctx, stream, func(ctx context.Context) (generation, error) {
		res, err := s.resumes.Get(ctx, resumeID)
		if err != nil {
			return generation{}, err
		}
		prompts := s.prompts.Prompts()
		return generation{
			kind:    KindLearningPath,
			system:  prompts.LearningSystem,
			user:    prompt.Render(prompts.LearningUser, resumeVars(res)),
			options: llm.AnalyticalOptions(),
			deltas:  deltas,
			finalize: func(full string) (any, error) {
				return ParseLearningPath(full, resumeID), nil
			},
		}, nil
	})
}

// StreamGreeting streams a short self introduction of the model. Deltas are
// always emitted and the final result is the plain text.
func (s *Service) StreamGreeting(ctx context.Context, stream Stream) {
	s.submit(ctx, stream, func(context.Context) (generation, error) {
		return generation{
			kind:    KindGreeting,
			user:    GreetingPrompt,
			options: llm.GreetingOptions(),
			deltas:  true,
		}, nil
	})
}

// Active is the number of running streams.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Shutdown cancels every running stream and waits for them to stop. Streams
// requested afterwards get ErrShuttingDown.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	handles := make([]*relay.Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit prepares a stream on the pool; the relay itself runs on its own
// goroutines.
func (s *Service) submit(ctx context.Context, stream Stream, prepare func(context.Context) (generation, error)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.reject(stream, ErrShuttingDown)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.pool.Submit(func() {
		started := false
		defer func() {
			if !started {
				s.wg.Done()
			}
		}()

		logger := s.logger.With(zap.String("stream_id", stream.ID()))

		gen, err := prepare(ctx)
		if err != nil {
			logger.Warn("stream not started", zap.Error(err))
			s.reject(stream, err)
			return
		}

		if !s.start(ctx, stream, gen, logger) {
			s.reject(stream, ErrShuttingDown)
			return
		}
		started = true
	})
}

func (s *Service) reject(stream Stream, err error) {
	_ = stream.SendError(err)
	_ = stream.Close()
}

func (s *Service) start(ctx context.Context, stream Stream, gen generation, logger *zap.Logger) bool {
	id := stream.ID()
	logger = logger.With(zap.String("kind", gen.kind))

	req := s.upstream.NewRequest(gen.system, gen.user, gen.options)
	open := func(ctx context.Context, feed *flow.Feed) error {
		return s.upstream.Stream(ctx, req, feed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	s.monitor.Register(id, stream)
	s.recorder.StreamStarted(gen.kind)

	h := relay.Start(ctx, id, open, stream, relay.Options{
		CreditBatch: s.config.CreditBatch,
		MaxLatency:  s.config.MaxLatency,
		EmitDeltas:  gen.deltas,
		Finalize:    gen.finalize,
		Activity:    s.monitor,
		Recorder:    s.recorder,
		Logger:      logger,
	})
	s.handles[id] = h

	logger.Info("stream started", zap.Bool("deltas", gen.deltas))

	go s.watch(h, stream, logger)
	return true
}

// watch releases the stream's registration once the client connection is
// finished, and stops the relay if the connection ended abnormally.
func (s *Service) watch(h *relay.Handle, stream Stream, logger *zap.Logger) {
	defer s.wg.Done()

	<-stream.Done()
	s.monitor.Remove(h.ID())

	if err := stream.Err(); err != nil {
		logger.Info("client stream ended early", zap.Error(err))
		h.Cancel()
	}

	state := h.Wait()

	s.mu.Lock()
	delete(s.handles, h.ID())
	s.mu.Unlock()

	logger.Info("stream finished", zap.String("state", state.String()))
}

func resumeVars(r *resume.Resume) map[string]string {
	return map[string]string{
		"industry":          r.Industry,
		"desiredPosition":   r.DesiredPosition,
		"yearsOfExperience": strconv.Itoa(r.YearsOfExperience),
		"careerSummary":     r.CareerSummary,
		"jobExperience":     r.JobExperience,
		"skills":            r.Skills,
	}
}
