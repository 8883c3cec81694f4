package coach_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/coach/pkg/coach"
	"github.com/papercomputeco/coach/pkg/flow"
	"github.com/papercomputeco/coach/pkg/heartbeat"
	"github.com/papercomputeco/coach/pkg/llm"
	"github.com/papercomputeco/coach/pkg/pool"
	"github.com/papercomputeco/coach/pkg/prompt"
	"github.com/papercomputeco/coach/pkg/resume"
	"github.com/papercomputeco/coach/pkg/sse"
)

// fakeUpstream replays scripted lines for every request.
type fakeUpstream struct {
	mu       sync.Mutex
	requests []llm.ChatRequest
	lines    []string
	hang     bool
	canceled chan struct{}
}

func (u *fakeUpstream) NewRequest(system, user string, opts *llm.Options) llm.ChatRequest {
	var messages []llm.Message
	if system != "" {
		messages = append(messages, llm.Message{Role: "system", Content: system})
	}
	messages = append(messages, llm.Message{Role: "user", Content: user})
	return llm.ChatRequest{Model: "test-model", Messages: messages, Stream: true, Options: opts}
}

func (u *fakeUpstream) Stream(ctx context.Context, req llm.ChatRequest, feed *flow.Feed) error {
	u.mu.Lock()
	u.requests = append(u.requests, req)
	lines := u.lines
	u.mu.Unlock()

	for _, line := range lines {
		if err := feed.Push(ctx, line); err != nil {
			return err
		}
	}
	if u.hang {
		<-ctx.Done()
		if u.canceled != nil {
			close(u.canceled)
		}
		return ctx.Err()
	}
	return nil
}

func (u *fakeUpstream) Requests() []llm.ChatRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]llm.ChatRequest(nil), u.requests...)
}

// chunksOf splits text into token chunks followed by a done chunk.
func chunksOf(text string, size int) []string {
	var lines []string
	for len(text) > 0 {
		n := min(size, len(text))
		b, _ := json.Marshal(llm.StreamChunk{Message: &llm.Message{Role: "assistant", Content: text[:n]}})
		lines = append(lines, string(b))
		text = text[n:]
	}
	b, _ := json.Marshal(llm.StreamChunk{Done: true, DoneReason: "stop"})
	return append(lines, string(b))
}

type output struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (o *output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.Write(p)
}

func (o *output) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}

// eventData returns the data of the first event of the given type.
func eventData(body, event string) string {
	marker := "event: " + event + "\ndata: "
	i := strings.Index(body, marker)
	if i < 0 {
		return ""
	}
	rest := body[i+len(marker):]
	return rest[:strings.Index(rest, "\n\n")]
}

var _ = Describe("Service", func() {
	var (
		ctx      context.Context
		store    *resume.MemoryStore
		monitor  *heartbeat.Monitor
		upstream *fakeUpstream
		svc      *coach.Service
		res      *resume.Resume
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = resume.NewMemoryStore()
		monitor = heartbeat.NewMonitor(heartbeat.Config{}, zap.NewNop())
		upstream = &fakeUpstream{}

		loader, err := prompt.NewLoader("", zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		years := 4
		res, err = store.Create(ctx, &resume.CreateRequest{
			CareerSummary:     "Backend developer on commerce platforms",
			JobExperience:     "Migrated a storefront monolith to microservices",
			Skills:            "Go, PostgreSQL, Kafka",
			DesiredPosition:   "Staff engineer",
			YearsOfExperience: &years,
			Industry:          "E-commerce",
		})
		Expect(err).NotTo(HaveOccurred())

		svc = coach.New(coach.Options{
			Resumes:  store,
			Prompts:  loader,
			Upstream: upstream,
			Monitor:  monitor,
			Pool:     pool.New(4, zap.NewNop()),
			Config:   coach.Config{CreditBatch: 8, MaxLatency: 20 * time.Millisecond},
		}, zap.NewNop())
	})

	// serve creates a client stream whose output is captured.
	serve := func() (*sse.Sink, *output) {
		out := &output{}
		sink := sse.NewSink(uuid.NewString(), sse.Config{}, zap.NewNop())
		go sink.Serve(bufio.NewWriter(out))
		return sink, out
	}

	It("streams a personalized mock interview", func() {
		upstream.lines = chunksOf("Here you go: "+interviewJSON, 7)
		sink, out := serve()

		svc.StreamMockInterview(ctx, res.ID, false, sink)

		Eventually(sink.Done()).Should(BeClosed())
		Expect(sink.Err()).NotTo(HaveOccurred())

		var got coach.InterviewResponse
		Expect(json.Unmarshal([]byte(eventData(out.String(), "final")), &got)).To(Succeed())
		Expect(got.ResumeID).To(Equal(res.ID))
		Expect(got.Questions).To(HaveLen(2))
		Expect(got.ErrorMessage).To(BeEmpty())
		Expect(out.String()).NotTo(ContainSubstring("\ndata: Here"))

		reqs := upstream.Requests()
		Expect(reqs).To(HaveLen(1))
		Expect(reqs[0].Messages).To(HaveLen(2))
		Expect(reqs[0].Messages[0].Content).To(ContainSubstring(`"Backend Developer"`))
		Expect(reqs[0].Messages[1].Content).To(ContainSubstring("Go, PostgreSQL, Kafka"))
		Expect(reqs[0].Messages[1].Content).To(ContainSubstring("Years of experience: 4"))
		Expect(*reqs[0].Options.Temperature).To(Equal(0.8))

		Eventually(svc.Active).Should(BeZero())
		Eventually(monitor.Len).Should(BeZero())
	})

	It("emits deltas when asked to", func() {
		upstream.lines = chunksOf(learningJSON, 5)
		sink, out := serve()

		svc.StreamLearningPath(ctx, res.ID, true, sink)

		Eventually(sink.Done()).Should(BeClosed())
		body := out.String()
		Expect(body).To(ContainSubstring("\ndata: "))

		var got coach.LearningPathResponse
		Expect(json.Unmarshal([]byte(eventData(body, "final")), &got)).To(Succeed())
		Expect(got.LearningSteps).To(HaveLen(2))
		Expect(*upstream.Requests()[0].Options.Temperature).To(Equal(0.3))
	})

	It("answers unparseable output with the fallback result", func() {
		upstream.lines = chunksOf("I would rather not.", 4)
		sink, out := serve()

		svc.StreamLearningPath(ctx, res.ID, false, sink)

		Eventually(sink.Done()).Should(BeClosed())
		var got coach.LearningPathResponse
		Expect(json.Unmarshal([]byte(eventData(out.String(), "final")), &got)).To(Succeed())
		Expect(got.CurrentLevel).To(Equal("Service outage"))
		Expect(got.ErrorMessage).To(Equal("I would rather not."))
	})

	It("sends a single error for an unknown resume", func() {
		sink, out := serve()

		svc.StreamMockInterview(ctx, "missing", false, sink)

		Eventually(sink.Done()).Should(BeClosed())
		Expect(eventData(out.String(), "error")).To(Equal("resume not found: missing"))
		Expect(strings.Count(out.String(), "event: ")).To(Equal(1))
		Expect(upstream.Requests()).To(BeEmpty())
		Expect(monitor.Len()).To(BeZero())
	})

	It("streams the greeting as text", func() {
		upstream.lines = chunksOf("Hi, I am a model.", 100)
		sink, out := serve()

		svc.StreamGreeting(ctx, sink)

		Eventually(sink.Done()).Should(BeClosed())
		body := out.String()
		Expect(body).To(ContainSubstring("data: Hi, I am a model.\n\n"))
		Expect(eventData(body, "final")).To(Equal("Hi, I am a model."))

		req := upstream.Requests()[0]
		Expect(req.Messages).To(Equal([]llm.Message{{Role: "user", Content: coach.GreetingPrompt}}))
		Expect(*req.Options.NumPredict).To(Equal(100))
	})

	It("stops the relay when the client goes away", func() {
		upstream.lines = chunksOf("partial", 3)[:2]
		upstream.hang = true
		upstream.canceled = make(chan struct{})
		sink, _ := serve()

		svc.StreamMockInterview(ctx, res.ID, true, sink)
		Eventually(svc.Active).Should(Equal(1))
		Eventually(monitor.Len).Should(Equal(1))

		sink.Abort(errors.New("client went away"))

		Eventually(upstream.canceled).Should(BeClosed())
		Eventually(svc.Active).Should(BeZero())
		Expect(monitor.Len()).To(BeZero())
	})

	It("cancels running streams on shutdown and rejects new ones", func() {
		upstream.hang = true
		sink, out := serve()

		svc.StreamGreeting(ctx, sink)
		Eventually(svc.Active).Should(Equal(1))

		Expect(svc.Shutdown(ctx)).To(Succeed())
		Eventually(sink.Done()).Should(BeClosed())
		Expect(eventData(out.String(), "error")).To(Equal("stream canceled"))

		late, lateOut := serve()
		svc.StreamGreeting(ctx, late)
		Eventually(late.Done()).Should(BeClosed())
		Expect(eventData(lateOut.String(), "error")).To(Equal(coach.ErrShuttingDown.Error()))
	})
})
