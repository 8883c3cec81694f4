package ollama_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/coach/pkg/flow"
	"github.com/papercomputeco/coach/pkg/llm"
	"github.com/papercomputeco/coach/pkg/ollama"
)

var _ = Describe("Client", func() {
	var (
		ctx      context.Context
		server   *httptest.Server
		handler  http.HandlerFunc
		client   *ollama.Client
		readWait time.Duration
	)

	BeforeEach(func() {
		ctx = context.Background()
		readWait = 5 * time.Second
		handler = func(w http.ResponseWriter, r *http.Request) {}
	})

	JustBeforeEach(func() {
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handler(w, r)
		}))
		client = ollama.NewClient(ollama.Config{
			BaseURL:        server.URL,
			Endpoint:       "/api/chat",
			Model:          "test-model",
			ConnectTimeout: time.Second,
			ReadTimeout:    readWait,
			UserAgent:      "coach-test/1.0",
		}, zap.NewNop())
	})

	AfterEach(func() {
		server.Close()
	})

	drain := func(feed *flow.Feed) []string {
		var lines []string
		for line := range feed.Lines() {
			lines = append(lines, line)
		}
		return lines
	}

	Describe("NewRequest", func() {
		It("builds a streaming request with system and user messages", func() {
			req := client.NewRequest("be brief", "hello", llm.CreativeOptions())

			Expect(req.Model).To(Equal("test-model"))
			Expect(req.Stream).To(BeTrue())
			Expect(req.Messages).To(Equal([]llm.Message{
				{Role: "system", Content: "be brief"},
				{Role: "user", Content: "hello"},
			}))
			Expect(*req.Options.Temperature).To(Equal(0.8))
		})

		It("omits an empty system prompt", func() {
			req := client.NewRequest("", "hello", nil)
			Expect(req.Messages).To(HaveLen(1))
			Expect(req.Messages[0].Role).To(Equal("user"))
		})
	})

	Describe("Stream", func() {
		Context("when the upstream streams NDJSON", func() {
			var received llm.ChatRequest
			var headers http.Header

			BeforeEach(func() {
				handler = func(w http.ResponseWriter, r *http.Request) {
					headers = r.Header.Clone()
					_ = json.NewDecoder(r.Body).Decode(&received)
					w.Header().Set("Content-Type", "application/x-ndjson")
					fmt.Fprintln(w, `{"message":{"content":"Hel"}}`)
					fmt.Fprintln(w, `{"message":{"content":"lo"}}`)
					fmt.Fprintln(w, `{"done":true}`)
				}
			})

			It("pushes every line into the feed", func() {
				feed := flow.NewFeed(8)
				feed.Request(8)

				err := client.Stream(ctx, client.NewRequest("", "hi", nil), feed)
				Expect(err).NotTo(HaveOccurred())
				feed.Close(err)

				Expect(drain(feed)).To(Equal([]string{
					`{"message":{"content":"Hel"}}`,
					`{"message":{"content":"lo"}}`,
					`{"done":true}`,
				}))
				Expect(received.Stream).To(BeTrue())
				Expect(received.Model).To(Equal("test-model"))
				Expect(headers.Get("Accept")).To(Equal("application/x-ndjson"))
				Expect(headers.Get("Content-Type")).To(Equal("application/json"))
				Expect(headers.Get("User-Agent")).To(Equal("coach-test/1.0"))
			})

			It("delivers no more lines than the feed grants", func() {
				feed := flow.NewFeed(8)
				feed.Request(2)

				errs := make(chan error, 1)
				go func() {
					errs <- client.Stream(ctx, client.NewRequest("", "hi", nil), feed)
				}()

				Eventually(func() int64 { return feed.Stats().Delivered }).Should(Equal(int64(2)))
				Consistently(errs, 100*time.Millisecond).ShouldNot(Receive())

				feed.Request(1)
				Eventually(errs).Should(Receive(BeNil()))
				Expect(feed.Stats().Delivered).To(Equal(int64(3)))
			})
		})

		Context("when a line exceeds the maximum size", func() {
			BeforeEach(func() {
				handler = func(w http.ResponseWriter, r *http.Request) {
					w.Header().Set("Content-Type", "application/x-ndjson")
					fmt.Fprintln(w, `{"message":{"content":"before"}}`)
					fmt.Fprintf(w, "{\"message\":{\"content\":\"%s\"}}\n", strings.Repeat("x", 2<<20))
					fmt.Fprint(w, "{\"message\":{\"content\":\"after\"}}\r\n")
					fmt.Fprint(w, `{"done":true}`)
				}
			})

			It("skips the oversized line and keeps streaming", func() {
				feed := flow.NewFeed(8)
				feed.Request(8)

				err := client.Stream(ctx, client.NewRequest("", "hi", nil), feed)
				Expect(err).NotTo(HaveOccurred())
				feed.Close(err)

				Expect(drain(feed)).To(Equal([]string{
					`{"message":{"content":"before"}}`,
					`{"message":{"content":"after"}}`,
					`{"done":true}`,
				}))
			})
		})

		Context("when the upstream returns a non-200 status", func() {
			BeforeEach(func() {
				handler = func(w http.ResponseWriter, r *http.Request) {
					http.Error(w, "model not loaded", http.StatusInternalServerError)
				}
			})

			It("returns a StatusError and pushes nothing", func() {
				feed := flow.NewFeed(4)
				feed.Request(4)

				err := client.Stream(ctx, client.NewRequest("", "hi", nil), feed)

				var statusErr *ollama.StatusError
				Expect(errors.As(err, &statusErr)).To(BeTrue())
				Expect(statusErr.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(statusErr.Body).To(Equal("model not loaded"))
				Expect(feed.Stats().Delivered).To(BeZero())
			})
		})

		Context("when the upstream stalls between lines", func() {
			BeforeEach(func() {
				readWait = 100 * time.Millisecond
				handler = func(w http.ResponseWriter, r *http.Request) {
					fmt.Fprintln(w, `{"message":{"content":"a"}}`)
					w.(http.Flusher).Flush()
					select {
					case <-r.Context().Done():
					case <-time.After(5 * time.Second):
					}
				}
			})

			It("fails with ErrReadTimeout", func() {
				feed := flow.NewFeed(4)
				feed.Request(4)

				err := client.Stream(ctx, client.NewRequest("", "hi", nil), feed)
				Expect(err).To(MatchError(ollama.ErrReadTimeout))
				Expect(feed.Stats().Delivered).To(Equal(int64(1)))
			})
		})

		Context("when the caller cancels", func() {
			BeforeEach(func() {
				handler = func(w http.ResponseWriter, r *http.Request) {
					fmt.Fprintln(w, `{"message":{"content":"a"}}`)
					w.(http.Flusher).Flush()
					<-r.Context().Done()
				}
			})

			It("returns a cancellation error rather than a timeout", func() {
				feed := flow.NewFeed(4)
				feed.Request(4)
				cctx, cancel := context.WithCancel(ctx)

				errs := make(chan error, 1)
				go func() {
					errs <- client.Stream(cctx, client.NewRequest("", "hi", nil), feed)
				}()

				Eventually(func() int64 { return feed.Stats().Delivered }).Should(Equal(int64(1)))
				cancel()

				var err error
				Eventually(errs).Should(Receive(&err))
				Expect(err).To(HaveOccurred())
				Expect(err).NotTo(MatchError(ollama.ErrReadTimeout))
			})
		})

		Context("when the upstream is unreachable", func() {
			It("fails immediately", func() {
				server.Close()
				feed := flow.NewFeed(4)
				feed.Request(4)

				err := client.Stream(ctx, client.NewRequest("", "hi", nil), feed)
				Expect(err).To(HaveOccurred())
				Expect(feed.Stats().Delivered).To(BeZero())
			})
		})
	})

	Describe("Ping", func() {
		BeforeEach(func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/api/tags" {
					fmt.Fprint(w, `{"models":[]}`)
					return
				}
				w.WriteHeader(http.StatusNotFound)
			}
		})

		It("succeeds against a healthy upstream", func() {
			Expect(client.Ping(ctx)).To(Succeed())
		})
	})
})
