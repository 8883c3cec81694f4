// Package ollama is the upstream client for the Ollama chat API. It opens one
// long-lived streaming POST per generation and hands the NDJSON response body,
// line by line, to a credit-controlled flow.Feed.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/coach/pkg/flow"
	"github.com/papercomputeco/coach/pkg/llm"
)

const (
	// maxLineSize bounds a single NDJSON line. The final chunk of a generation
	// carries metrics and can be much larger than a token chunk. Longer lines
	// are skipped.
	maxLineSize = 1 << 20

	ndjsonContentType = "application/x-ndjson"
)

// ErrReadTimeout is returned when no line arrived within the read timeout.
var ErrReadTimeout = errors.New("upstream read timed out")

var errLineTooLong = errors.New("line exceeds maximum size")

// StatusError is returned when the upstream answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned HTTP status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned HTTP status %d: %s", e.StatusCode, e.Body)
}

// Config is the upstream client configuration.
type Config struct {
	// BaseURL of the Ollama server (e.g., "http://localhost:11434")
	BaseURL string

	// Endpoint path of the chat API (e.g., "/api/chat")
	Endpoint string

	// Model identifier sent with every request
	Model string

	// ConnectTimeout bounds TCP connection establishment.
	ConnectTimeout time.Duration

	// ReadTimeout bounds the wait for response headers and for each
	// subsequent line. Generation can be slow, so this is usually large.
	ReadTimeout time.Duration

	UserAgent string
}

// Client issues streaming chat requests.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a Client. The http.Client has no overall Timeout: a
// streaming body outlives any fixed request deadline, so timeouts are applied
// to dialing, to response headers, and per line.
func NewClient(config Config, logger *zap.Logger) *Client {
	dialer := &net.Dialer{
		Timeout:   config.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: config.ReadTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		// The upstream speaks HTTP/1.1 chunked NDJSON.
		ForceAttemptHTTP2: false,
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Transport: transport},
		logger:     logger.With(zap.String("component", "ollama")),
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.config.Model
}

// NewRequest builds a streaming chat request. An empty system prompt is omitted.
func (c *Client) NewRequest(system, user string, opts *llm.Options) llm.ChatRequest {
	messages := make([]llm.Message, 0, 2)
	if system != "" {
		messages = append(messages, llm.Message{Role: "system", Content: system})
	}
	messages = append(messages, llm.Message{Role: "user", Content: user})

	return llm.ChatRequest{
		Model:    c.config.Model,
		Messages: messages,
		Stream:   true,
		Options:  opts,
	}
}

// Stream sends req and pushes every response line into feed until the body is
// exhausted, ctx is cancelled, or the read timeout fires. It does not close
// the feed; the caller owns that and passes the returned error along.
// Nothing is retried here.
func (c *Client) Stream(ctx context.Context, req llm.ChatRequest, feed *flow.Feed) error {
	req.Stream = true

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	// readCtx is cancelled by the idle timer; ctx by the caller.
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut atomic.Bool
	idle := newIdleTimer(c.config.ReadTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer idle.stop()

	url := strings.TrimRight(c.config.BaseURL, "/") + c.config.Endpoint
	httpReq, err := http.NewRequestWithContext(readCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", ndjsonContentType)
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
	}

	c.logger.Debug("opening upstream stream",
		zap.String("url", url),
		zap.String("model", req.Model),
		zap.Int("body_size", len(body)),
	)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return c.streamErr(ctx, &timedOut, fmt.Errorf("do request: %w", err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		c.logger.Error("upstream returned error",
			zap.Int("status", httpResp.StatusCode),
			zap.String("body", string(respBody)),
		)
		return &StatusError{StatusCode: httpResp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	reader := newLineReader(httpResp.Body, maxLineSize)

	var lines int
	for {
		line, err := reader.next()
		if errors.Is(err, errLineTooLong) {
			c.logger.Warn("skipping oversized line", zap.Int("max_bytes", maxLineSize))
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return c.streamErr(ctx, &timedOut, fmt.Errorf("read stream: %w", err))
		}

		// Waiting for consumer credit is not upstream idleness.
		idle.stop()
		if err := feed.Push(readCtx, line); err != nil {
			return c.streamErr(ctx, &timedOut, err)
		}
		lines++
		idle.reset()
	}

	c.logger.Debug("upstream stream finished", zap.Int("lines", lines))
	return nil
}

// streamErr maps a failure caused by the idle timer to ErrReadTimeout.
func (c *Client) streamErr(ctx context.Context, timedOut *atomic.Bool, err error) error {
	if timedOut.Load() && ctx.Err() == nil {
		return ErrReadTimeout
	}
	return err
}

// Ping checks that the upstream is reachable by listing its local models.
func (c *Client) Ping(ctx context.Context) error {
	url := strings.TrimRight(c.config.BaseURL, "/") + "/api/tags"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// idleTimer fires when no line arrived within d. A zero d disables it.
type idleTimer struct {
	d     time.Duration
	timer *time.Timer
}

func newIdleTimer(d time.Duration, fire func()) *idleTimer {
	t := &idleTimer{d: d}
	if d > 0 {
		t.timer = time.AfterFunc(d, fire)
	}
	return t
}

func (t *idleTimer) stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *idleTimer) reset() {
	if t.timer != nil {
		t.timer.Reset(t.d)
	}
}

// lineReader splits a body into lines like bufio.ScanLines, but an oversized
// line is discarded and reported as errLineTooLong instead of ending the read.
type lineReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

func newLineReader(r io.Reader, maxLen int) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024), max: maxLen}
}

// next returns the next line without its line ending, or io.EOF.
func (l *lineReader) next() (string, error) {
	l.buf = l.buf[:0]
	tooLong := false

	for {
		frag, err := l.r.ReadSlice('\n')
		if !tooLong {
			// Two extra bytes leave room for the "\r\n" terminator.
			if len(l.buf)+len(frag) > l.max+2 {
				tooLong = true
				l.buf = l.buf[:0]
			} else {
				l.buf = append(l.buf, frag...)
			}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err != nil && !errors.Is(err, io.EOF):
			return "", err
		case errors.Is(err, io.EOF) && !tooLong && len(l.buf) == 0:
			return "", io.EOF
		}

		line := bytes.TrimSuffix(bytes.TrimSuffix(l.buf, []byte("\n")), []byte("\r"))
		if tooLong || len(line) > l.max {
			return "", errLineTooLong
		}
		return string(line), nil
	}
}
