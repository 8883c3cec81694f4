package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/papercomputeco/coach/pkg/coach"
	"github.com/papercomputeco/coach/pkg/llm"
	"github.com/papercomputeco/coach/pkg/sse"
)

// StreamIDHeader carries the id of a new event stream.
const StreamIDHeader = "X-Stream-ID"

func (s *Server) handleMockInterview(c *fiber.Ctx) error {
	resumeID := c.Params("id")
	deltas := c.QueryBool("deltas", false)
	return s.openStream(c, func(stream coach.Stream) {
		s.streams.StreamMockInterview(s.ctx, resumeID, deltas, stream)
	})
}

func (s *Server) handleLearningPath(c *fiber.Ctx) error {
	resumeID := c.Params("id")
	deltas := c.QueryBool("deltas", false)
	return s.openStream(c, func(stream coach.Stream) {
		s.streams.StreamLearningPath(s.ctx, resumeID, deltas, stream)
	})
}

func (s *Server) handleGreeting(c *fiber.Ctx) error {
	return s.openStream(c, func(stream coach.Stream) {
		s.streams.StreamGreeting(s.ctx, stream)
	})
}

// openStream answers the request with an event stream and hands the stream to
// start. The body is written by fasthttp after the handler returns, so start
// must not block on the stream.
func (s *Server) openStream(c *fiber.Ctx, start func(coach.Stream)) error {
	if !s.limiter.Allow() {
		return c.Status(fiber.StatusTooManyRequests).JSON(llm.ErrorResponse{Error: "too many streams, try again later"})
	}

	id := uuid.NewString()
	sink := sse.NewSink(id, sse.Config{
		BufferSize: s.config.EventBuffer,
		Timeout:    s.config.StreamTimeout,
	}, s.logger)

	s.logger.Debug("opening event stream",
		zap.String("stream_id", id),
		zap.String("path", c.Path()),
	)

	c.Set(fiber.HeaderContentType, "text/event-stream; charset=utf-8")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")
	c.Set(StreamIDHeader, id)

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(sink.Serve))

	start(sink)
	return nil
}
