package llm

import "time"

// StreamChunk represents a single NDJSON line of a streaming chat response.
type StreamChunk struct {
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Message   *Message  `json:"message,omitempty"`

	// Done marks the last chunk of a generation.
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason,omitempty"`

	// Error is set when the upstream aborts generation in-band.
	Error string `json:"error,omitempty"`

	// Final chunk includes metrics
	TotalDuration int64 `json:"total_duration,omitempty"`
	EvalCount     int   `json:"eval_count,omitempty"`
	EvalDuration  int64 `json:"eval_duration,omitempty"`
}

// Token returns the incremental text fragment carried by the chunk, if any.
func (c *StreamChunk) Token() string {
	if c.Message == nil {
		return ""
	}
	return c.Message.Content
}
