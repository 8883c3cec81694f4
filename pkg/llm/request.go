// Package llm provides the Ollama-compatible chat wire types exchanged with the
// upstream generation service.
package llm

// Message represents a single message in a conversation.
type Message struct {
	Role    string `json:"role"`    // "system", "user", "assistant"
	Content string `json:"content"` // The message content (a fragment when streaming)
}

// ChatRequest represents a chat completion request (Ollama-compatible).
// Stream is always sent, the relay only ever issues streaming requests.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Format   string    `json:"format,omitempty"` // "json" for JSON mode

	Options *Options `json:"options,omitempty"`
}

// ErrorResponse is the JSON body of every error answered over HTTP.
type ErrorResponse struct {
	Error string `json:"error"`
}
