package llm

// Options contains model inference parameters.
type Options struct {
	// Sampling parameters
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	Seed        *int     `json:"seed,omitempty"`

	// Length parameters
	NumPredict *int `json:"num_predict,omitempty"` // Max tokens to generate
	NumCtx     *int `json:"num_ctx,omitempty"`

	// Repetition control
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`

	Stop []string `json:"stop,omitempty"`
}

// CreativeOptions favours varied output. Used for interview question generation.
func CreativeOptions() *Options {
	return &Options{
		Temperature:   ptr(0.8),
		TopP:          ptr(0.9),
		NumPredict:    ptr(2000),
		RepeatPenalty: ptr(1.1),
	}
}

// AnalyticalOptions favours deterministic output. Used for learning paths.
func AnalyticalOptions() *Options {
	return &Options{
		Temperature:   ptr(0.3),
		TopP:          ptr(0.8),
		NumPredict:    ptr(2000),
		RepeatPenalty: ptr(1.0),
	}
}

// GreetingOptions keeps the health greeting short.
func GreetingOptions() *Options {
	return &Options{
		Temperature: ptr(0.2),
		NumPredict:  ptr(100),
	}
}

func ptr[T any](v T) *T {
	return &v
}
