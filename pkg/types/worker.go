package types

// ChatMessage is a single flattened conversation turn sent to a worker.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateParams are the params of the worker "generate" and "generate_stream" methods.
type GenerateParams struct {
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

// GenerateResult is the result of a non-streaming "generate" call.
type GenerateResult struct {
	Text             string `json:"text"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// StreamToken is one line of a "generate_stream" token sequence.
// A stream ends with exactly one message carrying Done or Error.
type StreamToken struct {
	Token string `json:"token"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// WorkerHealth is the result of the worker "health" method.
type WorkerHealth struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
}
