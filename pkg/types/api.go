package types

// Payloads of the loopback admin API served by `localinfer serve`.

// GenerateRequest is the body of POST /generate.
type GenerateRequest struct {
	// Optional model identifier. If empty, the loaded model is used.
	// example: mlx-community/Qwen2.5-0.5B-Instruct-4bit
	Model string `json:"model,omitempty" example:"mlx-community/Qwen2.5-0.5B-Instruct-4bit"`
	// Conversation to continue.
	Messages []ChatMessage `json:"messages"`
	// Maximum number of new tokens to generate.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// example: 0.7
	Temperature *float64 `json:"temperature,omitempty" example:"0.7"`
	// example: 0.9
	TopP *float64 `json:"top_p,omitempty" example:"0.9"`
	Stop []string `json:"stop,omitempty"`
}

// GenerateChunk is one NDJSON line of a POST /generate response.
type GenerateChunk struct {
	Delta            string `json:"delta,omitempty"`
	Done             bool   `json:"done,omitempty"`
	FinishReason     string `json:"finish_reason,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	Error            string `json:"error,omitempty"`
}

// ModelRequest is the body of POST /models/pull and POST /models/load.
type ModelRequest struct {
	// example: org/model
	Model string `json:"model" example:"org/model"`
}

// PullEvent is one NDJSON line of a POST /models/pull response. Progress
// lines carry Progress; the last line carries Model or Error.
type PullEvent struct {
	Progress *DownloadProgress `json:"progress,omitempty"`
	Done     bool              `json:"done,omitempty"`
	Model    *ModelInfo        `json:"model,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// example: 400
	Code int `json:"code" example:"400"`
}

// StatusResponse summarizes the inference service for GET /status.
type StatusResponse struct {
	// Whether the local environment can serve models at all.
	Available bool `json:"available"`
	// Reason availability was downgraded, if any.
	Reason string `json:"reason,omitempty"`
	// Selected serving backend kind: worker or server.
	BackendKind string `json:"backend_kind"`
	// Engine inside the backend, e.g. mlx or llamacpp.
	Engine string `json:"engine,omitempty"`
	// Currently loaded model id, empty when nothing is loaded.
	LoadedModel string `json:"loaded_model,omitempty"`
	// Process id of the serving subprocess.
	PID int `json:"pid,omitempty"`
	// Interpreter used for the worker backend.
	Interpreter string `json:"interpreter,omitempty"`
	// Pulls currently in progress.
	ActivePulls []string `json:"active_pulls,omitempty"`
}
