// Package llm defines the language-model contract the rest of the
// application programs against, and adapts local workers to it.
package llm

import (
	"context"
	"encoding/json"
)

// Role of a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Part is one content segment of a message.
type Part interface{ isPart() }

type TextPart struct {
	Text string
}

// FilePart carries an attachment such as an image.
type FilePart struct {
	Name      string
	MediaType string
	Data      []byte
}

type ToolCallPart struct {
	CallID string
	Name   string
	Input  json.RawMessage
}

type ToolResultPart struct {
	CallID string
	Name   string
	Output json.RawMessage
}

func (TextPart) isPart()       {}
func (FilePart) isPart()       {}
func (ToolCallPart) isPart()   {}
func (ToolResultPart) isPart() {}

// Message is one prompt turn. System messages use a single TextPart.
type Message struct {
	Role  Role
	Parts []Part
}

// Text builds a single-part text message.
func Text(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// Tool is a function definition offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ResponseFormat requests structured output. Type is "text" or "json".
type ResponseFormat struct {
	Type   string
	Schema json.RawMessage
}

// CallOptions is a generation request.
type CallOptions struct {
	Prompt         []Message
	Temperature    *float64
	TopP           *float64
	MaxTokens      int
	Stop           []string
	Tools          []Tool
	ResponseFormat *ResponseFormat
}

// Warning types.
const (
	WarnUnsupportedSetting = "unsupported-setting"
	WarnUnsupportedContent = "unsupported-content"
)

// Warning is a non-fatal note about a request feature that was ignored.
type Warning struct {
	Type    string
	Setting string
	Message string
}

// Usage counts tokens. PromptTokens is 0 when the backend does not report it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Finish reasons.
const (
	FinishStop   = "stop"
	FinishLength = "length"
	FinishError  = "error"
)

// GenerateResponse is the result of a non-streaming call.
type GenerateResponse struct {
	Text         string
	FinishReason string
	Usage        Usage
	Warnings     []Warning
}

// StreamPartType discriminates StreamPart.
type StreamPartType string

const (
	PartStreamStart StreamPartType = "stream-start"
	PartTextStart   StreamPartType = "text-start"
	PartTextDelta   StreamPartType = "text-delta"
	PartTextEnd     StreamPartType = "text-end"
	PartFinish      StreamPartType = "finish"
	PartError       StreamPartType = "error"
)

// StreamPart is one lifecycle event of a streamed generation:
// stream-start, text-start, text-delta*, text-end, finish. An error part
// ends the stream instead of text-end/finish.
type StreamPart struct {
	Type         StreamPartType
	ID           string
	Delta        string
	Warnings     []Warning
	FinishReason string
	Usage        Usage
	Err          error
}

// LanguageModel is implemented by every local backend.
//
// Stream returns an error only when the generation could not be started.
// The channel is closed after the final part, or early when ctx ends.
type LanguageModel interface {
	Provider() string
	ModelID() string
	Generate(ctx context.Context, opts CallOptions) (GenerateResponse, error)
	Stream(ctx context.Context, opts CallOptions) (<-chan StreamPart, error)
}
