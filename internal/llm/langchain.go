package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// LangchainModel exposes a LanguageModel as a langchaingo llms.Model so
// chains and agents built on langchaingo can drive a local model.
type LangchainModel struct {
	Model LanguageModel
}

var _ llms.Model = (*LangchainModel)(nil)

// Call implements llms.Model.
func (l *LangchainModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, l, prompt, options...)
}

// GenerateContent implements llms.Model. When a StreamingFunc is set the
// generation is streamed through it and the accumulated text returned.
func (l *LangchainModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var lo llms.CallOptions
	for _, o := range options {
		o(&lo)
	}
	opts := CallOptions{
		Prompt:    fromLangchain(messages),
		MaxTokens: lo.MaxTokens,
		Stop:      lo.StopWords,
	}
	if lo.Temperature != 0 {
		t := lo.Temperature
		opts.Temperature = &t
	}
	if lo.TopP != 0 {
		p := lo.TopP
		opts.TopP = &p
	}
	for _, t := range lo.Tools {
		if t.Function == nil {
			continue
		}
		params, _ := json.Marshal(t.Function.Parameters)
		opts.Tools = append(opts.Tools, Tool{Name: t.Function.Name, Description: t.Function.Description, Parameters: params})
	}
	if lo.JSONMode {
		opts.ResponseFormat = &ResponseFormat{Type: "json"}
	}

	if lo.StreamingFunc == nil {
		res, err := l.Model.Generate(ctx, opts)
		if err != nil {
			return nil, err
		}
		return contentResponse(res.Text, res.FinishReason, res.Usage), nil
	}

	parts, err := l.Model.Stream(ctx, opts)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	var finish StreamPart
	for p := range parts {
		switch p.Type {
		case PartTextDelta:
			sb.WriteString(p.Delta)
			if err := lo.StreamingFunc(ctx, []byte(p.Delta)); err != nil {
				drain(parts)
				return nil, err
			}
		case PartError:
			return nil, p.Err
		case PartFinish:
			finish = p
		}
	}
	if finish.Type != PartFinish {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("stream ended without finish")
	}
	return contentResponse(sb.String(), finish.FinishReason, finish.Usage), nil
}

func drain(ch <-chan StreamPart) {
	go func() {
		for range ch {
		}
	}()
}

func contentResponse(text, reason string, u Usage) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:    text,
		StopReason: reason,
		GenerationInfo: map[string]any{
			"PromptTokens":     u.PromptTokens,
			"CompletionTokens": u.CompletionTokens,
			"TotalTokens":      u.Total(),
		},
	}}}
}

func fromLangchain(messages []llms.MessageContent) []Message {
	out := make([]Message, 0, len(messages))
	for _, mc := range messages {
		msg := Message{Role: roleFromLangchain(mc.Role)}
		for _, part := range mc.Parts {
			switch p := part.(type) {
			case llms.TextContent:
				msg.Parts = append(msg.Parts, TextPart{Text: p.Text})
			case llms.BinaryContent:
				msg.Parts = append(msg.Parts, FilePart{MediaType: p.MIMEType, Data: p.Data})
			case llms.ImageURLContent:
				msg.Parts = append(msg.Parts, FilePart{Name: p.URL})
			case llms.ToolCall:
				tc := ToolCallPart{CallID: p.ID}
				if p.FunctionCall != nil {
					tc.Name = p.FunctionCall.Name
					tc.Input = json.RawMessage(p.FunctionCall.Arguments)
				}
				msg.Parts = append(msg.Parts, tc)
			case llms.ToolCallResponse:
				msg.Parts = append(msg.Parts, ToolResultPart{CallID: p.ToolCallID, Name: p.Name, Output: rawJSON(p.Content)})
			}
		}
		out = append(out, msg)
	}
	return out
}

// rawJSON keeps valid JSON as is and quotes anything else.
func rawJSON(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}

func roleFromLangchain(t llms.ChatMessageType) Role {
	switch t {
	case llms.ChatMessageTypeSystem:
		return RoleSystem
	case llms.ChatMessageTypeAI:
		return RoleAssistant
	case llms.ChatMessageTypeTool, llms.ChatMessageTypeFunction:
		return RoleTool
	default:
		return RoleUser
	}
}
