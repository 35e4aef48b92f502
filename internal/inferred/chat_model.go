package inferred

import (
	"context"
	"errors"
	"io"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"localinfer/internal/llm"
)

// Provider is reported by server-backed models.
const Provider = "inferred"

// ChatModel implements llm.LanguageModel over /v1/chat/completions.
type ChatModel struct {
	modelID string
	client  *Client
	log     zerolog.Logger
}

var _ llm.LanguageModel = (*ChatModel)(nil)

// NewChatModel binds modelID to a server client.
func NewChatModel(modelID string, c *Client, log zerolog.Logger) *ChatModel {
	return &ChatModel{modelID: modelID, client: c, log: log.With().Str("model", modelID).Logger()}
}

func (m *ChatModel) Provider() string { return Provider }
func (m *ChatModel) ModelID() string  { return m.modelID }

func (m *ChatModel) request(opts llm.CallOptions) (openai.ChatCompletionRequest, []llm.Warning) {
	params, warns := llm.BuildParams(opts)
	for _, w := range warns {
		m.log.Warn().Str("setting", w.Setting).Msg(w.Message)
	}
	req := openai.ChatCompletionRequest{
		Model:     m.modelID,
		MaxTokens: params.MaxTokens,
		Stop:      params.Stop,
	}
	for _, msg := range params.Messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}
	if params.Temperature != nil {
		req.Temperature = explicitFloat(*params.Temperature)
	}
	if params.TopP != nil {
		req.TopP = explicitFloat(*params.TopP)
	}
	return req, warns
}

// explicitFloat converts a sampling setting for go-openai, whose omitempty
// tags drop a literal zero. Zero is sent as the smallest positive float32.
func explicitFloat(v float64) float32 {
	if v == 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(v)
}

// Generate runs a non-streaming chat completion.
func (m *ChatModel) Generate(ctx context.Context, opts llm.CallOptions) (llm.GenerateResponse, error) {
	req, warns := m.request(opts)
	resp, err := m.client.ChatCompletion(ctx, req)
	if err != nil {
		return llm.GenerateResponse{}, err
	}
	if len(resp.Choices) == 0 {
		return llm.GenerateResponse{}, errors.New("inferred returned no choices")
	}
	choice := resp.Choices[0]
	reason := string(choice.FinishReason)
	if reason == "" {
		reason = llm.FinishStop
	}
	return llm.GenerateResponse{
		Text:         choice.Message.Content,
		FinishReason: reason,
		Usage:        llm.Usage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens},
		Warnings:     warns,
	}, nil
}

// Stream runs a streaming chat completion. Cancelling ctx ends the stream
// without a finish part.
func (m *ChatModel) Stream(ctx context.Context, opts llm.CallOptions) (<-chan llm.StreamPart, error) {
	req, warns := m.request(opts)
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	cs, err := m.client.ChatCompletionStream(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan llm.StreamPart)
	go m.pump(ctx, cs, warns, out)
	return out, nil
}

func (m *ChatModel) pump(ctx context.Context, cs *ChatStream, warns []llm.Warning, out chan<- llm.StreamPart) {
	defer close(out)
	defer cs.Close()
	send := func(p llm.StreamPart) bool {
		select {
		case out <- p:
			return true
		case <-ctx.Done():
			return false
		}
	}
	textID := uuid.NewString()
	if !send(llm.StreamPart{Type: llm.PartStreamStart, Warnings: warns}) {
		return
	}
	if !send(llm.StreamPart{Type: llm.PartTextStart, ID: textID}) {
		return
	}

	reason := llm.FinishStop
	var usage llm.Usage
	count := 0
	for {
		chunk, err := cs.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			send(llm.StreamPart{Type: llm.PartError, Err: err})
			return
		}
		if chunk.Usage != nil {
			usage = llm.Usage{PromptTokens: chunk.Usage.PromptTokens, CompletionTokens: chunk.Usage.CompletionTokens}
		}
		for _, c := range chunk.Choices {
			if c.FinishReason != "" {
				reason = string(c.FinishReason)
			}
			if c.Delta.Content == "" {
				continue
			}
			count++
			if !send(llm.StreamPart{Type: llm.PartTextDelta, ID: textID, Delta: c.Delta.Content}) {
				return
			}
		}
	}
	if ctx.Err() != nil {
		return
	}
	if usage.CompletionTokens == 0 {
		usage.CompletionTokens = count
	}
	if !send(llm.StreamPart{Type: llm.PartTextEnd, ID: textID}) {
		return
	}
	send(llm.StreamPart{Type: llm.PartFinish, FinishReason: reason, Usage: usage})
}
