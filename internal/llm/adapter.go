package llm

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"localinfer/internal/worker"
	"localinfer/pkg/types"
)

// TokenStream is a pull-based sequence of worker tokens. Recv returns io.EOF
// after the last token.
type TokenStream interface {
	Recv(ctx context.Context) (types.StreamToken, error)
	Close()
}

// Generator is the worker surface the adapter needs.
type Generator interface {
	Generate(ctx context.Context, params types.GenerateParams) (types.GenerateResult, error)
	GenerateStream(ctx context.Context, params types.GenerateParams) (TokenStream, error)
}

// WorkerGenerator exposes a worker.Manager as a Generator.
func WorkerGenerator(m *worker.Manager) Generator { return workerGen{m} }

type workerGen struct{ m *worker.Manager }

func (w workerGen) Generate(ctx context.Context, p types.GenerateParams) (types.GenerateResult, error) {
	return w.m.Generate(ctx, p)
}

func (w workerGen) GenerateStream(ctx context.Context, p types.GenerateParams) (TokenStream, error) {
	s, err := w.m.GenerateStream(ctx, p)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Provider is reported by worker-backed models.
const Provider = "local"

// Adapter implements LanguageModel over one worker.
type Adapter struct {
	modelID string
	gen     Generator
	log     zerolog.Logger
}

var _ LanguageModel = (*Adapter)(nil)

// NewAdapter binds modelID to gen.
func NewAdapter(modelID string, gen Generator, log zerolog.Logger) *Adapter {
	return &Adapter{modelID: modelID, gen: gen, log: log.With().Str("model", modelID).Logger()}
}

func (a *Adapter) Provider() string { return Provider }
func (a *Adapter) ModelID() string  { return a.modelID }

// Generate runs a non-streaming generation.
func (a *Adapter) Generate(ctx context.Context, opts CallOptions) (GenerateResponse, error) {
	params, warns := BuildParams(opts)
	a.logWarnings(warns)
	res, err := a.gen.Generate(ctx, params)
	if err != nil {
		return GenerateResponse{}, err
	}
	reason := res.FinishReason
	if reason == "" {
		reason = FinishStop
	}
	return GenerateResponse{
		Text:         res.Text,
		FinishReason: reason,
		Usage:        Usage{PromptTokens: res.PromptTokens, CompletionTokens: res.CompletionTokens},
		Warnings:     warns,
	}, nil
}

// Stream runs a streaming generation and translates worker tokens into
// stream parts. Worker streams do not report prompt tokens; completion
// tokens are the number of token messages received.
func (a *Adapter) Stream(ctx context.Context, opts CallOptions) (<-chan StreamPart, error) {
	params, warns := BuildParams(opts)
	a.logWarnings(warns)
	ts, err := a.gen.GenerateStream(ctx, params)
	if err != nil {
		return nil, err
	}
	out := make(chan StreamPart)
	go a.pump(ctx, ts, opts.MaxTokens, warns, out)
	return out, nil
}

func (a *Adapter) pump(ctx context.Context, ts TokenStream, maxTokens int, warns []Warning, out chan<- StreamPart) {
	defer close(out)
	defer ts.Close()

	send := func(p StreamPart) bool {
		select {
		case out <- p:
			return true
		case <-ctx.Done():
			return false
		}
	}
	textID := uuid.NewString()
	if !send(StreamPart{Type: PartStreamStart, Warnings: warns}) {
		return
	}
	if !send(StreamPart{Type: PartTextStart, ID: textID}) {
		return
	}

	count := 0
	for {
		tok, err := ts.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Warn().Err(err).Int("tokens", count).Msg("stream failed")
			send(StreamPart{Type: PartError, Err: err})
			return
		}
		if tok.Token == "" {
			continue
		}
		count++
		if !send(StreamPart{Type: PartTextDelta, ID: textID, Delta: tok.Token}) {
			return
		}
	}

	reason := FinishStop
	if maxTokens > 0 && count >= maxTokens {
		reason = FinishLength
	}
	if !send(StreamPart{Type: PartTextEnd, ID: textID}) {
		return
	}
	send(StreamPart{Type: PartFinish, FinishReason: reason, Usage: Usage{CompletionTokens: count}})
}

func (a *Adapter) logWarnings(warns []Warning) {
	for _, w := range warns {
		a.log.Warn().Str("setting", w.Setting).Msg(w.Message)
	}
}
