package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"localinfer/internal/llm"
	"localinfer/pkg/types"
)

var validRoles = map[string]llm.Role{
	"system":    llm.RoleSystem,
	"user":      llm.RoleUser,
	"assistant": llm.RoleAssistant,
	"tool":      llm.RoleTool,
}

func callOptions(req types.GenerateRequest) (llm.CallOptions, error) {
	opts := llm.CallOptions{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}
	for _, m := range req.Messages {
		role, ok := validRoles[m.Role]
		if !ok {
			return opts, errors.New("unknown message role: " + m.Role)
		}
		opts.Prompt = append(opts.Prompt, llm.Text(role, m.Content))
	}
	return opts, nil
}

// generate streams the loaded model's output as NDJSON GenerateChunk lines.
// The last line has done set and carries the finish reason and usage, or
// an error.
func (h *handlers) generate(w http.ResponseWriter, r *http.Request) {
	var req types.GenerateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "messages are required")
		return
	}
	if req.MaxTokens < 0 {
		writeJSONError(w, http.StatusBadRequest, "max_tokens must be >= 0")
		return
	}
	opts, err := callOptions(req)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	lvl := requestLogLevel(r)
	start := time.Now()
	if lvl >= LevelInfo {
		l := requestLogger(r)
		l.Info().Str("model", req.Model).Int("messages", len(req.Messages)).Msg("generate start")
	}
	lm, err := h.svc.GetLanguageModel(req.Model)
	if err != nil {
		fail(w, r, lvl, start, err, "generate")
		return
	}

	ctx, cancel := withBase(r.Context(), serverBaseCtx)
	defer cancel()
	if generateTimeout > 0 {
		var cancelT context.CancelFunc
		ctx, cancelT = context.WithTimeout(ctx, generateTimeout)
		defer cancelT()
	}
	parts, err := lm.Stream(ctx, opts)
	if err != nil {
		fail(w, r, lvl, start, err, "generate")
		return
	}

	var out io.Writer = w
	if lvl >= LevelDebug {
		out = io.MultiWriter(w, &loggingLineWriter{log: requestLogger(r)})
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(out)
	flush := flusherFor(w)

	var streamErr error
	terminal := false
	for p := range parts {
		var chunk types.GenerateChunk
		switch p.Type {
		case llm.PartTextDelta:
			chunk.Delta = p.Delta
			generateDeltas.Inc()
		case llm.PartFinish:
			chunk = types.GenerateChunk{
				Done:             true,
				FinishReason:     p.FinishReason,
				PromptTokens:     p.Usage.PromptTokens,
				CompletionTokens: p.Usage.CompletionTokens,
			}
			terminal = true
		case llm.PartError:
			streamErr = p.Err
			chunk = types.GenerateChunk{Done: true, FinishReason: llm.FinishError, Error: p.Err.Error()}
			terminal = true
		default:
			continue
		}
		if err := enc.Encode(chunk); err != nil {
			// client went away; cancel unblocks the producer
			countStreamEnd("generate", outcomeDisconnected)
			logEnd(r, lvl, http.StatusOK, start, err, "generate end")
			return
		}
		flush()
	}
	if !terminal && r.Context().Err() == nil {
		// the stream ended without a finish part: deadline or shutdown
		streamErr = ctx.Err()
		if streamErr == nil {
			streamErr = errors.New("stream ended unexpectedly")
		}
		_ = enc.Encode(types.GenerateChunk{Done: true, FinishReason: llm.FinishError, Error: streamErr.Error()})
		flush()
	}
	switch {
	case !terminal && r.Context().Err() != nil:
		countStreamEnd("generate", outcomeDisconnected)
	case streamErr != nil:
		countStreamEnd("generate", outcomeFailed)
	default:
		countStreamEnd("generate", outcomeDone)
	}
	logEnd(r, lvl, http.StatusOK, start, streamErr, "generate end")
}
