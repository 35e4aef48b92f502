package inferred

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

const doneSentinel = "[DONE]"

// ChatStream reads a text/event-stream chat completion body.
//
// Recv returns io.EOF after "data: [DONE]", at end of body, or once the
// stream's context is cancelled. Payloads that are not valid JSON are skipped.
type ChatStream struct {
	ctx  context.Context
	body io.ReadCloser
	r    *bufio.Reader

	closeOnce sync.Once
	done      bool
}

func newChatStream(ctx context.Context, body io.ReadCloser) *ChatStream {
	return &ChatStream{ctx: ctx, body: body, r: bufio.NewReaderSize(body, 64*1024)}
}

// Recv returns the next chunk.
func (s *ChatStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	var zero openai.ChatCompletionStreamResponse
	for !s.done {
		if s.ctx.Err() != nil {
			s.finish()
			return zero, io.EOF
		}
		// ReadString accumulates partial lines across reads
		line, err := s.r.ReadString('\n')
		if data, ok := sseData(line); ok {
			if data == doneSentinel {
				s.finish()
				return zero, io.EOF
			}
			var chunk openai.ChatCompletionStreamResponse
			if json.Unmarshal([]byte(data), &chunk) == nil {
				return chunk, nil
			}
		}
		if err != nil {
			s.finish()
			if err == io.EOF || s.ctx.Err() != nil {
				return zero, io.EOF
			}
			return zero, err
		}
	}
	return zero, io.EOF
}

// sseData extracts the payload of a "data:" line.
func sseData(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	data := strings.TrimSpace(line[len("data:"):])
	return data, data != ""
}

func (s *ChatStream) finish() {
	s.done = true
	s.Close()
}

// Close releases the response body. Safe to call more than once.
func (s *ChatStream) Close() {
	s.closeOnce.Do(func() { _ = s.body.Close() })
}
