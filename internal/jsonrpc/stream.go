package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"sync"

	"localinfer/pkg/types"
)

// Stream is the token sequence of one streaming call. It is finite and can
// be consumed once, by a single goroutine.
type Stream struct {
	c  *Client
	ch chan types.StreamToken

	abandon     chan struct{}
	abandonOnce sync.Once
	finished    chan struct{}
	finishOnce  sync.Once

	eof bool
	err error
}

func newStream(c *Client, buf int) *Stream {
	return &Stream{
		c:        c,
		ch:       make(chan types.StreamToken, buf),
		abandon:  make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Recv returns the next token. It returns io.EOF after the done message,
// a *StreamError for an error message, and ErrProcessExited (or ErrClosed)
// if the client shuts down first. A done message carrying text yields that
// text with Done set, followed by io.EOF.
func (s *Stream) Recv(ctx context.Context) (types.StreamToken, error) {
	if s.eof {
		return types.StreamToken{}, io.EOF
	}
	if s.err != nil {
		return types.StreamToken{}, s.err
	}
	select {
	case tok, ok := <-s.ch:
		return s.take(tok, ok)
	case <-ctx.Done():
		return types.StreamToken{}, ctx.Err()
	case <-s.c.done:
		// everything the reader delivered before shutting down is already buffered
		select {
		case tok, ok := <-s.ch:
			return s.take(tok, ok)
		default:
			s.err = s.c.Err()
			return types.StreamToken{}, s.err
		}
	}
}

func (s *Stream) take(tok types.StreamToken, ok bool) (types.StreamToken, error) {
	switch {
	case !ok:
		s.eof = true
		return types.StreamToken{}, io.EOF
	case tok.Error != "":
		s.err = &StreamError{Message: tok.Error}
		return types.StreamToken{}, s.err
	case tok.Done:
		s.eof = true
		if tok.Token == "" {
			return types.StreamToken{}, io.EOF
		}
		return tok, nil
	}
	return tok, nil
}

// All adapts the stream to a range-over-func sequence. Iteration stops after
// the last token; an error is yielded once as the final element.
func (s *Stream) All(ctx context.Context) iter.Seq2[types.StreamToken, error] {
	return func(yield func(types.StreamToken, error) bool) {
		defer s.Close()
		for {
			tok, err := s.Recv(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(types.StreamToken{}, err)
				return
			}
			if !yield(tok, nil) {
				return
			}
		}
	}
}

// Close tells the reader the consumer is gone. Remaining tokens of this
// generation are discarded until the peer ends it; Finished reports when
// that has happened.
func (s *Stream) Close() {
	s.abandonOnce.Do(func() { close(s.abandon) })
}

// Finished is closed once the peer has ended the stream or the client shut down.
func (s *Stream) Finished() <-chan struct{} { return s.finished }

func (s *Stream) finish() {
	s.finishOnce.Do(func() { close(s.finished) })
}

// handleToken runs on the read loop. It is the only place that closes s.ch.
func (c *Client) handleToken(tok types.StreamToken) {
	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	if s == nil {
		c.log.Debug().Str("token", tok.Token).Msg("token with no active stream")
		return
	}
	select {
	case <-s.abandon:
	default:
		select {
		case s.ch <- tok:
		case <-s.abandon:
		case <-c.done:
		}
	}
	if tok.Done || tok.Error != "" {
		c.detach(s)
		close(s.ch)
		s.finish()
	}
}

// StreamTokenFrom builds a token from the raw fields of a stream line. The
// error field is normally a string but any JSON value is accepted.
func StreamTokenFrom(token *string, done *bool, rawErr json.RawMessage) types.StreamToken {
	var tok types.StreamToken
	if token != nil {
		tok.Token = *token
	}
	if done != nil {
		tok.Done = *done
	}
	if len(rawErr) > 0 && string(rawErr) != "null" {
		var msg string
		if json.Unmarshal(rawErr, &msg) != nil {
			msg = string(rawErr)
		}
		if msg == "" {
			msg = "unknown worker error"
		}
		tok.Error = msg
	}
	return tok
}
