package jsonrpc

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localinfer/pkg/types"
)

// startStream issues generate_stream, acknowledges it and returns the stream.
func startStream(t *testing.T, c *Client, p *peer) *Stream {
	t.Helper()
	type res struct {
		s   *Stream
		err error
	}
	ch := make(chan res, 1)
	go func() {
		s, err := c.CallStream(context.Background(), "generate_stream", map[string]any{"messages": []any{}})
		ch <- res{s, err}
	}()
	r := p.next()
	require.Equal(t, "generate_stream", r.Method)
	p.reply(*r.ID, map[string]bool{"streaming": true})
	out := <-ch
	require.NoError(t, out.err)
	return out.s
}

func collect(t *testing.T, s *Stream) ([]string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var toks []string
	for tok, err := range s.All(ctx) {
		if err != nil {
			return toks, err
		}
		toks = append(toks, tok.Token)
	}
	return toks, nil
}

func TestStreamYieldsInOrderAndEndsOnDone(t *testing.T) {
	c, p := newPair(t)
	s := startStream(t, c, p)
	go func() {
		p.send(types.StreamToken{Token: "Hel"})
		p.raw("stray diagnostic output")
		p.send(types.StreamToken{Token: "lo"})
		p.send(types.StreamToken{Token: "!", Done: true})
	}()
	toks, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo", "!"}, toks)
	select {
	case <-s.Finished():
	case <-time.After(time.Second):
		t.Fatal("stream not marked finished")
	}
}

func TestStreamDoneWithoutToken(t *testing.T) {
	c, p := newPair(t)
	s := startStream(t, c, p)
	go func() {
		p.send(types.StreamToken{Token: "a"})
		p.raw(`{"token":"","done":true}`)
	}()
	ctx := context.Background()
	tok, err := s.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", tok.Token)
	_, err = s.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)
	_, err = s.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF, "stream must stay terminated")
}

func TestStreamRaisesOnErrorToken(t *testing.T) {
	c, p := newPair(t)
	s := startStream(t, c, p)
	go func() {
		p.send(types.StreamToken{Token: "partial"})
		p.raw(`{"token":"","done":false,"error":"CUDA out of memory"}`)
	}()
	toks, err := collect(t, s)
	assert.Equal(t, []string{"partial"}, toks)
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "CUDA out of memory", se.Message)
	_, again := s.Recv(context.Background())
	assert.ErrorIs(t, again, err)
}

func TestStreamProcessExitMidStream(t *testing.T) {
	c, p := newPair(t)
	s := startStream(t, c, p)
	p.send(types.StreamToken{Token: "x"})
	require.NoError(t, p.out.Close())
	toks, err := collect(t, s)
	assert.Equal(t, []string{"x"}, toks)
	assert.ErrorIs(t, err, ErrProcessExited)
}

func TestStreamBusyWhileActive(t *testing.T) {
	c, p := newPair(t)
	s := startStream(t, c, p)
	_, err := c.CallStream(context.Background(), "generate_stream", nil)
	assert.ErrorIs(t, err, ErrStreamBusy)

	// an abandoned stream keeps the slot until the peer finishes it
	s.Close()
	p.send(types.StreamToken{Token: "ignored"})
	p.send(types.StreamToken{Done: true})
	select {
	case <-s.Finished():
	case <-time.After(time.Second):
		t.Fatal("abandoned stream never finished")
	}
	s2 := startStream(t, c, p)
	go p.send(types.StreamToken{Token: "fresh", Done: true})
	toks, err := collect(t, s2)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, toks)
}

func TestStreamAckErrorDetaches(t *testing.T) {
	c, p := newPair(t)
	errCh := make(chan error, 1)
	go func() {
		_, err := c.CallStream(context.Background(), "generate_stream", nil)
		errCh <- err
	}()
	r := p.next()
	p.send(map[string]any{"jsonrpc": "2.0", "id": *r.ID, "error": map[string]any{"code": -32602, "message": "bad params"}})
	var rpcErr *Error
	require.ErrorAs(t, <-errCh, &rpcErr)
	startStream(t, c, p)
}

// abandonBeforeAck issues generate_stream with a context that ends before
// the peer answers and returns the request id the peer saw.
func abandonBeforeAck(t *testing.T, c *Client, p *peer) int64 {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.CallStream(ctx, "generate_stream", nil)
		errCh <- err
	}()
	r := p.next()
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	return *r.ID
}

func TestStreamAbandonedBeforeAckSwallowsItsTokens(t *testing.T) {
	c, p := newPair(t)
	id := abandonBeforeAck(t, c, p)

	pending := c.PendingStream()
	require.NotNil(t, pending)
	_, err := c.CallStream(context.Background(), "generate_stream", nil)
	assert.ErrorIs(t, err, ErrStreamBusy)

	p.reply(id, map[string]bool{"streaming": true})
	p.send(types.StreamToken{Token: "OLD"})
	p.send(types.StreamToken{Done: true})
	select {
	case <-pending:
	case <-time.After(time.Second):
		t.Fatal("abandoned stream never finished")
	}
	assert.Nil(t, c.PendingStream())

	s := startStream(t, c, p)
	go func() {
		p.send(types.StreamToken{Token: "NEW"})
		p.send(types.StreamToken{Done: true})
	}()
	toks, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"NEW"}, toks)
}

func TestStreamAbandonedThenRejectedDetaches(t *testing.T) {
	c, p := newPair(t)
	id := abandonBeforeAck(t, c, p)
	pending := c.PendingStream()
	require.NotNil(t, pending)

	p.send(map[string]any{"jsonrpc": "2.0", "id": id, "error": map[string]any{"code": -32000, "message": "busy"}})
	select {
	case <-pending:
	case <-time.After(time.Second):
		t.Fatal("rejected stream stayed attached")
	}
	assert.Nil(t, c.PendingStream())
	startStream(t, c, p)
}

func TestStreamTokenFrom(t *testing.T) {
	tok := "hi"
	done := true
	assert.Equal(t, types.StreamToken{Token: "hi", Done: true}, StreamTokenFrom(&tok, &done, nil))
	assert.Equal(t, types.StreamToken{Error: `{"kind":"oom"}`}, StreamTokenFrom(nil, nil, []byte(`{"kind":"oom"}`)))
	assert.Equal(t, types.StreamToken{}, StreamTokenFrom(nil, nil, []byte("null")))
}
