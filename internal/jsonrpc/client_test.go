package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localinfer/pkg/types"
)

// peer plays the subprocess side of the pipe pair.
type peer struct {
	t   *testing.T
	in  *bufio.Scanner
	out *io.PipeWriter
	wmu sync.Mutex
}

func newPair(t *testing.T, opts ...Option) (*Client, *peer) {
	t.Helper()
	clientIn, peerOut := io.Pipe()
	peerIn, clientOut := io.Pipe()
	c := NewClient(clientIn, clientOut, opts...)
	p := &peer{t: t, in: bufio.NewScanner(peerIn), out: peerOut}
	t.Cleanup(func() {
		_ = c.Close()
		_ = peerOut.Close()
		_ = peerIn.Close()
	})
	return c, p
}

type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func (p *peer) next() wireRequest {
	p.t.Helper()
	if !p.in.Scan() {
		p.t.Fatalf("peer: no request: %v", p.in.Err())
	}
	var r wireRequest
	require.NoError(p.t, json.Unmarshal(p.in.Bytes(), &r))
	return r
}

func (p *peer) raw(line string) {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_, err := io.WriteString(p.out, line+"\n")
	require.NoError(p.t, err)
}

func (p *peer) send(v any) {
	b, err := json.Marshal(v)
	require.NoError(p.t, err)
	p.raw(string(b))
}

func (p *peer) reply(id int64, result any) {
	p.send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func TestCallResolvesByIDOutOfOrder(t *testing.T) {
	c, p := newPair(t)
	const n = 4
	type out struct {
		want, got int
		err       error
	}
	results := make(chan out, n)
	for i := 0; i < n; i++ {
		go func() {
			var res struct{ N int }
			err := c.Call(context.Background(), "echo", map[string]int{"n": i}, &res)
			results <- out{want: i, got: res.N, err: err}
		}()
	}
	reqs := make([]wireRequest, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, p.next())
	}
	seen := map[int64]bool{}
	for _, r := range reqs {
		require.NotNil(t, r.ID)
		assert.Equal(t, "2.0", r.JSONRPC)
		assert.False(t, seen[*r.ID], "id reused")
		seen[*r.ID] = true
	}
	// answer in reverse arrival order
	for i := len(reqs) - 1; i >= 0; i-- {
		var params struct{ N int }
		require.NoError(t, json.Unmarshal(reqs[i].Params, &params))
		p.reply(*reqs[i].ID, map[string]int{"n": params.N})
	}
	for i := 0; i < n; i++ {
		o := <-results
		require.NoError(t, o.err)
		assert.Equal(t, o.want, o.got)
	}
}

func TestCallRejectsOnErrorObject(t *testing.T) {
	c, p := newPair(t)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Call(context.Background(), "generate", nil, nil) }()
	r := p.next()
	p.send(map[string]any{"jsonrpc": "2.0", "id": *r.ID, "error": map[string]any{"code": -32000, "message": "model not loaded"}})
	err := <-errCh
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32000, rpcErr.Code)
	assert.Equal(t, "model not loaded", rpcErr.Message)
}

func TestIgnoresNoiseAndUnknownIDs(t *testing.T) {
	c, p := newPair(t)
	done := make(chan error, 1)
	var res types.WorkerHealth
	go func() { done <- c.Call(context.Background(), "health", nil, &res) }()
	r := p.next()
	p.raw("Loading checkpoint shards: 100%")
	p.raw("{not json")
	p.raw(`{"unrelated":true}`)
	p.reply(*r.ID+1000, map[string]string{"status": "wrong"})
	p.raw(`{"jsonrpc":"2.0","method":"log","params":{}}`)
	p.reply(*r.ID, map[string]string{"status": "ok", "backend": "mlx"})
	require.NoError(t, <-done)
	assert.Equal(t, types.WorkerHealth{Status: "ok", Backend: "mlx"}, res)
}

func TestCloseSourceRejectsAllPending(t *testing.T) {
	c, p := newPair(t)
	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() { errs <- c.Call(context.Background(), "generate", nil, nil) }()
	}
	for i := 0; i < n; i++ {
		p.next()
	}
	require.NoError(t, p.out.Close())
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrProcessExited)
			assert.True(t, IsTerminal(err))
		case <-time.After(2 * time.Second):
			t.Fatalf("call %d still pending after source closed", i)
		}
	}
	assert.ErrorIs(t, c.Call(context.Background(), "health", nil, nil), ErrProcessExited)
	<-c.Done()
}

func TestCallAbandonedOnContextLateResponseDropped(t *testing.T) {
	c, p := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Call(ctx, "health", nil, nil) }()
	first := p.next()
	assert.ErrorIs(t, <-errCh, context.DeadlineExceeded)

	// the late answer must not disturb the next call
	p.reply(*first.ID, map[string]string{"status": "late"})
	go func() {
		var h types.WorkerHealth
		err := c.Call(context.Background(), "health", nil, &h)
		if err == nil && h.Status != "ok" {
			err = fmt.Errorf("got status %q", h.Status)
		}
		errCh <- err
	}()
	second := p.next()
	assert.Greater(t, *second.ID, *first.ID)
	p.reply(*second.ID, map[string]string{"status": "ok"})
	require.NoError(t, <-errCh)
}

func TestNotifyHasNoID(t *testing.T) {
	c, p := newPair(t)
	go func() { _ = c.Notify("shutdown", nil) }()
	r := p.next()
	assert.Nil(t, r.ID)
	assert.Equal(t, "shutdown", r.Method)
}

func TestCloseRejectsWithErrClosed(t *testing.T) {
	c, p := newPair(t)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Call(context.Background(), "generate", nil, nil) }()
	p.next()
	require.NoError(t, c.Close())
	assert.ErrorIs(t, <-errCh, ErrClosed)
	assert.ErrorIs(t, c.Notify("shutdown", nil), ErrClosed)
	assert.ErrorIs(t, c.Err(), ErrClosed)
}

