package jsonrpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type result struct {
	resp Response
	err  error
}

func (r result) failure() error {
	if r.err != nil {
		return r.err
	}
	if r.resp.Error != nil {
		return r.resp.Error
	}
	return nil
}

// Client correlates requests and responses by id. All methods are safe for
// concurrent use.
type Client struct {
	w         io.Writer
	wmu       sync.Mutex
	nextID    atomic.Int64
	log       zerolog.Logger
	maxLine   int
	streamBuf int

	mu       sync.Mutex
	pending  map[int64]chan result
	stream   *Stream
	closed   bool
	closeErr error
	done     chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger installs a structured logger.
func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.log = l } }

// WithMaxLineBytes bounds a single protocol line (default 16 MiB).
func WithMaxLineBytes(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxLine = n
		}
	}
}

// WithStreamBuffer sets how many tokens may queue ahead of the consumer
// before the reader waits (default 1024).
func WithStreamBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.streamBuf = n
		}
	}
}

// NewClient starts reading r in the background and writes requests to w.
func NewClient(r io.Reader, w io.Writer, opts ...Option) *Client {
	c := &Client{
		w:         w,
		log:       zerolog.Nop(),
		maxLine:   16 << 20,
		streamBuf: 1024,
		pending:   make(map[int64]chan result),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.readLoop(r)
	return c
}

// Done is closed once the client is closed or the peer's output ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the terminal error, or nil while the client is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close rejects every pending call and ends the active stream with ErrClosed.
// It does not close the underlying reader or writer.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

// CloseWithError is Close with a caller-chosen terminal error, e.g. one
// wrapping ErrProcessExited with the exit status.
func (c *Client) CloseWithError(err error) {
	if err == nil {
		err = ErrClosed
	}
	c.shutdown(err)
}

// Call sends method and waits for the matching response. When ctx ends first
// the call is abandoned: the request stays with the peer and its late
// response is dropped.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	id, ch, err := c.register()
	if err != nil {
		return err
	}
	if err := c.write(Request{JSONRPC: Version, ID: id, Method: method, Params: params}); err != nil {
		c.forget(id)
		return err
	}
	select {
	case r := <-ch:
		if err := r.failure(); err != nil {
			return err
		}
		if out != nil && len(r.resp.Result) > 0 {
			return json.Unmarshal(r.resp.Result, out)
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

// Notify sends a request without an id; no response is expected.
func (c *Client) Notify(method string, params any) error {
	if err := c.Err(); err != nil {
		return err
	}
	return c.write(Request{JSONRPC: Version, Method: method, Params: params})
}

// CallStream sends method, waits for its acknowledgement and returns the
// token stream that follows it.
//
// When ctx ends before the acknowledgement the peer may still be generating,
// so the stream stays attached and abandoned: its tokens are discarded up to
// its terminal line and PendingStream reports when that happened.
func (c *Client) CallStream(ctx context.Context, method string, params any) (*Stream, error) {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	if c.stream != nil {
		c.mu.Unlock()
		return nil, ErrStreamBusy
	}
	s := newStream(c, c.streamBuf)
	// attach before sending so tokens right after the ack are queued
	c.stream = s
	c.mu.Unlock()

	id, ch, err := c.register()
	if err != nil {
		c.abort(s)
		return nil, err
	}
	if err := c.write(Request{JSONRPC: Version, ID: id, Method: method, Params: params}); err != nil {
		c.forget(id)
		c.abort(s)
		return nil, err
	}
	select {
	case r := <-ch:
		if err := r.failure(); err != nil {
			c.abort(s)
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		s.Close()
		go func() {
			// a rejected request never produces a terminal line
			if r := <-ch; r.failure() != nil {
				c.abort(s)
			}
		}()
		return nil, ctx.Err()
	}
}

// PendingStream returns the Finished channel of the attached stream, or nil
// when no stream is attached.
func (c *Client) PendingStream() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	return c.stream.finished
}

// abort drops a stream whose request never started a generation.
func (c *Client) abort(s *Stream) {
	c.detach(s)
	s.Close()
	s.finish()
}

func (c *Client) register() (int64, chan result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, c.closeErr
	}
	id := c.nextID.Add(1)
	ch := make(chan result, 1)
	c.pending[id] = ch
	return id, ch, nil
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) detach(s *Stream) {
	c.mu.Lock()
	if c.stream == s {
		c.stream = nil
	}
	c.mu.Unlock()
}

func (c *Client) write(req Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.w.Write(b)
	return err
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = nil
	s := c.stream
	c.stream = nil
	c.mu.Unlock()

	close(c.done)
	for _, ch := range pending {
		ch <- result{err: err}
	}
	if s != nil {
		s.finish()
	}
	c.log.Debug().Err(err).Int("pending", len(pending)).Msg("jsonrpc client closed")
}

func (c *Client) readLoop(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), c.maxLine)
	for sc.Scan() {
		c.handleLine(sc.Bytes())
	}
	if err := sc.Err(); err != nil {
		c.log.Warn().Err(err).Msg("jsonrpc read failed")
	}
	c.shutdown(ErrProcessExited)
}

// lineProbe decides what kind of line was received without decoding it twice
// into the wrong shape.
type lineProbe struct {
	JSONRPC *string         `json:"jsonrpc"`
	Token   *string         `json:"token"`
	Done    *bool           `json:"done"`
	Error   json.RawMessage `json:"error"`
}

func (c *Client) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	if line[0] != '{' {
		c.log.Debug().Str("line", string(line)).Msg("non-protocol output")
		return
	}
	var p lineProbe
	if err := json.Unmarshal(line, &p); err != nil {
		c.log.Debug().Str("line", string(line)).Msg("unparseable output")
		return
	}
	switch {
	case p.JSONRPC != nil:
		c.handleResponse(line)
	case p.Token != nil || p.Done != nil || len(p.Error) > 0:
		tok := StreamTokenFrom(p.Token, p.Done, p.Error)
		c.handleToken(tok)
	default:
		c.log.Debug().Str("line", string(line)).Msg("unrecognized message")
	}
}

func (c *Client) handleResponse(line []byte) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		c.log.Debug().Err(err).Msg("malformed response")
		return
	}
	if resp.ID == nil {
		c.log.Debug().Str("line", string(line)).Msg("ignoring peer notification")
		return
	}
	c.mu.Lock()
	ch := c.pending[*resp.ID]
	delete(c.pending, *resp.ID)
	c.mu.Unlock()
	if ch == nil {
		c.log.Debug().Int64("id", *resp.ID).Msg("dropping response for unknown id")
		return
	}
	ch <- result{resp: resp}
}
