package inferred

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"localinfer/pkg/types"
)

// StatusError is a non-2xx reply from the server.
type StatusError struct {
	Code int
	Path string
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("inferred %s: http %d", e.Path, e.Code)
	}
	return fmt.Sprintf("inferred %s: http %d: %s", e.Path, e.Code, e.Body)
}

// Client is a stateless wrapper over the server's HTTP API.
//
// Status and diagnostics calls (Status, ListModels, ClusterStatus,
// ClusterNodes, Metrics, RDMA, Transport) return nil or empty values on any
// failure instead of an error.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient targets baseURL, e.g. http://127.0.0.1:PORT. token may be empty.
func NewClient(baseURL, token string, hc *http.Client) *Client {
	if hc == nil {
		// no client timeout: every call carries a context deadline or is a stream
		hc = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: hc}
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp, path)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("inferred %s: decode: %w", path, err)
	}
	return nil
}

func statusError(resp *http.Response, path string) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Code: resp.StatusCode, Path: path, Body: strings.TrimSpace(string(b))}
}

// Health reports whether GET /healthz answers 2xx.
func (c *Client) Health(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil) == nil
}

// LoadModel asks the server to load model (an id or a local directory).
func (c *Client) LoadModel(ctx context.Context, model string) error {
	return c.do(ctx, http.MethodPost, "/inference/models/load", types.ModelRequest{Model: model}, nil)
}

// UnloadModel unloads model, or every model when empty.
func (c *Client) UnloadModel(ctx context.Context, model string) error {
	return c.do(ctx, http.MethodPost, "/inference/models/unload", types.ModelRequest{Model: model}, nil)
}

// Status returns the server status or nil.
func (c *Client) Status(ctx context.Context) *types.InferenceStatus {
	var st types.InferenceStatus
	if err := c.do(ctx, http.MethodGet, "/inference/status", nil, &st); err != nil {
		return nil
	}
	return &st
}

// ListModels returns the OpenAI-style model list, empty on failure.
func (c *Client) ListModels(ctx context.Context) []openai.Model {
	var list openai.ModelsList
	if err := c.do(ctx, http.MethodGet, "/v1/models", nil, &list); err != nil {
		return nil
	}
	return list.Models
}

// ChatCompletion runs a non-streaming chat completion.
func (c *Client) ChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	req.Stream = false
	var out openai.ChatCompletionResponse
	err := c.do(ctx, http.MethodPost, "/v1/chat/completions", req, &out)
	return out, err
}

// ChatCompletionStream starts a streaming chat completion.
func (c *Client) ChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*ChatStream, error) {
	req.Stream = true
	hreq, err := c.newRequest(ctx, http.MethodPost, "/v1/chat/completions", req)
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp, "/v1/chat/completions")
	}
	return newChatStream(ctx, resp.Body), nil
}

// ClusterStatus returns the cluster snapshot or nil.
func (c *Client) ClusterStatus(ctx context.Context) *types.ClusterState {
	var st types.ClusterState
	if err := c.do(ctx, http.MethodGet, "/inference/cluster/status", nil, &st); err != nil {
		return nil
	}
	return &st
}

// ClusterNodes returns the known peers, empty on failure.
func (c *Client) ClusterNodes(ctx context.Context) []types.ClusterNode {
	var wrapped struct {
		Nodes []types.ClusterNode `json:"nodes"`
	}
	if err := c.do(ctx, http.MethodGet, "/inference/cluster/nodes", nil, &wrapped); err != nil {
		return nil
	}
	return wrapped.Nodes
}

// Metrics returns the Prometheus text exposition, empty on failure.
func (c *Client) Metrics(ctx context.Context) string {
	req, err := c.newRequest(ctx, http.MethodGet, "/metrics", nil)
	if err != nil {
		return ""
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return ""
	}
	return string(b)
}

// RDMA returns the RDMA configuration or nil.
func (c *Client) RDMA(ctx context.Context) *types.RDMAConfig {
	var cfg types.RDMAConfig
	if err := c.do(ctx, http.MethodGet, "/inference/rdma", nil, &cfg); err != nil {
		return nil
	}
	return &cfg
}

// Transport returns the transport status or nil.
func (c *Client) Transport(ctx context.Context) *types.TransportStatus {
	var st types.TransportStatus
	if err := c.do(ctx, http.MethodGet, "/inference/transport", nil, &st); err != nil {
		return nil
	}
	return &st
}

// Benchmark triggers a benchmark run. It can take a while; callers should
// pass a context with a generous deadline.
func (c *Client) Benchmark(ctx context.Context, req types.BenchmarkRequest) (types.BenchmarkResult, error) {
	var out types.BenchmarkResult
	err := c.do(ctx, http.MethodPost, "/inference/benchmark", req, &out)
	return out, err
}

// waitHealthy polls Health every interval until it succeeds, ctx ends or
// exited closes.
func (c *Client) waitHealthy(ctx context.Context, interval time.Duration, exited <-chan struct{}) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		pctx, cancel := context.WithTimeout(ctx, interval)
		ok := c.Health(pctx)
		cancel()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return errExitedEarly
		case <-t.C:
		}
	}
}
