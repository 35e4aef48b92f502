// Package hf pulls model repositories from a HuggingFace-compatible hub into
// the local registry cache.
package hf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"localinfer/internal/registry"
)

const (
	DefaultHubURL = "https://huggingface.co"
	EnvToken      = "HF_TOKEN"
	EnvEndpoint   = "HF_ENDPOINT"
	userAgent     = "localinfer/1"
)

var (
	// ErrAccessDenied is returned for 401/403 (gated or private repos).
	ErrAccessDenied = errors.New("access denied by model hub; set " + EnvToken + " to a token with access to this repository")
	// ErrNotFound is returned for 404.
	ErrNotFound = errors.New("repository or file not found on model hub")
	// ErrNoLoadableFiles means the repository contains no weight/tokenizer/config files.
	ErrNoLoadableFiles = errors.New("repository has no loadable model files")
	// ErrCancelled wraps the context error when a pull is aborted.
	ErrCancelled = errors.New("download cancelled")
	// ErrUnsafePath rejects repository file names that leave the model directory.
	ErrUnsafePath = errors.New("repository file path escapes the model directory")
	// ErrInvalidRepoID rejects ids not shaped like org/model.
	ErrInvalidRepoID = errors.New("invalid repository id, expected org/model")
)

// StatusError carries an unexpected HTTP status.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("model hub returned %d for %s", e.Code, e.URL)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// IsAccessDenied reports whether err came from a 401/403 response.
func IsAccessDenied(err error) bool { return errors.Is(err, ErrAccessDenied) }

// IsCancelled reports whether err came from an aborted pull.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }

// RepoFile is one entry of the repository file listing.
type RepoFile struct {
	Path string `json:"rfilename"`
	Size int64  `json:"size"`
}

type modelInfo struct {
	ID       string     `json:"id"`
	Siblings []RepoFile `json:"siblings"`
}

// Downloader fetches repositories into a registry.
type Downloader struct {
	reg     *registry.Registry
	http    *http.Client
	baseURL string
	token   string
	log     zerolog.Logger
	now     func() time.Time
	bufSize int
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithBaseURL points the downloader at another hub (or a test server).
func WithBaseURL(u string) Option {
	return func(d *Downloader) { d.baseURL = strings.TrimSuffix(u, "/") }
}

// WithToken overrides the HF_TOKEN environment variable.
func WithToken(token string) Option { return func(d *Downloader) { d.token = token } }

// WithHTTPClient replaces the default client. Timeouts should come from contexts.
func WithHTTPClient(c *http.Client) Option { return func(d *Downloader) { d.http = c } }

// WithLogger installs a structured logger.
func WithLogger(l zerolog.Logger) Option { return func(d *Downloader) { d.log = l } }

// WithClock replaces time.Now for manifest timestamps.
func WithClock(now func() time.Time) Option { return func(d *Downloader) { d.now = now } }

// WithChunkSize sets the read buffer; progress is reported once per chunk.
func WithChunkSize(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.bufSize = n
		}
	}
}

// NewDownloader builds a downloader writing into reg. The hub token is read
// from HF_TOKEN and the hub URL from HF_ENDPOINT unless overridden.
func NewDownloader(reg *registry.Registry, opts ...Option) *Downloader {
	d := &Downloader{
		reg:     reg,
		http:    &http.Client{Timeout: 0},
		baseURL: DefaultHubURL,
		token:   os.Getenv(EnvToken),
		log:     zerolog.Nop(),
		now:     time.Now,
		bufSize: 256 * 1024,
	}
	if ep := os.Getenv(EnvEndpoint); ep != "" {
		d.baseURL = strings.TrimSuffix(ep, "/")
	}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With().Str("component", "hf").Logger()
	return d
}

// ListFiles returns every file of the repository at main.
func (d *Downloader) ListFiles(ctx context.Context, repoID string) ([]RepoFile, error) {
	if err := validateRepoID(repoID); err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/api/models/%s?blobs=true", d.baseURL, escapeRepo(repoID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	d.setHeaders(req)
	req.Header.Set("Accept", "application/json")
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, wrapCtx(ctx, fmt.Errorf("list %s: %w", repoID, err))
	}
	defer resp.Body.Close()
	if err := statusError(resp, u); err != nil {
		return nil, fmt.Errorf("list %s: %w", repoID, err)
	}
	var info modelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("list %s: decode: %w", repoID, err)
	}
	return info.Siblings, nil
}

func (d *Downloader) fileURL(repoID, path string) string {
	segs := strings.Split(path, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/%s/resolve/main/%s", d.baseURL, escapeRepo(repoID), strings.Join(segs, "/"))
}

func (d *Downloader) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
}

func statusError(resp *http.Response, u string) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAccessDenied
	case http.StatusNotFound:
		return ErrNotFound
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, URL: u, Body: strings.TrimSpace(string(body))}
}

func validateRepoID(id string) error {
	parts := strings.Split(id, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidRepoID, id)
	}
	return nil
}

func escapeRepo(id string) string {
	org, name, _ := strings.Cut(id, "/")
	return url.PathEscape(org) + "/" + url.PathEscape(name)
}

// wrapCtx turns a transport error caused by ctx into ErrCancelled.
func wrapCtx(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
	}
	return err
}
