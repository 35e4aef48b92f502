package inferred

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"localinfer/internal/detect"
	"localinfer/internal/events"
	"localinfer/internal/logging"
)

var (
	ErrNotRunning     = errors.New("inferred not running")
	ErrStartTimeout   = errors.New("inferred did not become healthy in time")
	ErrBinaryNotFound = errors.New("inferred binary not found")
	errExitedEarly    = errors.New("inferred exited before becoming healthy")
)

const (
	DefaultHealthTimeout = 60 * time.Second
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultStopGrace     = 5 * time.Second
)

// ProcessConfig controls how the server binary is launched.
type ProcessConfig struct {
	Binary string
	// Host defaults to 127.0.0.1.
	Host string

	PythonPath      string
	ModelDir        string
	AuthToken       string
	MaxMemoryMB     int
	MaxModels       int
	ClusterEnabled  bool
	ClusterPeers    []string
	ClusterStrategy string
	NoDiscovery     bool
	KVCacheQuant    string
	ExtraArgs       []string
	Env             []string

	HealthTimeout time.Duration
	PollInterval  time.Duration
	StopGrace     time.Duration

	Platform   detect.Platform
	HTTPClient *http.Client
	Logger     zerolog.Logger
	Publisher  events.Publisher
}

// BuildArgs renders the command line for port. Zero-valued options are omitted.
func (c ProcessConfig) BuildArgs(port int) []string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	args := []string{"--port", strconv.Itoa(port), "--host", host}
	if c.PythonPath != "" {
		args = append(args, "--python-path", c.PythonPath)
	}
	if c.ModelDir != "" {
		args = append(args, "--model-dir", c.ModelDir)
	}
	if c.AuthToken != "" {
		args = append(args, "--auth-token", c.AuthToken)
	}
	if c.MaxMemoryMB > 0 {
		args = append(args, "--max-memory-mb", strconv.Itoa(c.MaxMemoryMB))
	}
	if c.MaxModels > 0 {
		args = append(args, "--max-models", strconv.Itoa(c.MaxModels))
	}
	if c.ClusterEnabled {
		args = append(args, "--cluster")
		if len(c.ClusterPeers) > 0 {
			args = append(args, "--cluster-peers", strings.Join(c.ClusterPeers, ","))
		}
		if c.ClusterStrategy != "" {
			args = append(args, "--cluster-strategy", c.ClusterStrategy)
			args = append(args, "--distributed-backend", detect.InferDistributedBackend(c.ClusterStrategy, c.Platform))
		}
	}
	if c.NoDiscovery {
		args = append(args, "--no-discovery")
	}
	if c.KVCacheQuant != "" {
		args = append(args, "--kv-cache-quant", c.KVCacheQuant)
	}
	return append(args, c.ExtraArgs...)
}

// CrashError describes an unexpected server exit.
type CrashError struct {
	PID  int
	Port int
	Err  error
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("inferred %d on port %d crashed: %v", e.PID, e.Port, e.Err)
}

func (e *CrashError) Unwrap() error { return e.Err }

type proc struct {
	cmd      *exec.Cmd
	port     int
	client   *Client
	exited   chan struct{}
	waitErr  error
	alive    atomic.Bool
	stopping atomic.Bool
}

func (p *proc) pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// ProcessManager owns at most one server process.
type ProcessManager struct {
	cfg ProcessConfig
	log zerolog.Logger
	pub events.Publisher

	opMu sync.Mutex
	mu   sync.RWMutex
	p    *proc

	crashes chan error
}

// NewProcessManager returns a stopped manager.
func NewProcessManager(cfg ProcessConfig) *ProcessManager {
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Platform == (detect.Platform{}) {
		cfg.Platform = detect.Host()
	}
	return &ProcessManager{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "inferred").Logger(),
		pub:     events.OrNop(cfg.Publisher),
		crashes: make(chan error, 4),
	}
}

// pickFreePort binds port 0 and releases it immediately.
func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Start launches the server and waits for /healthz. A running server is
// stopped first.
func (m *ProcessManager) Start(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.current() != nil {
		m.stopLocked()
	}
	if m.cfg.Binary == "" {
		serverStarts.WithLabelValues("no_binary").Inc()
		return ErrBinaryNotFound
	}
	if _, err := exec.LookPath(m.cfg.Binary); err != nil {
		serverStarts.WithLabelValues("no_binary").Inc()
		return fmt.Errorf("%w: %s", ErrBinaryNotFound, m.cfg.Binary)
	}

	port, err := pickFreePort(m.cfg.Host)
	if err != nil {
		serverStarts.WithLabelValues("spawn_error").Inc()
		return fmt.Errorf("pick port: %w", err)
	}
	p, err := m.spawn(port)
	if err != nil {
		serverStarts.WithLabelValues("spawn_error").Inc()
		return err
	}
	m.mu.Lock()
	m.p = p
	m.mu.Unlock()
	m.log.Info().Int("pid", p.pid()).Int("port", port).Msg("inferred spawned")
	m.pub.Publish(events.Event{Name: events.ServerSpawn, Fields: map[string]any{"pid": p.pid(), "port": port}})

	hctx, cancel := context.WithTimeout(ctx, m.cfg.HealthTimeout)
	defer cancel()
	err = p.client.waitHealthy(hctx, m.cfg.PollInterval, p.exited)
	if err != nil {
		if errors.Is(err, errExitedEarly) {
			m.pub.Publish(events.Event{Name: events.ServerExit, Fields: map[string]any{"pid": p.pid(), "before_ready": true}})
			err = fmt.Errorf("%w: %v", errExitedEarly, p.waitErr)
		} else if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s", ErrStartTimeout, m.cfg.HealthTimeout)
		}
		m.kill(p)
		m.mu.Lock()
		if m.p == p {
			m.p = nil
		}
		m.mu.Unlock()
		serverStarts.WithLabelValues("failed").Inc()
		m.log.Warn().Err(err).Int("port", port).Msg("inferred failed to start")
		return err
	}
	p.alive.Store(true)
	select {
	case <-p.exited:
		// exited between the health check and here
		p.alive.Store(false)
		m.mu.Lock()
		if m.p == p {
			m.p = nil
		}
		m.mu.Unlock()
		serverStarts.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: %v", errExitedEarly, p.waitErr)
	default:
	}
	serverStarts.WithLabelValues("ok").Inc()
	m.log.Info().Int("pid", p.pid()).Str("url", p.client.BaseURL()).Msg("inferred ready")
	m.pub.Publish(events.Event{Name: events.ServerReady, Fields: map[string]any{"pid": p.pid(), "url": p.client.BaseURL()}})
	return nil
}

func (m *ProcessManager) spawn(port int) (*proc, error) {
	cmd := exec.Command(m.cfg.Binary, m.cfg.BuildArgs(port)...)
	cmd.Env = append(os.Environ(), m.cfg.Env...)
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = outW
	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("start inferred: %w", err)
	}
	outW.Close()
	plog := m.log.With().Int("pid", cmd.Process.Pid).Logger()
	go func() {
		logging.PipeLines(plog, "output", outR)
		outR.Close()
	}()

	p := &proc{
		cmd:    cmd,
		port:   port,
		client: NewClient(fmt.Sprintf("http://%s", net.JoinHostPort(m.cfg.Host, strconv.Itoa(port))), m.cfg.AuthToken, m.cfg.HTTPClient),
		exited: make(chan struct{}),
	}
	go m.watch(p)
	return p, nil
}

func (m *ProcessManager) watch(p *proc) {
	p.waitErr = p.cmd.Wait()
	close(p.exited)
	wasAlive := p.alive.Swap(false)
	if p.stopping.Load() || !wasAlive {
		return
	}
	m.mu.Lock()
	if m.p == p {
		m.p = nil
	}
	m.mu.Unlock()

	cause := p.waitErr
	if cause == nil {
		cause = errors.New("exit status 0")
	}
	serverCrashes.Inc()
	m.log.Error().Err(cause).Int("pid", p.pid()).Msg("inferred exited unexpectedly")
	m.pub.Publish(events.Event{Name: events.ServerCrash, Fields: map[string]any{"pid": p.pid(), "error": cause.Error()}})
	select {
	case m.crashes <- &CrashError{PID: p.pid(), Port: p.port, Err: cause}:
	default:
	}
}

// Stop terminates the server: SIGTERM, then kill after StopGrace.
func (m *ProcessManager) Stop() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.stopLocked()
}

func (m *ProcessManager) stopLocked() {
	m.mu.Lock()
	p := m.p
	m.p = nil
	m.mu.Unlock()
	if p == nil {
		return
	}
	p.stopping.Store(true)
	p.alive.Store(false)
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	forced := false
	select {
	case <-p.exited:
	case <-time.After(m.cfg.StopGrace):
		forced = true
		m.log.Warn().Int("pid", p.pid()).Msg("inferred ignored SIGTERM, killing")
		m.kill(p)
	}
	m.log.Info().Int("pid", p.pid()).Bool("forced", forced).Msg("inferred stopped")
	m.pub.Publish(events.Event{Name: events.ServerStop, Fields: map[string]any{"pid": p.pid(), "forced": forced}})
}

func (m *ProcessManager) kill(p *proc) {
	p.stopping.Store(true)
	_ = p.cmd.Process.Kill()
	<-p.exited
}

func (m *ProcessManager) current() *proc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.p
}

// Alive reports whether the server is up and healthy.
func (m *ProcessManager) Alive() bool {
	p := m.current()
	return p != nil && p.alive.Load()
}

// Port returns the listening port, or 0.
func (m *ProcessManager) Port() int {
	if p := m.current(); p != nil {
		return p.port
	}
	return 0
}

// PID returns the server process id, or 0.
func (m *ProcessManager) PID() int {
	if p := m.current(); p != nil {
		return p.pid()
	}
	return 0
}

// Client returns an API client for the running server.
func (m *ProcessManager) Client() (*Client, error) {
	p := m.current()
	if p == nil || !p.alive.Load() {
		return nil, ErrNotRunning
	}
	return p.client, nil
}

// Crashes delivers a *CrashError for each unexpected exit of a healthy server.
func (m *ProcessManager) Crashes() <-chan error { return m.crashes }
