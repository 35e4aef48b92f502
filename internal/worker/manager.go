package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"localinfer/internal/common/fsutil"
	"localinfer/internal/detect"
	"localinfer/internal/events"
	"localinfer/internal/jsonrpc"
	"localinfer/internal/logging"
	"localinfer/pkg/types"
)

// State is the lifecycle state of the managed worker.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateReady    State = "ready"
)

var (
	ErrNotReady      = errors.New("worker not ready")
	ErrHealthTimeout = errors.New("worker health check timed out")
	ErrUnhealthy     = errors.New("worker reported unhealthy")
	ErrBusy          = errors.New("worker busy: generation queue full")
)

// Defaults applied by New for zero Config fields.
const (
	DefaultHealthTimeout = 120 * time.Second
	DefaultStopGrace     = 5 * time.Second
	DefaultMaxQueueDepth = 32
	DefaultMaxWait       = 30 * time.Second

	drainTimeout = time.Second
)

// Config controls how the worker is spawned and supervised.
type Config struct {
	// Interpreter overrides interpreter discovery.
	Interpreter string
	// Script overrides worker script discovery.
	Script string
	// DataDir holds the dedicated venv and an optional worker script copy.
	DataDir   string
	ExtraArgs []string
	Env       []string

	HealthTimeout time.Duration
	StopGrace     time.Duration
	MaxQueueDepth int
	MaxWait       time.Duration

	// Platform feeds engine inference; zero means the host.
	Platform  detect.Platform
	Logger    zerolog.Logger
	Publisher events.Publisher
}

// CrashError describes an unexpected worker exit.
type CrashError struct {
	PID       int
	ModelPath string
	Err       error
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("worker %d for %s crashed: %v", e.PID, e.ModelPath, e.Err)
}

func (e *CrashError) Unwrap() error { return e.Err }

type handle struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	client    *jsonrpc.Client
	exited    chan struct{}
	waitErr   error
	backend   string
	modelPath string
	stopping  atomic.Bool
}

func (h *handle) pid() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Manager owns at most one worker process at a time.
type Manager struct {
	cfg Config
	log zerolog.Logger
	pub events.Publisher

	opMu sync.Mutex // serializes Start and Stop

	mu    sync.RWMutex
	state State
	h     *handle

	crashes chan error
	genCh   chan struct{}
	queueCh chan struct{}
}

// New returns a stopped Manager.
func New(cfg Config) *Manager {
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.Platform == (detect.Platform{}) {
		cfg.Platform = detect.Host()
	}
	return &Manager{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "worker").Logger(),
		pub:     events.OrNop(cfg.Publisher),
		state:   StateStopped,
		crashes: make(chan error, 4),
		genCh:   make(chan struct{}, 1),
		queueCh: make(chan struct{}, cfg.MaxQueueDepth),
	}
}

// Start spawns a worker for modelPath and waits until it answers health.
// backend may be empty, in which case the engine is inferred from the
// directory contents. A running worker is stopped first.
func (m *Manager) Start(ctx context.Context, modelPath, backend string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.currentHandle() != nil {
		m.stopLocked()
	}
	if strings.TrimSpace(modelPath) == "" {
		return errors.New("worker: model path is empty")
	}
	if backend == "" {
		backend = string(detect.InferEngine(modelPath, m.cfg.Platform))
	}

	interp := m.cfg.Interpreter
	if interp == "" {
		interp = detect.ResolveInterpreter(m.cfg.DataDir)
	}
	script := m.cfg.Script
	if script == "" {
		script = detect.LocateWorkerScript(detect.WorkerScriptCandidates(m.cfg.DataDir, detect.ExecutableDir()))
	}
	if !fsutil.PathExists(script) {
		workerStarts.WithLabelValues("no_script").Inc()
		return fmt.Errorf("worker script not found: %s", script)
	}

	h, err := m.spawn(interp, script, modelPath, backend)
	if err != nil {
		workerStarts.WithLabelValues("spawn_error").Inc()
		return err
	}
	m.mu.Lock()
	m.h = h
	m.state = StateStarting
	m.mu.Unlock()
	m.log.Info().Int("pid", h.pid()).Str("model", modelPath).Str("backend", backend).Msg("worker started")
	m.pub.Publish(events.Event{Name: events.WorkerStart, ModelID: modelPath, Fields: map[string]any{"pid": h.pid(), "backend": backend}})

	health, err := m.awaitHealthy(ctx, h)
	if err != nil {
		m.kill(h)
		m.mu.Lock()
		if m.h == h {
			m.h = nil
			m.state = StateStopped
		}
		m.mu.Unlock()
		workerStarts.WithLabelValues("failed").Inc()
		m.log.Warn().Err(err).Int("pid", h.pid()).Msg("worker failed to become ready")
		return err
	}

	m.mu.Lock()
	if m.h != h {
		// exited between health and here
		m.mu.Unlock()
		workerStarts.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: exited after health check", jsonrpc.ErrProcessExited)
	}
	if health.Backend != "" {
		h.backend = health.Backend
	}
	m.state = StateReady
	m.mu.Unlock()
	workerStarts.WithLabelValues("ok").Inc()
	m.log.Info().Int("pid", h.pid()).Msg("worker ready")
	m.pub.Publish(events.Event{Name: events.WorkerReady, ModelID: modelPath, Fields: map[string]any{"pid": h.pid()}})
	return nil
}

func (m *Manager) spawn(interp, script, modelPath, backend string) (*handle, error) {
	args := append([]string{script, "--model", modelPath, "--backend", backend}, m.cfg.ExtraArgs...)
	cmd := exec.Command(interp, args...)
	cmd.Env = append(os.Environ(), m.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	// os.Pipe instead of StdoutPipe: Wait would close a StdoutPipe reader
	// while the protocol reader may still be draining it.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, fmt.Errorf("start worker %s: %w", interp, err)
	}
	outW.Close()
	errW.Close()

	plog := m.log.With().Int("pid", cmd.Process.Pid).Logger()
	go func() {
		logging.PipeLines(plog, "stderr", errR)
		errR.Close()
	}()

	h := &handle{
		cmd:       cmd,
		stdin:     stdin,
		client:    jsonrpc.NewClient(outR, stdin, jsonrpc.WithLogger(plog)),
		exited:    make(chan struct{}),
		backend:   backend,
		modelPath: modelPath,
	}
	go m.watch(h, outR)
	return h, nil
}

func (m *Manager) awaitHealthy(ctx context.Context, h *handle) (types.WorkerHealth, error) {
	hctx, cancel := context.WithTimeout(ctx, m.cfg.HealthTimeout)
	defer cancel()
	var health types.WorkerHealth
	err := h.client.Call(hctx, "health", nil, &health)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return health, fmt.Errorf("%w after %s", ErrHealthTimeout, m.cfg.HealthTimeout)
	default:
		return health, fmt.Errorf("worker health: %w", err)
	}
	if health.Status != "ok" {
		return health, fmt.Errorf("%w: status %q", ErrUnhealthy, health.Status)
	}
	return health, nil
}

// watch reaps the process and decides whether the exit was a crash.
func (m *Manager) watch(h *handle, stdout io.Closer) {
	h.waitErr = h.cmd.Wait()
	close(h.exited)
	cause := h.waitErr
	if cause == nil {
		cause = errors.New("exit status 0")
	}
	// let the reader drain what the process wrote before exiting
	select {
	case <-h.client.Done():
	case <-time.After(drainTimeout):
	}
	h.client.CloseWithError(fmt.Errorf("%w: %v", jsonrpc.ErrProcessExited, cause))
	_ = stdout.Close()

	if h.stopping.Load() {
		return
	}
	m.mu.Lock()
	if m.h != h {
		m.mu.Unlock()
		return
	}
	wasReady := m.state == StateReady
	m.h = nil
	m.state = StateStopped
	m.mu.Unlock()
	if !wasReady {
		return
	}

	workerCrashes.Inc()
	m.log.Error().Err(cause).Int("pid", h.pid()).Str("model", h.modelPath).Msg("worker exited unexpectedly")
	m.pub.Publish(events.Event{Name: events.WorkerCrash, ModelID: h.modelPath, Fields: map[string]any{"pid": h.pid(), "error": cause.Error()}})
	select {
	case m.crashes <- &CrashError{PID: h.pid(), ModelPath: h.modelPath, Err: cause}:
	default:
		m.log.Warn().Msg("crash channel full, dropping notification")
	}
}

// Stop asks the worker to shut down and kills it after StopGrace.
// Stopping a stopped manager is a no-op.
func (m *Manager) Stop() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	m.mu.Lock()
	h := m.h
	m.h = nil
	m.state = StateStopped
	m.mu.Unlock()
	if h == nil {
		return
	}
	h.stopping.Store(true)

	go bestEffort(m.log, "shutdown notification", func() error { return h.client.Notify("shutdown", nil) })

	forced := false
	select {
	case <-h.exited:
	case <-time.After(m.cfg.StopGrace):
		forced = true
		m.log.Warn().Int("pid", h.pid()).Dur("grace", m.cfg.StopGrace).Msg("worker ignored shutdown, killing")
		m.kill(h)
	}
	_ = h.client.Close()
	_ = h.stdin.Close()
	m.log.Info().Int("pid", h.pid()).Bool("forced", forced).Msg("worker stopped")
	m.pub.Publish(events.Event{Name: events.WorkerStop, ModelID: h.modelPath, Fields: map[string]any{"pid": h.pid(), "forced": forced}})
}

func (m *Manager) kill(h *handle) {
	h.stopping.Store(true)
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	<-h.exited
	_ = h.stdin.Close()
}

func bestEffort(log zerolog.Logger, what string, fn func() error) {
	if err := fn(); err != nil {
		log.Debug().Err(err).Msg(what + " failed")
	}
}

// Generate runs a non-streaming generation.
func (m *Manager) Generate(ctx context.Context, params types.GenerateParams) (types.GenerateResult, error) {
	h, err := m.ready()
	if err != nil {
		return types.GenerateResult{}, err
	}
	release, err := m.admit(ctx)
	if err != nil {
		return types.GenerateResult{}, err
	}
	defer release()

	start := time.Now()
	var res types.GenerateResult
	if err := h.client.Call(ctx, "generate", params, &res); err != nil {
		return types.GenerateResult{}, err
	}
	generateSeconds.WithLabelValues("sync").Observe(time.Since(start).Seconds())
	return res, nil
}

// GenerateStream starts a streaming generation. The admission slot is held
// until the stream reaches its terminal token, including when ctx ends
// before the worker acknowledged the request.
func (m *Manager) GenerateStream(ctx context.Context, params types.GenerateParams) (*jsonrpc.Stream, error) {
	h, err := m.ready()
	if err != nil {
		return nil, err
	}
	release, err := m.admit(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	s, err := h.client.CallStream(ctx, "generate_stream", params)
	if err != nil {
		if pending := h.client.PendingStream(); pending != nil {
			// abandoned before the ack; the worker may still be generating
			go func() {
				<-pending
				release()
			}()
			return nil, err
		}
		release()
		return nil, err
	}
	go func() {
		<-s.Finished()
		generateSeconds.WithLabelValues("stream").Observe(time.Since(start).Seconds())
		release()
	}()
	return s, nil
}

func (m *Manager) ready() (*handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateReady || m.h == nil {
		return nil, ErrNotReady
	}
	return m.h, nil
}

func (m *Manager) currentHandle() *handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.h
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Alive reports whether a worker process is running and ready.
func (m *Manager) Alive() bool { return m.State() == StateReady }

// Backend returns the engine reported by the running worker.
func (m *Manager) Backend() string {
	if h := m.currentHandle(); h != nil {
		return h.backend
	}
	return ""
}

// ModelPath returns the directory the running worker was started with.
func (m *Manager) ModelPath() string {
	if h := m.currentHandle(); h != nil {
		return h.modelPath
	}
	return ""
}

// PID returns the worker process id, or 0.
func (m *Manager) PID() int {
	if h := m.currentHandle(); h != nil {
		return h.pid()
	}
	return 0
}

// Crashes delivers a *CrashError for each unexpected exit of a ready worker.
// Notifications are dropped when the channel is full.
func (m *Manager) Crashes() <-chan error { return m.crashes }
