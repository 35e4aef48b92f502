package manager

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"localinfer/internal/detect"
	"localinfer/internal/events"
	"localinfer/internal/llm"
	"localinfer/internal/pyenv"
	"localinfer/internal/registry"
	"localinfer/pkg/types"
)

// Puller downloads a model into the registry.
type Puller interface {
	Pull(ctx context.Context, repoID string, progress func(types.DownloadProgress)) (types.ModelInfo, error)
}

// Bootstrapper prepares the Python environment.
type Bootstrapper interface {
	Ensure(ctx context.Context) (pyenv.Result, error)
}

// ProbeFunc checks which engines an interpreter can import.
type ProbeFunc func(ctx context.Context, interpreter string, engines []detect.Engine, timeout time.Duration) detect.Report

// Config wires a Service. Registry, Puller and Backend are required.
type Config struct {
	Registry *registry.Registry
	Puller   Puller
	Backend  LocalInferenceBackend

	// Worker backend environment. Bootstrap may be nil to skip venv creation.
	DataDir     string
	Interpreter string
	Bootstrap   Bootstrapper
	Probe       ProbeFunc
	Platform    detect.Platform

	// ServerBinary is the resolved server path, checked by Initialize.
	ServerBinary string

	Logger    zerolog.Logger
	Publisher events.Publisher
}

type active struct {
	info  types.ModelInfo
	model llm.LanguageModel
}

// Service is the application-facing inference façade.
type Service struct {
	cfg Config
	log zerolog.Logger
	pub events.Publisher

	loadMu sync.Mutex // serializes LoadModel, UnloadModel, DeleteModel

	mu          sync.RWMutex
	initialized bool
	available   bool
	reason      string
	interpreter string
	report      detect.Report
	cur         *active

	pulls   singleflight.Group
	pullsMu sync.Mutex
	subs    map[string][]func(types.DownloadProgress)
	runs    map[string]*pullRun

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Service and starts watching the backend for crashes.
func New(cfg Config) *Service {
	if cfg.Probe == nil {
		cfg.Probe = detect.Probe
	}
	if cfg.Platform == (detect.Platform{}) {
		cfg.Platform = detect.Host()
	}
	s := &Service{
		cfg:  cfg,
		log:  cfg.Logger.With().Str("component", "service").Logger(),
		pub:  events.OrNop(cfg.Publisher),
		subs: map[string][]func(types.DownloadProgress){},
		runs: map[string]*pullRun{},
		stop: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.watchCrashes()
	return s
}

// Initialize checks that the selected backend can run. Failures downgrade
// availability and are reported by Status; only cancellation is returned.
func (s *Service) Initialize(ctx context.Context) error {
	var (
		available bool
		reason    string
		interp    string
		report    detect.Report
	)
	switch s.cfg.Backend.Kind() {
	case KindServer:
		if _, err := exec.LookPath(s.cfg.ServerBinary); err != nil || s.cfg.ServerBinary == "" {
			reason = "inferred server binary not found: " + s.cfg.ServerBinary
		} else {
			available = true
		}
	default:
		interp = s.cfg.Interpreter
		if interp == "" && s.cfg.Bootstrap != nil {
			res, err := s.cfg.Bootstrap.Ensure(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Warn().Err(err).Msg("python environment bootstrap failed")
			} else {
				interp = res.Interpreter
			}
		}
		if interp == "" {
			interp = detect.ResolveInterpreter(s.cfg.DataDir)
		}
		report = s.cfg.Probe(ctx, interp, detect.EnginesFor(s.cfg.Platform), detect.DefaultProbeTimeout)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		available = report.Usable()
		reason = report.Reason()
	}

	s.mu.Lock()
	s.initialized = true
	s.available = available
	s.reason = reason
	s.interpreter = interp
	s.report = report
	s.mu.Unlock()

	ev := s.log.Info()
	if !available {
		ev = s.log.Warn()
	}
	ev.Bool("available", available).Str("reason", reason).Str("interpreter", interp).Str("backend", string(s.cfg.Backend.Kind())).Msg("inference environment checked")
	return nil
}

// Available reports whether models can be served, and why not.
func (s *Service) Available() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.available, s.reason
}

// Report returns the last dependency probe result.
func (s *Service) Report() detect.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.report
}

// Registry exposes the model cache.
func (s *Service) Registry() *registry.Registry { return s.cfg.Registry }

// Backend exposes the configured backend.
func (s *Service) Backend() LocalInferenceBackend { return s.cfg.Backend }

// LoadModel makes id the active model, pulling it first when it is a hub id
// that is not cached. Any previously loaded model is unloaded.
func (s *Service) LoadModel(ctx context.Context, id string) (types.ModelInfo, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	s.mu.RLock()
	initialized, available, reason := s.initialized, s.available, s.reason
	s.mu.RUnlock()
	if initialized && !available {
		return types.ModelInfo{}, ErrDependencyUnavailable("local inference unavailable: " + reason)
	}

	info, err := s.resolve(ctx, id)
	if err != nil {
		return types.ModelInfo{}, err
	}

	if cur := s.current(); cur != nil {
		if cur.info.ID == info.ID && s.cfg.Backend.Alive() {
			return cur.info, nil
		}
		s.unloadLocked(ctx)
	}

	start := time.Now()
	model, err := s.cfg.Backend.Load(ctx, info)
	if err != nil {
		s.log.Error().Err(err).Str("model", info.ID).Msg("load failed")
		return types.ModelInfo{}, fmt.Errorf("load %s: %w", info.ID, err)
	}
	s.mu.Lock()
	s.cur = &active{info: info, model: model}
	s.mu.Unlock()
	s.log.Info().Str("model", info.ID).Str("format", string(info.Format)).Dur("dur", time.Since(start)).Msg("model loaded")
	s.pub.Publish(events.Event{Name: events.ModelLoaded, ModelID: info.ID, Fields: map[string]any{"backend": string(s.cfg.Backend.Kind()), "pid": s.cfg.Backend.PID()}})
	return info, nil
}

func (s *Service) resolve(ctx context.Context, id string) (types.ModelInfo, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return types.ModelInfo{}, errors.New("model id is empty")
	}
	info, err := s.cfg.Registry.Get(id)
	if err == nil {
		return info, nil
	}
	if !registry.IsNotFound(err) {
		return types.ModelInfo{}, err
	}
	if !strings.Contains(id, "/") {
		return types.ModelInfo{}, ErrModelNotFound(id)
	}
	s.log.Info().Str("model", id).Msg("model not cached, pulling")
	return s.PullModel(ctx, id, nil)
}

// UnloadModel stops serving the active model. It is a no-op when nothing is loaded.
func (s *Service) UnloadModel(ctx context.Context) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	s.unloadLocked(ctx)
	return nil
}

func (s *Service) unloadLocked(ctx context.Context) {
	s.mu.Lock()
	cur := s.cur
	s.cur = nil
	s.mu.Unlock()
	if err := s.cfg.Backend.Unload(ctx); err != nil {
		s.log.Warn().Err(err).Msg("backend unload failed")
	}
	if cur != nil {
		s.log.Info().Str("model", cur.info.ID).Msg("model unloaded")
		s.pub.Publish(events.Event{Name: events.ModelUnload, ModelID: cur.info.ID})
	}
}

// GetLanguageModel returns the loaded model. An empty id accepts whatever is
// loaded; otherwise id must name the loaded model.
func (s *Service) GetLanguageModel(id string) (llm.LanguageModel, error) {
	cur := s.current()
	if cur == nil {
		return nil, ErrNoModelLoaded
	}
	if id != "" && !sameModel(id, cur.info) {
		return nil, modelMismatchError{requested: id, loaded: cur.info.ID}
	}
	return cur.model, nil
}

func sameModel(id string, info types.ModelInfo) bool {
	return id == info.ID || registry.NormalizeID(id) == registry.NormalizeID(info.ID) || id == info.LocalPath
}

// LoadedModel returns the active model's info, if any.
func (s *Service) LoadedModel() (types.ModelInfo, bool) {
	if cur := s.current(); cur != nil {
		return cur.info, true
	}
	return types.ModelInfo{}, false
}

func (s *Service) current() *active {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// ListModels lists installed models.
func (s *Service) ListModels() ([]types.ModelInfo, error) {
	return s.cfg.Registry.List()
}

// DeleteModel removes a cached model, unloading it first if active.
func (s *Service) DeleteModel(ctx context.Context, id string) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	target := id
	if info, err := s.cfg.Registry.Get(id); err == nil {
		target = info.ID
		if cur := s.current(); cur != nil && cur.info.ID == info.ID {
			s.unloadLocked(ctx)
		}
	} else if !registry.IsNotFound(err) {
		return err
	}
	return s.cfg.Registry.Delete(target)
}

// Status summarizes availability and the loaded model.
func (s *Service) Status() types.StatusResponse {
	s.mu.RLock()
	resp := types.StatusResponse{
		Available:   s.available,
		Reason:      s.reason,
		BackendKind: string(s.cfg.Backend.Kind()),
		Interpreter: s.interpreter,
	}
	if s.cur != nil {
		resp.LoadedModel = s.cur.info.ID
	}
	s.mu.RUnlock()
	if resp.LoadedModel != "" {
		resp.Engine = s.cfg.Backend.Engine()
		resp.PID = s.cfg.Backend.PID()
	}
	resp.ActivePulls = s.activePulls()
	return resp
}

// watchCrashes clears the active model when the backend dies under it.
func (s *Service) watchCrashes() {
	defer s.wg.Done()
	crashes := s.cfg.Backend.Crashes()
	for {
		select {
		case <-s.stop:
			return
		case err, ok := <-crashes:
			if !ok {
				return
			}
			s.mu.Lock()
			cur := s.cur
			s.cur = nil
			s.mu.Unlock()
			if cur == nil {
				continue
			}
			s.log.Error().Err(err).Str("model", cur.info.ID).Msg("backend crashed, model unloaded")
			s.pub.Publish(events.Event{Name: events.ModelCrashed, ModelID: cur.info.ID, Fields: map[string]any{"error": err.Error()}})
		}
	}
}

// Close unloads the active model and stops background work.
func (s *Service) Close(ctx context.Context) error {
	s.loadMu.Lock()
	s.unloadLocked(ctx)
	s.loadMu.Unlock()
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.wg.Wait()
	return nil
}
