package manager

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"localinfer/internal/inferred"
	"localinfer/internal/llm"
	"localinfer/internal/worker"
	"localinfer/pkg/types"
)

// BackendKind selects a serving backend.
type BackendKind string

const (
	KindWorker BackendKind = "worker"
	KindServer BackendKind = "server"
)

// LocalInferenceBackend is one way of serving a model from a subprocess.
// Load replaces whatever the backend was serving.
type LocalInferenceBackend interface {
	Kind() BackendKind
	Load(ctx context.Context, model types.ModelInfo) (llm.LanguageModel, error)
	Unload(ctx context.Context) error
	Alive() bool
	PID() int
	// Engine names the inference library in use, if known.
	Engine() string
	// Crashes delivers unexpected subprocess exits.
	Crashes() <-chan error
}

// WorkerBackend serves models from the Python worker.
type WorkerBackend struct {
	m   *worker.Manager
	log zerolog.Logger
	// engine overrides format-based engine inference when set.
	engine string
}

// NewWorkerBackend wraps a worker manager.
func NewWorkerBackend(m *worker.Manager, engine string, log zerolog.Logger) *WorkerBackend {
	return &WorkerBackend{m: m, engine: engine, log: log}
}

func (b *WorkerBackend) Kind() BackendKind { return KindWorker }

func (b *WorkerBackend) Load(ctx context.Context, model types.ModelInfo) (llm.LanguageModel, error) {
	if err := b.m.Start(ctx, model.LocalPath, b.engine); err != nil {
		return nil, err
	}
	return llm.NewAdapter(model.ID, llm.WorkerGenerator(b.m), b.log), nil
}

func (b *WorkerBackend) Unload(context.Context) error {
	b.m.Stop()
	return nil
}

func (b *WorkerBackend) Alive() bool           { return b.m.Alive() }
func (b *WorkerBackend) PID() int              { return b.m.PID() }
func (b *WorkerBackend) Engine() string        { return b.m.Backend() }
func (b *WorkerBackend) Crashes() <-chan error { return b.m.Crashes() }

// ServerBackend serves models from the inferred binary. The process is
// started on first load and kept across model switches.
type ServerBackend struct {
	pm     *inferred.ProcessManager
	log    zerolog.Logger
	loaded string
}

// NewServerBackend wraps a server process manager.
func NewServerBackend(pm *inferred.ProcessManager, log zerolog.Logger) *ServerBackend {
	return &ServerBackend{pm: pm, log: log}
}

func (b *ServerBackend) Kind() BackendKind { return KindServer }

func (b *ServerBackend) Load(ctx context.Context, model types.ModelInfo) (llm.LanguageModel, error) {
	if !b.pm.Alive() {
		if err := b.pm.Start(ctx); err != nil {
			return nil, err
		}
	}
	c, err := b.pm.Client()
	if err != nil {
		return nil, err
	}
	if err := c.LoadModel(ctx, model.ID); err != nil {
		return nil, err
	}
	b.loaded = model.ID
	return inferred.NewChatModel(model.ID, c, b.log), nil
}

// Unload asks the server to drop the model, then stops the process.
func (b *ServerBackend) Unload(ctx context.Context) error {
	if c, err := b.pm.Client(); err == nil && b.loaded != "" {
		uctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := c.UnloadModel(uctx, b.loaded); err != nil {
			b.log.Debug().Err(err).Msg("server unload failed, stopping anyway")
		}
		cancel()
	}
	b.loaded = ""
	b.pm.Stop()
	return nil
}

func (b *ServerBackend) Alive() bool           { return b.pm.Alive() }
func (b *ServerBackend) PID() int              { return b.pm.PID() }
func (b *ServerBackend) Crashes() <-chan error { return b.pm.Crashes() }

// Engine reports the server's own backend name when it is reachable.
func (b *ServerBackend) Engine() string {
	c, err := b.pm.Client()
	if err != nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if st := c.Status(ctx); st != nil {
		return st.Backend
	}
	return ""
}

// Cluster returns a client for cluster diagnostics, starting the server
// when it is not running.
func (b *ServerBackend) Cluster(ctx context.Context) (*inferred.Client, error) {
	if !b.pm.Alive() {
		if err := b.pm.Start(ctx); err != nil {
			return nil, err
		}
	}
	return b.pm.Client()
}
