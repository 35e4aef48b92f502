package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"localinfer/internal/detect"
	"localinfer/internal/events"
	"localinfer/internal/llm"
	"localinfer/internal/registry"
	"localinfer/pkg/types"
)

// fakeBackend records loads and unloads.
type fakeBackend struct {
	mu      sync.Mutex
	kind    BackendKind
	loaded  string
	loads   []string
	unloads int
	loadErr error
	crashes chan error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{kind: KindWorker, crashes: make(chan error, 1)}
}

func (b *fakeBackend) Kind() BackendKind { return b.kind }

func (b *fakeBackend) Load(ctx context.Context, m types.ModelInfo) (llm.LanguageModel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loads = append(b.loads, m.ID)
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	b.loaded = m.ID
	return llm.NewAdapter(m.ID, nopGenerator{}, zerolog.Nop()), nil
}

func (b *fakeBackend) Unload(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unloads++
	b.loaded = ""
	return nil
}

func (b *fakeBackend) Alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loaded != ""
}

func (b *fakeBackend) PID() int {
	if b.Alive() {
		return 4242
	}
	return 0
}

func (b *fakeBackend) Engine() string        { return "transformers" }
func (b *fakeBackend) Crashes() <-chan error { return b.crashes }

func (b *fakeBackend) snapshot() (loads []string, unloads int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.loads...), b.unloads
}

type nopGenerator struct{}

func (nopGenerator) Generate(context.Context, types.GenerateParams) (types.GenerateResult, error) {
	return types.GenerateResult{Text: "ok"}, nil
}

func (nopGenerator) GenerateStream(context.Context, types.GenerateParams) (llm.TokenStream, error) {
	return nil, errors.New("not streaming")
}

// fakePuller installs a model the way the downloader does: files, then manifest.
type fakePuller struct {
	reg     *registry.Registry
	mu      sync.Mutex
	calls   int
	err     error
	gate    chan struct{}
	started chan struct{}
	aborted chan struct{}
}

func (p *fakePuller) Pull(ctx context.Context, id string, progress func(types.DownloadProgress)) (types.ModelInfo, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			if p.aborted != nil {
				close(p.aborted)
			}
			return types.ModelInfo{}, ctx.Err()
		}
	}
	if p.err != nil {
		return types.ModelInfo{}, p.err
	}
	progress(types.DownloadProgress{FileName: "model.gguf", DownloadedBytes: 5, TotalBytes: 10})
	progress(types.DownloadProgress{FileName: "model.gguf", DownloadedBytes: 10, TotalBytes: 10})
	dir := p.reg.ModelDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.ModelInfo{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, "model.gguf"), make([]byte, 10), 0o644); err != nil {
		return types.ModelInfo{}, err
	}
	if err := registry.WriteManifest(dir, types.ModelManifest{ID: id, Name: filepath.Base(id), SourceRepoID: id, LocalPath: dir, PulledAt: time.Now()}); err != nil {
		return types.ModelInfo{}, err
	}
	return p.reg.Inspect(dir)
}

func (p *fakePuller) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// installModel writes a cached model with a manifest.
func installModel(t *testing.T, reg *registry.Registry, id string) string {
	t.Helper()
	dir := reg.ModelDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "weights.gguf"), make([]byte, 64), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := registry.WriteManifest(dir, types.ModelManifest{ID: id, Name: filepath.Base(id), SourceRepoID: id, PulledAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}); err != nil {
		t.Fatal(err)
	}
	return dir
}

func usableProbe(context.Context, string, []detect.Engine, time.Duration) detect.Report {
	return detect.Report{Interpreter: "python3", Version: "3.11.4", VersionOK: true, Available: []detect.Engine{detect.EngineTransformers}}
}

type testEnv struct {
	svc     *Service
	reg     *registry.Registry
	backend *fakeBackend
	puller  *fakePuller
	pub     *events.MemoryPublisher
}

func newTestService(t *testing.T) *testEnv {
	t.Helper()
	reg := registry.New(t.TempDir(), zerolog.Nop())
	env := &testEnv{
		reg:     reg,
		backend: newFakeBackend(),
		puller:  &fakePuller{reg: reg},
		pub:     events.NewMemoryPublisher(),
	}
	env.svc = New(Config{
		Registry:    reg,
		Puller:      env.puller,
		Backend:     env.backend,
		Interpreter: "python3",
		Probe:       usableProbe,
		Platform:    detect.Platform{OS: "linux", Arch: "amd64"},
		Logger:      zerolog.Nop(),
		Publisher:   env.pub,
	})
	t.Cleanup(func() { _ = env.svc.Close(context.Background()) })
	return env
}
