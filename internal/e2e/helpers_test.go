package e2e

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"localinfer/internal/detect"
	"localinfer/internal/events"
	"localinfer/internal/httpapi"
	"localinfer/internal/manager"
	"localinfer/internal/registry"
	"localinfer/internal/worker"
	"localinfer/pkg/types"
)

// buildFakeWorker builds the worker fake; it also answers interpreter probes.
func buildFakeWorker(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("short mode")
	}
	bin := filepath.Join(t.TempDir(), "fake_python")
	cmd := exec.Command("go", "build", "-o", bin, "../worker/testdata/fake_worker.go")
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build fake worker: %v: %s", err, string(out))
	}
	return bin
}

// seedModel installs a model the way a finished pull leaves it.
func seedModel(t *testing.T, reg *registry.Registry, id string) {
	t.Helper()
	dir := reg.ModelDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "model.gguf"), make([]byte, 128), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := registry.WriteManifest(dir, types.ModelManifest{ID: id, Name: filepath.Base(id), SourceRepoID: id, PulledAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
}

type stack struct {
	srv *httptest.Server
	svc *manager.Service
	reg *registry.Registry
	pub *events.MemoryPublisher
}

// newStack wires the real service, worker manager and HTTP API around the
// fake worker.
func newStack(t *testing.T, mode string) *stack {
	t.Helper()
	bin := buildFakeWorker(t)
	dataDir := t.TempDir()
	script := filepath.Join(dataDir, detect.WorkerScriptName)
	if err := os.WriteFile(script, []byte("# stand-in\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := registry.New(filepath.Join(dataDir, "models"), zerolog.Nop())
	if err := reg.EnsureRoot(); err != nil {
		t.Fatal(err)
	}
	pub := events.NewMemoryPublisher()
	wm := worker.New(worker.Config{
		Interpreter:   bin,
		Script:        script,
		DataDir:       dataDir,
		Env:           []string{"FAKE_WORKER_MODE=" + mode},
		HealthTimeout: 5 * time.Second,
		StopGrace:     2 * time.Second,
		Logger:        zerolog.Nop(),
		Publisher:     pub,
	})
	svc := manager.New(manager.Config{
		Registry:    reg,
		Puller:      noPuller{},
		Backend:     manager.NewWorkerBackend(wm, "", zerolog.Nop()),
		DataDir:     dataDir,
		Interpreter: bin,
		Logger:      zerolog.Nop(),
		Publisher:   pub,
	})
	if err := svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(svc))
	t.Cleanup(func() {
		srv.Close()
		_ = svc.Close(context.Background())
	})
	return &stack{srv: srv, svc: svc, reg: reg, pub: pub}
}

type noPuller struct{}

func (noPuller) Pull(context.Context, string, func(types.DownloadProgress)) (types.ModelInfo, error) {
	return types.ModelInfo{}, registry.ErrNotFound
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(payload))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}
