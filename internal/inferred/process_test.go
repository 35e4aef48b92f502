package inferred

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"localinfer/internal/detect"
	"localinfer/internal/events"
)

// buildFakeServer builds the fake inferred binary and returns its path.
func buildFakeServer(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("short mode")
	}
	bin := filepath.Join(t.TempDir(), "fake_inferred")
	cmd := exec.Command("go", "build", "-o", bin, "./testdata/fake_inferred.go")
	cmd.Dir = "."
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build fake server: %v: %s", err, string(out))
	}
	return bin
}

func newTestProcess(t *testing.T, bin, mode string, mutate func(*ProcessConfig)) (*ProcessManager, *events.MemoryPublisher) {
	t.Helper()
	pub := events.NewMemoryPublisher()
	cfg := ProcessConfig{
		Binary:        bin,
		Env:           []string{"FAKE_INFERRED_MODE=" + mode},
		HealthTimeout: 5 * time.Second,
		PollInterval:  50 * time.Millisecond,
		StopGrace:     2 * time.Second,
		Logger:        zerolog.Nop(),
		Publisher:     pub,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewProcessManager(cfg)
	t.Cleanup(m.Stop)
	return m, pub
}

func TestBuildArgs(t *testing.T) {
	cfg := ProcessConfig{
		PythonPath:      "/venv/bin/python3",
		ModelDir:        "/models",
		AuthToken:       "s3cret",
		MaxMemoryMB:     8192,
		MaxModels:       2,
		ClusterEnabled:  true,
		ClusterPeers:    []string{"10.0.0.2:8089", "10.0.0.3:8089"},
		ClusterStrategy: "pipeline",
		NoDiscovery:     true,
		KVCacheQuant:    "q8",
		Platform:        detect.Platform{OS: "linux", Arch: "amd64"},
	}
	got := strings.Join(cfg.BuildArgs(4242), " ")
	want := "--port 4242 --host 127.0.0.1 --python-path /venv/bin/python3 --model-dir /models --auth-token s3cret " +
		"--max-memory-mb 8192 --max-models 2 --cluster --cluster-peers 10.0.0.2:8089,10.0.0.3:8089 " +
		"--cluster-strategy pipeline --distributed-backend pipeline --no-discovery --kv-cache-quant q8"
	if got != want {
		t.Fatalf("args mismatch\n got: %s\nwant: %s", got, want)
	}

	minimal := strings.Join(ProcessConfig{Host: "::1"}.BuildArgs(1), " ")
	if minimal != "--port 1 --host ::1" {
		t.Fatalf("minimal args: %s", minimal)
	}
	// cluster options are dropped when clustering is off
	off := ProcessConfig{ClusterPeers: []string{"x:1"}, ClusterStrategy: "tensor"}.BuildArgs(1)
	if strings.Contains(strings.Join(off, " "), "cluster") {
		t.Fatalf("unexpected cluster flags: %v", off)
	}
}

func TestPickFreePort(t *testing.T) {
	p, err := pickFreePort("127.0.0.1")
	if err != nil || p <= 0 {
		t.Fatalf("pickFreePort: %d %v", p, err)
	}
}

func TestProcessStartStop(t *testing.T) {
	bin := buildFakeServer(t)
	argsFile := filepath.Join(t.TempDir(), "args")
	m, pub := newTestProcess(t, bin, "ok", func(c *ProcessConfig) {
		c.AuthToken = "tok"
		c.Env = append(c.Env, "FAKE_INFERRED_ARGS_FILE="+argsFile)
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !m.Alive() || m.Port() <= 0 || m.PID() <= 0 {
		t.Fatalf("expected alive with port and pid: alive=%v port=%d pid=%d", m.Alive(), m.Port(), m.PID())
	}
	c, err := m.Client()
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	if st := c.Status(context.Background()); st == nil || !st.Ready {
		t.Fatalf("unexpected status: %+v", st)
	}
	b, err := os.ReadFile(argsFile)
	if err != nil || !strings.Contains(string(b), "--auth-token\ntok") {
		t.Fatalf("auth token not passed: %q %v", string(b), err)
	}

	m.Stop()
	if m.Alive() || m.Port() != 0 {
		t.Fatalf("expected stopped")
	}
	if _, err := m.Client(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	for _, name := range []string{events.ServerSpawn, events.ServerReady, events.ServerStop} {
		if !pub.Has(name) {
			t.Fatalf("missing %s in %v", name, pub.Names())
		}
	}
	if pub.Has(events.ServerCrash) {
		t.Fatalf("planned stop reported as crash")
	}
}

func TestProcessExitEarly(t *testing.T) {
	bin := buildFakeServer(t)
	m, pub := newTestProcess(t, bin, "exit_early", nil)
	start := time.Now()
	err := m.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "exited before becoming healthy") {
		t.Fatalf("expected early exit error, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("early exit not detected promptly: %s", time.Since(start))
	}
	if m.Alive() {
		t.Fatalf("should not be alive")
	}
	if !pub.Has(events.ServerExit) {
		t.Fatalf("missing exit event: %v", pub.Names())
	}
}

func TestProcessHealthTimeout(t *testing.T) {
	bin := buildFakeServer(t)
	m, _ := newTestProcess(t, bin, "never_healthy", func(c *ProcessConfig) { c.HealthTimeout = 400 * time.Millisecond })
	err := m.Start(context.Background())
	if !errors.Is(err, ErrStartTimeout) {
		t.Fatalf("expected ErrStartTimeout, got %v", err)
	}
	if m.Alive() || m.PID() != 0 {
		t.Fatalf("should be stopped after timeout")
	}
}

func TestProcessStopEscalatesToKill(t *testing.T) {
	bin := buildFakeServer(t)
	grace := 300 * time.Millisecond
	m, pub := newTestProcess(t, bin, "ignore_term", func(c *ProcessConfig) { c.StopGrace = grace })
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	start := time.Now()
	m.Stop()
	took := time.Since(start)
	if took < grace || took > grace+2*time.Second {
		t.Fatalf("stop took %s, grace %s", took, grace)
	}
	var forced bool
	for _, e := range pub.Events() {
		if e.Name == events.ServerStop {
			forced, _ = e.Fields["forced"].(bool)
		}
	}
	if !forced {
		t.Fatalf("expected forced stop")
	}
}

func TestProcessCrashReported(t *testing.T) {
	bin := buildFakeServer(t)
	m, pub := newTestProcess(t, bin, "crash_after_ready", nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case err := <-m.Crashes():
		var ce *CrashError
		if !errors.As(err, &ce) || ce.Port <= 0 {
			t.Fatalf("unexpected crash: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no crash reported")
	}
	if m.Alive() {
		t.Fatalf("crashed server still alive")
	}
	if !pub.Has(events.ServerCrash) {
		t.Fatalf("missing crash event")
	}
}

func TestProcessMissingBinary(t *testing.T) {
	m := NewProcessManager(ProcessConfig{Binary: filepath.Join(t.TempDir(), "nope"), Logger: zerolog.Nop()})
	if err := m.Start(context.Background()); !errors.Is(err, ErrBinaryNotFound) {
		t.Fatalf("expected ErrBinaryNotFound, got %v", err)
	}
	m2 := NewProcessManager(ProcessConfig{Logger: zerolog.Nop()})
	if err := m2.Start(context.Background()); !errors.Is(err, ErrBinaryNotFound) {
		t.Fatalf("expected ErrBinaryNotFound for empty binary, got %v", err)
	}
}
