package blackbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// findFreePort picks an available TCP port on localhost.
func findFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func projectRoot(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// <root>/tests/blackbox/blackbox_test.go
	return filepath.Dir(filepath.Dir(filepath.Dir(thisFile)))
}

func goBuild(t *testing.T, out, pkg string) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), out)
	cmd := exec.Command("go", "build", "-o", bin, pkg)
	cmd.Dir = projectRoot(t)
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if b, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("go build %s failed: %v\n%s", pkg, err, string(b))
	}
	return bin
}

type env struct {
	bin    string
	config string
	cache  string
}

// newEnv builds the CLI and a fake Python interpreter, then writes a config
// that points the worker backend at them.
func newEnv(t *testing.T) *env {
	t.Helper()
	if testing.Short() {
		t.Skip("short mode")
	}
	bin := goBuild(t, "localinfer", "./cmd/localinfer")
	python := goBuild(t, "python3", "./internal/worker/testdata/fake_worker.go")

	dir := t.TempDir()
	script := filepath.Join(dir, "inference_worker.py")
	if err := os.WriteFile(script, []byte("# stand-in\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	e := &env{bin: bin, config: filepath.Join(dir, "localinfer.yaml"), cache: filepath.Join(dir, "models")}
	cfg := fmt.Sprintf("data_dir: %s\ncache_dir: %s\nlog_level: warn\nbackend: worker\ninterpreter: %s\nworker_script: %s\nbootstrap_python: false\n",
		filepath.Join(dir, "data"), e.cache, python, script)
	if err := os.WriteFile(e.config, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return e
}

// seed writes a cached model directory the way a finished pull leaves it.
func (e *env) seed(t *testing.T, id string) {
	t.Helper()
	dir := filepath.Join(e.cache, strings.Replace(id, "/", "--", 1))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "model.gguf"), make([]byte, 64), 0o644); err != nil {
		t.Fatal(err)
	}
	manifest := fmt.Sprintf(`{"id":%q,"name":%q,"sourceRepoId":%q,"localPath":%q,"pulledAt":%q}`,
		id, filepath.Base(id), id, dir, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(filepath.Join(dir, ".manifest.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(e.bin, append([]string{"--config", e.config}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return stdout.String(), fmt.Errorf("%w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}

// serve starts the API server and waits for /healthz.
func (e *env) serve(t *testing.T, extra ...string) string {
	t.Helper()
	port := findFreePort(t)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	args := append([]string{"--config", e.config, "serve", "--addr", fmt.Sprintf("127.0.0.1:%d", port)}, extra...)
	cmd := exec.Command(e.bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() { _ = cmd.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = cmd.Process.Kill()
		}
	})
	waitFor(t, base+"/healthz", 5*time.Second)
	return base
}

func waitFor(t *testing.T, url string, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(d)
	for {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s did not return 200 in time", url)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func postJSON(t *testing.T, url string, payload string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, strings.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func TestBlackbox_ServeFlow(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "org/alpha-1B")
	e.seed(t, "org/beta-3B")
	base := e.serve(t, "--model", "alpha")

	resp, body := get(t, base+"/models")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/models %d %s", resp.StatusCode, string(body))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("/models content-type=%s", ct)
	}
	var models struct {
		Models []struct {
			ID string `json:"id"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &models); err != nil {
		t.Fatalf("/models json: %v body=%s", err, string(body))
	}
	if len(models.Models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models.Models))
	}

	waitFor(t, base+"/readyz", 10*time.Second)

	// preload runs after initialization; wait for it to land
	var status struct {
		Available   bool   `json:"available"`
		LoadedModel string `json:"loaded_model"`
		PID         int    `json:"pid"`
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		_, body = get(t, base+"/status")
		if err := json.Unmarshal(body, &status); err != nil {
			t.Fatalf("/status json: %v body=%s", err, string(body))
		}
		if status.LoadedModel != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("preload did not finish: %s", string(body))
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !status.Available || status.LoadedModel != "org/alpha-1B" || status.PID <= 0 {
		t.Fatalf("unexpected status %+v", status)
	}

	resp, body = postJSON(t, base+"/generate", `{"messages":[{"role":"user","content":"hello there"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/generate %d %s", resp.StatusCode, string(body))
	}
	var lines int
	var done bool
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		lines++
		var chunk struct {
			Delta string `json:"delta"`
			Done  bool   `json:"done"`
		}
		if err := json.Unmarshal(sc.Bytes(), &chunk); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", sc.Text(), err)
		}
		done = chunk.Done
	}
	if lines != 3 || !done {
		t.Fatalf("expected two deltas and a final chunk, got %d lines: %s", lines, string(body))
	}

	resp, body = postJSON(t, base+"/models/load", `{"model":"org/beta-3B"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("switch model %d %s", resp.StatusCode, string(body))
	}
	resp, body = postJSON(t, base+"/generate", `{"model":"org/alpha-1B","messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for unloaded model, got %d %s", resp.StatusCode, string(body))
	}
}

func TestBlackbox_LoadUnknownModel_404(t *testing.T) {
	e := newEnv(t)
	base := e.serve(t)
	waitFor(t, base+"/readyz", 10*time.Second)

	resp, body := postJSON(t, base+"/models/load", `{"model":"missing"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d, body=%s", resp.StatusCode, string(body))
	}
}

func TestBlackbox_GenerateWithoutModel_409(t *testing.T) {
	e := newEnv(t)
	base := e.serve(t)
	waitFor(t, base+"/readyz", 10*time.Second)

	resp, body := postJSON(t, base+"/generate", `{"messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d, body=%s", resp.StatusCode, string(body))
	}
}

func TestBlackbox_ListAndRemove(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "org/gamma")

	out, err := e.run(t, "list", "--json")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, `"org/gamma"`) {
		t.Fatalf("list output missing model: %s", out)
	}
	if _, err := e.run(t, "rm", "org/gamma"); err != nil {
		t.Fatalf("rm: %v", err)
	}
	if _, err := os.Stat(filepath.Join(e.cache, "org--gamma")); !os.IsNotExist(err) {
		t.Fatalf("model directory still present: %v", err)
	}
	if _, err := e.run(t, "rm", "org/gamma"); err == nil {
		t.Fatal("removing an unknown model should fail")
	}
}

func TestBlackbox_RunStreamsReply(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "org/delta-1B")

	out, err := e.run(t, "run", "delta", "hello", "there")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "hello there \n" {
		t.Fatalf("run output %q", out)
	}
}
