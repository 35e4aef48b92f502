package detect

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"
	"golang.org/x/sync/errgroup"
)

// MinPythonVersion is the oldest interpreter the worker supports.
const MinPythonVersion = "3.10.0"

// DefaultProbeTimeout bounds each import attempt.
const DefaultProbeTimeout = 15 * time.Second

var engineModules = map[Engine]string{
	EngineMLX:          "mlx_lm",
	EngineLlamaCpp:     "llama_cpp",
	EngineTransformers: "transformers",
}

// PythonModule returns the import name probed for an engine.
func PythonModule(e Engine) string { return engineModules[e] }

// EnginesFor lists the engines worth probing on a platform, best first.
func EnginesFor(p Platform) []Engine {
	if p.AppleSilicon() {
		return []Engine{EngineMLX, EngineLlamaCpp, EngineTransformers}
	}
	return []Engine{EngineLlamaCpp, EngineTransformers}
}

// runCommand is swapped out in tests.
var runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Report is the outcome of probing an interpreter.
type Report struct {
	Interpreter string            `json:"interpreter"`
	Version     string            `json:"version,omitempty"`
	VersionOK   bool              `json:"version_ok"`
	Available   []Engine          `json:"available"`
	Missing     map[Engine]string `json:"missing,omitempty"`
}

// Usable reports whether at least one engine can be imported by a supported interpreter.
func (r Report) Usable() bool { return r.VersionOK && len(r.Available) > 0 }

// Has reports whether engine e imported successfully.
func (r Report) Has(e Engine) bool {
	for _, a := range r.Available {
		if a == e {
			return true
		}
	}
	return false
}

// Preferred returns the first available engine in probe order, or "".
func (r Report) Preferred() Engine {
	if len(r.Available) == 0 {
		return ""
	}
	return r.Available[0]
}

// Reason explains why the report is not usable.
func (r Report) Reason() string {
	switch {
	case r.Version == "":
		return fmt.Sprintf("python interpreter %q not runnable", r.Interpreter)
	case !r.VersionOK:
		return fmt.Sprintf("python %s is older than %s", r.Version, MinPythonVersion)
	case len(r.Available) == 0:
		return "no inference backend package importable"
	}
	return ""
}

// PythonVersion runs the interpreter and returns its x.y.z version.
func PythonVersion(ctx context.Context, interpreter string) (string, error) {
	out, err := runCommand(ctx, interpreter, "-c", "import sys; print('%d.%d.%d' % sys.version_info[:3])")
	if err != nil {
		return "", fmt.Errorf("python version: %w", err)
	}
	v := strings.TrimSpace(string(out))
	if !semver.IsValid("v" + v) {
		return "", fmt.Errorf("python version: unexpected output %q", v)
	}
	return v, nil
}

// SupportedPython reports whether version is at least MinPythonVersion.
func SupportedPython(version string) bool {
	v := "v" + strings.TrimPrefix(version, "v")
	return semver.IsValid(v) && semver.Compare(v, "v"+MinPythonVersion) >= 0
}

// Probe tries to import each engine's module concurrently, each attempt
// bounded by timeout. It never fails; problems end up in the report.
func Probe(ctx context.Context, interpreter string, engines []Engine, timeout time.Duration) Report {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	rep := Report{Interpreter: interpreter, Missing: map[Engine]string{}}
	vctx, cancel := context.WithTimeout(ctx, timeout)
	v, err := PythonVersion(vctx, interpreter)
	cancel()
	if err != nil {
		for _, e := range engines {
			rep.Missing[e] = err.Error()
		}
		return rep
	}
	rep.Version = v
	rep.VersionOK = SupportedPython(v)

	ok := make([]bool, len(engines))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range engines {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			out, err := runCommand(pctx, interpreter, "-c", "import "+PythonModule(e))
			if err == nil {
				ok[i] = true
				return nil
			}
			msg := strings.TrimSpace(string(out))
			if msg == "" {
				msg = err.Error()
			}
			mu.Lock()
			rep.Missing[e] = lastLine(msg)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	for i, e := range engines {
		if ok[i] {
			rep.Available = append(rep.Available, e)
		}
	}
	return rep
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
