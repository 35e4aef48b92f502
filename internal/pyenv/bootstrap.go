package pyenv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"localinfer/internal/common/fsutil"
	"localinfer/internal/detect"
)

// ErrNoSystemPython means no interpreter was found to create the venv with.
var ErrNoSystemPython = errors.New("no system python found to create the environment")

// markerFile records which packages were installed into the venv.
const markerFile = ".localinfer-installed"

// Packages returns the pip packages providing the platform's preferred engine.
func Packages(p detect.Platform) []string {
	if p.AppleSilicon() {
		return []string{"mlx-lm"}
	}
	return []string{"llama-cpp-python"}
}

// Bootstrapper creates <DataDir>/python-env and installs the engine packages.
type Bootstrapper struct {
	DataDir string
	// SystemPython creates the venv; empty means search PATH.
	SystemPython string
	Platform     detect.Platform
	// Packages overrides Packages(Platform).
	Packages []string
	Runner   Runner
	Log      zerolog.Logger
}

// Result describes what Ensure did.
type Result struct {
	Interpreter string
	Created     bool
	Installed   []string
}

// Ensure makes sure the venv exists and carries the engine packages. It is
// a no-op when a previous run completed.
func (b *Bootstrapper) Ensure(ctx context.Context) (Result, error) {
	if b.DataDir == "" {
		return Result{}, errors.New("pyenv: data dir is empty")
	}
	platform := b.Platform
	if platform == (detect.Platform{}) {
		platform = detect.Host()
	}
	pkgs := b.Packages
	if len(pkgs) == 0 {
		pkgs = Packages(platform)
	}
	runner := b.Runner
	if runner == nil {
		runner = ExecRunner{Log: b.Log}
	}

	venv := detect.VenvDir(b.DataDir)
	python := detect.VenvPython(b.DataDir)
	marker := filepath.Join(venv, markerFile)
	res := Result{Interpreter: python}

	if fsutil.PathExists(python) && installedAll(marker, pkgs) {
		return res, nil
	}

	if !fsutil.PathExists(python) {
		sys := b.SystemPython
		if sys == "" {
			sys = detect.SystemInterpreter()
		}
		if sys == "" {
			return Result{}, ErrNoSystemPython
		}
		if err := os.MkdirAll(b.DataDir, 0o755); err != nil {
			return Result{}, err
		}
		b.Log.Info().Str("venv", venv).Str("python", sys).Msg("creating python environment")
		if err := runner.Run(ctx, Cmd{Path: sys, Args: []string{"-m", "venv", venv}}); err != nil {
			return Result{}, fmt.Errorf("create venv: %w", err)
		}
		if !fsutil.PathExists(python) {
			return Result{}, fmt.Errorf("create venv: %s missing after creation", python)
		}
		res.Created = true
	}

	b.Log.Info().Strs("packages", pkgs).Msg("installing inference packages")
	args := append([]string{"-m", "pip", "install", "--upgrade"}, pkgs...)
	if err := runner.Run(ctx, Cmd{Path: python, Args: args}); err != nil {
		return res, fmt.Errorf("install %s: %w", strings.Join(pkgs, " "), err)
	}
	if err := os.WriteFile(marker, []byte(strings.Join(pkgs, "\n")+"\n"), 0o644); err != nil {
		return res, err
	}
	res.Installed = pkgs
	return res, nil
}

func installedAll(marker string, pkgs []string) bool {
	b, err := os.ReadFile(marker)
	if err != nil {
		return false
	}
	have := map[string]bool{}
	for _, l := range strings.Split(string(b), "\n") {
		have[strings.TrimSpace(l)] = true
	}
	for _, p := range pkgs {
		if !have[p] {
			return false
		}
	}
	return true
}
