// Package detect locates the interpreter, worker script and server binary,
// and infers which serving engine a model directory needs.
//
// Nothing here returns an error for a missing file: callers detect failure by
// checking whether the returned path exists.
package detect

import (
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"localinfer/internal/common/fsutil"
)

// Engine names the inference library used inside a worker.
type Engine string

const (
	EngineMLX          Engine = "mlx"
	EngineLlamaCpp     Engine = "llamacpp"
	EngineTransformers Engine = "transformers"
)

// Distributed backend names understood by the server binary.
const (
	DistributedMLX      = "mlx-distributed"
	DistributedPipeline = "pipeline"
)

// Platform identifies an OS/arch pair. Tests pass explicit values.
type Platform struct {
	OS   string
	Arch string
}

// Host returns the platform this binary runs on.
func Host() Platform { return Platform{OS: runtime.GOOS, Arch: runtime.GOARCH} }

// AppleSilicon reports whether the platform can run MLX.
func (p Platform) AppleSilicon() bool { return p.OS == "darwin" && p.Arch == "arm64" }

// FallbackInterpreter is returned when no interpreter could be found.
const FallbackInterpreter = "python3"

// VenvDir is the dedicated virtual environment under the data directory.
func VenvDir(dataDir string) string { return filepath.Join(dataDir, "python-env") }

// VenvPython is the interpreter inside the dedicated virtual environment.
func VenvPython(dataDir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(VenvDir(dataDir), "Scripts", "python.exe")
	}
	return filepath.Join(VenvDir(dataDir), "bin", "python3")
}

// ResolveInterpreter prefers the dedicated venv, then python3/python on PATH,
// then FallbackInterpreter.
func ResolveInterpreter(dataDir string) string {
	if dataDir != "" {
		if p := VenvPython(dataDir); fsutil.PathExists(p) {
			return p
		}
	}
	if p := SystemInterpreter(); p != "" {
		return p
	}
	return FallbackInterpreter
}

// SystemInterpreter searches PATH for a Python interpreter, ignoring any venv.
func SystemInterpreter() string {
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return ""
}

// InferEngine picks an engine from the file extensions in modelDir:
// any .gguf selects llama.cpp; .safetensors on Apple Silicon selects MLX;
// everything else falls back to transformers.
func InferEngine(modelDir string, p Platform) Engine {
	var gguf, safetensors bool
	_ = filepath.WalkDir(modelDir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(d.Name())) {
		case ".gguf":
			gguf = true
			return filepath.SkipAll
		case ".safetensors":
			safetensors = true
		}
		return nil
	})
	switch {
	case gguf:
		return EngineLlamaCpp
	case safetensors && p.AppleSilicon():
		return EngineMLX
	default:
		return EngineTransformers
	}
}

// InferDistributedBackend maps a cluster strategy to the server binary's
// backend name. Unknown strategies are treated as "auto".
func InferDistributedBackend(strategy string, p Platform) string {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case "tensor":
		return DistributedMLX
	case "pipeline":
		return DistributedPipeline
	default:
		if p.AppleSilicon() {
			return DistributedMLX
		}
		return DistributedPipeline
	}
}

// WorkerScriptName is the file name of the Python worker entrypoint.
const WorkerScriptName = "inference_worker.py"

// WorkerScriptCandidates lists install locations in probe order.
func WorkerScriptCandidates(dataDir, exeDir string) []string {
	var out []string
	if exeDir != "" {
		out = append(out,
			filepath.Join(exeDir, "python", WorkerScriptName),
			filepath.Join(exeDir, "..", "share", "localinfer", "python", WorkerScriptName),
			filepath.Join(exeDir, "..", "Resources", "python", WorkerScriptName),
		)
	}
	if dataDir != "" {
		out = append(out, filepath.Join(dataDir, "python", WorkerScriptName))
	}
	if wd, err := os.Getwd(); err == nil {
		out = append(out, filepath.Join(wd, "python", WorkerScriptName))
	}
	return out
}

// LocateWorkerScript returns the first candidate that exists, or the first
// candidate as a best guess.
func LocateWorkerScript(candidates []string) string {
	p, _ := fsutil.FirstExisting(candidates)
	return p
}

// ServerBinaryName is the executable name of the HTTP serving backend.
const ServerBinaryName = "inferred"

// ResolveServerBinary returns configured when set, else the binary next to
// the executable, else whatever PATH yields, else the bare name.
func ResolveServerBinary(configured, exeDir string) string {
	if configured != "" {
		if p, err := fsutil.ExpandHome(configured); err == nil {
			return p
		}
		return configured
	}
	name := ServerBinaryName
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	if exeDir != "" {
		if p := filepath.Join(exeDir, name); fsutil.PathExists(p) {
			return p
		}
	}
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	return name
}

// ExecutableDir returns the directory of the running binary, or "".
func ExecutableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	if r, err := filepath.EvalSymlinks(exe); err == nil {
		exe = r
	}
	return filepath.Dir(exe)
}
