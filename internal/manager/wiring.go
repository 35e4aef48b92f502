package manager

import (
	"os"

	"github.com/rs/zerolog"

	"localinfer/internal/common/fsutil"
	"localinfer/internal/config"
	"localinfer/internal/detect"
	"localinfer/internal/events"
	"localinfer/internal/hf"
	"localinfer/internal/inferred"
	"localinfer/internal/pyenv"
	"localinfer/internal/registry"
	"localinfer/internal/worker"
)

// Build assembles a Service from an application config that has already
// been defaulted and validated.
func Build(cfg config.Config, log zerolog.Logger, pub events.Publisher) (*Service, error) {
	dataDir, err := fsutil.ExpandHome(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	cacheDir, err := fsutil.ExpandHome(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	reg := registry.New(cacheDir, log)
	if err := reg.EnsureRoot(); err != nil {
		return nil, err
	}

	opts := []hf.Option{hf.WithLogger(log), hf.WithBaseURL(cfg.HubURL)}
	if ep := os.Getenv(hf.EnvEndpoint); ep != "" {
		opts = append(opts, hf.WithBaseURL(ep))
	}
	dl := hf.NewDownloader(reg, opts...)

	platform := detect.Host()
	sc := Config{
		Registry:    reg,
		Puller:      dl,
		DataDir:     dataDir,
		Interpreter: cfg.Interpreter,
		Platform:    platform,
		Logger:      log,
		Publisher:   pub,
	}

	switch BackendKind(cfg.Backend) {
	case KindServer:
		bin := detect.ResolveServerBinary(cfg.ServerBinary, detect.ExecutableDir())
		pm := inferred.NewProcessManager(inferred.ProcessConfig{
			Binary:          bin,
			PythonPath:      detect.ResolveInterpreter(dataDir),
			ModelDir:        cacheDir,
			AuthToken:       cfg.AuthToken,
			MaxMemoryMB:     cfg.MemoryBudgetMB,
			MaxModels:       cfg.MaxModels,
			ClusterEnabled:  cfg.ClusterEnabled,
			ClusterPeers:    cfg.ClusterPeers,
			ClusterStrategy: cfg.ClusterStrategy,
			NoDiscovery:     cfg.Discovery != nil && !*cfg.Discovery,
			KVCacheQuant:    cfg.KVCacheQuant,
			HealthTimeout:   cfg.HealthTimeout(),
			StopGrace:       cfg.StopGrace(),
			Platform:        platform,
			Logger:          log,
			Publisher:       pub,
		})
		sc.Backend = NewServerBackend(pm, log)
		sc.ServerBinary = bin
	default:
		script := cfg.WorkerScript
		if script != "" {
			if script, err = fsutil.ExpandHome(script); err != nil {
				return nil, err
			}
		}
		wm := worker.New(worker.Config{
			Interpreter:   cfg.Interpreter,
			Script:        script,
			DataDir:       dataDir,
			HealthTimeout: cfg.HealthTimeout(),
			StopGrace:     cfg.StopGrace(),
			MaxWait:       cfg.MaxWait(),
			Platform:      platform,
			Logger:        log,
			Publisher:     pub,
		})
		sc.Backend = NewWorkerBackend(wm, "", log)
		if cfg.BootstrapPython != nil && *cfg.BootstrapPython && cfg.Interpreter == "" {
			sc.Bootstrap = &pyenv.Bootstrapper{DataDir: dataDir, Platform: platform, Log: log}
		}
	}
	return New(sc), nil
}
