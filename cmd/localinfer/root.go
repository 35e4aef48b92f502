package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"localinfer/internal/common/fsutil"
	"localinfer/internal/config"
	"localinfer/internal/events"
	"localinfer/internal/logging"
	"localinfer/internal/manager"
	"localinfer/internal/registry"
)

// EnvConfig names a config file when --config is not given.
const EnvConfig = "LOCALINFER_CONFIG"

// rootOptions are the persistent flags. Flags override the config file.
type rootOptions struct {
	configPath string
	logLevel   string
	dataDir    string
	cacheDir   string
	backend    string
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	root := &cobra.Command{
		Use:           "localinfer",
		Short:         "Run language models on this machine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&o.configPath, "config", "", "Config file (.yaml, .json, .toml); defaults to $"+EnvConfig)
	pf.StringVar(&o.logLevel, "log-level", "", "Log level: trace|debug|info|warn|error|off (defaults to $"+logging.EnvLevel+" or info)")
	pf.StringVar(&o.dataDir, "data-dir", "", "Data directory (default "+config.DefaultDataDir+")")
	pf.StringVar(&o.cacheDir, "cache-dir", "", "Model cache directory (default <data-dir>/models)")
	pf.StringVar(&o.backend, "backend", "", "Serving backend: worker|server")

	root.AddCommand(
		newServeCmd(o),
		newPullCmd(o),
		newListCmd(o),
		newRmCmd(o),
		newDetectCmd(o),
		newRunCmd(o),
		newClusterCmd(o),
	)
	return root
}

// load reads the config file, applies flag overrides and defaults, and
// validates the result.
func (o *rootOptions) load() (config.Config, zerolog.Logger, error) {
	var cfg config.Config
	path := o.configPath
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		c, err := config.Load(path)
		if err != nil {
			return cfg, zerolog.Nop(), fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = c
	}
	if o.logLevel != "" {
		cfg.LogLevel = strings.ToLower(o.logLevel)
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.cacheDir != "" {
		cfg.CacheDir = o.cacheDir
	}
	if o.backend != "" {
		cfg.Backend = o.backend
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, zerolog.Nop(), err
	}
	return cfg, logging.New(cfg.LogLevel, os.Stderr), nil
}

// build loads the config and assembles the inference service.
func (o *rootOptions) build(mutate func(*config.Config)) (*manager.Service, config.Config, zerolog.Logger, error) {
	cfg, log, err := o.load()
	if err != nil {
		return nil, cfg, log, err
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := manager.Build(cfg, log, logEvents(log))
	if err != nil {
		return nil, cfg, log, err
	}
	return svc, cfg, log, nil
}

// logEvents writes lifecycle events to the debug log. Pull progress is
// too chatty even for debug.
func logEvents(log zerolog.Logger) events.Publisher {
	return events.Func(func(e events.Event) {
		if e.Name == events.PullProgress {
			return
		}
		log.Debug().Str("event", e.Name).Str("model", e.ModelID).Fields(e.Fields).Msg("event")
	})
}

func openRegistry(cacheDir string, log zerolog.Logger) (*registry.Registry, error) {
	dir, err := fsutil.ExpandHome(cacheDir)
	if err != nil {
		return nil, err
	}
	return registry.New(dir, log), nil
}
