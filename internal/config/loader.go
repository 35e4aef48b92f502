package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by WithDefaults.
type Config struct {
	Addr     string `json:"addr" yaml:"addr" toml:"addr" validate:"omitempty,hostname_port"`
	DataDir  string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	CacheDir string `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level" validate:"omitempty,oneof=trace debug info warn error off"`

	// Backend selects the serving backend: "worker" (JSON-RPC over stdio) or
	// "server" (HTTP binary on a loopback port).
	Backend         string `json:"backend" yaml:"backend" toml:"backend" validate:"omitempty,oneof=worker server"`
	Interpreter     string `json:"interpreter" yaml:"interpreter" toml:"interpreter"`
	WorkerScript    string `json:"worker_script" yaml:"worker_script" toml:"worker_script"`
	ServerBinary    string `json:"server_binary" yaml:"server_binary" toml:"server_binary"`
	BootstrapPython *bool  `json:"bootstrap_python" yaml:"bootstrap_python" toml:"bootstrap_python"`

	HubURL string `json:"hub_url" yaml:"hub_url" toml:"hub_url" validate:"omitempty,url"`

	HealthTimeoutSec int `json:"health_timeout_sec" yaml:"health_timeout_sec" toml:"health_timeout_sec" validate:"min=0"`
	StopGraceSec     int `json:"stop_grace_sec" yaml:"stop_grace_sec" toml:"stop_grace_sec" validate:"min=0"`
	MaxWaitSec       int `json:"max_wait_sec" yaml:"max_wait_sec" toml:"max_wait_sec" validate:"min=0"`

	// Server backend flags.
	AuthToken       string   `json:"auth_token" yaml:"auth_token" toml:"auth_token"`
	MemoryBudgetMB  int      `json:"memory_budget_mb" yaml:"memory_budget_mb" toml:"memory_budget_mb" validate:"min=0"`
	MaxModels       int      `json:"max_models" yaml:"max_models" toml:"max_models" validate:"min=0"`
	ClusterEnabled  bool     `json:"cluster_enabled" yaml:"cluster_enabled" toml:"cluster_enabled"`
	ClusterPeers    []string `json:"cluster_peers" yaml:"cluster_peers" toml:"cluster_peers" validate:"dive,hostname_port"`
	ClusterStrategy string   `json:"cluster_strategy" yaml:"cluster_strategy" toml:"cluster_strategy" validate:"omitempty,oneof=tensor pipeline auto"`
	Discovery       *bool    `json:"discovery" yaml:"discovery" toml:"discovery"`
	KVCacheQuant    string   `json:"kv_cache_quant" yaml:"kv_cache_quant" toml:"kv_cache_quant"`
}

// Defaults.
const (
	DefaultAddr          = "127.0.0.1:8089"
	DefaultDataDir       = "~/.localinfer"
	DefaultBackend       = "worker"
	DefaultHubURL        = "https://huggingface.co"
	DefaultHealthTimeout = 120
	DefaultStopGrace     = 5
	DefaultMaxWait       = 30
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// WithDefaults returns a copy with every unspecified field filled in.
func (c Config) WithDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(c.DataDir, "models")
	}
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	if c.HubURL == "" {
		c.HubURL = DefaultHubURL
	}
	if c.HealthTimeoutSec == 0 {
		c.HealthTimeoutSec = DefaultHealthTimeout
	}
	if c.StopGraceSec == 0 {
		c.StopGraceSec = DefaultStopGrace
	}
	if c.MaxWaitSec == 0 {
		c.MaxWaitSec = DefaultMaxWait
	}
	if c.BootstrapPython == nil {
		t := true
		c.BootstrapPython = &t
	}
	if c.Discovery == nil {
		t := true
		c.Discovery = &t
	}
	return c
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints. It reports every violation at once.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var msgs []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c Config) HealthTimeout() time.Duration { return time.Duration(c.HealthTimeoutSec) * time.Second }
func (c Config) StopGrace() time.Duration     { return time.Duration(c.StopGraceSec) * time.Second }
func (c Config) MaxWait() time.Duration       { return time.Duration(c.MaxWaitSec) * time.Second }
