package types

// Snapshots returned by the server-binary backend. None of these are cached
// beyond the request that fetched them.

// InferenceStatus is returned by GET /inference/status.
type InferenceStatus struct {
	Ready        bool     `json:"ready"`
	LoadedModels []string `json:"loaded_models"`
	MemoryUsedMB int64    `json:"memory_used_mb,omitempty"`
	MemoryMaxMB  int64    `json:"memory_max_mb,omitempty"`
	Backend      string   `json:"backend,omitempty"`
	UptimeSec    float64  `json:"uptime_sec,omitempty"`
}

// ClusterNode describes a peer taking part in distributed inference.
type ClusterNode struct {
	ID          string   `json:"id"`
	Address     string   `json:"address"`
	Role        string   `json:"role,omitempty"`
	Status      string   `json:"status"`
	MemoryMB    int64    `json:"memory_mb,omitempty"`
	Models      []string `json:"models,omitempty"`
	LastSeenSec float64  `json:"last_seen_sec,omitempty"`
}

// ClusterState is returned by GET /inference/cluster/status.
type ClusterState struct {
	Enabled  bool          `json:"enabled"`
	Strategy string        `json:"strategy,omitempty"`
	Backend  string        `json:"backend,omitempty"`
	LocalID  string        `json:"local_id,omitempty"`
	Nodes    []ClusterNode `json:"nodes,omitempty"`
}

// RDMAConfig is returned by GET /inference/rdma.
type RDMAConfig struct {
	Enabled  bool   `json:"enabled"`
	Device   string `json:"device,omitempty"`
	Port     int    `json:"port,omitempty"`
	GIDIndex int    `json:"gid_index,omitempty"`
	MTU      int    `json:"mtu,omitempty"`
}

// TransportStatus is returned by GET /inference/transport.
type TransportStatus struct {
	Kind          string  `json:"kind"`
	Connected     bool    `json:"connected"`
	Peers         int     `json:"peers"`
	BandwidthGbps float64 `json:"bandwidth_gbps,omitempty"`
	LatencyUs     float64 `json:"latency_us,omitempty"`
}

// BenchmarkRequest is the body of POST /inference/benchmark.
type BenchmarkRequest struct {
	Model        string `json:"model,omitempty"`
	PromptTokens int    `json:"prompt_tokens,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty"`
}

// BenchmarkResult is the response of POST /inference/benchmark.
type BenchmarkResult struct {
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
	PromptPerSecond  float64 `json:"prompt_tokens_per_second,omitempty"`
	DurationMs       int64   `json:"duration_ms"`
}
