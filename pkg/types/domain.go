package types

import "time"

// ModelFormat is the weight format detected from the files of a cached model.
type ModelFormat string

const (
	FormatMLX     ModelFormat = "mlx"
	FormatGGUF    ModelFormat = "gguf"
	FormatPyTorch ModelFormat = "pytorch"
	FormatUnknown ModelFormat = "unknown"
)

// ModelManifest is persisted as .manifest.json inside each model directory.
// It is written once, after every file of a pull has been downloaded.
type ModelManifest struct {
	// Hub identifier.
	// example: mlx-community/Qwen2.5-0.5B-Instruct-4bit
	ID string `json:"id" example:"mlx-community/Qwen2.5-0.5B-Instruct-4bit"`
	// Human-friendly name, usually the repo segment of the id.
	Name string `json:"name"`
	// Repository the files were pulled from.
	SourceRepoID string `json:"sourceRepoId"`
	// Absolute path of the model directory.
	LocalPath string    `json:"localPath"`
	PulledAt  time.Time `json:"pulledAt"`
	// example: 0.5B
	ParameterCount string `json:"parameterCount,omitempty" example:"0.5B"`
	// example: 4bit
	Quantization string `json:"quantization,omitempty" example:"4bit"`
}

// ModelInfo is a manifest plus facts derived from the directory contents.
// It is recomputed on every registry query.
type ModelInfo struct {
	ModelManifest
	Format    ModelFormat `json:"format"`
	SizeBytes int64       `json:"sizeBytes"`
}

// DownloadProgress is emitted for every chunk written during a pull.
type DownloadProgress struct {
	FileName        string `json:"fileName"`
	DownloadedBytes int64  `json:"downloadedBytes"`
	TotalBytes      int64  `json:"totalBytes"`
}
