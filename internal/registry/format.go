package registry

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"localinfer/pkg/types"
)

// DetectFormat classifies a model directory by the files it contains.
// GGUF wins over everything. Safetensors count as MLX when the directory
// name mentions mlx or config.json carries MLX-style quantization
// (a "quantization" object with "group_size"); otherwise they are PyTorch
// weights, as are .bin/.pt/.pth files.
func DetectFormat(dir string) types.ModelFormat {
	var gguf, safetensors, npz, torch bool
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(d.Name())) {
		case ".gguf":
			gguf = true
			return filepath.SkipAll
		case ".safetensors":
			safetensors = true
		case ".npz":
			npz = true
		case ".bin", ".pt", ".pth":
			torch = true
		}
		return nil
	})
	switch {
	case gguf:
		return types.FormatGGUF
	case npz:
		return types.FormatMLX
	case safetensors && looksMLX(dir):
		return types.FormatMLX
	case safetensors || torch:
		return types.FormatPyTorch
	default:
		return types.FormatUnknown
	}
}

func looksMLX(dir string) bool {
	if strings.Contains(strings.ToLower(filepath.Base(dir)), "mlx") {
		return true
	}
	b, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return false
	}
	var cfg struct {
		Quantization map[string]any `json:"quantization"`
	}
	if json.Unmarshal(b, &cfg) != nil {
		return false
	}
	_, ok := cfg.Quantization["group_size"]
	return ok
}

var (
	ggufQuantRe  = regexp.MustCompile(`(?i)\b(I?Q[0-9]_[0-9A-Z_]+|Q[0-9]_[0-9]|F16|F32|BF16)\b`)
	bitsRe       = regexp.MustCompile(`(?i)(?:^|[-_.])([2-8])-?bit(?:$|[-_.])`)
	floatQuantRe = regexp.MustCompile(`(?i)(?:^|[-_.])(fp16|bf16|fp32)(?:$|[-_.])`)
	paramsRe     = regexp.MustCompile(`(?i)(?:^|[-_.])([0-9]+(?:\.[0-9]+)?)([bm])(?:$|[-_.])`)
)

// InferQuantization guesses the quantization from weight file names first,
// then from the repo id. It returns "" when nothing matches.
func InferQuantization(repoID string, files []string) string {
	for _, f := range files {
		if !strings.EqualFold(filepath.Ext(f), ".gguf") {
			continue
		}
		base := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		if m := ggufQuantRe.FindString(strings.NewReplacer("-", " ", ".", " ").Replace(base)); m != "" {
			return strings.ToUpper(m)
		}
	}
	name := repoName(repoID)
	if m := bitsRe.FindStringSubmatch(name); m != nil {
		return m[1] + "bit"
	}
	if m := floatQuantRe.FindStringSubmatch(name); m != nil {
		return strings.ToLower(m[1])
	}
	return ""
}

// InferParameterCount extracts a size such as "7B" or "0.5B" from the repo id.
func InferParameterCount(repoID string) string {
	if m := paramsRe.FindStringSubmatch(repoName(repoID)); m != nil {
		return m[1] + strings.ToUpper(m[2])
	}
	return ""
}

func repoName(repoID string) string {
	if i := strings.LastIndexByte(repoID, '/'); i >= 0 {
		return repoID[i+1:]
	}
	return repoID
}
