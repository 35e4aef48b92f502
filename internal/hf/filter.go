package hf

import (
	"path"
	"path/filepath"
	"slices"
	"strings"
)

var essentialExt = map[string]bool{
	".safetensors": true,
	".gguf":        true,
	".bin":         true,
	".json":        true,
	".model":       true,
	".tiktoken":    true,
	".npz":         true,
	".jinja":       true,
}

// plain-text tokenizer files that share an extension with documentation
var essentialNames = map[string]bool{
	"merges.txt": true,
	"vocab.txt":  true,
}

// IsEssentialFile reports whether a repository file is needed to load the
// model: weights, tokenizer and config files. Documentation, images and
// the duplicate checkpoints some repos keep under original/ are skipped,
// as is any name that would resolve outside the model directory.
func IsEssentialFile(p string) bool {
	p = strings.TrimPrefix(p, "/")
	if !isLocalPath(p) {
		return false
	}
	if strings.HasPrefix(p, "original/") || strings.HasPrefix(p, ".") {
		return false
	}
	base := strings.ToLower(path.Base(p))
	if essentialNames[base] {
		return true
	}
	if strings.HasPrefix(base, "readme") || strings.HasPrefix(base, "license") {
		return false
	}
	return essentialExt[path.Ext(base)]
}

// EssentialFiles filters a listing down to the files IsEssentialFile keeps.
func EssentialFiles(files []RepoFile) []RepoFile {
	out := make([]RepoFile, 0, len(files))
	for _, f := range files {
		if IsEssentialFile(f.Path) {
			out = append(out, f)
		}
	}
	return out
}

// isLocalPath reports whether a slash-separated repository path stays inside
// the directory it is joined to. ".." segments are refused even when they
// would cancel out.
func isLocalPath(p string) bool {
	if p == "" || !filepath.IsLocal(filepath.FromSlash(p)) {
		return false
	}
	return !slices.Contains(strings.Split(p, "/"), "..")
}
