// Package registry owns the on-disk model cache.
//
// Layout: one directory per model under the cache root, named after the hub
// id with "/" replaced by "--". A directory only counts as an installed model
// once its .manifest.json exists; the downloader writes that file last.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"localinfer/internal/common/fsutil"
	"localinfer/pkg/types"
)

// ManifestFile is the sidecar that marks a directory as a complete model.
const ManifestFile = ".manifest.json"

// DefaultRoot is the cache root used when none is configured.
const DefaultRoot = "~/.localinfer/models"

var (
	// ErrNotFound is returned by Get when no cached model matches.
	ErrNotFound = errors.New("model not found in cache")
	// ErrNoManifest is returned by ReadManifest when the sidecar is absent.
	ErrNoManifest = errors.New("manifest missing")
)

// Registry lists, resolves and deletes cached models. It holds no state
// besides the root; every query reads the disk.
type Registry struct {
	root string
	log  zerolog.Logger
}

// New creates a registry rooted at root ("" means DefaultRoot). A leading
// "~" is expanded.
func New(root string, log zerolog.Logger) *Registry {
	if root == "" {
		root = DefaultRoot
	}
	if p, err := fsutil.ExpandHome(root); err == nil {
		root = p
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Registry{root: root, log: log.With().Str("component", "registry").Logger()}
}

// Root returns the absolute cache root.
func (r *Registry) Root() string { return r.root }

// EnsureRoot creates the cache root if needed.
func (r *Registry) EnsureRoot() error { return os.MkdirAll(r.root, 0o755) }

// NormalizeID turns a hub id into a directory name: "org/model" -> "org--model".
func NormalizeID(id string) string {
	return strings.ReplaceAll(strings.Trim(strings.TrimSpace(id), "/"), "/", "--")
}

// DenormalizeID reverses NormalizeID for ids whose segments contain no "--".
func DenormalizeID(dir string) string { return strings.Replace(dir, "--", "/", 1) }

// ModelDir is where the model with the given hub id lives (or would live).
func (r *Registry) ModelDir(id string) string { return filepath.Join(r.root, NormalizeID(id)) }

// List returns every installed model. Directories without a readable
// manifest are skipped.
func (r *Registry) List() ([]types.ModelInfo, error) {
	names, err := r.dirNames()
	if err != nil {
		return nil, err
	}
	out := make([]types.ModelInfo, 0, len(names))
	for _, name := range names {
		info, err := r.inspect(filepath.Join(r.root, name), true)
		if err != nil {
			r.log.Debug().Str("dir", name).Err(err).Msg("skip cache entry")
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// Get resolves id by exact directory match first, then by case-insensitive
// substring over cached directory names.
func (r *Registry) Get(id string) (types.ModelInfo, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return types.ModelInfo{}, fmt.Errorf("%w: empty id", ErrNotFound)
	}
	if info, err := r.inspect(r.ModelDir(id), true); err == nil {
		return info, nil
	}
	names, err := r.dirNames()
	if err != nil {
		return types.ModelInfo{}, err
	}
	needle := strings.ToLower(NormalizeID(id))
	for _, name := range names {
		if !strings.Contains(strings.ToLower(name), needle) {
			continue
		}
		info, err := r.inspect(filepath.Join(r.root, name), true)
		if err != nil {
			continue
		}
		return info, nil
	}
	return types.ModelInfo{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Inspect reads a model directory. A missing manifest yields defaults
// (id and name are the directory name); a corrupt one is an error.
// Format and size always come from the current disk contents.
func (r *Registry) Inspect(dir string) (types.ModelInfo, error) { return r.inspect(dir, false) }

func (r *Registry) inspect(dir string, requireManifest bool) (types.ModelInfo, error) {
	if !fsutil.IsDir(dir) {
		return types.ModelInfo{}, fmt.Errorf("%w: %s", ErrNotFound, dir)
	}
	m, err := ReadManifest(dir)
	switch {
	case errors.Is(err, ErrNoManifest):
		if requireManifest {
			return types.ModelInfo{}, err
		}
		base := filepath.Base(dir)
		m = types.ModelManifest{ID: base, Name: base}
	case err != nil:
		return types.ModelInfo{}, err
	}
	// the directory may have moved since the manifest was written
	m.LocalPath = dir
	size, err := fsutil.DirSize(dir)
	if err != nil {
		return types.ModelInfo{}, fmt.Errorf("size %s: %w", dir, err)
	}
	// the sidecar is bookkeeping, not model weight
	if n, err := fsutil.FileSize(filepath.Join(dir, ManifestFile)); err == nil {
		size -= n
	}
	return types.ModelInfo{ModelManifest: m, Format: DetectFormat(dir), SizeBytes: size}, nil
}

// Delete removes the model directory. Deleting an absent model is a no-op.
func (r *Registry) Delete(id string) error {
	name := NormalizeID(id)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid model id %q", id)
	}
	dir := filepath.Join(r.root, name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	r.log.Info().Str("model", id).Msg("deleted")
	return nil
}

func (r *Registry) dirNames() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache root: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ReadManifest loads dir/.manifest.json.
func ReadManifest(dir string) (types.ModelManifest, error) {
	var m types.ModelManifest
	b, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m, ErrNoManifest
		}
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("corrupt manifest in %s: %w", dir, err)
	}
	if m.ID == "" {
		return m, fmt.Errorf("corrupt manifest in %s: missing id", dir)
	}
	return m, nil
}

// WriteManifest writes the manifest atomically (temp file + rename).
func WriteManifest(dir string, m types.ModelManifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ManifestFile+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, ManifestFile))
}

// IsNotFound reports whether err means no cached model matched.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
