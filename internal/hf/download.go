package hf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"localinfer/internal/common/fsutil"
	"localinfer/internal/registry"
	"localinfer/pkg/types"
)

// ProgressFunc receives one event per chunk written, and one completed event
// for every file that was already present.
type ProgressFunc = func(types.DownloadProgress)

// Pull downloads the essential files of repoID into the registry and writes
// the manifest once every file is complete. Files are fetched one at a time;
// partially downloaded files are resumed with a range request. On
// cancellation the partial files stay on disk.
func (d *Downloader) Pull(ctx context.Context, repoID string, progress ProgressFunc) (types.ModelInfo, error) {
	if progress == nil {
		progress = func(types.DownloadProgress) {}
	}
	files, err := d.ListFiles(ctx, repoID)
	if err != nil {
		return types.ModelInfo{}, err
	}
	files = EssentialFiles(files)
	if len(files) == 0 {
		return types.ModelInfo{}, fmt.Errorf("%w: %s", ErrNoLoadableFiles, repoID)
	}

	dir := d.reg.ModelDir(repoID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.ModelInfo{}, fmt.Errorf("create model dir: %w", err)
	}
	start := time.Now()
	d.log.Info().Str("model", repoID).Int("files", len(files)).Str("dir", dir).Msg("pull start")

	names := make([]string, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return types.ModelInfo{}, fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		if err := d.downloadFile(ctx, repoID, dir, f, progress); err != nil {
			downloadFilesTotal.WithLabelValues("failed").Inc()
			return types.ModelInfo{}, fmt.Errorf("pull %s: %s: %w", repoID, f.Path, err)
		}
		names = append(names, f.Path)
	}

	m := types.ModelManifest{
		ID:             repoID,
		Name:           filepath.Base(repoID),
		SourceRepoID:   repoID,
		LocalPath:      dir,
		PulledAt:       d.now().UTC(),
		ParameterCount: registry.InferParameterCount(repoID),
		Quantization:   registry.InferQuantization(repoID, names),
	}
	if err := registry.WriteManifest(dir, m); err != nil {
		return types.ModelInfo{}, fmt.Errorf("write manifest: %w", err)
	}
	d.log.Info().Str("model", repoID).Dur("dur", time.Since(start)).Msg("pull done")
	return d.reg.Inspect(dir)
}

func (d *Downloader) downloadFile(ctx context.Context, repoID, dir string, f RepoFile, progress ProgressFunc) error {
	if !isLocalPath(strings.TrimPrefix(f.Path, "/")) {
		return fmt.Errorf("%w: %q", ErrUnsafePath, f.Path)
	}
	dst := filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(f.Path, "/")))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	have, err := fsutil.FileSize(dst)
	if err != nil {
		return err
	}
	if f.Size > 0 && have >= f.Size {
		downloadFilesTotal.WithLabelValues("skipped").Inc()
		progress(types.DownloadProgress{FileName: f.Path, DownloadedBytes: have, TotalBytes: f.Size})
		return nil
	}

	u := d.fileURL(repoID, f.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	d.setHeaders(req)
	if have > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(have, 10)+"-")
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return wrapCtx(ctx, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp, u); err != nil {
		return err
	}

	flags := os.O_CREATE | os.O_WRONLY
	written := have
	if resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		// server ignored the range: start over
		flags |= os.O_TRUNC
		written = 0
	}
	total := f.Size
	if total <= 0 && resp.ContentLength > 0 {
		total = written + resp.ContentLength
	}
	out, err := os.OpenFile(dst, flags, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	logEvery := rate.Sometimes{First: 1, Interval: 2 * time.Second}
	buf := make([]byte, d.bufSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			written += int64(n)
			downloadBytesTotal.Add(float64(n))
			progress(types.DownloadProgress{FileName: f.Path, DownloadedBytes: written, TotalBytes: total})
			logEvery.Do(func() {
				d.log.Debug().Str("file", f.Path).Int64("bytes", written).Int64("total", total).Msg("pull progress")
			})
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return wrapCtx(ctx, rerr)
		}
	}
	if f.Size > 0 && written != f.Size {
		return fmt.Errorf("short download: got %d of %d bytes", written, f.Size)
	}
	downloadFilesTotal.WithLabelValues("downloaded").Inc()
	return out.Close()
}
