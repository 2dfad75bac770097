package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/wheel_mirror/internal/logctx"
	"github.com/italolelis/wheel_mirror/internal/transfer"
)

type PruneResult struct {
	Removed int
	Bytes   int64
}

// DeleteStalePartials deletes partial downloads in dir whose last write is
// older than maxAge. Final files are never touched.
func DeleteStalePartials(ctx context.Context, dir string, maxAge time.Duration) (PruneResult, error) {
	logger := logctx.LoggerFromContext(ctx)

	var res PruneResult

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return res, nil // nothing downloaded yet
		}

		return res, err
	}

	now := time.Now()

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if entry.IsDir() || !strings.HasSuffix(entry.Name(), transfer.PartSuffix) {
			continue
		}

		filePath := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // already deleted
			}

			logger.Error("failed to stat partial file", "file", filePath, "err", err)

			return res, err
		}

		if now.Sub(info.ModTime()) <= maxAge {
			continue
		}

		if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error("failed to delete stale partial file", "file", filePath, "err", err)

			return res, err
		}

		res.Removed++
		res.Bytes += info.Size()

		logger.Info("deleted stale partial file", "file", filePath, "size", humanize.Bytes(uint64(info.Size())),
			"age", now.Sub(info.ModTime()).Round(time.Second))
	}

	return res, nil
}
