package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/modelid"
	"github.com/italolelis/model_downloader/internal/transfer"
)

// KeyLister lists every model that has a directory, complete or not.
type KeyLister interface {
	ListAllKeys(ctx context.Context) ([]modelid.Key, error)
}

// ExclusiveRunner runs work while holding a model's lock without counting it
// as a caller access.
type ExclusiveRunner interface {
	WithMaintenanceAccess(ctx context.Context, rawKey string, work func(dir string) error) error
}

// DeleteStaleTempFiles removes in-flight download files under dir that are
// older than maxAge. They are left behind when the process dies mid-transfer.
// It returns the number of files removed.
func DeleteStaleTempFiles(ctx context.Context, dir string, maxAge time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()
	removed := 0

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil // already deleted
			}

			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() || !strings.HasPrefix(d.Name(), transfer.TempPrefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if now.Sub(info.ModTime()) <= maxAge {
			return nil
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error("failed to delete stale temporary file", "file", path, "err", err)

			return err
		}

		logger.Info("deleted stale temporary file", "file", path, "age", now.Sub(info.ModTime()).Round(time.Second).String())
		removed++

		return nil
	})

	return removed, err
}

// SweepStaleTempFiles runs DeleteStaleTempFiles over every model directory,
// each under that model's lock so a running download is never touched.
// A failure on one model is logged and the sweep moves on.
func SweepStaleTempFiles(ctx context.Context, lister KeyLister, runner ExclusiveRunner, maxAge time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	keys, err := lister.ListAllKeys(ctx)
	if err != nil {
		return 0, err
	}

	total := 0

	for _, key := range keys {
		err := runner.WithMaintenanceAccess(ctx, key.String(), func(dir string) error {
			n, err := DeleteStaleTempFiles(ctx, dir, maxAge)
			total += n

			return err
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return total, ctxErr
			}

			logger.Error("failed to sweep model directory", "model", key.String(), "err", err)
		}
	}

	return total, nil
}
