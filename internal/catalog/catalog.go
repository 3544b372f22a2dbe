package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/modelid"
)

// DefaultMarker is the file whose presence marks a model directory as complete.
const DefaultMarker = "config.json"

// ErrNotFound is matched by every NotFoundError.
var ErrNotFound = errors.New("model not found")

// NotFoundError reports a key that has no complete local entry.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("model %s not found in local cache", e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Lister enumerates the keys known to the local cache.
type Lister interface {
	ListKnownKeys(ctx context.Context) ([]modelid.Key, error)
}

// Catalog discovers model directories under the cache root.
type Catalog struct {
	resolver *modelid.Resolver
	marker   string
}

func New(resolver *modelid.Resolver, marker string) *Catalog {
	if marker == "" {
		marker = DefaultMarker
	}

	return &Catalog{resolver: resolver, marker: marker}
}

// Marker returns the marker file name.
func (c *Catalog) Marker() string {
	return c.marker
}

// IsComplete reports whether dir holds the marker file.
func IsComplete(dir, marker string) bool {
	info, err := os.Stat(filepath.Join(dir, marker))

	return err == nil && !info.IsDir()
}

// ListKnownKeys returns the keys whose directory holds the marker file, sorted.
func (c *Catalog) ListKnownKeys(ctx context.Context) ([]modelid.Key, error) {
	return c.list(ctx, true)
}

// ListAllKeys returns every key that has a directory, complete or not.
func (c *Catalog) ListAllKeys(ctx context.Context) ([]modelid.Key, error) {
	return c.list(ctx, false)
}

// Lookup returns the directory of k if it holds a complete entry.
func (c *Catalog) Lookup(k modelid.Key) (string, error) {
	dir := c.resolver.Directory(k)
	if !IsComplete(dir, c.marker) {
		return "", &NotFoundError{Key: k.String()}
	}

	return dir, nil
}

func (c *Catalog) list(ctx context.Context, completeOnly bool) ([]modelid.Key, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(c.resolver.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read cache root: %w", err)
	}

	keys := make([]modelid.Key, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		k, err := modelid.FromDirName(entry.Name())
		if err != nil {
			logger.Debug("ignoring foreign directory in cache root", "dir", entry.Name())

			continue
		}

		if completeOnly && !IsComplete(filepath.Join(c.resolver.Root, entry.Name()), c.marker) {
			continue
		}

		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	return keys, nil
}
