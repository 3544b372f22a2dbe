package downloader

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/model_downloader/internal/cache"
	"github.com/italolelis/model_downloader/internal/catalog"
	"github.com/italolelis/model_downloader/internal/locktable"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/modelid"
	"github.com/italolelis/model_downloader/internal/storage"
	"github.com/italolelis/model_downloader/internal/telemetry"
	"github.com/italolelis/model_downloader/internal/transfer"
)

const defaultEventBuffer = 32

var (
	// ErrNoFiles is returned when Download is called with an empty file list.
	ErrNoFiles = errors.New("no files to download")
	// ErrInvalidFile is returned for file names that would escape the model directory.
	ErrInvalidFile = errors.New("invalid file name")
)

// DownloadOptions tune a single Download call.
type DownloadOptions struct {
	// Token is sent to the origin as a bearer credential.
	Token string
	// Force re-fetches files that already exist locally.
	Force bool
	// OnProgress may be called from the goroutine running Download and must
	// not block for long.
	OnProgress transfer.ProgressFunc
}

// Result describes what a Download call did.
type Result struct {
	Model     string   `json:"model"`
	Directory string   `json:"directory"`
	Fetched   []string `json:"fetched"`
	Skipped   []string `json:"skipped"`
	Bytes     int64    `json:"bytes"`
}

// Event is published on the downloader's channels when a Download ends.
type Event struct {
	Model  string
	Result *Result
	Err    error
	At     time.Time
}

type Option func(*Downloader)

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(d *Downloader) { d.telemetry = t }
}

// WithHistory records every Download call in repo, tagged with instanceID.
func WithHistory(repo storage.DownloadWriteRepository, instanceID string) Option {
	return func(d *Downloader) {
		d.history = repo
		d.instanceID = instanceID
	}
}

// WithMarker sets the file whose presence marks a model as complete.
func WithMarker(marker string) Option {
	return func(d *Downloader) {
		if marker != "" {
			d.marker = marker
		}
	}
}

// WithEventBuffer sizes the OnDownloadFinished and OnDownloadError channels.
func WithEventBuffer(n int) Option {
	return func(d *Downloader) {
		if n >= 0 {
			d.eventBuffer = n
		}
	}
}

// Downloader serialises work per model and keeps unrelated models fully
// parallel. The zero value is not usable; construct with New.
type Downloader struct {
	locks    *locktable.Table
	cache    *cache.Store
	resolver *modelid.Resolver
	fetcher  transfer.SetFetcher
	marker   string

	telemetry   *telemetry.Telemetry
	history     storage.DownloadWriteRepository
	instanceID  string
	eventBuffer int

	// Sends are non-blocking; events are dropped when nobody keeps up.
	OnDownloadFinished chan Event
	OnDownloadError    chan Event
}

func New(resolver *modelid.Resolver, fetcher transfer.SetFetcher, opts ...Option) *Downloader {
	d := &Downloader{
		locks:       locktable.New(),
		cache:       cache.NewStore(),
		resolver:    resolver,
		fetcher:     fetcher,
		marker:      catalog.DefaultMarker,
		eventBuffer: defaultEventBuffer,
	}

	for _, opt := range opts {
		opt(d)
	}

	d.OnDownloadFinished = make(chan Event, d.eventBuffer)
	d.OnDownloadError = make(chan Event, d.eventBuffer)

	return d
}

// Close closes the event channels. No Download may run after Close.
func (d *Downloader) Close() {
	close(d.OnDownloadFinished)
	close(d.OnDownloadError)
}

// Download fetches files of the model rawKey into its directory while holding
// the model's lock. The key is validated before any lock or network activity.
// On a transfer error the partial Result lists the files fetched before it.
func (d *Downloader) Download(ctx context.Context, rawKey string, files []string, opts DownloadOptions) (*Result, error) {
	key, err := modelid.Parse(rawKey)
	if err != nil {
		return nil, err
	}

	set, err := toFiles(files)
	if err != nil {
		return nil, err
	}

	set = markerLast(set, d.marker)

	ctx = logctx.WithModel(ctx, key.String())
	logger := logctx.LoggerFromContext(ctx)

	var result *Result

	err = d.telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
		unlock, err := d.lock(ctx, key, "download")
		if err != nil {
			return err
		}
		defer unlock()

		d.cache.IncDownloads(key.String())

		dir := d.directory(ctx, key)
		recordID := d.startHistory(ctx, key)

		logger.Info("downloading model", "files", len(set), "force", opts.Force)

		fetched, err := d.fetcher.FetchSet(ctx, key, dir, set, transfer.FetchOptions{
			Token:      opts.Token,
			Force:      opts.Force,
			OnProgress: opts.OnProgress,
		})

		result = newResult(key, dir, fetched)
		d.finishHistory(ctx, recordID, result, err)

		if err != nil {
			return err
		}

		if catalog.IsComplete(dir, d.marker) {
			d.cache.SetPath(key.String(), dir)
		}

		return nil
	})
	if err != nil {
		logger.Error("failed to download model", "err", err)
		d.emit(ctx, d.OnDownloadError, Event{Model: key.String(), Result: result, Err: err, At: time.Now()})

		return result, err
	}

	logger.Info("model downloaded",
		"fetched", len(result.Fetched),
		"skipped", len(result.Skipped),
		"size", humanize.Bytes(uint64(result.Bytes)),
	)
	d.emit(ctx, d.OnDownloadFinished, Event{Model: key.String(), Result: result, At: time.Now()})

	return result, nil
}

// WithExclusiveAccess runs work with the model's directory while no Download
// or other WithExclusiveAccess call on the same model can run. work's error
// is returned unchanged. The lock is released even if work panics.
func (d *Downloader) WithExclusiveAccess(ctx context.Context, rawKey string, work func(dir string) error) error {
	return d.exclusive(ctx, rawKey, "access", true, work)
}

// WithMaintenanceAccess is WithExclusiveAccess for housekeeping. It takes the
// same lock but leaves the access counter alone.
func (d *Downloader) WithMaintenanceAccess(ctx context.Context, rawKey string, work func(dir string) error) error {
	return d.exclusive(ctx, rawKey, "maintenance", false, work)
}

func (d *Downloader) exclusive(ctx context.Context, rawKey, operation string, counted bool, work func(dir string) error) error {
	key, err := modelid.Parse(rawKey)
	if err != nil {
		return err
	}

	ctx = logctx.WithModel(ctx, key.String())

	unlock, err := d.lock(ctx, key, operation)
	if err != nil {
		return err
	}
	defer unlock()

	if counted {
		d.cache.IncAccesses(key.String())
	}

	return work(d.directory(ctx, key))
}

// Exclusive is WithExclusiveAccess for work that produces a value.
func Exclusive[T any](ctx context.Context, d *Downloader, rawKey string, work func(dir string) (T, error)) (T, error) {
	var out T

	err := d.WithExclusiveAccess(ctx, rawKey, func(dir string) error {
		var err error

		out, err = work(dir)

		return err
	})

	return out, err
}

// Preload caches the directories of every listed model whose marker file is
// present and returns how many were cached.
func (d *Downloader) Preload(ctx context.Context, lister catalog.Lister) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	keys, err := lister.ListKnownKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list known models: %w", err)
	}

	var n int

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		dir := d.resolver.Directory(key)
		if !catalog.IsComplete(dir, d.marker) {
			continue
		}

		d.cache.SetPath(key.String(), dir)
		n++
	}

	logger.Info("preloaded model paths", "count", n)

	return n, nil
}

// LocalPath returns the directory of a complete local copy of rawKey.
func (d *Downloader) LocalPath(ctx context.Context, rawKey string) (string, error) {
	key, err := modelid.Parse(rawKey)
	if err != nil {
		return "", err
	}

	dir := d.directory(ctx, key)
	if !catalog.IsComplete(dir, d.marker) {
		return "", &catalog.NotFoundError{Key: key.String()}
	}

	return dir, nil
}

// ClearCache forgets every cached directory. Counters are kept.
func (d *Downloader) ClearCache() {
	d.cache.Clear()
}

// ResetStatistics zeroes every counter. Cached directories are kept.
func (d *Downloader) ResetStatistics() {
	d.cache.ResetStats()
}

// Stats returns a copy of the per-model counters.
func (d *Downloader) Stats() map[string]cache.Counters {
	return d.cache.Snapshot()
}

// CachedModels returns the models with a cached directory, sorted.
func (d *Downloader) CachedModels() []string {
	return d.cache.Keys()
}

// IsLocked reports whether rawKey's lock is currently held. Malformed keys
// are never locked.
func (d *Downloader) IsLocked(rawKey string) bool {
	key, err := modelid.Parse(rawKey)
	if err != nil {
		return false
	}

	return d.locks.IsHeld(key.String())
}

func (d *Downloader) lock(ctx context.Context, key modelid.Key, operation string) (func(), error) {
	start := time.Now()

	if err := d.locks.Acquire(ctx, key.String()); err != nil {
		d.telemetry.RecordLockWait(ctx, operation, "cancelled", time.Since(start))

		return nil, err
	}

	waited := time.Since(start)
	d.telemetry.RecordLockWait(ctx, operation, "acquired", waited)
	d.telemetry.AddLocksHeld(ctx, 1)

	if waited > time.Second {
		logctx.LoggerFromContext(ctx).Debug("waited for model lock", "operation", operation, "waited", waited)
	}

	return func() {
		d.locks.Release(key.String())
		d.telemetry.AddLocksHeld(context.WithoutCancel(ctx), -1)
	}, nil
}

func (d *Downloader) directory(ctx context.Context, key modelid.Key) string {
	if dir, ok := d.cache.Path(key.String()); ok {
		d.telemetry.RecordCacheLookup(ctx, true)

		return dir
	}

	d.telemetry.RecordCacheLookup(ctx, false)

	return d.resolver.Directory(key)
}

func (d *Downloader) startHistory(ctx context.Context, key modelid.Key) int64 {
	if d.history == nil {
		return 0
	}

	id, err := d.history.StartDownload(ctx, key.String(), d.instanceID)
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to record download start", "err", err)
		d.telemetry.RecordSystemError(ctx, "history", "start_download")

		return 0
	}

	return id
}

func (d *Downloader) finishHistory(ctx context.Context, id int64, result *Result, downloadErr error) {
	if d.history == nil || id == 0 {
		return
	}

	status, errMsg := storage.StatusDownloaded, ""
	if downloadErr != nil {
		status, errMsg = storage.StatusFailed, downloadErr.Error()
	}

	// The outcome is recorded even when the caller has gone away.
	ctx = context.WithoutCancel(ctx)

	if err := d.history.FinishDownload(ctx, id, status, result.Bytes, errMsg); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to record download outcome", "err", err)
		d.telemetry.RecordSystemError(ctx, "history", "finish_download")
	}
}

func (d *Downloader) emit(ctx context.Context, ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
		logctx.LoggerFromContext(ctx).Debug("dropping download event, no listener keeping up")
	}
}

func newResult(key modelid.Key, dir string, set *transfer.SetResult) *Result {
	r := &Result{Model: key.String(), Directory: dir}
	if set != nil {
		r.Fetched = set.Fetched
		r.Skipped = set.Skipped
		r.Bytes = set.Bytes
	}

	return r
}

// toFiles maps requested names to files. Names are slash separated paths
// relative to the model directory and are fetched from the same remote path.
func toFiles(names []string) ([]transfer.File, error) {
	if len(names) == 0 {
		return nil, ErrNoFiles
	}

	files := make([]transfer.File, 0, len(names))

	for _, name := range names {
		clean := path.Clean(strings.TrimPrefix(name, "/"))
		if name == "" || clean == "." || !filepath.IsLocal(filepath.FromSlash(clean)) || hasTempSegment(clean) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFile, name)
		}

		files = append(files, transfer.File{Name: clean, RemotePath: clean})
	}

	return files, nil
}

// hasTempSegment reports whether any element of name looks like an in-flight
// download. The cleanup sweeper deletes such files.
func hasTempSegment(name string) bool {
	for _, seg := range strings.Split(name, "/") {
		if strings.HasPrefix(seg, transfer.TempPrefix) {
			return true
		}
	}

	return false
}

// markerLast moves the marker file to the end of files, keeping the order of
// the rest. The marker then only appears once every other file is in place.
func markerLast(files []transfer.File, marker string) []transfer.File {
	out := make([]transfer.File, 0, len(files))

	var markers []transfer.File

	for _, f := range files {
		if f.Name == marker {
			markers = append(markers, f)

			continue
		}

		out = append(out, f)
	}

	return append(out, markers...)
}
