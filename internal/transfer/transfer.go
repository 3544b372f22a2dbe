package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/model_downloader/internal/downloader/progress"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/modelid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	// DefaultRevision is the origin branch files are resolved against.
	DefaultRevision = "main"

	defaultChunkSize      = 32 * 1024
	defaultReportInterval = 64 * 1024

	// tempPattern names in-flight files. cleanup matches on the same prefix.
	tempPattern = TempPrefix + "*"
	TempPrefix  = ".download-"
)

// SetFetcher fetches the files of one model into a directory.
type SetFetcher interface {
	FetchSet(ctx context.Context, key modelid.Key, dir string, files []File, opts FetchOptions) (*SetResult, error)
}

// Target is a single remote file and where it should end up.
type Target struct {
	URL         string
	Destination string
	// Token is sent as a bearer credential when set. It is never logged.
	Token string
}

// Position places one file within a multi-file fetch.
type Position struct {
	Item  string
	Index int
	Count int
}

// File maps a remote path under the model to its local name.
type File struct {
	Name       string
	RemotePath string
}

// FetchOptions controls FetchSet.
type FetchOptions struct {
	Token      string
	Force      bool
	OnProgress ProgressFunc
}

// SetResult summarises a FetchSet call.
type SetResult struct {
	Fetched []string `json:"fetched"`
	Skipped []string `json:"skipped"`
	Bytes   int64    `json:"bytes"`
}

// Engine streams origin files to disk. It keeps no state between calls.
type Engine struct {
	client         *http.Client
	origin         string
	revision       string
	chunkSize      int
	reportInterval int64
}

type Option func(*Engine)

// WithHTTPClient replaces the default client, whose transport is traced with otelhttp.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

func WithRevision(rev string) Option {
	return func(e *Engine) {
		if rev != "" {
			e.revision = rev
		}
	}
}

// WithReportInterval sets how many new bytes trigger a progress report.
func WithReportInterval(n int64) Option {
	return func(e *Engine) { e.reportInterval = n }
}

func WithChunkSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// NewEngine returns an Engine fetching from origin, e.g. https://huggingface.co.
func NewEngine(origin string, opts ...Option) (*Engine, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("failed to parse origin url: %w", err)
	}

	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin url %q must be absolute", origin)
	}

	e := &Engine{
		client:         &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		origin:         strings.TrimRight(origin, "/"),
		revision:       DefaultRevision,
		chunkSize:      defaultChunkSize,
		reportInterval: defaultReportInterval,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// URL returns the download location of remotePath within key's repository:
// <origin>/<org>/<repo>/resolve/<revision>/<remotePath>.
func (e *Engine) URL(key modelid.Key, remotePath string) string {
	segments := []string{
		url.PathEscape(key.Org()),
		url.PathEscape(key.Repo()),
		"resolve",
		url.PathEscape(e.revision),
	}

	for _, s := range strings.Split(strings.Trim(remotePath, "/"), "/") {
		segments = append(segments, url.PathEscape(s))
	}

	return e.origin + "/" + strings.Join(segments, "/")
}

// FetchSet fetches files into dir in order. A file whose destination already
// exists is skipped unless opts.Force is set; skipped files still get one
// progress report with Bytes and Total both 1 so callers see every index
// complete. The first error stops the set; files fetched before it stay.
func (e *Engine) FetchSet(ctx context.Context, key modelid.Key, dir string, files []File, opts FetchOptions) (*SetResult, error) {
	logger := logctx.LoggerFromContext(ctx)
	result := &SetResult{}

	for i, f := range files {
		pos := Position{Item: f.Name, Index: i, Count: len(files)}
		dest := filepath.Join(dir, filepath.FromSlash(f.Name))

		if !opts.Force && fileExists(dest) {
			logger.Debug("file already downloaded", "file_path", f.Name)

			if opts.OnProgress != nil {
				opts.OnProgress(Progress{Item: f.Name, Bytes: 1, Total: sizePtr(1), Index: i, Count: len(files)})
			}

			result.Skipped = append(result.Skipped, f.Name)

			continue
		}

		target := Target{
			URL:         e.URL(key, f.RemotePath),
			Destination: dest,
			Token:       opts.Token,
		}

		n, err := e.Fetch(ctx, target, pos, opts.OnProgress)
		if err != nil {
			return result, err
		}

		result.Fetched = append(result.Fetched, f.Name)
		result.Bytes += n
	}

	return result, nil
}

// Fetch streams target.URL into a temporary file next to target.Destination
// and renames it into place once complete, so readers of the destination see
// either the previous file or the whole new one. It returns the bytes written.
func (e *Engine) Fetch(ctx context.Context, target Target, pos Position, onProgress ProgressFunc) (int64, error) {
	logger := logctx.LoggerFromContext(ctx).With("file_path", pos.Item)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request for %s: %w", pos.Item, err)
	}

	if target.Token != "" {
		(&oauth2.Token{AccessToken: target.Token}).SetAuthHeader(req)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, &NetworkError{Item: pos.Item, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		// Drain a little so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		return 0, &BadStatusError{Item: pos.Item, StatusCode: resp.StatusCode}
	}

	var total *int64
	if resp.ContentLength >= 0 {
		total = sizePtr(resp.ContentLength)
	}

	report := func(written int64) {
		if onProgress != nil {
			onProgress(Progress{Item: pos.Item, Bytes: written, Total: total, Index: pos.Index, Count: pos.Count})
		}
	}

	if total != nil {
		logger.Info("downloading file", "file_size", humanize.Bytes(uint64(*total)))
	} else {
		logger.Info("downloading file", "file_size", "unknown")
	}

	dir := filepath.Dir(target.Destination)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		logger.Error("failed to create target directory", "dir", dir, "err", err)

		return 0, &DirectoryError{Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return 0, &DirectoryError{Path: dir, Err: err}
	}

	tmpName := tmp.Name()
	published := false

	defer func() {
		if !published {
			tmp.Close()

			if rmErr := os.Remove(tmpName); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				logger.Warn("failed to remove temporary file", "temp_file", tmpName, "err", rmErr)
			}
		}
	}()

	report(0)

	pr := progress.NewReader(resp.Body, e.reportInterval, report)

	written, err := e.copy(ctx, tmp, pr, pos.Item)
	if err != nil {
		return 0, err
	}

	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync %s: %w", pos.Item, err)
	}

	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close %s: %w", pos.Item, err)
	}

	if err := os.Chmod(tmpName, filePerm); err != nil {
		return 0, fmt.Errorf("failed to set permissions on %s: %w", pos.Item, err)
	}

	// rename replaces an existing destination atomically, so there is no
	// window in which the destination is missing or truncated.
	if err := os.Rename(tmpName, target.Destination); err != nil {
		return 0, fmt.Errorf("failed to move %s into place: %w", pos.Item, err)
	}

	published = true

	report(written)

	logger.Info("downloaded and saved file", "target", target.Destination, "written", humanize.Bytes(uint64(written)))

	return written, nil
}

// copy moves src into dst in chunkSize pieces, checking ctx between chunks.
// Read failures are network errors; write failures are local ones.
func (e *Engine) copy(ctx context.Context, dst io.Writer, src io.Reader, item string) (int64, error) {
	var copied int64

	buf := make([]byte, e.chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			w, writeErr := dst.Write(buf[:n])
			copied += int64(w)

			if writeErr != nil {
				return copied, fmt.Errorf("failed to write %s: %w", item, writeErr)
			}

			if w < n {
				return copied, fmt.Errorf("failed to write %s: %w", item, io.ErrShortWrite)
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return copied, nil
			}

			if ctxErr := ctx.Err(); ctxErr != nil {
				return copied, ctxErr
			}

			return copied, &NetworkError{Item: item, Err: readErr}
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}
