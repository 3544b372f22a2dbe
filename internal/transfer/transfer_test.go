package transfer

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/model_downloader/internal/modelid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, ts *httptest.Server, opts ...Option) *Engine {
	t.Helper()

	e, err := NewEngine(ts.URL, append([]Option{WithHTTPClient(ts.Client())}, opts...)...)
	require.NoError(t, err)

	return e
}

func tempFiles(t *testing.T, dir string) []string {
	t.Helper()

	matches, err := filepath.Glob(filepath.Join(dir, TempPrefix+"*"))
	require.NoError(t, err)

	return matches
}

type recorder struct {
	mu      sync.Mutex
	reports []Progress
}

func (r *recorder) record(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, p)
}

func (r *recorder) all() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Progress(nil), r.reports...)
}

func TestNewEngineRejectsRelativeOrigin(t *testing.T) {
	_, err := NewEngine("huggingface.co")
	assert.Error(t, err)
}

func TestURL(t *testing.T) {
	e, err := NewEngine("https://huggingface.co/")
	require.NoError(t, err)

	key := modelid.MustParse("org/repo")

	assert.Equal(t, "https://huggingface.co/org/repo/resolve/main/config.json", e.URL(key, "config.json"))
	assert.Equal(t, "https://huggingface.co/org/repo/resolve/main/onnx/model%20q4.onnx", e.URL(key, "onnx/model q4.onnx"))

	e2, err := NewEngine("https://mirror.example", WithRevision("v1.0"))
	require.NoError(t, err)
	assert.Equal(t, "https://mirror.example/org/repo/resolve/v1.0/a/b/c.bin", e2.URL(key, "/a/b/c.bin"))
}

func TestFetchWritesFileAndReportsFinalProgress(t *testing.T) {
	var gotPath, gotAuth string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("{}"))
	}))
	defer ts.Close()

	e := newTestEngine(t, ts)
	dir := filepath.Join(t.TempDir(), "org--repo")
	rec := &recorder{}

	res, err := e.FetchSet(context.Background(), modelid.MustParse("org/repo"), dir,
		[]File{{Name: "config.json", RemotePath: "config.json"}},
		FetchOptions{Token: "secret", OnProgress: rec.record})
	require.NoError(t, err)

	assert.Equal(t, "/org/repo/resolve/main/config.json", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, []string{"config.json"}, res.Fetched)
	assert.Equal(t, int64(2), res.Bytes)

	content, err := os.ReadFile(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(content))

	reports := rec.all()
	require.NotEmpty(t, reports)
	assert.Equal(t, int64(0), reports[0].Bytes)

	last := reports[len(reports)-1]
	require.NotNil(t, last.Total)
	assert.Equal(t, int64(2), last.Bytes)
	assert.Equal(t, int64(2), *last.Total)
	assert.Equal(t, 0, last.Index)
	assert.Equal(t, 1, last.Count)
	assert.Equal(t, 1.0, last.Overall())
	assert.Empty(t, tempFiles(t, dir))
}

func TestFetchWithoutTokenSendsNoAuthorization(t *testing.T) {
	var hasAuth atomic.Bool

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := r.Header["Authorization"]
		hasAuth.Store(ok)
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	dir := t.TempDir()
	_, err := newTestEngine(t, ts).Fetch(context.Background(),
		Target{URL: ts.URL + "/f", Destination: filepath.Join(dir, "f")},
		Position{Item: "f", Count: 1}, nil)
	require.NoError(t, err)
	assert.False(t, hasAuth.Load())
}

func TestFetchBadStatusWritesNothing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer ts.Close()

	dir := filepath.Join(t.TempDir(), "org--repo")
	dest := filepath.Join(dir, "missing.json")

	_, err := newTestEngine(t, ts).Fetch(context.Background(),
		Target{URL: ts.URL + "/missing.json", Destination: dest},
		Position{Item: "missing.json", Count: 1}, nil)

	var badStatus *BadStatusError
	require.True(t, errors.As(err, &badStatus), "got %v", err)
	assert.Equal(t, "missing.json", badStatus.Item)
	assert.Equal(t, http.StatusNotFound, badStatus.StatusCode)
	assert.Contains(t, err.Error(), "404")

	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr), "no directory or file should be created on bad status")
}

func TestFetchUnreachableOrigin(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	e, err := NewEngine(url)
	require.NoError(t, err)

	_, err = e.Fetch(context.Background(),
		Target{URL: url + "/a", Destination: filepath.Join(t.TempDir(), "a")},
		Position{Item: "a", Count: 1}, nil)

	var network *NetworkError
	require.True(t, errors.As(err, &network), "got %v", err)
	assert.Equal(t, "a", network.Item)
	assert.True(t, IsRetryable(err))
}

func TestFetchUnknownLengthReportsNilTotal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("first-"))
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte("second"))
	}))
	defer ts.Close()

	dir := t.TempDir()
	rec := &recorder{}

	n, err := newTestEngine(t, ts).Fetch(context.Background(),
		Target{URL: ts.URL + "/stream", Destination: filepath.Join(dir, "stream")},
		Position{Item: "stream", Count: 2}, rec.record)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	reports := rec.all()
	require.GreaterOrEqual(t, len(reports), 2)

	for _, p := range reports {
		assert.Nil(t, p.Total)
		assert.Equal(t, 0.0, p.Overall())
	}

	assert.Equal(t, int64(12), reports[len(reports)-1].Bytes)
}

func TestFetchReportsAtLeastEvery64KiB(t *testing.T) {
	body := bytes.Repeat([]byte("m"), 300*1024)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	defer ts.Close()

	rec := &recorder{}

	_, err := newTestEngine(t, ts).Fetch(context.Background(),
		Target{URL: ts.URL + "/w", Destination: filepath.Join(t.TempDir(), "w")},
		Position{Item: "w", Index: 1, Count: 3}, rec.record)
	require.NoError(t, err)

	reports := rec.all()
	require.NotEmpty(t, reports)
	assert.Equal(t, int64(0), reports[0].Bytes)
	assert.Equal(t, int64(len(body)), reports[len(reports)-1].Bytes)

	for i := 1; i < len(reports); i++ {
		prev, cur := reports[i-1], reports[i]
		assert.GreaterOrEqual(t, cur.Bytes, prev.Bytes)
		assert.LessOrEqual(t, cur.Bytes-prev.Bytes, int64(defaultReportInterval+defaultChunkSize))
		assert.GreaterOrEqual(t, cur.Overall(), prev.Overall())
	}
}

func TestFetchFailureKeepsExistingDestination(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write([]byte("truncated"))
	}))
	defer ts.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "weights.bin")
	require.NoError(t, os.WriteFile(dest, []byte("old content"), 0o644))

	_, err := newTestEngine(t, ts).Fetch(context.Background(),
		Target{URL: ts.URL + "/weights.bin", Destination: dest},
		Position{Item: "weights.bin", Count: 1}, nil)

	var network *NetworkError
	require.True(t, errors.As(err, &network), "got %v", err)

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "old content", string(content))
	assert.Empty(t, tempFiles(t, dir))
}

func TestFetchCancelledRemovesTempFile(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		_, _ = w.Write(bytes.Repeat([]byte("x"), 1024))
		w.(http.Flusher).Flush()
		close(started)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	dir := t.TempDir()
	e := newTestEngine(t, ts)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)

	go func() {
		_, err := e.Fetch(ctx,
			Target{URL: ts.URL + "/big", Destination: filepath.Join(dir, "big")},
			Position{Item: "big", Count: 1}, nil)
		errCh <- err
	}()

	<-started
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not observe cancellation")
	}

	assert.Empty(t, tempFiles(t, dir))

	_, statErr := os.Stat(filepath.Join(dir, "big"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestFetchPublishIsAtomicForConcurrentReaders(t *testing.T) {
	oldContent := bytes.Repeat([]byte("o"), 64*1024)
	newContent := bytes.Repeat([]byte("n"), 256*1024)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(newContent)))

		for i := 0; i < len(newContent); i += 32 * 1024 {
			_, _ = w.Write(newContent[i : i+32*1024])
			w.(http.Flusher).Flush()
			time.Sleep(2 * time.Millisecond)
		}
	}))
	defer ts.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "model.safetensors")
	require.NoError(t, os.WriteFile(dest, oldContent, 0o644))

	stop := make(chan struct{})
	done := make(chan struct{})

	var torn atomic.Int32

	go func() {
		defer close(done)

		for {
			select {
			case <-stop:
				return
			default:
			}

			got, err := os.ReadFile(dest)
			if err != nil {
				continue
			}

			if !bytes.Equal(got, oldContent) && !bytes.Equal(got, newContent) {
				torn.Add(1)
			}
		}
	}()

	_, err := newTestEngine(t, ts).Fetch(context.Background(),
		Target{URL: ts.URL + "/m", Destination: dest},
		Position{Item: "model.safetensors", Count: 1}, nil)
	close(stop)
	<-done

	require.NoError(t, err)
	assert.Zero(t, torn.Load(), "reader observed a partially written destination")

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, newContent, got)
}

func TestFetchSetSkipsExistingFiles(t *testing.T) {
	var hits atomic.Int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("data:" + r.URL.Path))
	}))
	defer ts.Close()

	e := newTestEngine(t, ts)
	key := modelid.MustParse("org/repo")
	dir := t.TempDir()
	files := []File{
		{Name: "config.json", RemotePath: "config.json"},
		{Name: "sub/tokenizer.json", RemotePath: "sub/tokenizer.json"},
	}

	_, err := e.FetchSet(context.Background(), key, dir, files, FetchOptions{})
	require.NoError(t, err)
	require.Equal(t, int32(2), hits.Load())

	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	for _, f := range files {
		require.NoError(t, os.Chtimes(filepath.Join(dir, f.Name), old, old))
	}

	rec := &recorder{}

	res, err := e.FetchSet(context.Background(), key, dir, files, FetchOptions{OnProgress: rec.record})
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load(), "second call must not hit the origin")
	assert.Equal(t, []string{"config.json", "sub/tokenizer.json"}, res.Skipped)
	assert.Empty(t, res.Fetched)

	for _, f := range files {
		info, err := os.Stat(filepath.Join(dir, f.Name))
		require.NoError(t, err)
		assert.True(t, info.ModTime().Equal(old), "skip must not touch %s", f.Name)
	}

	reports := rec.all()
	require.Len(t, reports, 2)

	for i, p := range reports {
		require.NotNil(t, p.Total)
		assert.Equal(t, int64(1), p.Bytes)
		assert.Equal(t, int64(1), *p.Total)
		assert.Equal(t, i, p.Index)
		assert.Equal(t, 2, p.Count)
	}

	assert.Equal(t, 1.0, reports[1].Overall())

	res, err = e.FetchSet(context.Background(), key, dir, files, FetchOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, int32(4), hits.Load())
	assert.Len(t, res.Fetched, 2)
}

func TestFetchSetStopsAtFirstError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/org/repo/resolve/main/missing.json" {
			w.WriteHeader(http.StatusNotFound)

			return
		}
		_, _ = w.Write([]byte("{}"))
	}))
	defer ts.Close()

	dir := t.TempDir()

	res, err := newTestEngine(t, ts).FetchSet(context.Background(), modelid.MustParse("org/repo"), dir, []File{
		{Name: "config.json", RemotePath: "config.json"},
		{Name: "missing.json", RemotePath: "missing.json"},
		{Name: "never.json", RemotePath: "never.json"},
	}, FetchOptions{})

	var badStatus *BadStatusError
	require.True(t, errors.As(err, &badStatus))
	assert.Equal(t, "missing.json", badStatus.Item)
	assert.Equal(t, []string{"config.json"}, res.Fetched)
	assert.FileExists(t, filepath.Join(dir, "config.json"))
	assert.NoFileExists(t, filepath.Join(dir, "never.json"))
}
