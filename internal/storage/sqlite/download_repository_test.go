package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/italolelis/model_downloader/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *InstrumentedDownloadRepository {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "downloads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewInstrumentedDownloadRepository(db, nil)
}

func TestStartAndFinishDownload(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	id, err := repo.StartDownload(ctx, "org/repo", "instance-a")
	require.NoError(t, err)
	assert.Positive(t, id)

	records, err := repo.GetDownloads(ctx, "org/repo", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, storage.StatusDownloading, records[0].Status)
	assert.Nil(t, records[0].FinishedAt)
	assert.Equal(t, "instance-a", records[0].InstanceID)

	require.NoError(t, repo.FinishDownload(ctx, id, storage.StatusDownloaded, 1234, ""))

	records, err = repo.GetDownloads(ctx, "org/repo", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, storage.StatusDownloaded, records[0].Status)
	assert.Equal(t, int64(1234), records[0].Bytes)
	assert.Empty(t, records[0].Error)
	require.NotNil(t, records[0].FinishedAt)
	assert.False(t, records[0].FinishedAt.Before(records[0].StartedAt))
}

func TestFinishUnknownDownload(t *testing.T) {
	repo := newTestRepository(t)

	err := repo.FinishDownload(context.Background(), 42, storage.StatusFailed, 0, "boom")
	assert.ErrorIs(t, err, storage.ErrRecordNotFound)
}

func TestGetDownloadsNewestFirstAndFiltered(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	for _, model := range []string{"org/a", "org/b", "org/a", "org/a"} {
		_, err := repo.StartDownload(ctx, model, "instance-a")
		require.NoError(t, err)
	}

	records, err := repo.GetDownloads(ctx, "org/a", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Greater(t, records[0].ID, records[1].ID)

	for _, r := range records {
		assert.Equal(t, "org/a", r.Model)
	}

	all, err := repo.GetDownloads(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	none, err := repo.GetDownloads(ctx, "org/missing", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFailInterrupted(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	orphan, err := repo.StartDownload(ctx, "org/a", "crashed")
	require.NoError(t, err)

	live, err := repo.StartDownload(ctx, "org/b", "current")
	require.NoError(t, err)

	done, err := repo.StartDownload(ctx, "org/c", "crashed")
	require.NoError(t, err)
	require.NoError(t, repo.FinishDownload(ctx, done, storage.StatusDownloaded, 10, ""))

	n, err := repo.FailInterrupted(ctx, "current")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	statuses := map[int64]storage.DownloadRecord{}

	records, err := repo.GetDownloads(ctx, "", 0)
	require.NoError(t, err)

	for _, r := range records {
		statuses[r.ID] = r
	}

	assert.Equal(t, storage.StatusFailed, statuses[orphan].Status)
	assert.Equal(t, "interrupted", statuses[orphan].Error)
	assert.Equal(t, storage.StatusDownloading, statuses[live].Status)
	assert.Equal(t, storage.StatusDownloaded, statuses[done].Status)
}
