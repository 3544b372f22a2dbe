package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/model_downloader/internal/storage"
	"github.com/italolelis/model_downloader/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

var _ storage.DownloadRepository = (*InstrumentedDownloadRepository)(nil)

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

// GetDownloads retrieves download history with telemetry.
func (r *InstrumentedDownloadRepository) GetDownloads(ctx context.Context, model string, limit int) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_downloads", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetDownloads(ctx, model, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// StartDownload records a download start with telemetry.
func (r *InstrumentedDownloadRepository) StartDownload(ctx context.Context, model, instanceID string) (int64, error) {
	var id int64

	err := r.telemetry.InstrumentDBOperation(ctx, "start_download", func(ctx context.Context) error {
		var err error

		id, err = r.repo.StartDownload(ctx, model, instanceID)

		return err
	})
	if err != nil {
		return 0, err
	}

	return id, nil
}

// FinishDownload records a download outcome with telemetry.
func (r *InstrumentedDownloadRepository) FinishDownload(ctx context.Context, id int64, status string, bytes int64, errMsg string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "finish_download", func(ctx context.Context) error {
		return r.repo.FinishDownload(ctx, id, status, bytes, errMsg)
	})
}

// FailInterrupted marks orphaned rows as failed with telemetry.
func (r *InstrumentedDownloadRepository) FailInterrupted(ctx context.Context, currentInstanceID string) (int64, error) {
	var n int64

	err := r.telemetry.InstrumentDBOperation(ctx, "fail_interrupted", func(ctx context.Context) error {
		var err error

		n, err = r.repo.FailInterrupted(ctx, currentInstanceID)

		return err
	})

	return n, err
}
