package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/model_downloader/internal/storage"
)

// DownloadWriteRepository implements storage.DownloadWriteRepository
// and stores download records in SQLite.
type DownloadWriteRepository struct {
	db *sql.DB
}

func NewDownloadWriteRepository(db *sql.DB) *DownloadWriteRepository {
	return &DownloadWriteRepository{db: db}
}

// StartDownload inserts a 'downloading' row and returns its id.
func (r *DownloadWriteRepository) StartDownload(ctx context.Context, model, instanceID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (model, instance_id, started_at, status) VALUES (?, ?, ?, ?)`,
		model, instanceID, time.Now().UTC().Format(time.RFC3339Nano), storage.StatusDownloading,
	)
	if err != nil {
		return 0, err
	}

	return res.LastInsertId()
}

// FinishDownload sets the final status of a row.
func (r *DownloadWriteRepository) FinishDownload(ctx context.Context, id int64, status string, bytes int64, errMsg string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, bytes = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, bytes, nullString(errMsg), time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrRecordNotFound
	}

	return nil
}

// FailInterrupted marks rows left 'downloading' by other instances as failed.
func (r *DownloadWriteRepository) FailInterrupted(ctx context.Context, currentInstanceID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, error = 'interrupted', finished_at = ?
		WHERE status = ? AND instance_id != ?`,
		storage.StatusFailed, time.Now().UTC().Format(time.RFC3339Nano), storage.StatusDownloading, currentInstanceID,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
