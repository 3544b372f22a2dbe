package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/italolelis/model_downloader/internal/storage"
)

const defaultLimit = 100

type DownloadReadRepository struct {
	db *sql.DB
}

func NewDownloadReadRepository(dbConn *sql.DB) *DownloadReadRepository {
	return &DownloadReadRepository{db: dbConn}
}

// GetDownloads returns up to limit records, newest first, optionally for one model.
func (r *DownloadReadRepository) GetDownloads(ctx context.Context, model string, limit int) ([]storage.DownloadRecord, error) {
	if limit <= 0 {
		limit = defaultLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT
			id,
			model,
			instance_id,
			started_at,
			finished_at,
			status,
			bytes,
			error
		FROM downloads
		WHERE (? = '' OR model = ?)
		ORDER BY id DESC
		LIMIT ?`, model, model, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		var (
			record     storage.DownloadRecord
			startedAt  string
			finishedAt sql.NullString
			errMsg     sql.NullString
		)

		if err := rows.Scan(&record.ID, &record.Model, &record.InstanceID, &startedAt, &finishedAt,
			&record.Status, &record.Bytes, &errMsg); err != nil {
			return nil, err
		}

		if record.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("failed to parse started_at of record %d: %w", record.ID, err)
		}

		if finishedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse finished_at of record %d: %w", record.ID, err)
			}

			record.FinishedAt = &t
		}

		record.Error = errMsg.String

		downloads = append(downloads, record)
	}

	return downloads, rows.Err()
}
