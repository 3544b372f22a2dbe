package storage

import (
	"context"
	"errors"
	"time"
)

// Download statuses.
const (
	StatusDownloading = "downloading"
	StatusDownloaded  = "downloaded"
	StatusFailed      = "failed"
)

// ErrRecordNotFound is returned when a history row does not exist.
var ErrRecordNotFound = errors.New("download record not found")

// DownloadRecord is one Download call of one model.
type DownloadRecord struct {
	ID         int64      `json:"id"`
	Model      string     `json:"model"`
	InstanceID string     `json:"instance_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Bytes      int64      `json:"bytes"`
	Error      string     `json:"error,omitempty"`
}

type DownloadReadRepository interface {
	// GetDownloads returns the newest records first. An empty model lists all models.
	GetDownloads(ctx context.Context, model string, limit int) ([]DownloadRecord, error)
}

type DownloadWriteRepository interface {
	StartDownload(ctx context.Context, model, instanceID string) (int64, error)
	FinishDownload(ctx context.Context, id int64, status string, bytes int64, errMsg string) error
	// FailInterrupted marks rows still downloading under another instance as failed.
	FailInterrupted(ctx context.Context, currentInstanceID string) (int64, error)
}

type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}
