package transfer

import (
	"context"

	"github.com/italolelis/model_downloader/internal/modelid"
	"github.com/italolelis/model_downloader/internal/telemetry"
)

// InstrumentedFetcher wraps a SetFetcher with telemetry.
type InstrumentedFetcher struct {
	next      SetFetcher
	telemetry *telemetry.Telemetry
}

// NewInstrumentedFetcher creates a new instrumented fetcher.
func NewInstrumentedFetcher(next SetFetcher, tel *telemetry.Telemetry) *InstrumentedFetcher {
	return &InstrumentedFetcher{
		next:      next,
		telemetry: tel,
	}
}

// FetchSet fetches a file set with telemetry.
func (f *InstrumentedFetcher) FetchSet(ctx context.Context, key modelid.Key, dir string, files []File, opts FetchOptions) (*SetResult, error) {
	var result *SetResult

	err := f.telemetry.InstrumentTransfer(ctx, "fetch_set", func(ctx context.Context) error {
		var err error

		result, err = f.next.FetchSet(ctx, key, dir, files, opts)

		return err
	})

	// Partial sets still wrote bytes before failing.
	if result != nil {
		f.telemetry.RecordDownloadedBytes(ctx, result.Bytes)
	}

	return result, err
}
