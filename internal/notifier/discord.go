package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/italolelis/model_downloader/internal/downloader"
	"github.com/italolelis/model_downloader/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		WebhookURL: webhookURL,
		Client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// Forward sends a message for every event on the downloader's channels until
// both are closed or ctx is done. A nil notifier only logs.
func Forward(ctx context.Context, notif Notifier, finished, failed <-chan downloader.Event) {
	logger := logctx.LoggerFromContext(ctx)

	for finished != nil || failed != nil {
		var (
			event downloader.Event
			ok    bool
			msg   string
		)

		select {
		case <-ctx.Done():
			return
		case event, ok = <-finished:
			if !ok {
				finished = nil

				continue
			}

			logger.Info("model download finished", "model", event.Model)

			msg = "✅ Download finished for model: " + event.Model
			if event.Result != nil {
				msg += fmt.Sprintf(" (%d fetched, %d skipped)", len(event.Result.Fetched), len(event.Result.Skipped))
			}
		case event, ok = <-failed:
			if !ok {
				failed = nil

				continue
			}

			logger.Error("model download failed", "model", event.Model, "err", event.Err)

			msg = "❌ Download failed for model: " + event.Model
			if event.Err != nil {
				msg += ": " + event.Err.Error()
			}
		}

		if notif == nil {
			continue
		}

		if err := notif.Notify(ctx, msg); err != nil {
			logger.Error("failed to send notification", "model", event.Model, "err", err)
		}
	}
}
