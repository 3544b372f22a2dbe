package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/model_downloader/internal/cache"
	"github.com/italolelis/model_downloader/internal/catalog"
	"github.com/italolelis/model_downloader/internal/downloader"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/modelid"
	"github.com/italolelis/model_downloader/internal/storage"
	"github.com/italolelis/model_downloader/internal/transfer"
)

const (
	contentTypeJSON   = "application/json"
	contentTypeNDJSON = "application/x-ndjson"

	maxRequestBody = 1 << 20
)

// ModelService is the part of downloader.Downloader the API needs.
type ModelService interface {
	Download(ctx context.Context, rawKey string, files []string, opts downloader.DownloadOptions) (*downloader.Result, error)
	LocalPath(ctx context.Context, rawKey string) (string, error)
	Preload(ctx context.Context, lister catalog.Lister) (int, error)
	Stats() map[string]cache.Counters
	CachedModels() []string
	ClearCache()
	ResetStatistics()
	IsLocked(rawKey string) bool
}

type DownloadRequest struct {
	Files []string `json:"files"`
	Force bool     `json:"force"`
}

// ProgressLine is one line of a streamed download response.
type ProgressLine struct {
	Type     string             `json:"type"`
	Progress *transfer.Progress `json:"progress,omitempty"`
	Overall  float64            `json:"overall"`
	Result   *downloader.Result `json:"result,omitempty"`
	Error    string             `json:"error,omitempty"`
	Status   int                `json:"status,omitempty"`
}

type ModelStatus struct {
	Model     string         `json:"model"`
	Directory string         `json:"directory"`
	Cached    bool           `json:"cached"`
	Locked    bool           `json:"locked"`
	Stats     cache.Counters `json:"stats"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type ModelsHandler struct {
	models       ModelService
	lister       catalog.Lister
	history      storage.DownloadReadRepository
	defaultFiles []string
	defaultToken string
}

// NewModelsHandler creates the model API handler. history may be nil.
func NewModelsHandler(models ModelService, lister catalog.Lister, history storage.DownloadReadRepository, defaultFiles []string, defaultToken string) *ModelsHandler {
	return &ModelsHandler{
		models:       models,
		lister:       lister,
		history:      history,
		defaultFiles: defaultFiles,
		defaultToken: defaultToken,
	}
}

func (h *ModelsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/models", h.HandleList)
	r.Get("/models/{org}/{repo}", h.HandleGet)
	r.Get("/models/{org}/{repo}/history", h.HandleHistory)
	r.Post("/models/{org}/{repo}/download", h.HandleDownload)

	r.Get("/stats", h.HandleStats)
	r.Delete("/stats", h.HandleResetStats)
	r.Delete("/cache", h.HandleClearCache)
	r.Post("/preload", h.HandlePreload)

	return r
}

// HandleDownload fetches the requested files of a model. With
// Accept: application/x-ndjson the response streams one JSON line per
// progress report and ends with a result or error line.
func (h *ModelsHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	model := modelParam(r)

	var req DownloadRequest

	// An empty body downloads the default files.
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		logger.Error("failed to decode request", "err", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	files := req.Files
	if len(files) == 0 {
		files = h.defaultFiles
	}

	opts := downloader.DownloadOptions{
		Token: h.token(r),
		Force: req.Force,
	}

	if !acceptsNDJSON(r) {
		result, err := h.models.Download(r.Context(), model, files, opts)
		if err != nil {
			h.writeError(w, r, err)

			return
		}

		writeJSON(w, http.StatusOK, result)

		return
	}

	w.Header().Set("Content-Type", contentTypeNDJSON)
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)

	emit := func(line ProgressLine) {
		if err := enc.Encode(line); err != nil {
			logger.Debug("failed to write progress line", "err", err)

			return
		}

		if flusher != nil {
			flusher.Flush()
		}
	}

	opts.OnProgress = func(p transfer.Progress) {
		emit(ProgressLine{Type: "progress", Progress: &p, Overall: p.Overall()})
	}

	result, err := h.models.Download(r.Context(), model, files, opts)
	if err != nil {
		emit(ProgressLine{Type: "error", Error: err.Error(), Status: statusFor(err), Result: result})

		return
	}

	emit(ProgressLine{Type: "result", Overall: 1, Result: result})
}

// HandleList lists the models with a complete local copy.
func (h *ModelsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	keys, err := h.lister.ListKnownKeys(r.Context())
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	stats := h.models.Stats()
	cached := make(map[string]bool)

	for _, m := range h.models.CachedModels() {
		cached[m] = true
	}

	out := make([]ModelStatus, 0, len(keys))

	for _, k := range keys {
		dir, err := h.models.LocalPath(r.Context(), k.String())
		if err != nil {
			// Removed between listing and lookup.
			continue
		}

		out = append(out, ModelStatus{
			Model:     k.String(),
			Directory: dir,
			Cached:    cached[k.String()],
			Locked:    h.models.IsLocked(k.String()),
			Stats:     stats[k.String()],
		})
	}

	writeJSON(w, http.StatusOK, out)
}

func (h *ModelsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	model := modelParam(r)

	dir, err := h.models.LocalPath(r.Context(), model)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	cached := false

	for _, m := range h.models.CachedModels() {
		if m == model {
			cached = true

			break
		}
	}

	writeJSON(w, http.StatusOK, ModelStatus{
		Model:     model,
		Directory: dir,
		Cached:    cached,
		Locked:    h.models.IsLocked(model),
		Stats:     h.models.Stats()[model],
	})
}

// HandleHistory returns recorded downloads of a model, newest first.
func (h *ModelsHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	model := modelParam(r)

	key, err := modelid.Parse(model)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	if h.history == nil {
		writeJSON(w, http.StatusOK, []storage.DownloadRecord{})

		return
	}

	limit := 0

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})

			return
		}
	}

	records, err := h.history.GetDownloads(r.Context(), key.String(), limit)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	if records == nil {
		records = []storage.DownloadRecord{}
	}

	writeJSON(w, http.StatusOK, records)
}

func (h *ModelsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.models.Stats())
}

func (h *ModelsHandler) HandleResetStats(w http.ResponseWriter, r *http.Request) {
	h.models.ResetStatistics()
	w.WriteHeader(http.StatusNoContent)
}

func (h *ModelsHandler) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	h.models.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}

func (h *ModelsHandler) HandlePreload(w http.ResponseWriter, r *http.Request) {
	n, err := h.models.Preload(r.Context(), h.lister)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"preloaded": n})
}

// token prefers the caller's bearer credential over the configured one.
func (h *ModelsHandler) token(r *http.Request) string {
	if tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && strings.TrimSpace(tok) != "" {
		return strings.TrimSpace(tok)
	}

	return h.defaultToken
}

func (h *ModelsHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	logger := logctx.LoggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "err", err)
	} else {
		logger.Debug("request rejected", "status", status, "err", err)
	}

	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var (
		invalidKey *modelid.InvalidKeyError
		badStatus  *transfer.BadStatusError
		network    *transfer.NetworkError
		dirErr     *transfer.DirectoryError
	)

	switch {
	case errors.As(err, &invalidKey),
		errors.Is(err, downloader.ErrNoFiles),
		errors.Is(err, downloader.ErrInvalidFile):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &badStatus):
		return http.StatusBadGateway
	case errors.As(err, &network), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &dirErr):
		return http.StatusInternalServerError
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func modelParam(r *http.Request) string {
	return chi.URLParam(r, "org") + "/" + chi.URLParam(r, "repo")
}

func acceptsNDJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), contentTypeNDJSON)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
