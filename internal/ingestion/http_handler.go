package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rpattn/snaptrack/internal/domain"
	"github.com/rpattn/snaptrack/internal/tracker"
)

// DefaultMaxUploadBytes bounds the multipart form held in memory.
const DefaultMaxUploadBytes = 32 << 20

// Runner executes a run against a parsed snapshot.
type Runner interface {
	Run(ctx context.Context, domainName string, current domain.Snapshot) (tracker.RunResult, error)
	Preview(ctx context.Context, domainName string, current domain.Snapshot) (tracker.RunResult, error)
}

// Handler accepts snapshot uploads and runs them.
type Handler struct {
	service  *Service
	runner   Runner
	maxBytes int64
	logger   *zap.Logger
}

// NewHTTPHandler wraps the parser and runner with a POST endpoint. The domain
// comes from the {domain} route parameter or the "domain" form value.
func NewHTTPHandler(service *Service, runner Runner, maxBytes int64, logger *zap.Logger) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, runner: runner, maxBytes: maxBytes, logger: logger}
}

type uploadResponse struct {
	Summary Summary           `json:"summary"`
	Run     tracker.RunResult `json:"run"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("file required: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	domainName := chi.URLParam(r, "domain")
	if domainName == "" {
		domainName = strings.TrimSpace(r.FormValue("domain"))
	}
	if domainName == "" {
		http.Error(w, "domain is required", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read file: %v", err), http.StatusBadRequest)
		return
	}

	req := Request{
		Domain:   domainName,
		FileName: header.Filename,
		Format:   strings.TrimSpace(r.FormValue("format")),
		Data:     bytes.NewReader(data),
	}
	if raw := strings.TrimSpace(r.FormValue("headerRowIndex")); raw != "" {
		idx, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid headerRowIndex: %v", err), http.StatusBadRequest)
			return
		}
		req.HeaderRowIndex = &idx
	}
	if raw := strings.TrimSpace(r.FormValue("observedAt")); raw != "" {
		at, err := domain.ParseTimestamp(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid observedAt: %v", err), http.StatusBadRequest)
			return
		}
		req.ObservedAt = &at
	}
	dryRun, _ := strconv.ParseBool(r.FormValue("dryRun"))

	snapshot, summary, err := h.service.Parse(r.Context(), req)
	if err != nil {
		h.fail(w, domainName, err)
		return
	}

	run := h.runner.Run
	if dryRun {
		run = h.runner.Preview
	}
	result, err := run(r.Context(), domainName, snapshot)
	if err != nil {
		h.fail(w, domainName, err)
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{Summary: summary, Run: result})
}

func (h *Handler) fail(w http.ResponseWriter, domainName string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("upload failed", zap.String("domain", domainName), zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

// StatusFor maps parse and run errors onto response codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnsupportedFormat), errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return tracker.HTTPStatus(err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
