package export

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// StatusMapper maps reader errors onto response codes.
type StatusMapper func(error) int

// Handler serves exports as downloads.
type Handler struct {
	service *Service
	status  StatusMapper
	logger  *zap.Logger
}

// NewHTTPHandler serves GET requests for the {domain} route parameter.
// Query parameters: format (xlsx, csv), table (csv only) and history.
func NewHTTPHandler(service *Service, status StatusMapper, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, status: status, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	domainName := chi.URLParam(r, "domain")
	if domainName == "" {
		domainName = strings.TrimSpace(r.URL.Query().Get("domain"))
	}
	if domainName == "" {
		http.Error(w, "domain is required", http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	format := strings.ToLower(strings.TrimSpace(query.Get("format")))
	if format == "" {
		format = FormatXLSX
	}
	tableName := strings.ToLower(strings.TrimSpace(query.Get("table")))
	if tableName == "" {
		tableName = TableCurrent
	}
	includeHistory := false
	if raw := query.Get("history"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid history flag: %v", err), http.StatusBadRequest)
			return
		}
		includeHistory = parsed
	}

	var (
		body        bytes.Buffer
		err         error
		contentType string
	)
	switch format {
	case FormatXLSX:
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		err = h.service.WriteWorkbook(r.Context(), domainName, includeHistory, &body)
	case FormatCSV:
		contentType = "text/csv; charset=utf-8"
		err = h.service.WriteCSV(r.Context(), domainName, tableName, &body)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		status := h.statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("export failed", zap.String("domain", domainName), zap.Error(err))
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", h.service.FileName(domainName, tableName, format)))
	w.Header().Set("Content-Length", strconv.Itoa(body.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body.Bytes())
}

func (h *Handler) statusFor(err error) int {
	if errors.Is(err, ErrUnknownTable) || errors.Is(err, ErrUnsupportedFormat) {
		return http.StatusBadRequest
	}
	if h.status != nil {
		return h.status(err)
	}
	return http.StatusInternalServerError
}
