package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rpattn/snaptrack/internal/domain"
	"github.com/rpattn/snaptrack/internal/middleware"
	"github.com/rpattn/snaptrack/internal/tracker"
)

// Handler serves the read endpoints.
type Handler struct {
	service *tracker.Service
	logger  *zap.Logger
}

type fieldView struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

type summaryView struct {
	GroupBy []string `json:"groupBy"`
	Metric  string   `json:"metric"`
}

type domainView struct {
	Name                string       `json:"name"`
	Fields              []fieldView  `json:"fields"`
	KeyFields           []string     `json:"keyFields"`
	TrackedFields       []string     `json:"trackedFields"`
	ObservedAtField     string       `json:"observedAtField"`
	RecencyWindow       string       `json:"recencyWindow"`
	AllowSchemaMismatch bool         `json:"allowSchemaMismatch"`
	Summary             *summaryView `json:"summary,omitempty"`
}

func newDomainView(schema domain.Schema) domainView {
	view := domainView{
		Name:                schema.Name,
		Fields:              make([]fieldView, 0, len(schema.Fields)),
		KeyFields:           schema.KeyFields,
		TrackedFields:       schema.TrackedFields,
		ObservedAtField:     schema.ObservedAtColumn(),
		RecencyWindow:       schema.Window().String(),
		AllowSchemaMismatch: schema.AllowSchemaMismatch,
	}
	for _, field := range schema.Fields {
		view.Fields = append(view.Fields, fieldView{Name: field.Name, Type: string(schema.FieldType(field.Name)), Description: field.Description})
	}
	if schema.Summary != nil {
		view.Summary = &summaryView{GroupBy: schema.Summary.GroupBy, Metric: schema.Summary.Metric}
	}
	return view
}

type recordsResponse struct {
	Domain  string           `json:"domain"`
	Count   int              `json:"count"`
	Records []map[string]any `json:"records"`
}

type eventsResponse struct {
	Domain string               `json:"domain"`
	Count  int                  `json:"count"`
	Events []domain.ChangeEvent `json:"events"`
}

type keyedEventsResponse struct {
	Domain string                          `json:"domain"`
	Events map[string][]domain.ChangeEvent `json:"events"`
}

type summaryResponse struct {
	Domain  string           `json:"domain"`
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// ListDomains handles GET /domains.
func (h *Handler) ListDomains(w http.ResponseWriter, _ *http.Request) {
	schemas := h.service.Schemas()
	views := make([]domainView, 0, len(schemas))
	for _, schema := range schemas {
		views = append(views, newDomainView(schema))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetDomain handles GET /domains/{domain}.
func (h *Handler) GetDomain(w http.ResponseWriter, r *http.Request) {
	schema, err := h.service.Schema(chi.URLParam(r, "domain"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDomainView(schema))
}

// GetCurrent handles GET /domains/{domain}/current. Optional filters:
// status (repeatable) and recently_changed.
func (h *Handler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	domainName := chi.URLParam(r, "domain")
	schema, err := h.service.Schema(domainName)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	statuses, err := parseStatuses(r.URL.Query()["status"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var recent *bool
	if raw := r.URL.Query().Get("recently_changed"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid recently_changed: %v", err), http.StatusBadRequest)
			return
		}
		recent = &parsed
	}

	records, err := h.service.Current(r.Context(), domainName)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	filtered := records[:0:0]
	for _, record := range records {
		if len(statuses) > 0 {
			if _, ok := statuses[record.Status]; !ok {
				continue
			}
		}
		if recent != nil && record.Recency.RecentlyChanged != *recent {
			continue
		}
		filtered = append(filtered, record)
	}
	writeJSON(w, http.StatusOK, encodeRecords(domainName, schema, filtered))
}

// GetRemoved handles GET /domains/{domain}/removed?removed_since=.
func (h *Handler) GetRemoved(w http.ResponseWriter, r *http.Request) {
	domainName := chi.URLParam(r, "domain")
	schema, err := h.service.Schema(domainName)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var since *time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("removed_since")); raw != "" {
		parsed, err := domain.ParseTimestamp(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid removed_since: %v", err), http.StatusBadRequest)
			return
		}
		since = &parsed
	}

	records, err := h.service.Removed(r.Context(), domainName, since)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeRecords(domainName, schema, records))
}

// GetSummary handles GET /domains/{domain}/summary.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	domainName := chi.URLParam(r, "domain")
	schema, err := h.service.Schema(domainName)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rows, err := h.service.Summary(r.Context(), domainName)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var groupBy []string
	var metric string
	if schema.Summary != nil {
		groupBy = schema.Summary.GroupBy
		metric = schema.Summary.Metric
	}
	response := summaryResponse{
		Domain:  domainName,
		Columns: domain.SummaryColumns(groupBy, metric),
		Rows:    make([]map[string]any, 0, len(rows)),
	}
	for _, row := range rows {
		response.Rows = append(response.Rows, domain.EncodeSummaryRow(groupBy, metric, row))
	}
	writeJSON(w, http.StatusOK, response)
}

// GetHistory handles GET /domains/{domain}/history. With one or more key
// parameters the per-key logs are loaded through the request's history
// loader; without keys the full log is returned in insertion order.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	domainName := chi.URLParam(r, "domain")
	if _, err := h.service.Schema(domainName); err != nil {
		h.writeError(w, r, err)
		return
	}

	keys := r.URL.Query()["key"]
	if len(keys) == 0 {
		events, err := h.service.History(r.Context(), domainName)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, eventsResponse{Domain: domainName, Count: len(events), Events: nonNilEvents(events)})
		return
	}

	var (
		byKey map[string][]domain.ChangeEvent
		err   error
	)
	if loaders := middleware.HistoryLoadersFromContext(r.Context()); loaders != nil {
		byKey, err = loaders.For(domainName).LoadMany(r.Context(), keys)
	} else {
		byKey, err = h.service.HistoryForKeys(r.Context(), domainName, keys)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	for _, key := range keys {
		byKey[key] = nonNilEvents(byKey[key])
	}
	writeJSON(w, http.StatusOK, keyedEventsResponse{Domain: domainName, Events: byKey})
}

// GetLatestChanges handles GET /domains/{domain}/latest.
func (h *Handler) GetLatestChanges(w http.ResponseWriter, r *http.Request) {
	domainName := chi.URLParam(r, "domain")
	events, err := h.service.LatestChanges(r.Context(), domainName)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Domain: domainName, Count: len(events), Events: nonNilEvents(events)})
}

// RebuildIndex handles POST /domains/{domain}/rebuild-index.
func (h *Handler) RebuildIndex(w http.ResponseWriter, r *http.Request) {
	domainName := chi.URLParam(r, "domain")
	count, err := h.service.RebuildIndex(r.Context(), domainName)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domain": domainName, "keys": count})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := tracker.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	http.Error(w, err.Error(), status)
}

func encodeRecords(domainName string, schema domain.Schema, records []domain.AnnotatedRecord) recordsResponse {
	codec := schema.Codec()
	out := recordsResponse{Domain: domainName, Count: len(records), Records: make([]map[string]any, 0, len(records))}
	for _, record := range records {
		out.Records = append(out.Records, codec.EncodeAnnotated(record))
	}
	return out
}

func parseStatuses(raw []string) (map[domain.Status]struct{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[domain.Status]struct{}, len(raw))
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := domain.ParseStatus(part)
			if !ok {
				valid := make([]string, 0, len(domain.AllStatuses))
				for _, s := range domain.AllStatuses {
					valid = append(valid, string(s))
				}
				sort.Strings(valid)
				return nil, fmt.Errorf("invalid status %q, expected one of %s", part, strings.Join(valid, ", "))
			}
			out[status] = struct{}{}
		}
	}
	return out, nil
}

func nonNilEvents(events []domain.ChangeEvent) []domain.ChangeEvent {
	if events == nil {
		return []domain.ChangeEvent{}
	}
	return events
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
