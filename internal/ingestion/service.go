package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/rpattn/snaptrack/internal/domain"
	"github.com/rpattn/snaptrack/internal/geocode"
	"github.com/rpattn/snaptrack/internal/repository"
	"github.com/rpattn/snaptrack/internal/tracker"
)

var (
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrInvalidInput is returned when an upload cannot be read as a table.
	ErrInvalidInput = errors.New("invalid input")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}
)

// Supported input formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
	FormatJSON = "json"
)

// Service turns scraped tables into snapshots bound to a domain schema.
type Service struct {
	schemas  map[string]domain.Schema
	enricher *geocode.Enricher
	geocoded map[string]bool
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithEnricher geocodes records of the named domains after parsing.
func WithEnricher(enricher *geocode.Enricher, domains map[string]bool) Option {
	return func(s *Service) {
		s.enricher = enricher
		s.geocoded = domains
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the observed_at fallback.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a parser for schemas.
func NewService(schemas []domain.Schema, opts ...Option) *Service {
	s := &Service{
		schemas: make(map[string]domain.Schema, len(schemas)),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, schema := range schemas {
		s.schemas[schema.Name] = schema
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request describes one scraped upload.
type Request struct {
	Domain   string
	FileName string
	// Format overrides detection from the file extension.
	Format         string
	HeaderRowIndex *int
	// ObservedAt overrides the observed-at column of the upload.
	ObservedAt *time.Time
	Data       io.Reader
}

// Summary describes a parsed upload.
type Summary struct {
	Domain     string    `json:"domain"`
	FileName   string    `json:"fileName,omitempty"`
	Format     string    `json:"format"`
	TotalRows  int       `json:"totalRows"`
	ObservedAt time.Time `json:"observedAt"`
	Geocoded   int       `json:"geocoded"`
	Unmapped   []string  `json:"unmappedColumns,omitempty"`
}

type tableData struct {
	headers        []string
	rawHeaders     []string
	rows           [][]string
	headerRowIndex int
}

// Parse reads req into a snapshot of req.Domain. Every record is stamped with
// the snapshot's observed_at: req.ObservedAt when set, else the latest value
// of the observed-at column, else the current time.
func (s *Service) Parse(ctx context.Context, req Request) (domain.Snapshot, Summary, error) {
	summary := Summary{Domain: req.Domain, FileName: req.FileName}

	schema, ok := s.schemas[req.Domain]
	if !ok {
		return domain.Snapshot{}, summary, fmt.Errorf("%w: %s", repository.ErrUnknownDomain, req.Domain)
	}
	if req.Data == nil {
		return domain.Snapshot{}, summary, fmt.Errorf("%w: data reader is required", ErrInvalidInput)
	}

	format, err := detectFormat(req.Format, req.FileName)
	if err != nil {
		return domain.Snapshot{}, summary, err
	}
	summary.Format = format

	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return domain.Snapshot{}, summary, fmt.Errorf("failed to read upload: %w", err)
	}

	var rows []map[string]any
	switch format {
	case FormatJSON:
		rows, err = parseJSON(payload)
	default:
		var table tableData
		table, err = parseTable(format, payload, req.HeaderRowIndex)
		if err == nil {
			var unmapped []string
			rows, unmapped = tableRows(table, schema)
			summary.Unmapped = unmapped
		}
	}
	if err != nil {
		return domain.Snapshot{}, summary, err
	}

	decoded, err := schema.Codec().DecodeSnapshot(rows)
	if err != nil {
		return domain.Snapshot{}, summary, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	observedAt := decoded.ObservedAt
	if req.ObservedAt != nil {
		observedAt = *req.ObservedAt
	}
	if observedAt.IsZero() {
		observedAt = s.now()
	}
	snapshot := domain.NewSnapshot(observedAt, decoded.Records)

	if s.enricher != nil && s.geocoded[req.Domain] {
		enriched, looked, err := s.enricher.Enrich(ctx, snapshot)
		if err != nil {
			return domain.Snapshot{}, summary, &tracker.CollaboratorIOError{Op: "geocode", Domain: req.Domain, Err: err}
		}
		snapshot = enriched
		summary.Geocoded = looked
	}

	summary.TotalRows = snapshot.Len()
	summary.ObservedAt = snapshot.ObservedAt
	if len(summary.Unmapped) > 0 {
		s.logger.Warn("upload has columns outside the schema",
			zap.String("domain", req.Domain),
			zap.Strings("columns", summary.Unmapped),
		)
	}
	return snapshot, summary, nil
}

func detectFormat(explicit, fileName string) (string, error) {
	format := strings.ToLower(strings.TrimSpace(explicit))
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), ".")
	}
	switch format {
	case FormatCSV, FormatXLSX, FormatJSON:
		return format, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// parseJSON accepts an array of flat objects. Numbers are kept as
// json.Number so integer precision survives until the codec coerces them.
func parseJSON(payload []byte) ([]map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(bytes.TrimPrefix(payload, byteOrderMark)))
	decoder.UseNumber()
	var rows []map[string]any
	if err := decoder.Decode(&rows); err != nil {
		return nil, fmt.Errorf("%w: failed to decode json: %v", ErrInvalidInput, err)
	}
	return rows, nil
}

func parseTable(format string, payload []byte, headerRowIndex *int) (tableData, error) {
	if len(payload) == 0 {
		return tableData{}, fmt.Errorf("%w: file is empty", ErrInvalidInput)
	}
	switch format {
	case FormatCSV:
		return parseCSV(payload, headerRowIndex)
	case FormatXLSX:
		return parseExcel(payload, headerRowIndex)
	default:
		return tableData{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

func parseCSV(payload []byte, headerRowIndex *int) (tableData, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("%w: failed to read csv: %v", ErrInvalidInput, err)
	}
	return normalizeTable(records, headerRowIndex)
}

func parseExcel(payload []byte, headerRowIndex *int) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("%w: failed to open xlsx: %v", ErrInvalidInput, err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, fmt.Errorf("%w: excel file has no sheets", ErrInvalidInput)
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("%w: failed to read rows from xlsx: %v", ErrInvalidInput, err)
	}
	return normalizeTable(rows, headerRowIndex)
}

func normalizeTable(records [][]string, headerRowIndex *int) (tableData, error) {
	if len(records) == 0 {
		return tableData{}, fmt.Errorf("%w: no rows found in file", ErrInvalidInput)
	}

	var headerRow []string
	var dataRows [][]string
	headerIndex := -1

	if headerRowIndex != nil {
		if *headerRowIndex < 0 || *headerRowIndex >= len(records) {
			return tableData{}, fmt.Errorf("%w: header row index %d out of range", ErrInvalidInput, *headerRowIndex)
		}
		if isBlankRow(records[*headerRowIndex]) {
			return tableData{}, fmt.Errorf("%w: selected header row %d is empty", ErrInvalidInput, *headerRowIndex+1)
		}
		headerRow = records[*headerRowIndex]
		headerIndex = *headerRowIndex
		dataRows = append(dataRows, records[*headerRowIndex+1:]...)
	} else {
		for idx, row := range records {
			if isBlankRow(row) {
				continue
			}
			if headerRow == nil {
				headerRow = row
				headerIndex = idx
				continue
			}
			dataRows = append(dataRows, row)
		}
	}

	if headerRow == nil {
		return tableData{}, fmt.Errorf("%w: header row could not be detected", ErrInvalidInput)
	}

	headers := sanitizeHeaders(headerRow)
	rawHeaders := make([]string, len(headerRow))
	for i, value := range headerRow {
		rawHeaders[i] = strings.TrimSpace(value)
	}

	for i := range dataRows {
		dataRows[i] = padRow(dataRows[i], len(headers))
	}

	return tableData{
		headers:        headers,
		rawHeaders:     rawHeaders,
		rows:           filterEmptyRows(dataRows),
		headerRowIndex: headerIndex,
	}, nil
}

// tableRows maps columns onto declared field names and converts cells into
// flat rows. Blank cells are null. Columns matching no declared field keep
// their sanitized header and are reported as unmapped.
func tableRows(table tableData, schema domain.Schema) ([]map[string]any, []string) {
	names, unmapped := resolveColumns(table, schema)
	rows := make([]map[string]any, 0, len(table.rows))
	for _, row := range table.rows {
		flat := make(map[string]any, len(names))
		for idx, name := range names {
			cell := strings.TrimSpace(row[idx])
			if cell == "" {
				flat[name] = nil
				continue
			}
			flat[name] = cell
		}
		rows = append(rows, flat)
	}
	return rows, unmapped
}

func resolveColumns(table tableData, schema domain.Schema) ([]string, []string) {
	declared := make(map[string]string, len(schema.Fields)+1)
	register := func(name string) {
		declared[strings.ToLower(name)] = name
		declared[strings.ToLower(sanitizeHeaders([]string{name})[0])] = name
	}
	for _, field := range schema.Fields {
		register(field.Name)
	}
	register(schema.ObservedAtColumn())

	names := make([]string, len(table.headers))
	var unmapped []string
	for idx, header := range table.headers {
		raw := ""
		if idx < len(table.rawHeaders) {
			raw = table.rawHeaders[idx]
		}
		if name, ok := declared[strings.ToLower(raw)]; ok && raw != "" {
			names[idx] = name
			continue
		}
		if name, ok := declared[strings.ToLower(header)]; ok {
			names[idx] = name
			continue
		}
		names[idx] = header
		unmapped = append(unmapped, header)
	}
	return names, unmapped
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.TrimSpace(value)
		name = strings.ReplaceAll(name, " ", "_")
		name = strings.ReplaceAll(name, ".", "_")
		name = strings.ReplaceAll(name, "-", "_")
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1

		headers[idx] = name
	}

	return headers
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}

func filterEmptyRows(rows [][]string) [][]string {
	var filtered [][]string
	for _, row := range rows {
		if !isBlankRow(row) {
			filtered = append(filtered, row)
		}
	}
	return filtered
}
