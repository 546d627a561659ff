package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/rpattn/snaptrack/internal/domain"
)

// Tables that can be exported.
const (
	TableCurrent = "current"
	TableRemoved = "removed"
	TableSummary = "summary"
	TableHistory = "history"
)

// Output formats.
const (
	FormatXLSX = "xlsx"
	FormatCSV  = "csv"
)

// ErrUnknownTable is returned for a table name outside the exported set.
var ErrUnknownTable = errors.New("unknown export table")

// ErrUnsupportedFormat is returned for an output format other than xlsx or csv.
var ErrUnsupportedFormat = errors.New("unsupported export format")

var sheetNames = map[string]string{
	TableCurrent: "Current",
	TableRemoved: "Removed",
	TableSummary: "Summary",
	TableHistory: "History",
}

var historyColumns = []string{"seq", "key", "observed_at", "status", "detail", "changed_fields"}

// Reader is the read side of the tracker.
type Reader interface {
	Schema(domainName string) (domain.Schema, error)
	Current(ctx context.Context, domainName string) ([]domain.AnnotatedRecord, error)
	Removed(ctx context.Context, domainName string, since *time.Time) ([]domain.AnnotatedRecord, error)
	Summary(ctx context.Context, domainName string) ([]domain.SummaryRow, error)
	History(ctx context.Context, domainName string) ([]domain.ChangeEvent, error)
}

// Service renders persisted tables as spreadsheets.
type Service struct {
	reader Reader
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(reader Reader, opts ...Option) *Service {
	service := &Service{
		reader: reader,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// table is one rendered sheet.
type table struct {
	name    string
	headers []string
	rows    [][]any
}

// WriteWorkbook writes current, removed and summary sheets of domainName to
// w, plus the change history when includeHistory is set.
func (s *Service) WriteWorkbook(ctx context.Context, domainName string, includeHistory bool, w io.Writer) error {
	tables := []string{TableCurrent, TableRemoved, TableSummary}
	if includeHistory {
		tables = append(tables, TableHistory)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	defaultSheet := f.GetSheetName(0)
	for idx, name := range tables {
		rendered, err := s.render(ctx, domainName, name)
		if err != nil {
			return err
		}
		sheet := sheetNames[name]
		if idx == 0 {
			if err := f.SetSheetName(defaultSheet, sheet); err != nil {
				return fmt.Errorf("rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("create sheet %s: %w", sheet, err)
		}
		if err := writeSheet(f, sheet, rendered); err != nil {
			return err
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	s.logger.Info("workbook exported", zap.String("domain", domainName), zap.Strings("tables", tables))
	return nil
}

// WriteCSV writes one table of domainName as CSV.
func (s *Service) WriteCSV(ctx context.Context, domainName, tableName string, w io.Writer) error {
	rendered, err := s.render(ctx, domainName, tableName)
	if err != nil {
		return err
	}

	buffered := bufio.NewWriter(w)
	csvWriter := csv.NewWriter(buffered)
	if err := csvWriter.Write(rendered.headers); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	record := make([]string, len(rendered.headers))
	for _, row := range rendered.rows {
		for i, value := range row {
			record[i] = formatValue(value)
		}
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	if err := buffered.Flush(); err != nil {
		return fmt.Errorf("flush buffered csv: %w", err)
	}
	s.logger.Info("table exported", zap.String("domain", domainName), zap.String("table", tableName), zap.Int("rows", len(rendered.rows)))
	return nil
}

// FileName names an export of domainName, e.g. "vehicles-2024-05-02.xlsx" or
// "vehicles-removed-2024-05-02.csv".
func (s *Service) FileName(domainName, tableName, format string) string {
	parts := []string{sanitizeFileComponent(domainName)}
	if format == FormatCSV && tableName != "" {
		parts = append(parts, sanitizeFileComponent(tableName))
	}
	parts = append(parts, s.now().UTC().Format("2006-01-02"))
	return strings.Join(parts, "-") + "." + format
}

func (s *Service) render(ctx context.Context, domainName, tableName string) (table, error) {
	schema, err := s.reader.Schema(domainName)
	if err != nil {
		return table{}, err
	}
	switch tableName {
	case TableCurrent:
		records, err := s.reader.Current(ctx, domainName)
		if err != nil {
			return table{}, err
		}
		return annotatedTable(tableName, schema, records), nil
	case TableRemoved:
		records, err := s.reader.Removed(ctx, domainName, nil)
		if err != nil {
			return table{}, err
		}
		return annotatedTable(tableName, schema, records), nil
	case TableSummary:
		rows, err := s.reader.Summary(ctx, domainName)
		if err != nil {
			return table{}, err
		}
		return summaryTable(schema, rows), nil
	case TableHistory:
		events, err := s.reader.History(ctx, domainName)
		if err != nil {
			return table{}, err
		}
		return historyTable(events), nil
	default:
		return table{}, fmt.Errorf("%w: %q", ErrUnknownTable, tableName)
	}
}

// AnnotatedColumns lists the declared fields, the observed-at column and the
// reserved annotation columns in sheet order.
func AnnotatedColumns(schema domain.Schema) []string {
	columns := schemaFieldNames(schema.Fields)
	columns = append(columns,
		schema.ObservedAtColumn(),
		domain.ColumnStatus,
		domain.ColumnLastChangeAt,
		domain.ColumnLastChangeStatus,
		domain.ColumnLastChangeDetail,
		domain.ColumnRecentlyChanged,
	)
	return columns
}

func annotatedTable(name string, schema domain.Schema, records []domain.AnnotatedRecord) table {
	codec := schema.Codec()
	headers := AnnotatedColumns(schema)
	out := table{name: name, headers: headers, rows: make([][]any, 0, len(records))}
	for _, record := range records {
		flat := codec.EncodeAnnotated(record)
		row := make([]any, len(headers))
		for i, column := range headers {
			row[i] = flat[column]
		}
		out.rows = append(out.rows, row)
	}
	return out
}

func summaryTable(schema domain.Schema, rows []domain.SummaryRow) table {
	var groupBy []string
	var metric string
	if schema.Summary != nil {
		groupBy = schema.Summary.GroupBy
		metric = schema.Summary.Metric
	}
	headers := domain.SummaryColumns(groupBy, metric)
	out := table{name: TableSummary, headers: headers, rows: make([][]any, 0, len(rows))}
	for _, summary := range rows {
		flat := domain.EncodeSummaryRow(groupBy, metric, summary)
		row := make([]any, len(headers))
		for i, column := range headers {
			row[i] = flat[column]
		}
		out.rows = append(out.rows, row)
	}
	return out
}

func historyTable(events []domain.ChangeEvent) table {
	out := table{name: TableHistory, headers: historyColumns, rows: make([][]any, 0, len(events))}
	for _, event := range events {
		var changed any
		if len(event.ChangedFields) > 0 {
			encoded := make(map[string]domain.FieldChange, len(event.ChangedFields))
			for field, change := range event.ChangedFields {
				encoded[field] = domain.FieldChange{Old: domain.EncodeValue(change.Old), New: domain.EncodeValue(change.New)}
			}
			changed = encoded
		}
		out.rows = append(out.rows, []any{
			event.Seq,
			string(event.Key),
			domain.FormatTimestamp(event.ObservedAt),
			string(event.Status),
			event.Detail,
			changed,
		})
	}
	return out
}

func writeSheet(f *excelize.File, sheet string, rendered table) error {
	header := make([]any, len(rendered.headers))
	for i, name := range rendered.headers {
		header[i] = name
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write %s header: %w", sheet, err)
	}
	for idx, row := range rendered.rows {
		cell, err := excelize.CoordinatesToCellName(1, idx+2)
		if err != nil {
			return err
		}
		values := make([]any, len(row))
		for i, value := range row {
			values[i] = cellValue(value)
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, idx+1, err)
		}
	}
	if len(rendered.headers) > 0 {
		last, err := excelize.CoordinatesToCellName(len(rendered.headers), 1)
		if err != nil {
			return err
		}
		if err := f.AutoFilter(sheet, "A1:"+last, nil); err != nil {
			return fmt.Errorf("set %s filter: %w", sheet, err)
		}
	}
	return nil
}

// cellValue keeps numbers and booleans typed so spreadsheet formulas work on
// them. Nulls are empty cells.
func cellValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case float64, int, int64, bool:
		return v
	default:
		return formatValue(v)
	}
}

func schemaFieldNames(fields []domain.FieldDefinition) []string {
	names := make([]string, 0, len(fields))
	for _, field := range fields {
		if strings.TrimSpace(field.Name) != "" {
			names = append(names, field.Name)
		}
	}
	return names
}

func sanitizeFileComponent(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return ""
	}
	builder := strings.Builder{}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
			builder.WriteRune(r)
		case r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == '-' || r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	result := strings.Trim(builder.String(), "-")
	if result == "" {
		return "export"
	}
	return result
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case time.Time:
		return domain.FormatTimestamp(v)
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case fmt.Stringer:
		return v.String()
	case map[string]domain.FieldChange, map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}
