// Package ingestion loads tabular candidate facts, CSV or XLSX, into the
// versioned stores. Rows fail individually; a bad row never aborts the
// batch.
package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/toponymdb/internal/domain"
	"github.com/rpattn/toponymdb/internal/store"
)

var (
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

	timeLayouts = []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02",
		"2006-01-02 15:04:05",
		"2006/01/02",
		"02.01.2006",
	}
)

// Dataset selects which record kind a batch carries.
type Dataset string

const (
	DatasetEntities Dataset = "entities"
	DatasetNames    Dataset = "names"
)

// Service ingests tabular candidate facts into the stores.
type Service struct {
	entities store.EntityStore
	names    store.NameStore
	attempts int
}

// NewService creates a new ingestion service.
func NewService(entities store.EntityStore, names store.NameStore) *Service {
	return &Service{
		entities: entities,
		names:    names,
		attempts: 3,
	}
}

// Request describes the ingestion input.
type Request struct {
	Dataset         Dataset
	FileName        string
	SourceAuthority string
	Actor           string
	Data            io.Reader
}

// RowError captures a single rejected row.
type RowError struct {
	RowNumber int    `json:"rowNumber"`
	Message   string `json:"message"`
}

// Summary returns ingestion level metrics.
type Summary struct {
	TotalRows   int        `json:"totalRows"`
	ValidRows   int        `json:"validRows"`
	InvalidRows int        `json:"invalidRows"`
	RowErrors   []RowError `json:"rowErrors"`
}

type tableData struct {
	headers []string
	rows    [][]string
}

// Ingest reads the uploaded file and persists every row that passes the
// engine's validation. Rejected rows are reported back with their row
// number and reason.
func (s *Service) Ingest(ctx context.Context, req Request) (Summary, error) {
	summary := Summary{RowErrors: []RowError{}}

	if req.Dataset != DatasetEntities && req.Dataset != DatasetNames {
		return summary, fmt.Errorf("unknown dataset %q", req.Dataset)
	}
	if req.Data == nil {
		return summary, errors.New("data reader is required")
	}

	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return summary, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(payload) == 0 {
		return summary, errors.New("file is empty")
	}

	table, err := parseTable(req.FileName, payload)
	if err != nil {
		return summary, err
	}
	if len(table.headers) == 0 {
		return summary, errors.New("no header row detected")
	}

	columns := make(map[string]int, len(table.headers))
	for i, h := range table.headers {
		columns[strings.ToLower(strings.TrimSpace(h))] = i
	}

	actor := req.Actor
	if actor == "" {
		actor = "ingestion"
	}

	summary.TotalRows = len(table.rows)
	for rowIdx, row := range table.rows {
		rowNumber := rowIdx + 2 // header row is row 1

		var rowErr error
		switch req.Dataset {
		case DatasetEntities:
			rowErr = s.ingestEntityRow(ctx, columns, row, req.SourceAuthority, actor)
		case DatasetNames:
			rowErr = s.ingestNameRow(ctx, columns, row, actor)
		}

		if rowErr != nil {
			summary.InvalidRows++
			summary.RowErrors = append(summary.RowErrors, RowError{RowNumber: rowNumber, Message: rowErr.Error()})
			log.Printf("[Ingestion] row %d rejected: %v", rowNumber, rowErr)
			continue
		}
		summary.ValidRows++
	}

	return summary, nil
}

func (s *Service) ingestEntityRow(ctx context.Context, columns map[string]int, row []string, defaultAuthority, actor string) error {
	cell := cellReader(columns, row)

	fact := domain.EntityFact{
		Type:            domain.EntityType(strings.ToLower(cell("entity_type"))),
		Geometry:        cell("geometry"),
		SourceAuthority: cell("source_authority"),
	}
	if fact.SourceAuthority == "" {
		fact.SourceAuthority = defaultAuthority
	}

	if raw := cell("entity_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("entity_id: %w", err)
		}
		fact.EntityID = id
	}

	if raw := cell("centroid_lon"); raw != "" {
		lon, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("centroid_lon: %w", err)
		}
		lat, err := strconv.ParseFloat(cell("centroid_lat"), 64)
		if err != nil {
			return fmt.Errorf("centroid_lat: %w", err)
		}
		fact.Centroid = domain.Centroid{Lon: lon, Lat: lat}
	}

	valid, err := parseRange(cell("valid_start"), cell("valid_end"))
	if err != nil {
		return err
	}
	fact.Valid = valid

	return store.WithRetry(ctx, s.attempts, func() error {
		_, err := s.entities.Create(ctx, fact, actor)
		return err
	})
}

func (s *Service) ingestNameRow(ctx context.Context, columns map[string]int, row []string, actor string) error {
	cell := cellReader(columns, row)

	text := cell("name_text")
	language := cell("language_code")
	script := cell("script_code")
	if language == "" || script == "" {
		guessLang, guessScript := GuessLanguage(text)
		if language == "" {
			language = guessLang
		}
		if script == "" {
			script = guessScript
		}
	}

	fact := domain.NameFact{
		Text:            text,
		Language:        language,
		Script:          script,
		Classification:  domain.NameClassification(strings.ToLower(cell("name_type"))),
		DecreeAuthority: cell("decree_authority"),
		SourceType:      cell("source_type"),
		Reliability:     domain.SourceReliability(strings.ToLower(cell("source_reliability"))),
		Notes:           cell("notes"),
	}

	if raw := cell("entity_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("entity_id: %w", err)
		}
		fact.EntityID = id
	}
	if raw := cell("name_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("name_id: %w", err)
		}
		fact.NameID = id
	}

	valid, err := parseRange(cell("valid_start"), cell("valid_end"))
	if err != nil {
		return err
	}
	fact.Valid = valid

	return store.WithRetry(ctx, s.attempts, func() error {
		_, err := s.names.Create(ctx, fact, actor)
		return err
	})
}

// GuessLanguage applies the character heuristics used by the source data
// sets: letters unique to Ukrainian or Russian orthography decide the
// language code, otherwise the code stays undetermined.
func GuessLanguage(text string) (language, script string) {
	hasCyrillic := false
	for _, r := range text {
		switch r {
		case 'і', 'ї', 'є', 'ґ', 'І', 'Ї', 'Є', 'Ґ':
			return "ukr", "Cyrl"
		case 'ы', 'э', 'ъ', 'Ы', 'Э', 'Ъ':
			return "rus", "Cyrl"
		}
		if r >= 0x0400 && r <= 0x04FF {
			hasCyrillic = true
		}
	}
	if hasCyrillic {
		return "und", "Cyrl"
	}
	return "und", "Latn"
}

func cellReader(columns map[string]int, row []string) func(string) string {
	return func(name string) string {
		idx, ok := columns[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}
}

func parseRange(startRaw, endRaw string) (domain.TimeRange, error) {
	if startRaw == "" {
		return domain.TimeRange{}, errors.New("valid_start is required")
	}
	start, err := parseTime(startRaw)
	if err != nil {
		return domain.TimeRange{}, fmt.Errorf("valid_start: %w", err)
	}
	if endRaw == "" {
		return domain.UnboundedFrom(start), nil
	}
	end, err := parseTime(endRaw)
	if err != nil {
		return domain.TimeRange{}, fmt.Errorf("valid_end: %w", err)
	}
	return domain.NewTimeRange(start, end), nil
}

func parseTime(raw string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

func parseTable(fileName string, payload []byte) (tableData, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return parseCSV(payload)
	case ".xlsx":
		return parseExcel(payload)
	default:
		return tableData{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func parseCSV(payload []byte) (tableData, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read csv: %w", err)
	}
	return normalizeTable(records)
}

func parseExcel(payload []byte) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return normalizeTable(rows)
}

func normalizeTable(records [][]string) (tableData, error) {
	if len(records) == 0 {
		return tableData{}, errors.New("no rows found in file")
	}

	headers := records[0]
	var rows [][]string
	for _, row := range records[1:] {
		empty := true
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				empty = false
				break
			}
		}
		if !empty {
			rows = append(rows, row)
		}
	}

	return tableData{headers: headers, rows: rows}, nil
}
