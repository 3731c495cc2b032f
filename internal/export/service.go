// Package export writes the full version history and the audit chain as
// CSV or XLSX. Exports carry every column needed to replay the record
// offline, including retracted versions and hash material.
package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/toponymdb/internal/audit"
	"github.com/rpattn/toponymdb/internal/domain"
	"github.com/rpattn/toponymdb/internal/store"
)

var (
	ErrUnknownDataset = errors.New("unknown export dataset")
	ErrUnknownFormat  = errors.New("unknown export format")
)

// Dataset selects what an export contains.
type Dataset string

const (
	DatasetEntities Dataset = "entities"
	DatasetNames    Dataset = "names"
	DatasetAudit    Dataset = "audit"
)

// Service streams exports from the read surface of the stores.
type Service struct {
	reader   store.Reader
	auditLog audit.Log

	exportDir string
	now       func() time.Time
}

type Option func(*Service)

// WithExportDirectory overrides where WriteFile places generated files.
func WithExportDirectory(dir string) Option {
	return func(s *Service) {
		if strings.TrimSpace(dir) != "" {
			s.exportDir = filepath.Clean(dir)
		}
	}
}

// WithClock overrides the timestamp source used for file names.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(reader store.Reader, auditLog audit.Log, opts ...Option) *Service {
	service := &Service{
		reader:    reader,
		auditLog:  auditLog,
		exportDir: filepath.Join(os.TempDir(), "toponymdb-exports"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// Write streams the dataset to w in the requested format.
func (s *Service) Write(ctx context.Context, w io.Writer, dataset Dataset, format string) error {
	headers, rows, err := s.tabulate(ctx, dataset)
	if err != nil {
		return err
	}

	switch strings.ToLower(format) {
	case "csv":
		return writeCSV(w, headers, rows)
	case "xlsx":
		return writeXLSX(w, string(dataset), headers, rows)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

// WriteFile writes the dataset into the export directory and returns the
// generated path.
func (s *Service) WriteFile(ctx context.Context, dataset Dataset, format string) (string, error) {
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s.%s", dataset, s.now().UTC().Format("20060102T150405Z"), strings.ToLower(format))
	path := filepath.Join(s.exportDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := s.Write(ctx, f, dataset, format); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func (s *Service) tabulate(ctx context.Context, dataset Dataset) ([]string, [][]string, error) {
	switch dataset {
	case DatasetEntities:
		versions, err := s.reader.EntityVersions(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load entity versions: %w", err)
		}
		return entityHeaders, entityRows(versions), nil
	case DatasetNames:
		versions, err := s.reader.NameVersions(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load name versions: %w", err)
		}
		return nameHeaders, nameRows(versions), nil
	case DatasetAudit:
		entries, err := s.auditLog.ListAll(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load audit entries: %w", err)
		}
		return auditHeaders, auditRows(entries), nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownDataset, dataset)
	}
}

var entityHeaders = []string{
	"version_id", "entity_id", "entity_type", "geometry",
	"centroid_lon", "centroid_lat", "source_authority",
	"valid_start", "valid_end", "txn_start", "txn_end",
}

var nameHeaders = []string{
	"version_id", "name_id", "entity_id", "name_text", "normalized_name",
	"language_code", "script_code", "name_type", "decree_authority",
	"source_type", "source_reliability", "notes",
	"valid_start", "valid_end", "txn_start", "txn_end",
}

var auditHeaders = []string{
	"seq", "record_id", "change_kind", "actor", "recorded_at",
	"prior_state_hash", "new_state_hash", "prev_hash", "entry_hash",
}

func entityRows(versions []domain.Entity) [][]string {
	rows := make([][]string, 0, len(versions))
	for _, v := range versions {
		lon := strconv.FormatFloat(v.Centroid.Lon, 'f', -1, 64)
		lat := strconv.FormatFloat(v.Centroid.Lat, 'f', -1, 64)
		rows = append(rows, []string{
			v.VersionID.String(),
			v.EntityID.String(),
			string(v.Type),
			v.Geometry,
			lon,
			lat,
			v.SourceAuthority,
			formatTime(v.Valid.Start),
			formatOptionalTime(v.Valid.End),
			formatTime(v.Txn.Start),
			formatOptionalTime(v.Txn.End),
		})
	}
	return rows
}

func nameRows(versions []domain.Name) [][]string {
	rows := make([][]string, 0, len(versions))
	for _, v := range versions {
		rows = append(rows, []string{
			v.VersionID.String(),
			v.NameID.String(),
			v.EntityID.String(),
			v.Text,
			v.NormalizedKey,
			v.Language,
			v.Script,
			string(v.Classification),
			v.DecreeAuthority,
			v.SourceType,
			string(v.Reliability),
			v.Notes,
			formatTime(v.Valid.Start),
			formatOptionalTime(v.Valid.End),
			formatTime(v.Txn.Start),
			formatOptionalTime(v.Txn.End),
		})
	}
	return rows
}

func auditRows(entries []audit.Entry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			strconv.FormatInt(e.Seq, 10),
			e.RecordID.String(),
			string(e.Kind),
			e.Actor,
			formatTime(e.RecordedAt),
			e.PriorHash,
			e.NewHash,
			e.PrevHash,
			e.EntryHash,
		})
	}
	return rows
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func writeCSV(w io.Writer, headers []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(headers); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeXLSX(w io.Writer, sheet string, headers []string, rows [][]string) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	defaultSheet := f.GetSheetName(0)
	if defaultSheet != sheet {
		if err := f.SetSheetName(defaultSheet, sheet); err != nil {
			return fmt.Errorf("rename sheet: %w", err)
		}
	}

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("open stream writer: %w", err)
	}

	headerCells := make([]any, len(headers))
	for i, h := range headers {
		headerCells[i] = h
	}
	if err := sw.SetRow("A1", headerCells); err != nil {
		return fmt.Errorf("write xlsx header: %w", err)
	}

	for i, row := range rows {
		cells := make([]any, len(row))
		for j, v := range row {
			cells[j] = v
		}
		axis, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("compute cell name: %w", err)
		}
		if err := sw.SetRow(axis, cells); err != nil {
			return fmt.Errorf("write xlsx row: %w", err)
		}
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush xlsx: %w", err)
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}
