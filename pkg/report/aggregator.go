package report

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"formbot/pkg/domain"
)

const (
	missingValue = "N/A"
	noDataLabel  = "Нет данных"
	filePrefix   = "Отчёт-"
	maxNameTries = 10000
)

// Header is the column row of every report.
var Header = []string{"Имя", "Email", "Оценка"}

// Source lists the submissions a report is built from.
type Source interface {
	ListCompleted(ctx context.Context) ([]domain.Submission, error)
}

// Renderer encodes a table into a document format.
type Renderer interface {
	Extension() string
	Render(path string, table Table) error
}

// Table is a header row plus data rows.
type Table struct {
	Header []string
	Rows   [][]string
}

// Config wires an Aggregator.
type Config struct {
	Source   Source
	Renderer Renderer
	Dir      string
	Now      func() time.Time
	Logger   *slog.Logger
}

// Aggregator renders every completed submission into a new file. It only
// reads from Source and keeps no state between calls, so any number of
// Generate calls may run at once.
type Aggregator struct {
	source   Source
	renderer Renderer
	dir      string
	now      func() time.Time
	logger   *slog.Logger
}

func New(cfg Config) (*Aggregator, error) {
	if cfg.Source == nil {
		return nil, errors.New("report source required")
	}
	if cfg.Renderer == nil {
		return nil, errors.New("report renderer required")
	}
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "formbot-reports")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		source:   cfg.Source,
		renderer: cfg.Renderer,
		dir:      dir,
		now:      now,
		logger:   logger,
	}, nil
}

// Generate writes a report and returns its path. The caller owns the file
// and must remove it once delivered.
func (a *Aggregator) Generate(ctx context.Context) (string, error) {
	subs, err := a.source.ListCompleted(ctx)
	if err != nil {
		return "", fmt.Errorf("list completed submissions: %w", err)
	}
	a.logger.Info("generating report", "completed", len(subs))
	table := BuildTable(subs)

	if err := os.MkdirAll(a.dir, 0o700); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path, err := claimPath(a.dir, a.now().Format("2006-01-02"), a.renderer.Extension())
	if err != nil {
		return "", err
	}
	if err := a.renderer.Render(path, table); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("render report: %w", err)
	}
	a.logger.Info("report generated", "path", path, "rows", len(table.Rows))
	return path, nil
}

// BuildTable maps submissions to report rows. Absent fields become N/A and an
// empty input yields a single "no data" row.
func BuildTable(subs []domain.Submission) Table {
	table := Table{Header: append([]string(nil), Header...)}
	if len(subs) == 0 {
		table.Rows = [][]string{{noDataLabel, "-", "-"}}
		return table
	}
	table.Rows = make([][]string, 0, len(subs))
	for _, s := range subs {
		rating := missingValue
		if s.Rating != nil {
			rating = strconv.Itoa(*s.Rating)
		}
		table.Rows = append(table.Rows, []string{
			valueOr(s.Name, missingValue),
			valueOr(s.Email, missingValue),
			rating,
		})
	}
	return table
}

func valueOr(v *string, fallback string) string {
	if v == nil {
		return fallback
	}
	return *v
}

// claimPath creates an empty file named Отчёт-<date>.<ext>, falling back to
// Отчёт-<date>_N.<ext>. O_EXCL makes the claim atomic across goroutines and
// processes sharing dir.
func claimPath(dir, date, ext string) (string, error) {
	for n := 0; n < maxNameTries; n++ {
		name := filePrefix + date + "." + ext
		if n > 0 {
			name = fmt.Sprintf("%s%s_%d.%s", filePrefix, date, n, ext)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create report file: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("create report file: %w", err)
		}
		return path, nil
	}
	return "", fmt.Errorf("create report file: no free name for %s in %s", date, dir)
}

// NewRenderer returns the renderer for a format name ("docx" or "xlsx").
func NewRenderer(format string) (Renderer, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "docx":
		return DocxRenderer{}, nil
	case "xlsx":
		return XLSXRenderer{}, nil
	default:
		return nil, fmt.Errorf("unsupported report format %q", format)
	}
}
