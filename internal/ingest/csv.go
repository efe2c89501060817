// Package ingest fills the record store. ImportFiles joins the two
// government spreadsheets (salaries and personnel info) into fixed-width
// records; Handler feeds single records arriving over Kafka into the delta
// indices.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/record"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/config"
	apperrors "github.com/rafaeelaudibert/federal-worker-blamer/pkg/errors"
)

// Column positions in the salary spreadsheet.
const (
	salaryID              = 2
	salaryCPF             = 3
	salaryName            = 4
	salaryGross           = 5
	salaryThirteenth      = 9
	salaryVacation        = 13
	salaryOtherEarnings   = 15
	salaryIRRF            = 17
	salaryPSS             = 19
	salaryOtherDeductions = 21
	salaryNet             = 29
	salaryIndemnities     = 37
	salaryMinColumns      = salaryName + 1
)

// Column positions in the personnel info spreadsheet.
const (
	infoID          = 0
	infoRole        = 4
	infoAgency      = 24
	infoLeaveStart  = 29
	infoLeaveEnd    = 30
	infoWeeklyHours = 32
	infoRoleEntry   = 33
	infoAgencyEntry = 35
)

// Stats summarizes one import.
type Stats struct {
	Records     uint32
	InfoRows    int
	MissingInfo int
	Skipped     int
	Duration    time.Duration
}

// Record sink used by Import; *record.Writer satisfies it.
type recordWriter interface {
	Write(rec *record.Record) (uint32, error)
}

// ImportFiles replaces the contents of store with the join of the salary
// and info spreadsheets at the given paths.
func ImportFiles(ctx context.Context, cfg config.IngestConfig, salaryPath, infoPath string, store *record.Store) (Stats, error) {
	salary, err := os.Open(salaryPath)
	if err != nil {
		return Stats{}, fmt.Errorf("opening salary file: %w", err)
	}
	defer salary.Close()

	info, err := os.Open(infoPath)
	if err != nil {
		return Stats{}, fmt.Errorf("opening info file: %w", err)
	}
	defer info.Close()

	w, err := store.Writer()
	if err != nil {
		return Stats{}, err
	}
	stats, err := Import(ctx, cfg, salary, info, w)
	if flushErr := w.Flush(); err == nil {
		err = flushErr
	}
	return stats, err
}

// Import joins the salary rows with the info rows and writes one record per
// salary row, in salary order. Both inputs must be sorted by worker id. Info
// rows are consumed in a single forward pass: rows whose id does not match
// the current salary row are skipped, and a row whose role is the missing
// role placeholder gives way to the next row when that row has the same id.
func Import(ctx context.Context, cfg config.IngestConfig, salary, info io.Reader, w recordWriter) (Stats, error) {
	logger := slog.Default().With("component", "csv-import")
	start := time.Now()

	salaryRows, err := newReader(cfg, salary, cfg.SalaryDelimiter, cfg.SalaryHasHeader)
	if err != nil {
		return Stats{}, fmt.Errorf("salary file: %w", err)
	}
	salaryRows.ReuseRecord = true
	infoReader, err := newReader(cfg, info, cfg.InfoDelimiter, cfg.InfoHasHeader)
	if err != nil {
		return Stats{}, fmt.Errorf("info file: %w", err)
	}

	j := &joiner{
		info:        &peekReader{r: infoReader},
		placeholder: placeholders(cfg.MissingRoleLabel),
	}
	progressEvery := cfg.ProgressEvery
	if progressEvery <= 0 {
		progressEvery = 40000
	}

	var stats Stats
	var rec record.Record
	warnedExhausted := false
	for line := 1; ; line++ {
		row, err := salaryRows.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("reading salary row %d: %w", line, err)
		}
		if len(row) < salaryMinColumns {
			stats.Skipped++
			logger.Warn("salary row too short, skipped", "line", line, "columns", len(row))
			continue
		}

		id := clean(row[salaryID])
		infoRow, err := j.match(id)
		if err != nil {
			return stats, fmt.Errorf("reading info rows for worker %s: %w", id, err)
		}
		if infoRow == nil {
			stats.MissingInfo++
			if j.info.done && !warnedExhausted {
				warnedExhausted = true
				logger.Warn("info file exhausted, remaining workers get no role or agency", "worker_id", id)
			}
		}

		fill(&rec, row, infoRow)
		if _, err := w.Write(&rec); err != nil {
			return stats, err
		}
		stats.Records++

		if int(stats.Records)%progressEvery == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			logger.Info("import progress", "records", stats.Records, "elapsed", time.Since(start))
		}
	}

	stats.InfoRows = j.info.read
	stats.Duration = time.Since(start)
	logger.Info("import finished",
		"records", stats.Records,
		"info_rows", stats.InfoRows,
		"missing_info", stats.MissingInfo,
		"skipped", stats.Skipped,
		"duration", stats.Duration,
	)
	return stats, nil
}

func newReader(cfg config.IngestConfig, src io.Reader, delimiter string, header bool) (*csv.Reader, error) {
	comma, size := utf8.DecodeRuneInString(delimiter)
	if size == 0 || size != len(delimiter) {
		return nil, fmt.Errorf("%w: delimiter %q must be a single character", apperrors.ErrInvalidInput, delimiter)
	}
	if cfg.Encoding == "latin1" {
		src = charmap.ISO8859_1.NewDecoder().Reader(src)
	}
	r := csv.NewReader(src)
	r.Comma = comma
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	if header {
		if _, err := r.Read(); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading header: %w", err)
		}
	}
	return r, nil
}

func fill(rec *record.Record, salary, info []string) {
	*rec = record.Record{
		Name:             col(salary, salaryName),
		ID:               col(salary, salaryID),
		CPF:              col(salary, salaryCPF),
		GrossPay:         col(salary, salaryGross),
		ThirteenthSalary: col(salary, salaryThirteenth),
		Vacation:         col(salary, salaryVacation),
		OtherEarnings:    col(salary, salaryOtherEarnings),
		IRRF:             col(salary, salaryIRRF),
		PSS:              col(salary, salaryPSS),
		OtherDeductions:  col(salary, salaryOtherDeductions),
		NetPay:           col(salary, salaryNet),
		Indemnities:      col(salary, salaryIndemnities),
	}
	if info == nil {
		return
	}
	rec.Role = col(info, infoRole)
	rec.Agency = col(info, infoAgency)
	rec.LeaveStart = col(info, infoLeaveStart)
	rec.LeaveEnd = col(info, infoLeaveEnd)
	rec.WeeklyHours = col(info, infoWeeklyHours)
	rec.RoleEntry = col(info, infoRoleEntry)
	rec.AgencyEntry = col(info, infoAgencyEntry)
}

// col returns the cleaned cell i of row, or "" when the row is short.
func col(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return clean(row[i])
}

// clean replaces every byte that is not part of a valid UTF-8 sequence with
// U+FFFD, one replacement per byte.
func clean(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, c := range s {
		b.WriteRune(c)
	}
	return b.String()
}

// placeholders returns the missing-role label as written and the form it
// takes when a Latin-1 file is read as UTF-8.
func placeholders(label string) []string {
	if label == "" {
		return nil
	}
	lossy := strings.Map(func(c rune) rune {
		if c >= utf8.RuneSelf {
			return utf8.RuneError
		}
		return c
	}, label)
	if lossy == label {
		return []string{label}
	}
	return []string{label, lossy}
}

type joiner struct {
	info        *peekReader
	placeholder []string
}

func (j *joiner) isPlaceholder(role string) bool {
	for _, p := range j.placeholder {
		if role == p {
			return true
		}
	}
	return false
}

// match advances the info rows to the entry for worker id. It returns nil
// when the info rows run out first.
func (j *joiner) match(id string) ([]string, error) {
	for {
		row, err := j.info.next()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if col(row, infoID) != id {
			continue
		}
		if !j.isPlaceholder(col(row, infoRole)) {
			return row, nil
		}
		following, err := j.info.peek()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err == nil && col(following, infoID) == id {
			return j.info.next()
		}
		return row, nil
	}
}

// peekReader is a csv.Reader with one row of lookahead.
type peekReader struct {
	r      *csv.Reader
	peeked []string
	err    error
	ahead  bool
	done   bool
	read   int
}

func (p *peekReader) next() ([]string, error) {
	if p.ahead {
		p.ahead = false
		row, err := p.peeked, p.err
		p.peeked, p.err = nil, nil
		return p.count(row, err)
	}
	return p.count(p.r.Read())
}

func (p *peekReader) peek() ([]string, error) {
	if !p.ahead {
		p.peeked, p.err = p.r.Read()
		p.ahead = true
	}
	return p.peeked, p.err
}

func (p *peekReader) count(row []string, err error) ([]string, error) {
	if errors.Is(err, io.EOF) {
		p.done = true
	}
	if err == nil {
		p.read++
	}
	return row, err
}
