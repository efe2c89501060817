package ingest

import (
	"cmp"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/config"
	apperrors "github.com/rafaeelaudibert/federal-worker-blamer/pkg/errors"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/logger"
)

type salaryRow struct {
	name string
	id   int
	row  []string
}

// PrepareSalary rewrites the salary spreadsheet as published (RawSalaryDelimiter,
// one header row) into the form Import reads: rows ordered by worker name and
// then numeric id, written with SalaryDelimiter. Cell bytes are copied
// unchanged, so the output keeps the source encoding.
func PrepareSalary(ctx context.Context, cfg config.IngestConfig, raw io.Reader, out io.Writer) (int, error) {
	passthrough := cfg
	passthrough.Encoding = "utf-8"
	r, err := newReader(passthrough, raw, cfg.RawSalaryDelimiter, true)
	if err != nil {
		return 0, err
	}
	comma, size := utf8.DecodeRuneInString(cfg.SalaryDelimiter)
	if size == 0 || size != len(cfg.SalaryDelimiter) {
		return 0, fmt.Errorf("%w: delimiter %q must be a single character", apperrors.ErrInvalidInput, cfg.SalaryDelimiter)
	}

	var rows []salaryRow
	for line := 2; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("reading raw salary row %d: %w", line, err)
		}
		if len(row) < salaryMinColumns {
			return 0, fmt.Errorf("%w: raw salary row %d has %d columns", apperrors.ErrInvalidInput, line, len(row))
		}
		id, err := strconv.Atoi(strings.TrimSpace(row[salaryID]))
		if err != nil {
			return 0, fmt.Errorf("%w: raw salary row %d: worker id %q is not a number", apperrors.ErrInvalidInput, line, row[salaryID])
		}
		rows = append(rows, salaryRow{name: row[salaryName], id: id, row: row})
		if line%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
	}

	slices.SortStableFunc(rows, func(a, b salaryRow) int {
		return cmp.Or(strings.Compare(a.name, b.name), cmp.Compare(a.id, b.id))
	})

	w := csv.NewWriter(out)
	w.Comma = comma
	for _, sr := range rows {
		if err := w.Write(sr.row); err != nil {
			return 0, fmt.Errorf("writing prepared salary row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, fmt.Errorf("writing prepared salary file: %w", err)
	}
	return len(rows), nil
}

// PrepareSalaryFile runs PrepareSalary from rawPath into outPath, replacing
// outPath only once the whole output is written.
func PrepareSalaryFile(ctx context.Context, cfg config.IngestConfig, rawPath, outPath string) (int, error) {
	in, err := os.Open(rawPath)
	if err != nil {
		return 0, fmt.Errorf("opening raw salary file: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(outPath), filepath.Base(outPath)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("creating prepared salary file: %w", err)
	}
	n, err := PrepareSalary(ctx, cfg, in, tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), outPath)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	logger.WithComponent("csv-prepare").Info("salary file prepared", "rows", n, "from", rawPath, "to", outPath)
	return n, nil
}
