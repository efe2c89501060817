// Package render prints worker records for the terminal.
package render

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/record"
)

// NoMatch is printed when a search finds nothing.
const NoMatch = "No search match the filters!"

var headers = []string{
	"Nome",
	"Cargo",
	"Orgao",
	"Salário Bruto",
	"13°",
	"IRRF",
	"PSS",
	"Demais Deducoes",
	"Salário Líquido",
	"Indenizações",
}

func row(r *record.Record) []string {
	return []string{
		r.Name,
		r.Role,
		r.Agency,
		r.GrossPay,
		r.ThirteenthSalary,
		r.IRRF,
		r.PSS,
		r.OtherDeductions,
		r.NetPay,
		r.Indemnities,
	}
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// Table prints records as aligned columns, or NoMatch when there are none.
func Table(w io.Writer, records []*record.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, NoMatch)
		return err
	}
	tw := newTabWriter(w)
	writeRow(tw, headers)
	rule := make([]string, len(headers))
	for i, h := range headers {
		rule[i] = strings.Repeat("-", len([]rune(h)))
	}
	writeRow(tw, rule)
	for _, r := range records {
		writeRow(tw, row(r))
	}
	return tw.Flush()
}

func writeRow(w io.Writer, cells []string) {
	for i, c := range cells {
		if i > 0 {
			io.WriteString(w, "\t")
		}
		io.WriteString(w, strings.ReplaceAll(c, "\t", " "))
	}
	io.WriteString(w, "\n")
}

// Detail prints every column of one record, one per line.
func Detail(w io.Writer, id uint32, r *record.Record) error {
	tw := newTabWriter(w)
	fields := []struct {
		label string
		value string
	}{
		{"Entrada", fmt.Sprint(id)},
		{"Nome", r.Name},
		{"Id", r.ID},
		{"CPF", r.CPF},
		{"Cargo", r.Role},
		{"Orgao", r.Agency},
		{"Salário Bruto", r.GrossPay},
		{"13°", r.ThirteenthSalary},
		{"Férias", r.Vacation},
		{"Outras Remunerações", r.OtherEarnings},
		{"IRRF", r.IRRF},
		{"PSS", r.PSS},
		{"Demais Deducoes", r.OtherDeductions},
		{"Salário Líquido", r.NetPay},
		{"Indenizações", r.Indemnities},
		{"Início Afastamento", r.LeaveStart},
		{"Término Afastamento", r.LeaveEnd},
		{"Jornada", r.WeeklyHours},
		{"Ingresso Cargo", r.RoleEntry},
		{"Ingresso Orgao", r.AgencyEntry},
	}
	for _, f := range fields {
		fmt.Fprintf(tw, "%s:\t%s\n", f.label, f.value)
	}
	return tw.Flush()
}

// Timing prints how long the search and the record reads took.
func Timing(w io.Writer, hits, shown int, search, read time.Duration) {
	if shown < hits {
		fmt.Fprintf(w, "%d matches, showing the first %d\n", hits, shown)
	} else {
		fmt.Fprintf(w, "%d matches\n", hits)
	}
	fmt.Fprintf(w, "Time elapsed to search the tries: %s\n", search)
	fmt.Fprintf(w, "Time elapsed to parse the records from the file: %s\n", read)
}
