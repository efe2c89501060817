package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/record"
)

// prompter asks questions on out and reads one answer line from in.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

// ask prints label and returns the next input line without surrounding
// whitespace. io.EOF is returned only when no text is left at all.
func (p *prompter) ask(label string) (string, error) {
	fmt.Fprint(p.out, label)
	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// insertPrompts lists the questions asked for a new worker, in record order.
var insertPrompts = []struct {
	label string
	field func(*record.Record) *string
}{
	{"Nome: ", func(r *record.Record) *string { return &r.Name }},
	{"Id: ", func(r *record.Record) *string { return &r.ID }},
	{"CPF: ", func(r *record.Record) *string { return &r.CPF }},
	{"Cargo: ", func(r *record.Record) *string { return &r.Role }},
	{"Orgao: ", func(r *record.Record) *string { return &r.Agency }},
	{"Salário Bruto: ", func(r *record.Record) *string { return &r.GrossPay }},
	{"13°: ", func(r *record.Record) *string { return &r.ThirteenthSalary }},
	{"Férias: ", func(r *record.Record) *string { return &r.Vacation }},
	{"Outras Remunerações: ", func(r *record.Record) *string { return &r.OtherEarnings }},
	{"IRRF: ", func(r *record.Record) *string { return &r.IRRF }},
	{"PSS: ", func(r *record.Record) *string { return &r.PSS }},
	{"Demais Deducoes: ", func(r *record.Record) *string { return &r.OtherDeductions }},
	{"Salário Líquido: ", func(r *record.Record) *string { return &r.NetPay }},
	{"Indenizações: ", func(r *record.Record) *string { return &r.Indemnities }},
	{"Início Afastamento: ", func(r *record.Record) *string { return &r.LeaveStart }},
	{"Término Afastamento: ", func(r *record.Record) *string { return &r.LeaveEnd }},
	{"Jornada: ", func(r *record.Record) *string { return &r.WeeklyHours }},
	{"Ingresso Cargo: ", func(r *record.Record) *string { return &r.RoleEntry }},
	{"Ingresso Orgao: ", func(r *record.Record) *string { return &r.AgencyEntry }},
}

// record asks for every column of a new worker.
func (p *prompter) record() (*record.Record, error) {
	rec := &record.Record{}
	for _, q := range insertPrompts {
		answer, err := p.ask(q.label)
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", strings.TrimSuffix(q.label, ": "), err)
		}
		*q.field(rec) = answer
	}
	return rec, nil
}
