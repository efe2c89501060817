// Package record defines the fixed-width worker record and the append-only
// file store that holds them. Records are addressed by a 1-based identifier;
// record id lives at byte offset (id-1)*Size.
package record

import (
	"fmt"
	"strings"
	"unicode/utf8"

	apperrors "github.com/rafaeelaudibert/federal-worker-blamer/pkg/errors"
)

// Record is one worker row. Currency and date fields are kept as the text
// the source spreadsheets carry.
type Record struct {
	Name             string `json:"name"`
	ID               string `json:"id"`
	CPF              string `json:"cpf"`
	Role             string `json:"role"`
	Agency           string `json:"agency"`
	GrossPay         string `json:"gross_pay"`
	ThirteenthSalary string `json:"thirteenth_salary"`
	Vacation         string `json:"vacation"`
	OtherEarnings    string `json:"other_earnings"`
	IRRF             string `json:"irrf"`
	PSS              string `json:"pss"`
	OtherDeductions  string `json:"other_deductions"`
	NetPay           string `json:"net_pay"`
	Indemnities      string `json:"indemnities"`
	LeaveStart       string `json:"leave_start"`
	LeaveEnd         string `json:"leave_end"`
	WeeklyHours      string `json:"weekly_hours"`
	RoleEntry        string `json:"role_entry"`
	AgencyEntry      string `json:"agency_entry"`
}

type column struct {
	name  string
	width int
	field func(*Record) *string
}

// layout is the on-disk field order. Changing a width invalidates every
// existing record store and index file.
var layout = []column{
	{"name", 60, func(r *Record) *string { return &r.Name }},
	{"id", 10, func(r *Record) *string { return &r.ID }},
	{"cpf", 15, func(r *Record) *string { return &r.CPF }},
	{"role", 80, func(r *Record) *string { return &r.Role }},
	{"agency", 80, func(r *Record) *string { return &r.Agency }},
	{"gross_pay", 10, func(r *Record) *string { return &r.GrossPay }},
	{"thirteenth_salary", 10, func(r *Record) *string { return &r.ThirteenthSalary }},
	{"vacation", 10, func(r *Record) *string { return &r.Vacation }},
	{"other_earnings", 10, func(r *Record) *string { return &r.OtherEarnings }},
	{"irrf", 10, func(r *Record) *string { return &r.IRRF }},
	{"pss", 10, func(r *Record) *string { return &r.PSS }},
	{"other_deductions", 10, func(r *Record) *string { return &r.OtherDeductions }},
	{"net_pay", 10, func(r *Record) *string { return &r.NetPay }},
	{"indemnities", 10, func(r *Record) *string { return &r.Indemnities }},
	{"leave_start", 10, func(r *Record) *string { return &r.LeaveStart }},
	{"leave_end", 10, func(r *Record) *string { return &r.LeaveEnd }},
	{"weekly_hours", 20, func(r *Record) *string { return &r.WeeklyHours }},
	{"role_entry", 10, func(r *Record) *string { return &r.RoleEntry }},
	{"agency_entry", 10, func(r *Record) *string { return &r.AgencyEntry }},
}

// Size is the encoded length of one record.
var Size = func() int {
	total := 0
	for _, c := range layout {
		total += c.width
	}
	return total
}()

// Width returns the stored width of the named field, or 0 if unknown.
func Width(field string) int {
	for _, c := range layout {
		if c.name == field {
			return c.width
		}
	}
	return 0
}

// MarshalBinary encodes r into exactly Size bytes. Values longer than their
// column are cut at the last rune boundary that fits; shorter values are
// padded with NUL bytes.
func (r *Record) MarshalBinary() ([]byte, error) {
	buf := make([]byte, Size)
	r.encodeTo(buf)
	return buf, nil
}

func (r *Record) encodeTo(buf []byte) {
	off := 0
	for _, c := range layout {
		copy(buf[off:off+c.width], fit(*c.field(r), c.width))
		off += c.width
	}
}

// UnmarshalBinary decodes one record. Trailing NUL padding is dropped; any
// column that is not valid UTF-8 fails with ErrInvalidEncoding.
func (r *Record) UnmarshalBinary(data []byte) error {
	if len(data) != Size {
		return fmt.Errorf("%w: record is %d bytes, want %d", apperrors.ErrInvalidInput, len(data), Size)
	}
	off := 0
	for _, c := range layout {
		raw := strings.TrimRight(string(data[off:off+c.width]), "\x00")
		if !utf8.ValidString(raw) {
			return fmt.Errorf("%w: column %s", apperrors.ErrInvalidEncoding, c.name)
		}
		*c.field(r) = raw
		off += c.width
	}
	return nil
}

func fit(s string, width int) string {
	if len(s) <= width {
		return s
	}
	cut := width
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
