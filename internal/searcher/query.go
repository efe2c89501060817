package searcher

import (
	"fmt"
	"strings"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/indexer"
)

// Mode selects how per-field results are combined.
type Mode int

const (
	And Mode = iota
	Or
)

func (m Mode) String() string {
	if m == Or {
		return "OR"
	}
	return "AND"
}

// Query holds one search term per field. Empty terms do not take part.
type Query struct {
	Person string `json:"person,omitempty"`
	Role   string `json:"role,omitempty"`
	Agency string `json:"agency,omitempty"`
	Mode   Mode   `json:"mode"`
	Prefix bool   `json:"prefix"`
}

type term struct {
	field indexer.Field
	text  string
}

// Normalize collapses runs of whitespace in every term, matching how
// phrases are joined when indexed.
func (q Query) Normalize() Query {
	q.Person = collapse(q.Person)
	q.Role = collapse(q.Role)
	q.Agency = collapse(q.Agency)
	return q
}

func (q Query) terms() []term {
	var out []term
	for _, t := range []term{
		{indexer.FieldName, q.Person},
		{indexer.FieldRole, q.Role},
		{indexer.FieldAgency, q.Agency},
	} {
		if t.text != "" {
			out = append(out, t)
		}
	}
	return out
}

// Empty reports whether no field has a term after normalization.
func (q Query) Empty() bool {
	return len(q.Normalize().terms()) == 0
}

// Key is a stable textual form of the normalized query.
func (q Query) Key() string {
	n := q.Normalize()
	return fmt.Sprintf("mode=%s|prefix=%t|name=%s|role=%s|agency=%s",
		n.Mode, n.Prefix, n.Person, n.Role, n.Agency)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
