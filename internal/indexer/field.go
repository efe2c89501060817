package indexer

import (
	"fmt"
	"strings"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/record"
	apperrors "github.com/rafaeelaudibert/federal-worker-blamer/pkg/errors"
)

// Field selects the record column an index is built over.
type Field string

const (
	FieldName   Field = "name"
	FieldRole   Field = "role"
	FieldAgency Field = "agency"
)

// Fields lists every indexed field in rebuild order.
var Fields = []Field{FieldName, FieldRole, FieldAgency}

// Text returns the column of rec this field indexes.
func (f Field) Text(rec *record.Record) string {
	switch f {
	case FieldName:
		return rec.Name
	case FieldRole:
		return rec.Role
	case FieldAgency:
		return rec.Agency
	default:
		return ""
	}
}

func (f Field) String() string {
	return string(f)
}

// ParseField accepts a field name case-insensitively.
func ParseField(s string) (Field, error) {
	switch Field(strings.ToLower(strings.TrimSpace(s))) {
	case FieldName:
		return FieldName, nil
	case FieldRole:
		return FieldRole, nil
	case FieldAgency:
		return FieldAgency, nil
	}
	return "", fmt.Errorf("%w: unknown field %q", apperrors.ErrInvalidInput, s)
}
