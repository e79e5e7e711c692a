package schema

import (
	"strings"
)

// FieldType tells writers how to render a column.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeDecimal FieldType = "decimal"
	TypeTime    FieldType = "timestamp"
)

// Field captures the minimal behavior-relevant schema fields.
type Field struct {
	Name     string
	Type     FieldType
	Nullable bool
}

// Contract is the ordered column contract of a tabular output.
type Contract struct {
	Fields []Field
}

// Names returns the column names in order.
func (c Contract) Names() []string {
	out := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		out[i] = f.Name
	}
	return out
}

// Index returns the position of the named column, or -1.
func (c Contract) Index(name string) int {
	for i, f := range c.Fields {
		if strings.EqualFold(f.Name, strings.TrimSpace(name)) {
			return i
		}
	}
	return -1
}
