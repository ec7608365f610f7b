package catalog

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
)

// ColumnTypeString is the only type inferred columns get; the CSV serde reads every field as
// text.
const ColumnTypeString = "string"

// PartitionColumn is the date partition key every table is created with.
const PartitionColumn = "load_date"

// Column is one column descriptor.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableSchema is an ordered column list. Order is significant for comparison.
type TableSchema struct {
	Columns []Column `json:"columns"`
}

// Names returns the column names in order.
func (s TableSchema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Has reports whether a column with name exists, ignoring case.
func (s TableSchema) Has(name string) bool {
	for _, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

// FallbackSchema is used when no column list can be inferred from a sample.
func FallbackSchema() TableSchema {
	return TableSchema{Columns: []Column{
		{Name: "id", Type: ColumnTypeString},
		{Name: "value", Type: ColumnTypeString},
	}}
}

var errNoHeader = errors.New("sample has no header row")

// InferSchema reads the header row of a CSV sample. Names are lower-cased and reduced to
// [a-z0-9_]; blanks become col_<n> and duplicates (including the partition key) get a
// numeric suffix.
func InferSchema(sample []byte) (TableSchema, error) {
	reader := csv.NewReader(bytes.NewReader(sample))
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	var header []string
	for {
		record, err := reader.Read()
		if err != nil {
			return TableSchema{}, fmt.Errorf("read header: %w", errors.Join(errNoHeader, err))
		}
		if !blankRecord(record) {
			header = record
			break
		}
	}

	seen := map[string]bool{PartitionColumn: true}
	schema := TableSchema{Columns: make([]Column, 0, len(header))}
	for i, raw := range header {
		name := sanitizeColumn(raw)
		if name == "" {
			name = fmt.Sprintf("col_%d", i+1)
		}
		base := name
		for n := 2; seen[name]; n++ {
			name = fmt.Sprintf("%s_%d", base, n)
		}
		seen[name] = true
		schema.Columns = append(schema.Columns, Column{Name: name, Type: ColumnTypeString})
	}
	return schema, nil
}

func blankRecord(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func sanitizeColumn(raw string) string {
	raw = strings.TrimPrefix(raw, "\ufeff")
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

// Drifted reports whether desired differs from current: different column count, or any
// positional name mismatch ignoring case. Types are not compared.
func Drifted(current, desired TableSchema) bool {
	if len(current.Columns) != len(desired.Columns) {
		return true
	}
	for i := range current.Columns {
		if !strings.EqualFold(current.Columns[i].Name, desired.Columns[i].Name) {
			return true
		}
	}
	return false
}
