package domain

import (
	"bytes"
	"encoding/json"
)

// Field is one column/value pair of a result row.
type Field struct {
	Column string
	Value  interface{}
}

// Row is an ordered set of fields. Column order is preserved so that
// column-order-sensitive formats (CSV, parquet) serialize deterministically.
type Row []Field

// Get returns the value of the named column.
func (r Row) Get(column string) (interface{}, bool) {
	for _, f := range r {
		if f.Column == column {
			return f.Value, true
		}
	}
	return nil, false
}

// Columns returns the column names in order.
func (r Row) Columns() []string {
	cols := make([]string, len(r))
	for i, f := range r {
		cols[i] = f.Column
	}
	return cols
}

// MarshalJSON encodes the row as a JSON object preserving column order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Column)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// NewRow zips column names and values into a Row. Byte slices are converted
// to strings so rows serialize as text.
func NewRow(columns []string, values []interface{}) Row {
	row := make(Row, len(columns))
	for i, c := range columns {
		var v interface{}
		if i < len(values) {
			v = values[i]
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		row[i] = Field{Column: c, Value: v}
	}
	return row
}
