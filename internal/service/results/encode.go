package results

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"

	"querydesk/internal/domain"
)

// ContentType returns the MIME type served for format.
func ContentType(format string) string {
	switch format {
	case domain.FormatCSV:
		return "text/csv"
	case domain.FormatJSON:
		return "application/json"
	case domain.FormatParquet:
		return "application/vnd.apache.parquet"
	default:
		return "application/octet-stream"
	}
}

// SupportedFormat reports whether format can be materialized.
func SupportedFormat(format string) bool {
	switch format {
	case domain.FormatCSV, domain.FormatJSON, domain.FormatParquet:
		return true
	}
	return false
}

// Encode serializes rows in the given format.
func Encode(format string, columns []string, rows []domain.Row) ([]byte, error) {
	switch format {
	case domain.FormatCSV:
		return encodeCSV(columns, rows)
	case domain.FormatJSON:
		return encodeJSON(rows)
	case domain.FormatParquet:
		return encodeParquet(columns, rows)
	default:
		return nil, domain.ErrValidation("unsupported download format %q", format)
	}
}

// encodeCSV writes an RFC 4180 document with "\n" separators and no
// trailing newline.
func encodeCSV(columns []string, rows []domain.Row) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, err
	}
	record := make([]string, len(columns))
	for _, row := range rows {
		for i := range columns {
			record[i] = ""
			if i < len(row) {
				if s, ok := stringify(row[i].Value); ok {
					record[i] = s
				}
			}
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func encodeJSON(rows []domain.Row) ([]byte, error) {
	if rows == nil {
		rows = []domain.Row{}
	}
	return json.Marshal(rows)
}

// encodeParquet writes every column as an optional UTF-8 string. Parquet
// groups order fields by name, so values are placed by field index.
func encodeParquet(columns []string, rows []domain.Row) ([]byte, error) {
	names := uniqueNames(columns)
	group := make(parquet.Group, len(names))
	for _, n := range names {
		group[n] = parquet.Optional(parquet.String())
	}
	schema := parquet.NewSchema("result", group)

	index := make(map[string]int, len(names))
	for i, f := range schema.Fields() {
		index[f.Name()] = i
	}

	var buf bytes.Buffer
	w := parquet.NewWriter(&buf, schema)
	batch := make([]parquet.Row, 0, len(rows))
	for _, row := range rows {
		pr := make(parquet.Row, len(names))
		for i, name := range names {
			col := index[name]
			var v any
			if i < len(row) {
				v = row[i].Value
			}
			if s, ok := stringify(v); ok {
				pr[col] = parquet.ByteArrayValue([]byte(s)).Level(0, 1, col)
			} else {
				pr[col] = parquet.NullValue().Level(0, 0, col)
			}
		}
		batch = append(batch, pr)
	}
	if _, err := w.WriteRows(batch); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func uniqueNames(columns []string) []string {
	taken := make(map[string]bool, len(columns))
	out := make([]string, len(columns))
	for i, c := range columns {
		if c == "" {
			c = "column" + strconv.Itoa(i+1)
		}
		name := c
		for n := 2; taken[name]; n++ {
			name = c + "_" + strconv.Itoa(n)
		}
		taken[name] = true
		out[i] = name
	}
	return out
}

// stringify renders a scalar for text formats. ok is false for NULL.
func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case []byte:
		return string(t), true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), true
	case fmt.Stringer:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}
