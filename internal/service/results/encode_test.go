package results

import (
	"bytes"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querydesk/internal/domain"
	"querydesk/internal/testutil"
)

var userCols = []string{"id", "name"}

func userRows() []domain.Row {
	return testutil.Rows(userCols, []interface{}{1, "Alice"}, []interface{}{2, "Bob"})
}

func TestEncodeCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		columns []string
		rows    []domain.Row
		want    string
	}{
		{"basic", userCols, userRows(), "id,name\n1,Alice\n2,Bob"},
		{"header only", userCols, nil, "id,name"},
		{
			"quoting and nulls",
			[]string{"a", "b", "c"},
			testutil.Rows([]string{"a", "b", "c"}, []interface{}{"x,y", nil, `say "hi"`}),
			"a,b,c\n\"x,y\",,\"say \"\"hi\"\"\"",
		},
		{
			"floats and times",
			[]string{"f", "ts", "ok"},
			testutil.Rows([]string{"f", "ts", "ok"}, []interface{}{1.5e6, time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC), true}),
			"f,ts,ok\n1500000,2026-03-04T10:00:00Z,true",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Encode(domain.FormatCSV, tt.columns, tt.rows)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestEncodeJSON(t *testing.T) {
	t.Parallel()

	got, err := Encode(domain.FormatJSON, userCols, userRows())
	require.NoError(t, err)
	assert.Equal(t, `[{"id":1,"name":"Alice"},{"id":2,"name":"Bob"}]`, string(got))

	got, err = Encode(domain.FormatJSON, userCols, nil)
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(got))
}

func TestEncodeParquet(t *testing.T) {
	t.Parallel()

	cols := []string{"name", "id", "id"}
	rows := testutil.Rows(cols, []interface{}{"Alice", 1, nil}, []interface{}{nil, 2, 3})
	data, err := Encode(domain.FormatParquet, cols, rows)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("PAR1")))
	assert.True(t, bytes.HasSuffix(data, []byte("PAR1")))

	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.NumRows())

	var names []string
	for _, field := range f.Schema().Fields() {
		names = append(names, field.Name())
	}
	assert.ElementsMatch(t, []string{"name", "id", "id_2"}, names)
}

func TestEncode_UnsupportedFormat(t *testing.T) {
	t.Parallel()
	_, err := Encode("xlsx", userCols, userRows())
	require.Error(t, err)
	assert.IsType(t, &domain.ValidationError{}, err)
}

func TestContentType(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "text/csv", ContentType(domain.FormatCSV))
	assert.Equal(t, "application/json", ContentType(domain.FormatJSON))
	assert.Equal(t, "application/vnd.apache.parquet", ContentType(domain.FormatParquet))
}
