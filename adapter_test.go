package wire

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"testing"

	"github.com/intersystems-community/iris-pgwire/executor"
	"github.com/intersystems-community/iris-pgwire/internal/oid"
	"github.com/intersystems-community/iris-pgwire/internal/translate"
	pqoid "github.com/lib/pq/oid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDataWriter is an in-memory DataWriter used to exercise StatementFn
// values without a real wire connection.
type fakeDataWriter struct {
	rows       [][]any
	tag        string
	emptied    bool
	copyFormat FormatCode
	copyCols   []FormatCode
}

func (w *fakeDataWriter) Row(values []any) error {
	w.rows = append(w.rows, values)
	return nil
}

func (w *fakeDataWriter) Written() uint64 {
	return uint64(len(w.rows))
}

func (w *fakeDataWriter) Empty() error {
	w.emptied = true
	return nil
}

func (w *fakeDataWriter) Complete(description string) error {
	w.tag = description
	return nil
}

func (w *fakeDataWriter) CopyIn(overallFormat FormatCode, columnFormats []FormatCode) (*CopyReader, error) {
	w.copyFormat = overallFormat
	w.copyCols = columnFormats
	return nil, errors.New("fakeDataWriter does not support CopyIn")
}

func TestQueryStatementStreamsRows(t *testing.T) {
	ex := executor.NewMemoryExecutor()
	ex.DefineTable("people", []executor.ColumnInfo{{Name: "name"}}, [][]any{{"Ada"}, {"Grace"}})

	statements := queryStatement(ex, "people", translate.Advice{ColumnNames: []string{"name"}})
	require.Len(t, statements, 1)
	assert.Equal(t, "name", statements[0].columns[0].Name)

	writer := &fakeDataWriter{}
	err := statements[0].fn(context.Background(), writer, nil)
	require.NoError(t, err)

	assert.Equal(t, [][]any{{"Ada"}, {"Grace"}}, writer.rows)
	assert.Equal(t, "SELECT 2", writer.tag)
}

func TestQueryStatementFallsBackToGenericColumnNames(t *testing.T) {
	ex := executor.NewMemoryExecutor()
	statements := queryStatement(ex, "people", translate.Advice{ColumnNames: []string{"", ""}})
	require.Len(t, statements[0].columns, 2)
	assert.Equal(t, "column1", statements[0].columns[0].Name)
	assert.Equal(t, "column2", statements[0].columns[1].Name)
}

func TestQueryStatementSizesParametersFromAdvice(t *testing.T) {
	ex := executor.NewMemoryExecutor()
	statements := queryStatement(ex, "people", translate.Advice{ParamCount: 2})
	assert.Len(t, statements[0].parameters, 2)
}

func TestQueryStatementUnknownTable(t *testing.T) {
	ex := executor.NewMemoryExecutor()
	statements := queryStatement(ex, "missing", translate.Advice{})

	writer := &fakeDataWriter{}
	err := statements[0].fn(context.Background(), writer, nil)
	assert.Error(t, err)
}

func TestShowStatementReadsServerParameters(t *testing.T) {
	statements := showStatement("timezone")

	ctx := setServerParameters(context.Background(), Parameters{"timezone": "UTC"})
	writer := &fakeDataWriter{}
	err := statements[0].fn(ctx, writer, nil)
	require.NoError(t, err)

	assert.Equal(t, [][]any{{"UTC"}}, writer.rows)
	assert.Equal(t, "SHOW", writer.tag)
}

func TestShowStatementCannedValueIgnoresServerParameters(t *testing.T) {
	statements := showStatement("transaction isolation level")

	ctx := setServerParameters(context.Background(), Parameters{"transaction isolation level": "serializable"})
	writer := &fakeDataWriter{}
	err := statements[0].fn(ctx, writer, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"read committed"}}, writer.rows)
}

func TestShowStatementMissingParameter(t *testing.T) {
	statements := showStatement("nonexistent")

	writer := &fakeDataWriter{}
	err := statements[0].fn(context.Background(), writer, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{""}}, writer.rows)
}

func TestTransactionStatementTag(t *testing.T) {
	tests := map[string]string{
		"BEGIN":             "BEGIN",
		"commit":            "COMMIT",
		"ROLLBACK":          "ROLLBACK",
		"start transaction": "START",
	}

	for sql, want := range tests {
		t.Run(sql, func(t *testing.T) {
			statements := transactionStatement(sql)
			writer := &fakeDataWriter{}
			err := statements[0].fn(context.Background(), writer, nil)
			require.NoError(t, err)
			assert.True(t, writer.emptied)
			assert.Equal(t, want, writer.tag)
		})
	}
}

func TestCatalogProbeStatementReturnsEmptyResult(t *testing.T) {
	statements := catalogProbeStatement()
	writer := &fakeDataWriter{}
	err := statements[0].fn(context.Background(), writer, nil)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 0", writer.tag)
	assert.Empty(t, writer.rows)
}

func TestAdapterErrorWrapsUnsupportedOperator(t *testing.T) {
	err := adapterError(&translate.ErrUnsupportedOperator{Operator: "<->"})
	require.Error(t, err)
}

func TestNewExecutorParseFnDispatchesShow(t *testing.T) {
	ex := executor.NewMemoryExecutor()
	parse := NewExecutorParseFn(ex, translate.NewCache(8, 1<<62))

	statements, err := parse(context.Background(), "SHOW search_path")
	require.NoError(t, err)
	require.Len(t, statements, 1)
}

func TestNewExecutorParseFnDispatchesTransactionControl(t *testing.T) {
	ex := executor.NewMemoryExecutor()
	parse := NewExecutorParseFn(ex, translate.NewCache(8, 1<<62))

	statements, err := parse(context.Background(), "BEGIN")
	require.NoError(t, err)
	writer := &fakeDataWriter{}
	err = statements[0].fn(context.Background(), writer, nil)
	require.NoError(t, err)
	assert.Equal(t, "BEGIN", writer.tag)
}

func TestNewExecutorParseFnRejectsUnsupportedOperator(t *testing.T) {
	ex := executor.NewMemoryExecutor()
	parse := NewExecutorParseFn(ex, translate.NewCache(8, 1<<62))

	_, err := parse(context.Background(), "SELECT * FROM items ORDER BY embedding <-> $1")
	assert.Error(t, err)
}

func TestNewExecutorParseFnRejectsCopyTo(t *testing.T) {
	ex := executor.NewMemoryExecutor()
	parse := NewExecutorParseFn(ex, translate.NewCache(8, 1<<62))

	_, err := parse(context.Background(), "COPY users TO STDOUT")
	assert.Error(t, err)
}

func TestBuildInsertSQL(t *testing.T) {
	tests := map[string]struct {
		table    string
		columns  []string
		rowWidth int
		want     string
	}{
		"named columns": {
			table:   "users",
			columns: []string{"name", "age"},
			want:    "INSERT INTO users (name, age) VALUES (?, ?)",
		},
		"no columns falls back to row width": {
			table:    "users",
			rowWidth: 3,
			want:     "INSERT INTO users VALUES (?, ?, ?)",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			got := buildInsertSQL(test.table, test.columns, test.rowWidth)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestDecodeParametersText(t *testing.T) {
	params := []Parameter{
		NewParameter(nil, TextFormat, []byte("hello")),
		NewParameter(nil, TextFormat, nil),
	}

	values, err := decodeParameters(params)
	require.NoError(t, err)
	assert.Equal(t, []any{"hello", nil}, values)
}

func TestCopyFromStatementTypedColumns(t *testing.T) {
	ex := executor.NewMemoryExecutor()
	advice := translate.Advice{Kind: translate.KindCopyFrom, COPYTable: "users", COPYColumns: []string{"name"}}

	statements := copyFromStatement(ex, advice)
	require.Len(t, statements, 1)
	assert.True(t, statements[0].copyIn)
	assert.Len(t, statements[0].columns, 1)
}

func TestReadRawCopyRowsHandlesNullFields(t *testing.T) {
	reader := &stubCopyReader{chunks: [][]byte{[]byte("a,\nb,c\n")}}
	rows, err := readRawCopyRowsForTest(reader)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0][0])
	assert.Nil(t, rows[0][1])
	assert.Equal(t, "b", rows[1][0])
	assert.Equal(t, "c", rows[1][1])
}

// stubCopyReader feeds pre-chunked CSV text through the same Msg/Read
// contract CopyReader exposes, without needing a live wire connection.
type stubCopyReader struct {
	chunks [][]byte
	pos    int
	Msg    []byte
}

func (s *stubCopyReader) Read() error {
	if s.pos >= len(s.chunks) {
		return io.EOF
	}
	s.Msg = s.chunks[s.pos]
	s.pos++
	return nil
}

// readRawCopyRowsForTest mirrors readRawCopyRows but accepts the stub above
// instead of a concrete *CopyReader, since that type cannot be constructed
// without a live buffer.Reader/buffer.Writer pair.
func readRawCopyRowsForTest(reader *stubCopyReader) ([][]any, error) {
	registry := oid.NewRegistry()
	buf := &bytes.Buffer{}
	csvReader := csv.NewReader(buf)
	csvReader.FieldsPerRecord = -1

	var rows [][]any
	for {
		record, err := csvReader.Read()
		if err == io.EOF {
			if rerr := reader.Read(); rerr != nil {
				if rerr == io.EOF {
					break
				}
				return nil, rerr
			}
			buf.Write(reader.Msg)
			reader.Msg = reader.Msg[:0]
			continue
		}
		if err != nil {
			return nil, err
		}

		row := make([]any, len(record))
		for i, field := range record {
			if field == "" {
				row[i] = nil
				continue
			}
			value, err := registry.DecodeParameter(pqoid.T_text, int16(TextFormat), []byte(field))
			if err != nil {
				return nil, err
			}
			row[i] = value
		}
		rows = append(rows, row)
	}

	return rows, nil
}
