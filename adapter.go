package wire

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/intersystems-community/iris-pgwire/codes"
	"github.com/intersystems-community/iris-pgwire/executor"
	"github.com/intersystems-community/iris-pgwire/internal/oid"
	"github.com/intersystems-community/iris-pgwire/internal/translate"
	psqlerr "github.com/intersystems-community/iris-pgwire/pgerror"
	pqoid "github.com/lib/pq/oid"
)

// NewExecutorParseFn builds a ParseFn that translates incoming PostgreSQL
// dialect SQL into IRIS's dialect via cache, classifies it, and dispatches
// to ex for anything that actually needs to run against IRIS. SHOW,
// transaction-control, and catalog-probe statements are answered directly
// by the adapter without ever reaching ex, since they carry no IRIS-side
// meaning.
func NewExecutorParseFn(ex executor.Executor, cache *translate.Cache) ParseFn {
	return func(ctx context.Context, query string) (PreparedStatements, error) {
		translated, advice, err := cache.Translate(query)
		if err != nil {
			return nil, adapterError(err)
		}

		switch advice.Kind {
		case translate.KindShow:
			return showStatement(advice.ShowName), nil
		case translate.KindTransactionControl:
			return transactionStatement(translated), nil
		case translate.KindCatalogProbe:
			return catalogProbeStatement(), nil
		case translate.KindCopyFrom:
			return copyFromStatement(ex, advice), nil
		case translate.KindCopyTo:
			return nil, psqlerr.WithCode(
				fmt.Errorf("COPY %s TO STDOUT is not supported", advice.COPYTable),
				codes.FeatureNotSupported,
			)
		default:
			return queryStatement(ex, translated, advice), nil
		}
	}
}

func adapterError(err error) error {
	var unsupported *translate.ErrUnsupportedOperator
	if errors.As(err, &unsupported) {
		return psqlerr.WithCode(err, codes.FeatureNotSupported)
	}
	return psqlerr.WithCode(err, codes.Syntax)
}

// queryStatement executes sql against ex and streams the returned rows to the
// writer; the ResultStream's own column metadata is not consulted. Column
// names come from advice.ColumnNames (alias inference over the SELECT list); a
// column whose name could not be inferred falls back to columnN (1-indexed).
// Parameter OIDs are sized from advice.ParamCount and left unspecified (OID 0)
// until a Parse message's declared types fill them in; Describe reports any
// OID still at zero as 705 (unknown).
func queryStatement(ex executor.Executor, sql string, advice translate.Advice) PreparedStatements {
	columns := make(Columns, len(advice.ColumnNames))
	for i, name := range advice.ColumnNames {
		if name == "" {
			name = fmt.Sprintf("column%d", i+1)
		}
		columns[i] = Column{Name: name}
	}

	paramOIDs := make([]pqoid.Oid, advice.ParamCount)

	fn := StatementFn(func(ctx context.Context, writer DataWriter, parameters []Parameter) error {
		params, err := decodeParameters(parameters)
		if err != nil {
			return err
		}

		stream, tag, err := ex.Execute(ctx, sql, params)
		if err != nil {
			return err
		}
		defer stream.Close()

		for {
			row, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if err := writer.Row(row); err != nil {
				return err
			}
		}

		if writer.Written() == 0 {
			description := string(tag)
			if description == "" {
				description = "SELECT 0"
			}
			return writer.Complete(description)
		}

		description := string(tag)
		if description == "" {
			description = fmt.Sprintf("SELECT %d", writer.Written())
		}
		return writer.Complete(description)
	})

	return PreparedStatements{NewStatement(fn, paramOIDs, columns)}
}

// cannedShowValues holds SHOW answers the spec mandates independent of any
// session ParameterStatus, because PostgreSQL itself reports them as fixed
// settings rather than connection parameters.
var cannedShowValues = map[string]string{
	"transaction isolation level": "read committed",
	"standard_conforming_strings": "on",
	"integer_datetimes":           "on",
	"server_version":              "14.0",
}

// showStatement answers a SHOW <name> query, preferring a canned value for
// settings the spec mandates regardless of session state, then falling back
// to the server's ServerParameters/session settings, never reaching IRIS.
func showStatement(name string) PreparedStatements {
	columns := Columns{{Name: name, Oid: pqoid.T_text}}
	fn := StatementFn(func(ctx context.Context, writer DataWriter, parameters []Parameter) error {
		value, ok := cannedShowValues[name]
		if !ok {
			if params := ServerParameters(ctx); params != nil {
				value = params[ParameterStatus(name)]
			}
		}
		if err := writer.Row([]any{value}); err != nil {
			return err
		}
		return writer.Complete("SHOW")
	})

	return PreparedStatements{NewStatement(fn, nil, columns)}
}

// transactionStatement acknowledges BEGIN/COMMIT/ROLLBACK/START TRANSACTION
// without forwarding them to IRIS, and moves the connection's transaction
// tracker so the next ReadyForQuery reports the right status byte.
func transactionStatement(sql string) PreparedStatements {
	tag := strings.ToUpper(strings.Fields(sql)[0])
	fn := StatementFn(func(ctx context.Context, writer DataWriter, parameters []Parameter) error {
		if tx := transactionState(ctx); tx != nil {
			switch tag {
			case "BEGIN", "START":
				tx.Begin()
			case "COMMIT", "ROLLBACK":
				tx.Reset()
			}
		}

		if err := writer.Empty(); err != nil {
			return err
		}
		return writer.Complete(tag)
	})

	return PreparedStatements{NewStatement(fn, nil, nil)}
}

// catalogProbeStatement answers pg_catalog/information_schema introspection
// queries issued by clients (notably psql and driver handshakes) with an
// empty result set rather than forwarding an IRIS-incompatible query.
func catalogProbeStatement() PreparedStatements {
	fn := StatementFn(func(ctx context.Context, writer DataWriter, parameters []Parameter) error {
		return writer.Complete("SELECT 0")
	})

	return PreparedStatements{NewStatement(fn, nil, nil)}
}

// copyFromStatement reads a whole COPY ... FROM STDIN payload as CSV text,
// collecting every row in memory before forwarding them to ex as individual
// parameter sets, or in one batch when ex also implements
// executor.BatchExecutor; rows are not forwarded in smaller batches while the
// payload is still arriving. When the statement names its
// target columns, rows are decoded through a typed TextCopyReader keyed to
// those columns; otherwise every field is decoded as text, since the row
// width is not known until the first record arrives.
func copyFromStatement(ex executor.Executor, advice translate.Advice) PreparedStatements {
	var columns Columns
	for _, name := range advice.COPYColumns {
		columns = append(columns, Column{Name: name, Oid: pqoid.T_text})
	}

	fn := StatementFn(func(ctx context.Context, writer DataWriter, parameters []Parameter) error {
		formats := make([]FormatCode, len(advice.COPYColumns))
		for i := range formats {
			formats[i] = TextFormat
		}
		if len(formats) == 0 {
			formats = []FormatCode{TextFormat}
		}

		copyReader, err := writer.CopyIn(TextFormat, formats)
		if err != nil {
			return err
		}

		var rows [][]any
		if len(columns) > 0 {
			rows, err = readTypedCopyRows(ctx, copyReader)
		} else {
			rows, err = readRawCopyRows(copyReader)
		}
		if err != nil {
			return err
		}

		tag := fmt.Sprintf("COPY %d", len(rows))
		rowWidth := 0
		if len(rows) > 0 {
			rowWidth = len(rows[0])
		}
		insert := buildInsertSQL(advice.COPYTable, advice.COPYColumns, rowWidth)

		if batcher, ok := ex.(executor.BatchExecutor); ok {
			if _, err := batcher.ExecuteMany(ctx, insert, rows); err != nil {
				return err
			}
			return writer.Complete(tag)
		}

		for _, row := range rows {
			if _, _, err := ex.Execute(ctx, insert, row); err != nil {
				return err
			}
		}

		return writer.Complete(tag)
	})

	return PreparedStatements{NewCopyInStatement(fn, nil, columns)}
}

// readTypedCopyRows drains copyReader through a TextCopyReader scoped to its
// declared columns, giving every field a proper pgtype decode instead of a
// generic text fallback.
func readTypedCopyRows(ctx context.Context, copyReader *CopyReader) ([][]any, error) {
	buf := &bytes.Buffer{}
	csvReader := csv.NewReader(buf)
	csvReader.FieldsPerRecord = -1

	textReader, err := NewTextColumnReader(ctx, copyReader, csvReader, buf, "")
	if err != nil {
		return nil, err
	}

	var rows [][]any
	for {
		row, err := textReader.Read(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	return rows, nil
}

// readRawCopyRows drains copyReader as PostgreSQL-dialect CSV text of
// unknown width, decoding every field through the shared type registry as
// text. Used when a COPY FROM STDIN omits its column list.
func readRawCopyRows(copyReader *CopyReader) ([][]any, error) {
	registry := oid.NewRegistry()
	buf := &bytes.Buffer{}
	csvReader := csv.NewReader(buf)
	csvReader.FieldsPerRecord = -1

	var rows [][]any
	for {
		record, err := csvReader.Read()
		if err == io.EOF {
			if rerr := copyReader.Read(); rerr != nil {
				if rerr == io.EOF {
					break
				}
				return nil, rerr
			}
			buf.Write(copyReader.Msg)
			copyReader.Msg = copyReader.Msg[:0]
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

// buildInsertSQL constructs a placeholder INSERT for the given table/columns;
// the exact column list is unknown ahead of time for COPY statements that
// omitted one, so an empty column list is passed through unchanged and the
// IRIS-side table must accept positional VALUES in its declared order.
func buildInsertSQL(table string, columns []string, rowWidth int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	if len(columns) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(columns, ", "))
		b.WriteString(")")
	}
	b.WriteString(" VALUES (")
	width := len(columns)
	if width == 0 {
		width = rowWidth
	}
	for i := 0; i < width; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("?")
	}
	b.WriteString(")")
	return b.String()
}

// decodeParameters converts bound extended-protocol parameters into their Go
// values. Every parameter is decoded as T_text; the OIDs declared for the
// statement's parameters are not consulted.
func decodeParameters(parameters []Parameter) ([]any, error) {
	values := make([]any, len(parameters))
	for i, p := range parameters {
		value, err := p.Decode(pqoid.T_text)
		if err != nil {
			return nil, err
		}
		values[i] = value
	}
	return values, nil
}
