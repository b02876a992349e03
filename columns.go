package wire

import (
	"context"

	"github.com/intersystems-community/iris-pgwire/internal/oid"
	"github.com/intersystems-community/iris-pgwire/pkg/buffer"
	"github.com/intersystems-community/iris-pgwire/pkg/types"
	pqoid "github.com/lib/pq/oid"
)

// Column represents a single result column as announced to the client inside
// a RowDescription message.
type Column struct {
	// Name is the column name presented to the client.
	Name string
	// Oid is the PostgreSQL type OID of the column. Leave zero to have each
	// value's OID inferred from its Go type as every row is encoded; the
	// RowDescription then reports OID 0 for the column.
	Oid pqoid.Oid
	// Width is the type modifier/size hint attached to the column; 0 or -1
	// indicates "no information".
	Width int32
	// Table, if non-zero, is the OID of the table the column originates from.
	Table pqoid.Oid
	// TableAttr is the attribute number of the column within Table.
	TableAttr int16
}

// Columns describes the ordered set of columns returned by a query.
type Columns []Column

var typeRegistry = oid.NewRegistry()

// Define writes the RowDescription message describing these columns to the
// client. A nil/empty Columns still writes a RowDescription with zero fields;
// callers that have no columns at all should use NoData instead (see
// writeColumnDescription).
func (c Columns) Define(ctx context.Context, writer *buffer.Writer, formats []FormatCode) error {
	writer.Start(types.ServerRowDescription)
	writer.AddInt16(int16(len(c)))

	for i, col := range c {
		format := TextFormat
		if len(formats) == 1 {
			format = formats[0]
		} else if len(formats) > i {
			format = formats[i]
		}

		writer.AddString(col.Name)
		writer.AddNullTerminate()
		writer.AddInt32(int32(col.Table))
		writer.AddInt16(col.TableAttr)
		writer.AddInt32(int32(col.Oid))
		writer.AddInt16(typeWidth(col))
		writer.AddInt32(col.Width)
		writer.AddInt16(int16(format))
	}

	return writer.End()
}

// Write encodes a single row of values as a DataRow message using each
// column's OID (inferring it from the value when the column OID is unset).
func (c Columns) Write(ctx context.Context, formats []FormatCode, writer *buffer.Writer, values []any) error {
	writer.Start(types.ServerDataRow)
	writer.AddInt16(int16(len(values)))

	for i, value := range values {
		format := TextFormat
		if len(formats) == 1 {
			format = formats[0]
		} else if len(formats) > i {
			format = formats[i]
		}

		columnOid := pqoid.T_text
		if i < len(c) && c[i].Oid != 0 {
			columnOid = c[i].Oid
		} else if value != nil {
			columnOid = typeRegistry.Infer(value)
		}

		if value == nil {
			writer.AddInt32(-1)
			continue
		}

		encoded, err := typeRegistry.Encode(columnOid, int16(format), value)
		if err != nil {
			return err
		}

		if encoded == nil {
			writer.AddInt32(-1)
			continue
		}

		writer.AddInt32(int32(len(encoded)))
		writer.AddBytes(encoded)
	}

	return writer.End()
}

// typeWidth returns the fixed on-wire byte width for a type, or -1 when the
// type is variable length.
func typeWidth(col Column) int16 {
	switch col.Oid {
	case pqoid.T_bool:
		return 1
	case pqoid.T_int2:
		return 2
	case pqoid.T_int4, pqoid.T_float4:
		return 4
	case pqoid.T_int8, pqoid.T_float8:
		return 8
	default:
		return -1
	}
}
