package wire

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/intersystems-community/iris-pgwire/pkg/buffer"
	"github.com/intersystems-community/iris-pgwire/pkg/types"
	"github.com/stretchr/testify/require"
)

// writeClientMessage frames a single client message the way a real
// connection would, for feeding a *buffer.Reader in tests.
func writeClientMessage(buf *bytes.Buffer, t types.ClientMessage, body []byte) {
	buf.WriteByte(byte(t))
	length := int32(len(body) + 4)
	buf.WriteByte(byte(length >> 24))
	buf.WriteByte(byte(length >> 16))
	buf.WriteByte(byte(length >> 8))
	buf.WriteByte(byte(length))
	buf.Write(body)
}

func newCopyFixture(rows ...string) *CopyReader {
	in := &bytes.Buffer{}
	for _, row := range rows {
		writeClientMessage(in, types.ClientCopyData, []byte(row))
	}
	writeClientMessage(in, types.ClientCopyDone, nil)

	reader := buffer.NewReader(slog.Default(), in, 0)
	writer := buffer.NewWriter(slog.Default(), &bytes.Buffer{})
	columns := Columns{{Name: "name", Oid: 25 /* text */}}
	return NewCopyReader(context.Background(), reader, writer, columns)
}

func TestCopyReaderReadsUntilDone(t *testing.T) {
	copyReader := newCopyFixture("row-one", "row-two")

	err := copyReader.Read()
	require.NoError(t, err)
	require.Equal(t, "row-one", string(copyReader.Msg))

	err = copyReader.Read()
	require.NoError(t, err)
	require.Equal(t, "row-two", string(copyReader.Msg))

	err = copyReader.Read()
	require.ErrorIs(t, err, io.EOF)
}

func TestCopyReaderSkipsFlushAndSync(t *testing.T) {
	in := &bytes.Buffer{}
	writeClientMessage(in, types.ClientFlush, nil)
	writeClientMessage(in, types.ClientSync, nil)
	writeClientMessage(in, types.ClientCopyData, []byte("payload"))
	writeClientMessage(in, types.ClientCopyDone, nil)

	reader := buffer.NewReader(slog.Default(), in, 0)
	writer := buffer.NewWriter(slog.Default(), &bytes.Buffer{})
	copyReader := NewCopyReader(context.Background(), reader, writer, nil)

	err := copyReader.Read()
	require.NoError(t, err)
	require.Equal(t, "payload", string(copyReader.Msg))
}

func TestCopyReaderCopyFailReturnsErrorCode(t *testing.T) {
	in := &bytes.Buffer{}
	writeClientMessage(in, types.ClientCopyFail, append([]byte("client gave up"), 0))
	writeClientMessage(in, types.ClientCopyDone, nil)

	reader := buffer.NewReader(slog.Default(), in, 0)
	out := &bytes.Buffer{}
	writer := buffer.NewWriter(slog.Default(), out)
	copyReader := NewCopyReader(context.Background(), reader, writer, nil)

	err := copyReader.Read()
	require.Error(t, err)
}

func TestTextCopyReaderDecodesRows(t *testing.T) {
	copyReader := newCopyFixture("Ada,1\n", "Grace,2\n")

	ctx := setTypeInfo(context.Background(), pgtype.NewMap())
	csvReaderBuffer := &bytes.Buffer{}
	csvReader := csv.NewReader(csvReaderBuffer)
	csvReader.FieldsPerRecord = -1

	columns := Columns{{Name: "name", Oid: 25}, {Name: "id", Oid: 23}}
	copyReader.columns = columns

	textReader, err := NewTextColumnReader(ctx, copyReader, csvReader, csvReaderBuffer, "")
	require.NoError(t, err)

	row, err := textReader.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "Ada", row[0])
	require.EqualValues(t, 1, row[1])

	row, err = textReader.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "Grace", row[0])
	require.EqualValues(t, 2, row[1])

	_, err = textReader.Read(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestTextCopyReaderRequiresTypeMap(t *testing.T) {
	copyReader := newCopyFixture("a,b\n")
	csvReaderBuffer := &bytes.Buffer{}
	csvReader := csv.NewReader(csvReaderBuffer)

	_, err := NewTextColumnReader(context.Background(), copyReader, csvReader, csvReaderBuffer, "")
	require.Error(t, err)
}
