package wire

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/intersystems-community/iris-pgwire/codes"
	psqlerr "github.com/intersystems-community/iris-pgwire/pgerror"
	"github.com/intersystems-community/iris-pgwire/pkg/buffer"
	"github.com/intersystems-community/iris-pgwire/pkg/types"
	"github.com/lib/pq/oid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatementContextNoTimeoutReturnsSameContext(t *testing.T) {
	srv := &Server{}
	ctx := context.Background()

	stmtCtx, cancel := srv.statementContext(ctx)
	defer cancel()

	assert.Equal(t, ctx, stmtCtx)
	_, hasDeadline := stmtCtx.Deadline()
	assert.False(t, hasDeadline)
}

func TestStatementContextAppliesConfiguredTimeout(t *testing.T) {
	srv := &Server{StatementTimeout: 10 * time.Millisecond}

	stmtCtx, cancel := srv.statementContext(context.Background())
	defer cancel()

	<-stmtCtx.Done()
	assert.ErrorIs(t, stmtCtx.Err(), context.DeadlineExceeded)
}

func TestStatementErrTranslatesDeadlineExceeded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	err := statementErr(ctx, errors.New("some backend failure"))
	require.Error(t, err)
	assert.Equal(t, codes.QueryCanceled, psqlerr.Flatten(err).Code)
}

func TestStatementErrLeavesOtherErrorsUntouched(t *testing.T) {
	underlying := errors.New("boom")
	got := statementErr(context.Background(), underlying)
	assert.Same(t, underlying, got)
}

func TestStatementErrPassesNilThrough(t *testing.T) {
	assert.NoError(t, statementErr(context.Background(), nil))
}

func TestWriteParameterDescriptionSubstitutesUnknownOID(t *testing.T) {
	srv := &Server{}
	out := &bytes.Buffer{}
	writer := buffer.NewWriter(slog.Default(), out)

	err := srv.writeParameterDescription(writer, []oid.Oid{0, oid.T_int4})
	require.NoError(t, err)

	reader := buffer.NewReader(slog.Default(), out, 0)
	_, _, err = reader.ReadTypedMsg()
	require.NoError(t, err)

	count, err := reader.GetUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(2), count)

	first, err := reader.GetUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(oid.T_unknown), first)

	second, err := reader.GetUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(oid.T_int4), second)
}

func TestReadyForQuerySessionReflectsTransactionStatus(t *testing.T) {
	ctx := setTransactionState(context.Background())
	transactionState(ctx).Begin()

	out := &bytes.Buffer{}
	writer := buffer.NewWriter(slog.Default(), out)
	require.NoError(t, readyForQuerySession(ctx, writer))

	reader := buffer.NewReader(slog.Default(), out, 0)
	typed, _, err := reader.ReadTypedMsg()
	require.NoError(t, err)
	require.Equal(t, byte(types.ServerReady), byte(typed))

	status, err := reader.GetBytes(1)
	require.NoError(t, err)
	assert.Equal(t, byte(types.ServerTransactionBlock), status[0])
}

func TestReadyForQuerySessionDefaultsToIdleWithoutTracker(t *testing.T) {
	out := &bytes.Buffer{}
	writer := buffer.NewWriter(slog.Default(), out)
	require.NoError(t, readyForQuerySession(context.Background(), writer))

	reader := buffer.NewReader(slog.Default(), out, 0)
	_, _, err := reader.ReadTypedMsg()
	require.NoError(t, err)

	status, err := reader.GetBytes(1)
	require.NoError(t, err)
	assert.Equal(t, byte(types.ServerIdle), status[0])
}
