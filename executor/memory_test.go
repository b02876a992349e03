package executor

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryExecutorExecuteKnownTable(t *testing.T) {
	m := NewMemoryExecutor()
	m.DefineTable("users", []ColumnInfo{{Name: "name"}}, [][]any{{"Ada"}, {"Grace"}})

	stream, tag, err := m.Execute(context.Background(), "users", nil)
	require.NoError(t, err)
	assert.Equal(t, CommandTag("SELECT 2"), tag)

	row, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []any{"Ada"}, row)

	row, err = stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []any{"Grace"}, row)

	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, stream.Close())
}

func TestMemoryExecutorExecuteUnknownTable(t *testing.T) {
	m := NewMemoryExecutor()
	_, _, err := m.Execute(context.Background(), "missing", nil)
	assert.Error(t, err)
}

func TestMemoryExecutorHealthAndCancel(t *testing.T) {
	m := NewMemoryExecutor()
	assert.NoError(t, m.Health(context.Background()))
	assert.NoError(t, m.Cancel(context.Background(), "anything"))
}

func TestStaticResultStreamRespectsContextCancellation(t *testing.T) {
	stream := NewStaticResultStream(nil, [][]any{{1}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := stream.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
