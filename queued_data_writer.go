package wire

import (
	"context"
	"errors"

	"github.com/intersystems-community/iris-pgwire/pkg/buffer"
	"github.com/intersystems-community/iris-pgwire/pkg/types"
)

// QueuedDataWriter implements DataWriter by buffering every row written to
// it in memory instead of streaming it to the wire immediately. A Portal uses
// one to collect an entire extended-protocol result the first time it is
// executed, then hands out rows limit-at-a-time across successive Execute
// messages, emitting PortalSuspended between pages.
type QueuedDataWriter struct {
	columns Columns
	rows    [][]any
	tag     string
	empty   bool
	written uint64
	err     error
	limit   Limit
	sent    int
}

// NewQueuedDataWriter creates a DataWriter that collects results for
// paginated delivery across multiple Execute messages.
func NewQueuedDataWriter(ctx context.Context, columns Columns, limit Limit) *QueuedDataWriter {
	return &QueuedDataWriter{
		columns: columns,
		limit:   limit,
	}
}

func (rc *QueuedDataWriter) Row(values []any) error {
	if rc.err != nil {
		return rc.err
	}

	rc.rows = append(rc.rows, values)
	rc.written++
	return nil
}

func (rc *QueuedDataWriter) Complete(tag string) error {
	rc.tag = tag
	return nil
}

func (rc *QueuedDataWriter) Empty() error {
	rc.empty = true
	return nil
}

func (rc *QueuedDataWriter) Columns() Columns {
	return rc.columns
}

func (rc *QueuedDataWriter) Written() uint64 {
	return rc.written
}

func (rc *QueuedDataWriter) CopyIn(overallFormat FormatCode, columnFormats []FormatCode) (*CopyReader, error) {
	return nil, errors.New("CopyIn is not supported on a buffered portal result; use PortalCacheCopyIn")
}

// SetError sets the error state of a collected result.
func (rc *QueuedDataWriter) SetError(err error) {
	rc.err = err
}

// GetError returns the error state of a collected result, if any.
func (rc *QueuedDataWriter) GetError() error {
	return rc.err
}

// sendPage writes up to `limit` not-yet-sent rows to the client (limit == 0
// means "send everything remaining"). It never writes a RowDescription; it
// emits a DataRow per row, and finally either PortalSuspended (more rows
// remain) or CommandComplete.
func (rc *QueuedDataWriter) sendPage(ctx context.Context, writer *buffer.Writer, formats []FormatCode, limit Limit) error {
	if rc.err != nil {
		return rc.err
	}

	if rc.empty && len(rc.rows) == 0 {
		writer.Start(types.ServerEmptyQuery)
		return writer.End()
	}

	remaining := rc.rows[rc.sent:]
	page := remaining
	truncated := false
	if limit > 0 && len(remaining) > int(limit) {
		page = remaining[:limit]
		truncated = true
	}

	for _, row := range page {
		if err := rc.columns.Write(ctx, formats, writer, row); err != nil {
			return err
		}
	}
	rc.sent += len(page)

	if truncated {
		writer.Start(types.ServerPortalSuspended)
		return writer.End()
	}

	tag := rc.tag
	if tag == "" {
		tag = "SELECT"
	}
	return commandComplete(writer, tag)
}
