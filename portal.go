package wire

import (
	"context"

	"github.com/intersystems-community/iris-pgwire/pkg/buffer"
)

// Limit is the client-requested maximum row count for a single Execute of a
// portal. Zero means "no limit, return everything".
type Limit uint32

// Portal is a statement bound to concrete parameter values and result
// formats, produced by Bind and consumed by one or more Execute messages.
type Portal struct {
	statement  *PreparedStatement
	parameters []Parameter
	formats    []FormatCode

	// cursor tracks how much of the underlying result has already been sent
	// to the client, so that a subsequent Execute (after a PortalSuspended
	// response) can resume rather than restart the query.
	cursor *QueuedDataWriter
}

// PortalCache stores bound portals by name for later Execute/Describe/Close.
// The empty string ("") names the unnamed portal.
type PortalCache interface {
	Bind(ctx context.Context, name string, statement *PreparedStatement, parameters []Parameter, formats []FormatCode) error
	Get(ctx context.Context, name string) (*Portal, error)
	Execute(ctx context.Context, name string, writer *buffer.Writer, limit Limit) error
	Close(ctx context.Context, name string) error
}

// PortalCacheCopyIn is implemented by a PortalCache that can stream a COPY
// FROM STDIN payload directly into the executor, bypassing row buffering.
type PortalCacheCopyIn interface {
	ExecuteCopyIn(ctx context.Context, name string, reader *buffer.Reader, writer *buffer.Writer) error
}
