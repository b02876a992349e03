package wire

import (
	"context"

	"github.com/lib/pq/oid"
)

// StatementFn executes a parsed statement against the configured executor
// adapter, streaming result rows to the given writer. parameters is empty for
// the simple query protocol and populated with bound values for the extended
// query protocol.
type StatementFn func(ctx context.Context, writer DataWriter, parameters []Parameter) error

// PreparedStatement is the result of parsing a single SQL statement. The
// server caches these by name and later binds parameter values to them to
// produce a Portal.
type PreparedStatement struct {
	// Query is the original, untranslated statement text, kept for logging
	// and diagnostics.
	Query string
	// parameters holds the OID of each positional parameter ($1, $2, ...)
	// found in the statement, or 0 when the client left a parameter's type
	// unspecified (ParameterDescription then reports it as unknown, 705).
	parameters []oid.Oid
	// columns describes the statement's result set, if any.
	columns Columns
	// fn executes the statement.
	fn StatementFn
	// copyIn marks a statement that drives a COPY ... FROM STDIN exchange.
	// Such statements stream their DataWriter directly from the wire
	// instead of being buffered for PortalSuspended pagination, since a
	// COPY produces no paginated result set.
	copyIn bool
}

// NewStatement constructs a PreparedStatement with explicit result columns.
func NewStatement(fn StatementFn, parameters []oid.Oid, columns Columns) *PreparedStatement {
	return &PreparedStatement{fn: fn, parameters: parameters, columns: columns}
}

// NewCopyInStatement constructs a PreparedStatement that drives a COPY ...
// FROM STDIN exchange. Its result is executed directly against the wire
// rather than buffered, since PortalSuspended pagination has no meaning for
// a COPY. columns describes the shape CopyIn should expect each incoming row
// to take; it may be nil when the row width is only known once data arrives.
func NewCopyInStatement(fn StatementFn, parameters []oid.Oid, columns Columns) *PreparedStatement {
	return &PreparedStatement{fn: fn, parameters: parameters, columns: columns, copyIn: true}
}

// PreparedStatements represents every statement parsed out of a single query
// string. The simple query protocol allows more than one; the extended query
// protocol requires exactly one.
type PreparedStatements []*PreparedStatement

// ParseFn parses the given query into zero or more executable statements.
// Returning more than one statement is only valid for the simple query
// protocol; Parse messages (extended protocol) must resolve to exactly one.
type ParseFn func(ctx context.Context, query string) (PreparedStatements, error)

// StatementCache stores prepared statements by name for later Bind/Describe.
// The empty string ("") names the unnamed statement, which is silently
// overwritten on each new Parse. Named statements may not be redefined
// without an intervening Close.
type StatementCache interface {
	Set(ctx context.Context, name string, statement *PreparedStatement) error
	Get(ctx context.Context, name string) (*PreparedStatement, error)
	Close(ctx context.Context, name string) error
}
