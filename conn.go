package wire

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/intersystems-community/iris-pgwire/pkg/types"
)

type ctxKey int

const (
	ctxTypeInfo ctxKey = iota
	ctxClientMetadata
	ctxServerMetadata
	ctxRemoteAddr
	ctxTxState
)

// setTypeInfo attaches the server's Postgres type map to ctx so that copy
// readers and parameter decoders downstream can resolve OIDs without
// threading the server through every call.
func setTypeInfo(ctx context.Context, info *pgtype.Map) context.Context {
	return context.WithValue(ctx, ctxTypeInfo, info)
}

// TypeMap returns the Postgres type map attached to ctx, or nil if none was set.
func TypeMap(ctx context.Context) *pgtype.Map {
	val := ctx.Value(ctxTypeInfo)
	if val == nil {
		return nil
	}

	return val.(*pgtype.Map)
}

// Parameters represents a parameters collection of parameter status keys and
// their values
type Parameters map[ParameterStatus]string

// ParameterStatus represents a metadata key that could be defined inside a server/client
// metadata definition
type ParameterStatus string

// At present there is a hard-wired set of parameters for which ParameterStatus
// will be generated.
// https://www.postgresql.org/docs/13/protocol-flow.html#PROTOCOL-ASYNC
const (
	ParamServerEncoding       ParameterStatus = "server_encoding"
	ParamClientEncoding       ParameterStatus = "client_encoding"
	ParamIsSuperuser          ParameterStatus = "is_superuser"
	ParamSessionAuthorization ParameterStatus = "session_authorization"
	ParamApplicationName      ParameterStatus = "application_name"
	ParamDatabase             ParameterStatus = "database"
	ParamUsername             ParameterStatus = "user"
	ParamServerVersion        ParameterStatus = "server_version"
)

// setClientParameters constructs a new context containing the given parameters.
// Any previously defined metadata will be overriden.
func setClientParameters(ctx context.Context, params Parameters) context.Context {
	if params == nil {
		return ctx
	}

	return context.WithValue(ctx, ctxClientMetadata, params)
}

// ClientParameters returns the connection parameters if it has been set inside
// the given context.
func ClientParameters(ctx context.Context) Parameters {
	val := ctx.Value(ctxClientMetadata)
	if val == nil {
		return nil
	}

	return val.(Parameters)
}

// setServerParameters constructs a new context containing the given parameters map.
// Any previously defined metadata will be overriden.
func setServerParameters(ctx context.Context, params Parameters) context.Context {
	if params == nil {
		return ctx
	}

	return context.WithValue(ctx, ctxServerMetadata, params)
}

// ServerParameters returns the connection parameters if it has been set inside
// the given context.
func ServerParameters(ctx context.Context) Parameters {
	val := ctx.Value(ctxServerMetadata)
	if val == nil {
		return nil
	}

	return val.(Parameters)
}

// setRemoteAddress attaches the client's network address to ctx.
func setRemoteAddress(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, ctxRemoteAddr, addr)
}

// RemoteAddress returns the network address of the connected client, or an
// empty string if none was attached to ctx.
func RemoteAddress(ctx context.Context) string {
	val := ctx.Value(ctxRemoteAddr)
	if val == nil {
		return ""
	}

	return val.(string)
}

// txState tracks a single connection's transaction status across the
// lifetime of its ReadyForQuery cycle. It is attached once per connection
// (not per Server, which is shared across every connection) and mutated as
// BEGIN/COMMIT/ROLLBACK are observed and as statement errors occur.
type txState struct {
	mu     sync.Mutex
	status types.ServerStatus
}

// setTransactionState attaches a fresh, idle transaction tracker to ctx.
func setTransactionState(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxTxState, &txState{status: types.ServerIdle})
}

// transactionState returns the transaction tracker attached to ctx, or nil if
// none was attached.
func transactionState(ctx context.Context) *txState {
	val := ctx.Value(ctxTxState)
	if val == nil {
		return nil
	}

	return val.(*txState)
}

// Status returns the current ReadyForQuery status byte.
func (s *txState) Status() types.ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Begin moves the tracker into an open transaction block.
func (s *txState) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = types.ServerTransactionBlock
}

// Reset moves the tracker back to idle, as on a COMMIT or ROLLBACK.
func (s *txState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = types.ServerIdle
}

// Fail moves the tracker into the failed-transaction state, but only if a
// transaction is currently open; an error outside a transaction block
// returns to idle rather than failed.
func (s *txState) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == types.ServerTransactionBlock {
		s.status = types.ServerTransactionFailed
	}
}
