package wire

import "context"

// SessionHandler runs once per connection, after authentication succeeds and
// the server parameters and BackendKeyData have been written to the client,
// before the first ReadyForQuery. It may enrich ctx
// (e.g. resolving the authenticated user's default IRIS namespace) or reject
// the connection outright by returning an error.
type SessionHandler func(ctx context.Context) (context.Context, error)

// CloseFn is invoked when a connection is closed, either by the client
// sending Terminate or by the underlying net.Conn being torn down.
type CloseFn func(ctx context.Context) error
