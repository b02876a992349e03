package wire

import (
	"context"
	"errors"
	"sync"

	"github.com/intersystems-community/iris-pgwire/pkg/buffer"
)

// ErrStatementAlreadyExists is thrown whenever a named prepared statement
// already exists within the given statement cache. The unnamed statement
// ("") may always be silently overwritten.
var ErrStatementAlreadyExists = errors.New("prepared statement already exists")

// DefaultStatementCache is the in-memory StatementCache implementation used
// by a Server unless overridden.
type DefaultStatementCache struct {
	statements map[string]*PreparedStatement
	mu         sync.RWMutex
}

// Set attempts to bind the given statement to the given name. The unnamed
// statement is always overridden; named statements must be closed before
// being redefined.
func (cache *DefaultStatementCache) Set(ctx context.Context, name string, statement *PreparedStatement) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	if cache.statements == nil {
		cache.statements = map[string]*PreparedStatement{}
	}

	if name != "" {
		if _, has := cache.statements[name]; has {
			return ErrStatementAlreadyExists
		}
	}

	cache.statements[name] = statement
	return nil
}

// Get attempts to get the prepared statement for the given name. A nil
// statement and nil error is returned when no statement has been found.
func (cache *DefaultStatementCache) Get(ctx context.Context, name string) (*PreparedStatement, error) {
	cache.mu.RLock()
	defer cache.mu.RUnlock()

	return cache.statements[name], nil
}

// Close removes the named statement from the cache.
func (cache *DefaultStatementCache) Close(ctx context.Context, name string) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	delete(cache.statements, name)
	return nil
}

// DefaultPortalCache is the in-memory PortalCache implementation used by a
// Server unless overridden. It also implements PortalCacheCopyIn.
type DefaultPortalCache struct {
	portals map[string]*Portal
	mu      sync.Mutex
}

// Bind associates name with a statement, its bound parameter values, and the
// result format codes requested by the client. Any previously bound portal
// of the same name is replaced.
func (cache *DefaultPortalCache) Bind(ctx context.Context, name string, statement *PreparedStatement, parameters []Parameter, formats []FormatCode) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	if cache.portals == nil {
		cache.portals = map[string]*Portal{}
	}

	cache.portals[name] = &Portal{
		statement:  statement,
		parameters: parameters,
		formats:    formats,
	}

	return nil
}

// Get returns the named portal, or nil if it has not been bound.
func (cache *DefaultPortalCache) Get(ctx context.Context, name string) (*Portal, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	return cache.portals[name], nil
}

// Close removes the named portal from the cache.
func (cache *DefaultPortalCache) Close(ctx context.Context, name string) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	delete(cache.portals, name)
	return nil
}

// Execute runs the named portal's statement on first invocation, buffering
// its entire result set, then serves pages of at most limit rows on each
// subsequent Execute against the same portal until the buffered result is
// exhausted, per the PortalSuspended/Execute-limit protocol.
func (cache *DefaultPortalCache) Execute(ctx context.Context, name string, writer *buffer.Writer, limit Limit) error {
	cache.mu.Lock()
	portal, has := cache.portals[name]
	cache.mu.Unlock()

	if !has || portal == nil {
		return NewErrUnkownStatement(name)
	}

	firstExecute := portal.cursor == nil
	if firstExecute {
		collector := NewQueuedDataWriter(ctx, portal.statement.columns, limit)
		if err := portal.statement.fn(ctx, collector, portal.parameters); err != nil {
			return err
		}
		portal.cursor = collector
	}

	return portal.cursor.sendPage(ctx, writer, portal.formats, limit)
}

// ExecuteCopyIn runs the named portal's statement, handing it a DataWriter
// whose CopyIn method reads the client's CopyData messages directly off the
// connection instead of through the portal's buffered row collector. How
// many rows are held in memory is up to the statement.
func (cache *DefaultPortalCache) ExecuteCopyIn(ctx context.Context, name string, reader *buffer.Reader, writer *buffer.Writer) error {
	cache.mu.Lock()
	portal, has := cache.portals[name]
	cache.mu.Unlock()

	if !has || portal == nil {
		return NewErrUnkownStatement(name)
	}

	direct := NewDataWriter(ctx, portal.statement.columns, portal.formats, reader, writer)

	return portal.statement.fn(ctx, direct, portal.parameters)
}
