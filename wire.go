package wire

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/intersystems-community/iris-pgwire/codes"
	"github.com/intersystems-community/iris-pgwire/internal/cancelreg"
	"github.com/intersystems-community/iris-pgwire/internal/metrics"
	"github.com/intersystems-community/iris-pgwire/internal/translate"
	psqlerr "github.com/intersystems-community/iris-pgwire/pgerror"
	"github.com/intersystems-community/iris-pgwire/pkg/buffer"
	"github.com/intersystems-community/iris-pgwire/pkg/types"
)

// defaultMaxSessions bounds the number of concurrently served connections
// when the MaxSessions option is left unset.
const defaultMaxSessions = 1000

// defaultShutdownGrace is how long Close waits for in-flight sessions to
// finish on their own before forcing an AdminShutdown on what remains.
const defaultShutdownGrace = 5 * time.Second

// ListenAndServe opens a new Postgres server using the given address and
// default configurations. The given handler function is used to handle simple
// queries. This method should be used to construct a simple Postgres server for
// testing purposes or simple use cases.
func ListenAndServe(address string, handler ParseFn) error {
	server, err := NewServer(handler)
	if err != nil {
		return err
	}

	return server.ListenAndServe(address)
}

// NewServer constructs a new Postgres server using the given parse function and server options.
func NewServer(parse ParseFn, options ...OptionFn) (*Server, error) {
	registry := cancelreg.NewRegistry()

	srv := &Server{
		parse:          parse,
		logger:         slog.Default(),
		closer:         make(chan struct{}),
		types:          pgtype.NewMap(),
		Statements:     &DefaultStatementCache{},
		Portals:        &DefaultPortalCache{},
		Session:        func(ctx context.Context) (context.Context, error) { return ctx, nil },
		cancelReg:      registry,
		CancelRequest:  registry.Cancel,
		MaxSessions:    defaultMaxSessions,
		ShutdownGrace:  defaultShutdownGrace,
		conns:          make(map[net.Conn]struct{}),
	}

	for _, option := range options {
		option(srv)
	}

	if srv.translateCache != nil {
		srv.translateCache.Observe(srv.metrics.TranslateHit, srv.metrics.TranslateMiss)
	}

	if srv.MaxSessions <= 0 {
		srv.MaxSessions = defaultMaxSessions
	}
	srv.sessionSlots = make(chan struct{}, srv.MaxSessions)

	return srv, nil
}

// Server contains options for listening to an address.
type Server struct {
	closing         atomic.Bool
	wg              sync.WaitGroup
	logger          *slog.Logger
	types           *pgtype.Map
	Auth            AuthStrategy
	BufferedMsgSize int
	Parameters      Parameters
	TLSConfig       *tls.Config
	Certificates    []tls.Certificate
	ClientCAs       *x509.CertPool
	ClientAuth      tls.ClientAuthType
	parse           ParseFn
	Session         SessionHandler
	Statements      StatementCache
	Portals         PortalCache
	CloseConn       CloseFn
	TerminateConn   CloseFn
	Version         string
	// CancelRequest, if set, is invoked when a client opens a new connection
	// carrying a CancelRequest startup message instead of a normal StartupMessage.
	CancelRequest func(ctx context.Context, processID, secretKey int32) error
	// MaxSessions bounds the number of connections served concurrently; once
	// reached, Accept keeps pulling connections off the socket backlog but
	// blocks handing them to a session task until a slot frees up. Defaults
	// to defaultMaxSessions when left at zero.
	MaxSessions int
	// ShutdownGrace is how long Close waits for sessions in flight to finish
	// on their own before sending them an AdminShutdown ErrorResponse and
	// closing their connections outright.
	ShutdownGrace time.Duration
	// StatementTimeout bounds how long a single statement's execution may
	// run before it is aborted with a QueryCanceled/timeout ErrorResponse.
	// Zero (the default) disables the timeout.
	StatementTimeout time.Duration
	cancelReg      *cancelreg.Registry
	metrics        *metrics.Metrics
	translateCache *translate.Cache
	closer         chan struct{}
	sessionSlots   chan struct{}
	connsMu        sync.Mutex
	conns          map[net.Conn]struct{}
}

// ListenAndServe opens a new Postgres server on the preconfigured address and
// starts accepting and serving incoming client connections.
func (srv *Server) ListenAndServe(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	return srv.Serve(listener)
}

// Serve accepts and serves incoming Postgres client connections using the
// preconfigured configurations. The given listener will be closed once the
// server is gracefully closed.
func (srv *Server) Serve(listener net.Listener) error {
	defer srv.logger.Info("closing server")

	srv.logger.Info("serving incoming connections", slog.String("addr", listener.Addr().String()))
	srv.wg.Add(1)

	// NOTE: handle graceful shutdowns
	go func() {
		defer srv.wg.Done()
		<-srv.closer

		err := listener.Close()
		if err != nil {
			srv.logger.Error("unexpected error while attempting to close the net listener", "err", err)
		}
	}()

	for {
		conn, err := listener.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}

		if err != nil {
			return err
		}

		go func() {
			select {
			case srv.sessionSlots <- struct{}{}:
			case <-srv.closer:
				conn.Close()
				return
			}
			defer func() { <-srv.sessionSlots }()

			srv.trackConn(conn)
			defer srv.untrackConn(conn)

			ctx := context.Background()
			err := srv.serve(ctx, conn)
			if err != nil {
				srv.logger.Error("an unexpected error got returned while serving a client connectio", "err", err)
			}
		}()
	}
}

func (srv *Server) trackConn(conn net.Conn) {
	srv.connsMu.Lock()
	defer srv.connsMu.Unlock()
	srv.conns[conn] = struct{}{}
}

func (srv *Server) untrackConn(conn net.Conn) {
	srv.connsMu.Lock()
	defer srv.connsMu.Unlock()
	delete(srv.conns, conn)
}

func (srv *Server) serve(ctx context.Context, conn net.Conn) error {
	ctx = setTypeInfo(ctx, srv.types)
	ctx = setRemoteAddress(ctx, conn.RemoteAddr().String())
	ctx = setTransactionState(ctx)
	defer conn.Close()

	srv.metrics.SessionStarted()
	defer srv.metrics.SessionEnded()

	srv.logger.Debug("serving a new client connection")

	conn, version, reader, err := srv.Handshake(conn)
	if err != nil {
		return err
	}

	if version == types.VersionCancel {
		return conn.Close()
	}

	srv.logger.Debug("handshake successfull, validating authentication")

	writer := buffer.NewWriter(srv.logger, conn)
	ctx, err = srv.readClientParameters(ctx, reader)
	if err != nil {
		return err
	}

	ctx, err = srv.handleAuth(ctx, reader, writer)
	if err != nil {
		return err
	}

	srv.logger.Debug("connection authenticated, writing server parameters")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	processID, secretKey, err := srv.cancelReg.Register(cancel)
	if err != nil {
		return err
	}
	defer srv.cancelReg.Unregister(processID)

	ctx, err = srv.writeParameters(ctx, writer, srv.Parameters)
	if err != nil {
		return err
	}

	writer.Start(types.ServerBackendKeyData)
	writer.AddInt32(processID)
	writer.AddInt32(secretKey)
	if err := writer.End(); err != nil {
		return err
	}

	ctx, err = srv.Session(ctx)
	if err != nil {
		return err
	}

	return srv.consumeCommands(ctx, conn, reader, writer)
}

// Close gracefully closes the underlaying Postgres server. Accepting new
// connections stops immediately; sessions already in flight are given
// ShutdownGrace to finish on their own before being sent an AdminShutdown
// ErrorResponse and closed outright.
func (srv *Server) Close() error {
	if srv.closing.Load() {
		return nil
	}

	srv.closing.Store(true)
	close(srv.closer)
	srv.wg.Wait()

	grace := srv.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	time.Sleep(grace)
	srv.shutdownRemaining()

	return nil
}

// shutdownRemaining sends an AdminShutdown ErrorResponse to every still-open
// connection and closes it. Errors writing the notice are ignored: the
// connection is being torn down regardless.
func (srv *Server) shutdownRemaining() {
	srv.connsMu.Lock()
	remaining := make([]net.Conn, 0, len(srv.conns))
	for conn := range srv.conns {
		remaining = append(remaining, conn)
	}
	srv.connsMu.Unlock()

	if len(remaining) == 0 {
		return
	}

	srv.logger.Info("forcing shutdown of remaining sessions", slog.Int("count", len(remaining)))
	shutdownErr := psqlerr.WithSeverity(psqlerr.WithCode(errors.New("server is shutting down"), codes.AdminShutdown), psqlerr.LevelFatal)

	for _, conn := range remaining {
		writer := buffer.NewWriter(srv.logger, conn)
		_ = ErrorCode(context.Background(), writer, shutdownErr)
		conn.Close()
	}
}

// statementContext bounds ctx by the server's configured StatementTimeout.
// The returned cancel must be deferred by the caller; when no timeout is
// configured it is a no-op and ctx is returned unchanged.
func (srv *Server) statementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if srv.StatementTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, srv.StatementTimeout)
}
