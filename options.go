package wire

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"time"

	"github.com/intersystems-community/iris-pgwire/executor"
	"github.com/intersystems-community/iris-pgwire/internal/metrics"
	"github.com/intersystems-community/iris-pgwire/internal/translate"
)

// OptionFn follows the functional options pattern to configure a new Server.
type OptionFn func(*Server)

// SessionAuthStrategy sets the strategy used to authenticate new connections.
// When unset, connections are accepted without authentication.
func SessionAuthStrategy(auth AuthStrategy) OptionFn {
	return func(srv *Server) {
		srv.Auth = auth
	}
}

// SessionMiddleware sets the handler invoked once per connection after
// authentication succeeds and before the connection is considered ready for
// query.
func SessionMiddleware(handler SessionHandler) OptionFn {
	return func(srv *Server) {
		srv.Session = handler
	}
}

// CloseConn sets the handler invoked when a connection's underlying net.Conn
// is closed, for any reason.
func CloseConn(fn CloseFn) OptionFn {
	return func(srv *Server) {
		srv.CloseConn = fn
	}
}

// TerminateConn sets the handler invoked when a client explicitly sends a
// Terminate message.
func TerminateConn(fn CloseFn) OptionFn {
	return func(srv *Server) {
		srv.TerminateConn = fn
	}
}

// Version sets the server_version parameter status value reported to
// clients during startup.
func Version(version string) OptionFn {
	return func(srv *Server) {
		srv.Version = version
	}
}

// Logger overrides the server's structured logger.
func Logger(logger *slog.Logger) OptionFn {
	return func(srv *Server) {
		srv.logger = logger
	}
}

// BufferedMsgSize overrides the maximum protocol message size the server
// will accept before returning a message-size-exceeded error.
func BufferedMsgSize(size int) OptionFn {
	return func(srv *Server) {
		srv.BufferedMsgSize = size
	}
}

// GlobalParameters sets additional ParameterStatus key/value pairs announced
// to every client at startup, alongside the hardwired ones.
func GlobalParameters(params Parameters) OptionFn {
	return func(srv *Server) {
		srv.Parameters = params
	}
}

// TLSConfig installs a base TLS configuration used when a client requests an
// SSL upgrade. It replaces the server's TLS configuration as a whole; the
// dedicated options below write into the configuration in place, so they
// override the matching fields of cfg only when applied after TLSConfig.
func TLSConfig(cfg *tls.Config) OptionFn {
	return func(srv *Server) {
		srv.TLSConfig = cfg
	}
}

// Certificates sets the server certificate chain offered during a TLS
// upgrade.
func Certificates(certs []tls.Certificate) OptionFn {
	return func(srv *Server) {
		if srv.TLSConfig == nil {
			srv.TLSConfig = &tls.Config{}
		}
		srv.TLSConfig.Certificates = certs
		srv.Certificates = certs
	}
}

// ClientCAs sets the certificate pool used to verify client certificates
// when ClientAuth requires one.
func ClientCAs(pool *x509.CertPool) OptionFn {
	return func(srv *Server) {
		srv.ClientCAs = pool
		if srv.TLSConfig == nil {
			srv.TLSConfig = &tls.Config{}
		}
		srv.TLSConfig.ClientCAs = pool
	}
}

// RequireClientAuth sets the TLS client authentication policy.
func RequireClientAuth(authType tls.ClientAuthType) OptionFn {
	return func(srv *Server) {
		srv.ClientAuth = authType
		if srv.TLSConfig == nil {
			srv.TLSConfig = &tls.Config{}
		}
		srv.TLSConfig.ClientAuth = authType
	}
}

// CancelHandler installs the handler invoked when a client opens a
// CancelRequest connection targeting a previously issued BackendKeyData pid/secret.
func CancelHandler(fn func(ctx context.Context, processID, secretKey int32) error) OptionFn {
	return func(srv *Server) {
		srv.CancelRequest = fn
	}
}

// Statements overrides the default in-memory StatementCache.
func Statements(cache StatementCache) OptionFn {
	return func(srv *Server) {
		srv.Statements = cache
	}
}

// Portals overrides the default in-memory PortalCache.
func Portals(cache PortalCache) OptionFn {
	return func(srv *Server) {
		srv.Portals = cache
	}
}

// Executor installs ex as the backend every translated query runs against,
// replacing the server's default ParseFn (set via Parse, if any) with one
// that translates PostgreSQL-dialect SQL to IRIS's dialect before handing
// it to ex. The translation cache holds at most cacheSize entries, each
// valid for ttl.
func Executor(ex executor.Executor, cacheSize int, ttl time.Duration) OptionFn {
	return func(srv *Server) {
		cache := translate.NewCache(cacheSize, ttl)
		srv.translateCache = cache
		srv.parse = NewExecutorParseFn(ex, cache)
	}
}

// Parse overrides the server's ParseFn directly, bypassing the
// translation/executor adapter installed by Executor. Options are applied
// in order, so a later Parse call wins over an earlier Executor call and
// vice versa.
func Parse(parse ParseFn) OptionFn {
	return func(srv *Server) {
		srv.parse = parse
	}
}

// Metrics installs m as the server's Prometheus metrics sink. A nil m (the
// default) disables metrics entirely rather than reporting into a
// throwaway registry.
func Metrics(m *metrics.Metrics) OptionFn {
	return func(srv *Server) {
		srv.metrics = m
	}
}

// MaxSessions bounds the number of connections served concurrently. A
// connection accepted beyond this limit waits for a slot to free up before
// its session begins. Defaults to 1000 when unset or non-positive.
func MaxSessions(n int) OptionFn {
	return func(srv *Server) {
		srv.MaxSessions = n
	}
}

// ShutdownGrace sets how long Close waits for in-flight sessions to finish
// on their own before forcing an AdminShutdown on whatever remains.
func ShutdownGrace(d time.Duration) OptionFn {
	return func(srv *Server) {
		srv.ShutdownGrace = d
	}
}

// StatementTimeout bounds how long a single statement's execution may run
// before it is aborted with a QueryCanceled/timeout ErrorResponse. Zero
// (the default) disables the timeout.
func StatementTimeout(d time.Duration) OptionFn {
	return func(srv *Server) {
		srv.StatementTimeout = d
	}
}
