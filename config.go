package wire

import (
	"crypto/tls"
	"time"
)

// Config is the typed configuration surface an external entry point (a CLI,
// a flag.FlagSet, an env-var reader) populates and hands to NewServer via
// Options. The core never reads os.Getenv or a flag set itself.
//
// Field names mirror the environment variables an entry point typically
// sources them from: ListenAddress from PGWIRE_HOST/PGWIRE_PORT, TLS from
// PGWIRE_SSL_ENABLED (plus certificate material), MaxConnections from
// PGWIRE_MAX_CONNECTIONS, StatementTimeout from PGWIRE_STATEMENT_TIMEOUT_MS.
type Config struct {
	// ListenAddress is the host:port for the entry point to pass to
	// ListenAndServe; Options does not consume it.
	ListenAddress string
	// TLS configures the optional TLS upgrade performed on SSLRequest. A
	// nil value disables TLS support entirely; the server then replies
	// 'N' to every SSLRequest.
	TLS *tls.Config
	// MaxConnections bounds the number of sessions served concurrently.
	// Zero leaves the server's default (1000) in place.
	MaxConnections int
	// StatementTimeout aborts a statement that runs past this duration.
	// Zero disables the timeout.
	StatementTimeout time.Duration
}

// Options translates c into the OptionFns NewServer expects, so an entry
// point only has to populate a Config rather than learn the individual
// option constructors.
func (c Config) Options() []OptionFn {
	var opts []OptionFn

	if c.TLS != nil {
		opts = append(opts, TLSConfig(c.TLS))
	}
	if c.MaxConnections > 0 {
		opts = append(opts, MaxSessions(c.MaxConnections))
	}
	if c.StatementTimeout > 0 {
		opts = append(opts, StatementTimeout(c.StatementTimeout))
	}

	return opts
}
