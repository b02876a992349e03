package wire

import (
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigOptionsAppliesOnlySetFields(t *testing.T) {
	cfg := Config{ListenAddress: "127.0.0.1:5432"}
	srv, err := NewServer(echoHandler, cfg.Options()...)
	require.NoError(t, err)
	assert.Equal(t, defaultMaxSessions, srv.MaxSessions)
	assert.Zero(t, srv.StatementTimeout)
	assert.Nil(t, srv.TLSConfig)
}

func TestConfigOptionsWiresMaxConnectionsAndTimeout(t *testing.T) {
	cfg := Config{
		MaxConnections:   42,
		StatementTimeout: 250 * time.Millisecond,
		TLS:              &tls.Config{},
	}

	srv, err := NewServer(echoHandler, cfg.Options()...)
	require.NoError(t, err)
	assert.Equal(t, 42, srv.MaxSessions)
	assert.Equal(t, 250*time.Millisecond, srv.StatementTimeout)
	assert.NotNil(t, srv.TLSConfig)
}
