package wire

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(_ context.Context, _ string) (PreparedStatements, error) {
	statement := NewStatement(StatementFn(func(ctx context.Context, writer DataWriter, parameters []Parameter) error {
		return writer.Complete("OK")
	}), nil, nil)
	return PreparedStatements{statement}, nil
}

func TestNewServerAppliesDefaultMaxSessions(t *testing.T) {
	srv, err := NewServer(echoHandler)
	require.NoError(t, err)
	assert.Equal(t, defaultMaxSessions, srv.MaxSessions)
	assert.Equal(t, defaultMaxSessions, cap(srv.sessionSlots))
}

func TestMaxSessionsOptionOverridesDefault(t *testing.T) {
	srv, err := NewServer(echoHandler, MaxSessions(5))
	require.NoError(t, err)
	assert.Equal(t, 5, srv.MaxSessions)
	assert.Equal(t, 5, cap(srv.sessionSlots))
}

func TestServeStopsAcceptingOnClose(t *testing.T) {
	srv, err := NewServer(echoHandler, ShutdownGrace(time.Millisecond))
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(listener) }()

	require.NoError(t, srv.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

// TestCloseForciblyClosesInFlightConnections starts a session that never
// completes its handshake (the client sends nothing), then confirms Close
// tears it down once ShutdownGrace elapses rather than waiting forever.
func TestCloseForciblyClosesInFlightConnections(t *testing.T) {
	srv, err := NewServer(echoHandler, ShutdownGrace(20*time.Millisecond))
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()

	go srv.Serve(listener) //nolint:errcheck

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// give the accept loop time to register the connection's session.
	time.Sleep(20 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- srv.Close() }()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	var readErr error
	for readErr == nil {
		_, readErr = conn.Read(buf)
	}
	var netErr net.Error
	if assert.ErrorAs(t, readErr, &netErr) {
		assert.False(t, netErr.Timeout(), "connection should be actively closed, not left hanging until the read deadline")
	}

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}
