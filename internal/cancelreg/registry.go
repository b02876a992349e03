// Package cancelreg implements the process-wide registry of in-flight
// connections' (processID, secretKey) pairs used to service PostgreSQL
// CancelRequest messages, per
// https://www.postgresql.org/docs/current/protocol-flow.html#PROTOCOL-FLOW-CANCELING-REQUESTS-IN-PROGRESS
package cancelreg

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"sync"
)

type entry struct {
	secret int32
	cancel func()
}

// Registry maps a connection's BackendKeyData process ID to its secret key
// and a cancel function for whatever query is currently executing on that
// connection.
type Registry struct {
	mu      sync.Mutex
	entries map[int32]entry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[int32]entry)}
}

// Register allocates a new (processID, secretKey) pair, storing cancel as
// the function to invoke should a matching CancelRequest arrive. The caller
// must call Unregister when the connection closes.
func (r *Registry) Register(cancel func()) (processID, secretKey int32, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		processID, err = randomInt32()
		if err != nil {
			return 0, 0, err
		}
		if _, taken := r.entries[processID]; !taken {
			break
		}
	}

	secretKey, err = randomInt32()
	if err != nil {
		return 0, 0, err
	}

	r.entries[processID] = entry{secret: secretKey, cancel: cancel}
	return processID, secretKey, nil
}

// Unregister removes processID from the registry. It is a no-op if the
// process ID is not present.
func (r *Registry) Unregister(processID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, processID)
}

// Cancel invokes the cancel function registered for processID if, and only
// if, secretKey matches what was issued at Register time. An unknown
// process ID or mismatched secret is silently ignored, mirroring real
// PostgreSQL's refusal to confirm or deny which PIDs are valid.
func (r *Registry) Cancel(processID, secretKey int32) error {
	r.mu.Lock()
	e, ok := r.entries[processID]
	r.mu.Unlock()

	if !ok {
		return nil
	}

	have := make([]byte, 4)
	want := make([]byte, 4)
	binary.BigEndian.PutUint32(have, uint32(e.secret))
	binary.BigEndian.PutUint32(want, uint32(secretKey))

	if subtle.ConstantTimeCompare(have, want) != 1 {
		return nil
	}

	e.cancel()
	return nil
}

func randomInt32() (int32, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return 0, err
	}
	// Clear the sign bit; PostgreSQL process IDs and secret keys are
	// conventionally treated as positive 32-bit values on the wire.
	return int32(binary.BigEndian.Uint32(buf) &^ (1 << 31)), nil
}
