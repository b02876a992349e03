package wire

import (
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/intersystems-community/iris-pgwire/internal/oid"
	pqoid "github.com/lib/pq/oid"
)

// NewParameter constructs a bound parameter value received from a client
// during the extended query protocol's Bind step.
func NewParameter(types *pgtype.Map, format FormatCode, value []byte) Parameter {
	return Parameter{
		types:  types,
		format: format,
		value:  value,
	}
}

// Parameter represents a single bound parameter value ($1, $2, ...) as
// received over the wire. It carries its raw bytes plus enough context to
// decode them once the statement's declared parameter OID is known.
type Parameter struct {
	types  *pgtype.Map
	format FormatCode
	value  []byte
}

// Format returns the wire format (text or binary) the value was sent in.
func (p Parameter) Format() FormatCode {
	return p.format
}

// Value returns the raw, still wire-encoded parameter bytes. A nil slice
// represents SQL NULL.
func (p Parameter) Value() []byte {
	return p.value
}

// Decode converts the raw parameter bytes into a Go value appropriate for
// the given declared OID. If o is zero, the parameter's OID is treated as
// unspecified and the value is returned as a string.
func (p Parameter) Decode(o pqoid.Oid) (any, error) {
	if p.value == nil {
		return nil, nil
	}

	registry := oid.NewRegistry()
	if o == 0 {
		return string(p.value), nil
	}

	return registry.DecodeParameter(o, int16(p.format), p.value)
}
