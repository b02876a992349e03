// Package oid maps Go values to PostgreSQL type OIDs and back, and handles
// the text/binary wire encodings exchanged with a pgwire client. It builds on
// top of pgx's type map for the standard catalog and adds a single
// IRIS-specific extension for vector columns.
package oid

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq/oid"
)

// Vector is the OID reserved for pgvector-style embedding columns. It does not
// collide with any OID in the PostgreSQL 15 catalog (the highest builtin OID
// is in the low 5000s; user extension OIDs such as pgvector's real "vector"
// assign an OID at install time, so we pick a value well outside that range
// to avoid ever colliding with a genuine catalog entry).
const Vector oid.Oid = 16388

// Registry resolves OIDs to encoders/decoders and infers OIDs for untyped Go
// values returned by an executor that does not report column metadata.
type Registry struct {
	types *pgtype.Map
}

// NewRegistry constructs a type registry seeded with the PostgreSQL builtin
// catalog.
func NewRegistry() *Registry {
	return &Registry{types: pgtype.NewMap()}
}

// Infer returns the OID that best represents the given Go value. It is used
// when a result column carries no OID and the server derives one from each
// value as it encodes a row.
func (r *Registry) Infer(value any) oid.Oid {
	switch value.(type) {
	case nil:
		return oid.T_text
	case bool:
		return oid.T_bool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return oid.T_int4
	case float32, float64:
		return oid.T_float8
	case []byte:
		return oid.T_bytea
	case []float32, []float64:
		return Vector
	default:
		return oid.T_text
	}
}

// Encode renders value in the requested wire format for the given OID. A nil
// value always encodes as a SQL NULL regardless of format or OID.
func (r *Registry) Encode(o oid.Oid, format int16, value any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}

	if o == Vector {
		return encodeVector(format, value)
	}

	buf, err := r.types.Encode(uint32(o), format, value, nil)
	if err != nil {
		// Types without a registered codec (or exotic Go values returned by an
		// adapter) fall back to their textual representation.
		return []byte(fmt.Sprintf("%v", value)), nil
	}

	return buf, nil
}

// DecodeParameter parses a wire-format parameter value (as received in a Bind
// message) into a Go value suitable for an executor.
func (r *Registry) DecodeParameter(o oid.Oid, format int16, raw []byte) (any, error) {
	if raw == nil {
		return nil, nil
	}

	if o == Vector {
		return decodeVector(format, raw)
	}

	target, ok := r.types.TypeForOID(uint32(o))
	if !ok {
		return string(raw), nil
	}

	var dst any
	if err := r.types.Scan(target.OID, format, raw, &dst); err != nil {
		// Many parameters arrive as text with an unspecified/inferred OID; fall
		// back to returning the raw string rather than failing the bind.
		return string(raw), nil
	}

	return dst, nil
}

// arrayHeaderSize is the fixed portion of a PostgreSQL array binary payload:
// ndim, a has-null flag, and the element type OID, each int32.
const arrayHeaderSize = 12

// encodeVector renders a []float32/[]float64 as a pgvector-compatible value.
// Text format is "[f1,f2,...]"; binary format is PostgreSQL's standard 1-D
// array binary encoding with a float8 element type, the same layout a real PG
// array of float8 uses, so it carries no dimension-count ceiling the way
// pgvector's own native binary format would.
func encodeVector(format int16, value any) ([]byte, error) {
	vec, err := toFloat32Slice(value)
	if err != nil {
		return nil, err
	}

	if format == 0 {
		parts := make([]string, len(vec))
		for i, f := range vec {
			parts[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
		}
		return []byte("[" + strings.Join(parts, ",") + "]"), nil
	}

	buf := make([]byte, arrayHeaderSize+8+len(vec)*12)
	binary.BigEndian.PutUint32(buf[0:4], 1)                       // ndim
	binary.BigEndian.PutUint32(buf[4:8], 0)                       // no nulls
	binary.BigEndian.PutUint32(buf[8:12], uint32(oid.T_float8))   // element OID
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(vec)))      // dimension size
	binary.BigEndian.PutUint32(buf[16:20], 1)                     // lower bound

	off := arrayHeaderSize + 8
	for _, f := range vec {
		binary.BigEndian.PutUint32(buf[off:off+4], 8)
		binary.BigEndian.PutUint64(buf[off+4:off+12], math.Float64bits(float64(f)))
		off += 12
	}
	return buf, nil
}

func decodeVector(format int16, raw []byte) ([]float32, error) {
	if format == 0 {
		s := strings.TrimSpace(string(raw))
		s = strings.TrimPrefix(s, "[")
		s = strings.TrimSuffix(s, "]")
		if s == "" {
			return []float32{}, nil
		}
		parts := strings.Split(s, ",")
		vec := make([]float32, len(parts))
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
			if err != nil {
				return nil, fmt.Errorf("invalid vector literal element %q: %w", p, err)
			}
			vec[i] = float32(f)
		}
		return vec, nil
	}

	if len(raw) < arrayHeaderSize {
		return nil, fmt.Errorf("binary vector payload too short: %d bytes", len(raw))
	}

	ndim := binary.BigEndian.Uint32(raw[0:4])
	if ndim == 0 {
		return []float32{}, nil
	}
	if ndim != 1 {
		return nil, fmt.Errorf("binary vector payload must be a 1-D array, got %d dimensions", ndim)
	}

	if len(raw) < arrayHeaderSize+8 {
		return nil, fmt.Errorf("binary vector payload missing dimension bounds")
	}

	dims := int(binary.BigEndian.Uint32(raw[arrayHeaderSize : arrayHeaderSize+4]))
	off := arrayHeaderSize + 8

	vec := make([]float32, dims)
	for i := 0; i < dims; i++ {
		if len(raw) < off+4 {
			return nil, fmt.Errorf("binary vector payload truncated at element %d", i)
		}
		length := int32(binary.BigEndian.Uint32(raw[off : off+4]))
		off += 4
		if length != 8 {
			return nil, fmt.Errorf("binary vector payload element %d has unsupported length %d", i, length)
		}
		if len(raw) < off+8 {
			return nil, fmt.Errorf("binary vector payload truncated reading element %d", i)
		}
		bits := binary.BigEndian.Uint64(raw[off : off+8])
		vec[i] = float32(math.Float64frombits(bits))
		off += 8
	}

	if off != len(raw) {
		return nil, fmt.Errorf("binary vector payload length mismatch for %d dimensions", dims)
	}

	return vec, nil
}

func toFloat32Slice(value any) ([]float32, error) {
	switch v := value.(type) {
	case []float32:
		return v, nil
	case []float64:
		out := make([]float32, len(v))
		for i, f := range v {
			out[i] = float32(f)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value of type %T cannot be encoded as a vector", value)
	}
}
