package oid

import (
	"encoding/binary"
	"testing"

	"github.com/lib/pq/oid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfer(t *testing.T) {
	registry := NewRegistry()

	tests := map[string]struct {
		value any
		want  oid.Oid
	}{
		"nil":     {nil, oid.T_text},
		"bool":    {true, oid.T_bool},
		"int":     {42, oid.T_int4},
		"int32":   {int32(42), oid.T_int4},
		"float64": {3.14, oid.T_float8},
		"bytes":   {[]byte("hello"), oid.T_bytea},
		"vector":  {[]float32{1, 2, 3}, Vector},
		"string":  {"hello", oid.T_text},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.want, registry.Infer(test.value))
		})
	}
}

func TestEncodeNilIsNull(t *testing.T) {
	registry := NewRegistry()
	buf, err := registry.Encode(oid.T_text, 0, nil)
	require.NoError(t, err)
	assert.Nil(t, buf)
}

func TestEncodeAndDecodeText(t *testing.T) {
	registry := NewRegistry()

	buf, err := registry.Encode(oid.T_int4, 0, int32(42))
	require.NoError(t, err)

	value, err := registry.DecodeParameter(oid.T_int4, 0, buf)
	require.NoError(t, err)
	assert.EqualValues(t, 42, value)
}

func TestDecodeParameterUnknownOIDFallsBackToString(t *testing.T) {
	registry := NewRegistry()
	value, err := registry.DecodeParameter(oid.Oid(999999), 0, []byte("raw-value"))
	require.NoError(t, err)
	assert.Equal(t, "raw-value", value)
}

func TestVectorTextRoundTrip(t *testing.T) {
	registry := NewRegistry()

	buf, err := registry.Encode(Vector, 0, []float32{1.5, -2.25, 3})
	require.NoError(t, err)
	assert.Equal(t, "[1.5,-2.25,3]", string(buf))

	value, err := registry.DecodeParameter(Vector, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -2.25, 3}, value)
}

func TestVectorBinaryRoundTrip(t *testing.T) {
	registry := NewRegistry()

	vec := []float32{1.5, -2.25, 3, 0.5}
	buf, err := registry.Encode(Vector, 1, vec)
	require.NoError(t, err)

	value, err := registry.DecodeParameter(Vector, 1, buf)
	require.NoError(t, err)
	assert.Equal(t, vec, value)
}

func TestVectorFromFloat64Slice(t *testing.T) {
	registry := NewRegistry()
	buf, err := registry.Encode(Vector, 0, []float64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, "[1,2]", string(buf))
}

func TestVectorEncodeRejectsWrongType(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Encode(Vector, 0, "not-a-vector")
	assert.Error(t, err)
}

func TestVectorBinaryDecodeRejectsShortPayload(t *testing.T) {
	_, err := decodeVector(1, []byte{0, 1})
	assert.Error(t, err)
}

func TestVectorBinaryDecodeRejectsLengthMismatch(t *testing.T) {
	// Claims 2 dimensions but only carries a single element.
	buf := make([]byte, arrayHeaderSize+8+12)
	binary.BigEndian.PutUint32(buf[0:4], 1)
	binary.BigEndian.PutUint32(buf[arrayHeaderSize:arrayHeaderSize+4], 2)
	binary.BigEndian.PutUint32(buf[arrayHeaderSize+8:arrayHeaderSize+12], 8)
	_, err := decodeVector(1, buf)
	assert.Error(t, err)
}

func TestVectorBinaryRoundTripLargeDimension(t *testing.T) {
	registry := NewRegistry()

	vec := make([]float32, 200000)
	for i := range vec {
		vec[i] = float32(i) * 0.5
	}

	buf, err := registry.Encode(Vector, 1, vec)
	require.NoError(t, err)

	value, err := registry.DecodeParameter(Vector, 1, buf)
	require.NoError(t, err)
	assert.Equal(t, vec, value)
}

func TestVectorTextDecodeEmpty(t *testing.T) {
	vec, err := decodeVector(0, []byte("[]"))
	require.NoError(t, err)
	assert.Equal(t, []float32{}, vec)
}

func TestVectorTextDecodeInvalidElement(t *testing.T) {
	_, err := decodeVector(0, []byte("[1,not-a-number]"))
	assert.Error(t, err)
}
