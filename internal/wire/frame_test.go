package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// roundTrip encodes f, decodes the result, and returns the decoded frame.
func roundTrip(t *testing.T, f Frame) Frame {
	t.Helper()

	buf, err := Encode(f)
	require.NoError(t, err)

	header, err := DecodeHeader(buf[:HeaderSize])
	require.NoError(t, err)

	got, err := Decode(header, buf[HeaderSize:])
	require.NoError(t, err)
	return got
}

func TestRoundTripEachValueType(t *testing.T) {
	cases := []struct {
		name  string
		value Value
	}{
		{"string", String("alpha")},
		{"empty string", String("")},
		{"int32", Int32(-7)},
		{"int64", Int64(-1 << 40)},
		{"uint32", Uint32(7)},
		{"uint64", Uint64(1 << 40)},
		{"float32", Float32(3.5)},
		{"float64 negative zero", Float64(nzero())},
		{"float64 nan", Float64(nan())},
		{"bool true", Bool(true)},
		{"bool false", Bool(false)},
		{"unknown", Unknown()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := Frame{Op: OpGet, MessageID: 42, Params: []Value{tc.value}}
			got := roundTrip(t, f)

			require.Equal(t, f.Op, got.Op)
			require.Equal(t, f.MessageID, got.MessageID)
			require.Len(t, got.Params, 1)
			require.Equal(t, tc.value.Type, got.Params[0].Type)
			require.True(t, tc.value.SameBits(got.Params[0]), "bit pattern must round-trip exactly")
		})
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	f := Frame{Op: OpGet, MessageID: 1}
	buf, err := Encode(f)
	require.NoError(t, err)

	buf[0] ^= 0xFF

	_, err = DecodeHeader(buf[:HeaderSize])
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeRejectsUnknownOp(t *testing.T) {
	f := Frame{Op: OpGet, MessageID: 1}
	buf, err := Encode(f)
	require.NoError(t, err)

	buf[2] = 0xFF
	buf[3] = 0xFF

	_, err = DecodeHeader(buf[:HeaderSize])
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeRejectsOversizedPayload(t *testing.T) {
	h := Header{Magic: Magic, Op: OpGet, PayloadLength: MaxPayloadLength + 1}
	buf := make([]byte, HeaderSize)
	encodeHeaderForTest(buf, h)

	_, err := DecodeHeader(buf)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeRejectsStringMissingTerminator(t *testing.T) {
	f := Frame{Op: OpSet, MessageID: 1, Params: []Value{String("oops")}}
	buf, err := Encode(f)
	require.NoError(t, err)

	// Corrupt the trailing NUL of the single string parameter.
	buf[len(buf)-1] = 'x'

	header, err := DecodeHeader(buf[:HeaderSize])
	require.NoError(t, err)
	_, err = Decode(header, buf[HeaderSize:])
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeRejectsTruncatedBody(t *testing.T) {
	f := Frame{Op: OpSet, MessageID: 1, Params: []Value{String("alpha"), Int32(3)}}
	buf, err := Encode(f)
	require.NoError(t, err)

	header, err := DecodeHeader(buf[:HeaderSize])
	require.NoError(t, err)

	_, err = Decode(header, buf[HeaderSize:len(buf)-2])
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestLegacyTypeTagsNormalize(t *testing.T) {
	v, err := decodeValue(legacyTypeLong, encodeValueBytes(Int64(-9)))
	require.NoError(t, err)
	require.Equal(t, TypeInt64, v.Type)
	require.Equal(t, int64(-9), v.AsInt64())

	v, err = decodeValue(legacyTypeInt, encodeValueBytes(Int32(9)))
	require.NoError(t, err)
	require.Equal(t, TypeInt32, v.Type)
}

func TestSameBitsDistinguishesSignedZero(t *testing.T) {
	a := Float64(0.0)
	b := Float64(nzero())
	require.False(t, a.SameBits(b))
}

func nan() float64 {
	var z float64
	return z / z
}

func nzero() float64 {
	var z float64
	return -z
}

// encodeHeaderForTest writes a Header directly, bypassing validation,
// so tests can construct protocol violations.
func encodeHeaderForTest(buf []byte, h Header) {
	putU16(buf[0:2], h.Magic)
	putU16(buf[2:4], uint16(h.Op))
	putU32(buf[4:8], h.MessageID)
	putU32(buf[8:12], h.PayloadLength)
	putU32(buf[12:16], h.ParamCount)
}

func putU16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
