// Package wire implements the buxton frame protocol: the fixed header,
// parameter encoding, and the typed scalar value carried by every
// parameter.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Type identifies the scalar variant carried by a Value.
type Type uint32

// Type values are stable ABI and must match bit-exactly between client
// and server.
const (
	TypeUnknown Type = iota
	TypeString
	TypeInt32
	TypeInt64
	TypeUint32
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypeBoolean
)

// legacy type tags from the pre-explicit-width ABI, accepted on decode
// only. An earlier revision of the wire format used these names before
// settling on the explicit-width types above.
const (
	legacyTypeString Type = 100 + iota
	legacyTypeBoolean
	legacyTypeFloat
	legacyTypeInt
	legacyTypeDouble
	legacyTypeLong
)

// typeNames maps a Type to its wire/debug name.
var typeNames = map[Type]string{
	TypeUnknown: "Unknown",
	TypeString:  "String",
	TypeInt32:   "Int32",
	TypeInt64:   "Int64",
	TypeUint32:  "Uint32",
	TypeUint64:  "Uint64",
	TypeFloat32: "Float32",
	TypeFloat64: "Float64",
	TypeBoolean: "Boolean",
}

// String returns the human-readable name of the type.
func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Type(%d)", uint32(t))
}

// normalizeLegacyType maps a legacy type tag to its explicit-width
// successor. Non-legacy types pass through unchanged.
func normalizeLegacyType(t Type) Type {
	switch t {
	case legacyTypeString:
		return TypeString
	case legacyTypeBoolean:
		return TypeBoolean
	case legacyTypeFloat:
		return TypeFloat32
	case legacyTypeInt:
		return TypeInt32
	case legacyTypeDouble:
		return TypeFloat64
	case legacyTypeLong:
		return TypeInt64
	default:
		return t
	}
}

// ErrUnknownType indicates a parameter declared a type tag the codec
// does not recognize.
var ErrUnknownType = errors.New("unknown value type")

// ErrStringNotTerminated indicates a string parameter's declared length
// did not include a NUL terminator within the payload.
var ErrStringNotTerminated = errors.New("string parameter not NUL-terminated within declared length")

// ErrValueTooShort indicates a fixed-width parameter's payload was
// shorter than its type requires.
var ErrValueTooShort = errors.New("value payload too short for declared type")

// Value is a tagged union of the nine scalar variants a key can hold.
// Exactly one of the typed fields is meaningful, selected by Type.
type Value struct {
	Type Type

	str  string
	i32  int32
	i64  int64
	u32  uint32
	u64  uint64
	f32  float32
	f64  float64
	b    bool
}

// String constructs a string-typed Value.
func String(s string) Value { return Value{Type: TypeString, str: s} }

// Int32 constructs a signed 32-bit Value.
func Int32(v int32) Value { return Value{Type: TypeInt32, i32: v} }

// Int64 constructs a signed 64-bit Value.
func Int64(v int64) Value { return Value{Type: TypeInt64, i64: v} }

// Uint32 constructs an unsigned 32-bit Value.
func Uint32(v uint32) Value { return Value{Type: TypeUint32, u32: v} }

// Uint64 constructs an unsigned 64-bit Value.
func Uint64(v uint64) Value { return Value{Type: TypeUint64, u64: v} }

// Float32 constructs a 32-bit IEEE float Value.
func Float32(v float32) Value { return Value{Type: TypeFloat32, f32: v} }

// Float64 constructs a 64-bit IEEE float Value.
func Float64(v float64) Value { return Value{Type: TypeFloat64, f64: v} }

// Bool constructs a boolean Value.
func Bool(v bool) Value { return Value{Type: TypeBoolean, b: v} }

// Unknown constructs the sentinel "unknown" Value used only during
// client-initiated type discovery.
func Unknown() Value { return Value{Type: TypeUnknown} }

// AsString returns the string payload. Callers must check Type first.
func (v Value) AsString() string { return v.str }

// AsInt32 returns the int32 payload.
func (v Value) AsInt32() int32 { return v.i32 }

// AsInt64 returns the int64 payload.
func (v Value) AsInt64() int64 { return v.i64 }

// AsUint32 returns the uint32 payload.
func (v Value) AsUint32() uint32 { return v.u32 }

// AsUint64 returns the uint64 payload.
func (v Value) AsUint64() uint64 { return v.u64 }

// AsFloat32 returns the float32 payload.
func (v Value) AsFloat32() float32 { return v.f32 }

// AsFloat64 returns the float64 payload.
func (v Value) AsFloat64() float64 { return v.f64 }

// AsBool returns the boolean payload.
func (v Value) AsBool() bool { return v.b }

// SameBits reports whether two values of identical type carry the exact
// same bit pattern. Integers compare as two's-complement equality;
// floats compare by raw bits, not numeric equality, so -0.0 and +0.0
// are distinct and NaN is never equal to itself.
func (a Value) SameBits(b Value) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case TypeString:
		return a.str == b.str
	case TypeInt32:
		return a.i32 == b.i32
	case TypeInt64:
		return a.i64 == b.i64
	case TypeUint32:
		return a.u32 == b.u32
	case TypeUint64:
		return a.u64 == b.u64
	case TypeFloat32:
		return math.Float32bits(a.f32) == math.Float32bits(b.f32)
	case TypeFloat64:
		return math.Float64bits(a.f64) == math.Float64bits(b.f64)
	case TypeBoolean:
		return a.b == b.b
	default:
		return true
	}
}

// encodeValueBytes serializes a Value's payload bytes, excluding the
// parameter's type/length header. Integers and floats are
// little-endian; strings are NUL-terminated UTF-8.
func encodeValueBytes(v Value) []byte {
	switch v.Type {
	case TypeString:
		b := make([]byte, len(v.str)+1)
		copy(b, v.str)
		b[len(v.str)] = 0
		return b
	case TypeInt32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(v.i32))
		return b
	case TypeInt64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(v.i64))
		return b
	case TypeUint32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, v.u32)
		return b
	case TypeUint64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, v.u64)
		return b
	case TypeFloat32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(v.f32))
		return b
	case TypeFloat64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(v.f64))
		return b
	case TypeBoolean:
		if v.b {
			return []byte{1}
		}
		return []byte{0}
	default: // TypeUnknown
		return nil
	}
}

// decodeValue reconstructs a Value from a declared type tag and its
// payload bytes. The legacy type tags are accepted and normalized to
// their explicit-width successor on the host's native int width
// (64-bit on every supported platform).
func decodeValue(rawType Type, payload []byte) (Value, error) {
	t := normalizeLegacyType(rawType)
	switch t {
	case TypeUnknown:
		return Value{Type: TypeUnknown}, nil
	case TypeString:
		if len(payload) == 0 || payload[len(payload)-1] != 0 {
			return Value{}, ErrStringNotTerminated
		}
		idx := bytes.IndexByte(payload, 0)
		if idx < 0 || idx != len(payload)-1 {
			return Value{}, ErrStringNotTerminated
		}
		return String(string(payload[:idx])), nil
	case TypeInt32:
		if len(payload) < 4 {
			return Value{}, ErrValueTooShort
		}
		return Int32(int32(binary.LittleEndian.Uint32(payload))), nil
	case TypeInt64:
		if len(payload) < 8 {
			return Value{}, ErrValueTooShort
		}
		return Int64(int64(binary.LittleEndian.Uint64(payload))), nil
	case TypeUint32:
		if len(payload) < 4 {
			return Value{}, ErrValueTooShort
		}
		return Uint32(binary.LittleEndian.Uint32(payload)), nil
	case TypeUint64:
		if len(payload) < 8 {
			return Value{}, ErrValueTooShort
		}
		return Uint64(binary.LittleEndian.Uint64(payload)), nil
	case TypeFloat32:
		if len(payload) < 4 {
			return Value{}, ErrValueTooShort
		}
		return Float32(math.Float32frombits(binary.LittleEndian.Uint32(payload))), nil
	case TypeFloat64:
		if len(payload) < 8 {
			return Value{}, ErrValueTooShort
		}
		return Float64(math.Float64frombits(binary.LittleEndian.Uint64(payload))), nil
	case TypeBoolean:
		if len(payload) < 1 {
			return Value{}, ErrValueTooShort
		}
		return Bool(payload[0] != 0), nil
	default:
		return Value{}, fmt.Errorf("type %d: %w", rawType, ErrUnknownType)
	}
}
