package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the fixed constant that opens every frame, rejecting stray
// traffic. Stable ABI between client and server.
const Magic uint16 = 0xB5B5

// HeaderSize is the fixed frame header length in bytes:
// magic(2) + op(2) + message-id(4) + payload-length(4) + param-count(4).
const HeaderSize = 2 + 2 + 4 + 4 + 4

// paramHeaderSize is the fixed per-parameter header: type(4) + length(4).
const paramHeaderSize = 4 + 4

// MaxPayloadLength is the hard ceiling on a frame's declared payload
// length.
const MaxPayloadLength = 4 * 1024 * 1024

// Op identifies the operation carried by a frame.
type Op uint16

// Op values are stable ABI and must match bit-exactly between client
// and server.
const (
	OpSet Op = iota + 1
	OpSetLabel
	OpCreateGroup
	OpRemoveGroup
	OpGet
	OpGetType
	OpUnset
	OpList
	OpStatus
	OpNotify
	OpUnnotify
	OpChanged
	OpGetLabel
)

var opNames = map[Op]string{
	OpSet:         "SET",
	OpSetLabel:    "SET_LABEL",
	OpCreateGroup: "CREATE_GROUP",
	OpRemoveGroup: "REMOVE_GROUP",
	OpGet:         "GET",
	OpGetType:     "GET_TYPE",
	OpUnset:       "UNSET",
	OpList:        "LIST",
	OpStatus:      "STATUS",
	OpNotify:      "NOTIFY",
	OpUnnotify:    "UNNOTIFY",
	OpChanged:     "CHANGED",
	OpGetLabel:    "GET_LABEL",
}

// String returns the op's wire name.
func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("Op(%d)", uint16(o))
}

// valid reports whether o is one of the frame protocol's defined ops.
func (o Op) valid() bool {
	_, ok := opNames[o]
	return ok
}

// Status is the result code carried as the first parameter of a reply.
type Status int32

// Status codes are stable ABI.
const (
	StatusOk Status = iota
	StatusDenied
	StatusNotFound
	StatusTypeMismatch
	StatusInvalid
	StatusBackend
)

var statusNames = map[Status]string{
	StatusOk:           "Ok",
	StatusDenied:       "Denied",
	StatusNotFound:     "NotFound",
	StatusTypeMismatch: "TypeMismatch",
	StatusInvalid:      "Invalid",
	StatusBackend:      "Backend",
}

// String returns the status's name.
func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// ErrMalformedFrame is returned for any frame that violates the codec's
// guarantees: a bad magic, an unknown op, a declared payload
// length outside bounds, an unknown parameter type, or a string
// parameter not terminated within its declared length. The session that
// produced it must be terminated; no partial state is committed.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is a fully decoded protocol message.
type Frame struct {
	Op        Op
	MessageID uint32
	Params    []Value
}

// Header describes the fixed-size frame preamble, used by the session
// read state machine to learn how many more bytes to buffer
// before a frame can be decoded.
type Header struct {
	Magic         uint16
	Op            Op
	MessageID     uint32
	PayloadLength uint32
	ParamCount    uint32
}

// DecodeHeader parses the fixed HeaderSize-byte preamble. It rejects a
// bad magic, an unknown op, and a payload length above
// MaxPayloadLength.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("header needs %d bytes, got %d: %w", HeaderSize, len(b), ErrMalformedFrame)
	}

	h := Header{
		Magic:         binary.LittleEndian.Uint16(b[0:2]),
		Op:            Op(binary.LittleEndian.Uint16(b[2:4])),
		MessageID:     binary.LittleEndian.Uint32(b[4:8]),
		PayloadLength: binary.LittleEndian.Uint32(b[8:12]),
		ParamCount:    binary.LittleEndian.Uint32(b[12:16]),
	}

	if h.Magic != Magic {
		return Header{}, fmt.Errorf("bad magic %#x: %w", h.Magic, ErrMalformedFrame)
	}
	if !h.Op.valid() {
		return Header{}, fmt.Errorf("unknown op %d: %w", h.Op, ErrMalformedFrame)
	}
	if h.PayloadLength > MaxPayloadLength {
		return Header{}, fmt.Errorf("payload length %d exceeds ceiling %d: %w", h.PayloadLength, MaxPayloadLength, ErrMalformedFrame)
	}

	return h, nil
}

// Decode parses a complete frame: the HeaderSize-byte header followed
// by exactly header.PayloadLength bytes of parameter data. body must be
// precisely that many bytes (the session's read state machine is
// responsible for buffering exactly that much before calling Decode).
func Decode(header Header, body []byte) (Frame, error) {
	if uint32(len(body)) != header.PayloadLength {
		return Frame{}, fmt.Errorf("expected payload of %d bytes, got %d: %w", header.PayloadLength, len(body), ErrMalformedFrame)
	}

	params := make([]Value, 0, header.ParamCount)
	off := 0
	for i := uint32(0); i < header.ParamCount; i++ {
		if len(body)-off < paramHeaderSize {
			return Frame{}, fmt.Errorf("truncated parameter %d header: %w", i, ErrMalformedFrame)
		}
		rawType := Type(binary.LittleEndian.Uint32(body[off : off+4]))
		length := binary.LittleEndian.Uint32(body[off+4 : off+8])
		off += paramHeaderSize

		if uint64(off)+uint64(length) > uint64(len(body)) {
			return Frame{}, fmt.Errorf("parameter %d declares %d bytes past end of payload: %w", i, length, ErrMalformedFrame)
		}
		payload := body[off : off+int(length)]
		off += int(length)

		v, err := decodeValue(rawType, payload)
		if err != nil {
			return Frame{}, fmt.Errorf("decode parameter %d: %w: %w", i, err, ErrMalformedFrame)
		}
		params = append(params, v)
	}

	if off != len(body) {
		return Frame{}, fmt.Errorf("trailing bytes after last parameter: %w", ErrMalformedFrame)
	}

	return Frame{Op: header.Op, MessageID: header.MessageID, Params: params}, nil
}

// Encode serializes a Frame into a single wire buffer: header followed
// by each parameter's type/length/bytes triple.
func Encode(f Frame) ([]byte, error) {
	paramBytes := make([][]byte, len(f.Params))
	payloadLen := 0
	for i, p := range f.Params {
		b := encodeValueBytes(p)
		paramBytes[i] = b
		payloadLen += paramHeaderSize + len(b)
	}

	if payloadLen > MaxPayloadLength {
		return nil, fmt.Errorf("encoded payload %d exceeds ceiling %d: %w", payloadLen, MaxPayloadLength, ErrMalformedFrame)
	}

	buf := make([]byte, HeaderSize+payloadLen)
	binary.LittleEndian.PutUint16(buf[0:2], Magic)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(f.Op))
	binary.LittleEndian.PutUint32(buf[4:8], f.MessageID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(payloadLen))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(f.Params)))

	off := HeaderSize
	for i, p := range f.Params {
		b := paramBytes[i]
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(p.Type))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(len(b)))
		off += paramHeaderSize
		copy(buf[off:], b)
		off += len(b)
	}

	return buf, nil
}
