package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderLen = 8

	// MaxPayloadLen bounds the payload a stream reader will accept.
	MaxPayloadLen = 1 << 20
)

var (
	ErrTooShort        = errors.New("ipc: buffer shorter than frame header")
	ErrTruncated       = errors.New("ipc: payload shorter than declared length")
	ErrUnknownOpcode   = errors.New("ipc: unknown opcode")
	ErrPayloadTooLarge = errors.New("ipc: payload too large")
)

// ProtocolError reports malformed frame bytes. Err is one of the sentinel
// errors above.
type ProtocolError struct {
	Err       error
	Op        OpCode
	Declared  uint32
	Available int
}

func (e *ProtocolError) Error() string {
	switch {
	case errors.Is(e.Err, ErrTooShort):
		return fmt.Sprintf("%v: got %d bytes", e.Err, e.Available)
	case errors.Is(e.Err, ErrUnknownOpcode):
		return fmt.Sprintf("%v: %d", e.Err, uint32(e.Op))
	case errors.Is(e.Err, ErrPayloadTooLarge):
		return fmt.Sprintf("%v: declared %d, limit %d", e.Err, e.Declared, MaxPayloadLen)
	default:
		return fmt.Sprintf("%v: declared %d, available %d", e.Err, e.Declared, e.Available)
	}
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Encode lays f out as header || payload. The declared length is always the
// length of the payload written.
func Encode(f Frame) []byte {
	payload := f.Payload()
	buf := make([]byte, HeaderLen+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(f.Op()))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf
}

// Decode parses one frame from the start of b. Bytes past the declared
// payload length are ignored, so b may be an oversized scratch buffer.
func Decode(b []byte) (Frame, error) {
	op, length, err := decodeHeader(b)
	if err != nil {
		return nil, err
	}
	avail := len(b) - HeaderLen
	if uint64(length) > uint64(avail) {
		return nil, &ProtocolError{Err: ErrTruncated, Op: op, Declared: length, Available: avail}
	}
	// length <= avail, so it fits in an int on every platform.
	n := int(length)
	payload := make([]byte, n)
	copy(payload, b[HeaderLen:HeaderLen+n])

	switch op {
	case OpHandshake:
		return Handshake{Body: payload}, nil
	case OpFrame:
		return Data{Body: payload}, nil
	case OpClose:
		return Close{Body: payload}, nil
	case OpPing:
		return Ping{Body: payload}, nil
	case OpPong:
		return Pong{Body: payload}, nil
	default:
		return nil, &ProtocolError{Err: ErrUnknownOpcode, Op: op, Declared: length, Available: avail}
	}
}

func decodeHeader(b []byte) (OpCode, uint32, error) {
	if len(b) < HeaderLen {
		return 0, 0, &ProtocolError{Err: ErrTooShort, Available: len(b)}
	}
	op := OpCode(binary.LittleEndian.Uint32(b[0:4]))
	length := binary.LittleEndian.Uint32(b[4:8])
	return op, length, nil
}
