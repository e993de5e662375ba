// Package framing implements the gateway's length-prefixed binary wire
// protocol: a single header shape shared by REQUEST, RESPONSE
// and PUSH messages, carried over both the TCP and WebSocket front doors.
//
// Wire layout, all multi-byte fields big-endian:
//
//	offset  size  field
//	0       4     TotalLength  — inclusive of these 4 bytes, covers the whole frame
//	4       2     Module       — protocol module (0-255 range, widened to 16 bits)
//	6       2     Method       — method id within the module
//	8       4     SeqID        — echoed verbatim from REQUEST to RESPONSE
//	12      1     Kind         — KindRequest / KindResponse / KindPush
//	13      2     Aux          — ErrorCode when Kind==Response, PushType when Kind==Push, 0 otherwise
//	15      N     Payload      — opaque business bytes
//
// RESPONSE's
// error code and PUSH's push type share one dedicated "Aux" slot instead of
// being packed into SeqID's high bits, so SeqID stays a full 32-bit counter
// on every message kind. See DESIGN.md for the rationale.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed header length in bytes, not including payload.
const HeaderSize = 15

// DefaultMaxFrameLength is the default cap on total frame size (
// gateway.maxFrameLength).
const DefaultMaxFrameLength = 1 << 20 // 1 MiB

// Kind tags whether a GameMessage is a client request, a server response, or
// a server-initiated push.
type Kind uint8

const (
	KindRequest Kind = iota
	KindResponse
	KindPush
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindResponse:
		return "RESPONSE"
	case KindPush:
		return "PUSH"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ErrFrameOverflow is returned when a frame's declared or encoded length
// exceeds the configured cap.
var ErrFrameOverflow = errors.New("framing: frame exceeds maximum length")

// ErrTruncated is returned by Decode when fewer than HeaderSize bytes are
// available — callers should treat this the same as "need more data" when
// reading from a stream (use Decoder for that instead of calling Decode
// directly on partial buffers).
var ErrTruncated = errors.New("framing: truncated frame")

// GameMessage is the decoded form of a wire frame.
type GameMessage struct {
	Kind    Kind
	Module  uint16
	Method  uint16
	SeqID   uint32
	// ErrorCode is meaningful only when Kind == KindResponse.
	ErrorCode uint16
	// PushType is meaningful only when Kind == KindPush.
	PushType uint16
	Payload  []byte
}

// ProtocolID returns the 16-bit "module.method" combined id.
func (m GameMessage) ProtocolID() uint16 {
	return (m.Module << 8) | (m.Method & 0xFF)
}

// Encode serializes m into a new byte slice. It returns ErrFrameOverflow if
// the resulting frame would exceed maxFrameLength (use
// DefaultMaxFrameLength if the caller has no configured cap).
func Encode(m GameMessage, maxFrameLength int) ([]byte, error) {
	total := HeaderSize + len(m.Payload)
	if total > maxFrameLength {
		return nil, fmt.Errorf("%w: encoded size %d exceeds cap %d", ErrFrameOverflow, total, maxFrameLength)
	}

	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint16(buf[4:6], m.Module)
	binary.BigEndian.PutUint16(buf[6:8], m.Method)
	binary.BigEndian.PutUint32(buf[8:12], m.SeqID)
	buf[12] = byte(m.Kind)

	var aux uint16
	switch m.Kind {
	case KindResponse:
		aux = m.ErrorCode
	case KindPush:
		aux = m.PushType
	}
	binary.BigEndian.PutUint16(buf[13:15], aux)
	copy(buf[HeaderSize:], m.Payload)
	return buf, nil
}

// Decode parses a single complete frame from buf. buf must contain exactly
// one frame (use Decoder to pull frames out of a byte stream). The returned
// GameMessage's Payload aliases buf — callers that retain it across buffer
// reuse must copy it.
func Decode(buf []byte) (GameMessage, error) {
	if len(buf) < HeaderSize {
		return GameMessage{}, ErrTruncated
	}

	total := binary.BigEndian.Uint32(buf[0:4])
	if int(total) != len(buf) {
		return GameMessage{}, fmt.Errorf("framing: declared length %d does not match buffer length %d", total, len(buf))
	}

	m := GameMessage{
		Module: binary.BigEndian.Uint16(buf[4:6]),
		Method: binary.BigEndian.Uint16(buf[6:8]),
		SeqID:  binary.BigEndian.Uint32(buf[8:12]),
		Kind:   Kind(buf[12]),
	}
	aux := binary.BigEndian.Uint16(buf[13:15])
	switch m.Kind {
	case KindResponse:
		m.ErrorCode = aux
	case KindPush:
		m.PushType = aux
	}
	m.Payload = buf[HeaderSize:]
	return m, nil
}
