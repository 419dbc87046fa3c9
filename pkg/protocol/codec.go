package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Frame layout:
//
//	u32 big-endian  length of the remainder (id + kind + body)
//	u64 big-endian  message id (monotonic per direction, per session)
//	u8              payload kind tag
//	[]byte          JSON payload body
//
// MaxFrameSize bounds the remainder length. Anything larger is a decode
// error, which terminates the session.
const (
	headerSize   = 8 + 1
	MaxFrameSize = 8 << 20
)

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// Envelope is one decoded wire message.
type Envelope struct {
	MessageID uint64
	Kind      Kind
	Payload   any
}

// NewEnvelope builds an envelope from a concrete payload pointer, deriving
// the kind tag from the payload type.
func NewEnvelope(messageID uint64, payload any) (*Envelope, error) {
	kind, ok := kindOf(payload)
	if !ok {
		return nil, fmt.Errorf("protocol: unknown payload type %T", payload)
	}
	return &Envelope{MessageID: messageID, Kind: kind, Payload: payload}, nil
}

// Encode serializes the envelope into a length-prefixed frame.
func (e *Envelope) Encode() ([]byte, error) {
	body, err := marshalPayload(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding %s payload: %w", e.Kind, err)
	}
	if headerSize+len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, 4+headerSize+len(body))
	binary.BigEndian.PutUint32(frame[0:4], uint32(headerSize+len(body)))
	binary.BigEndian.PutUint64(frame[4:12], e.MessageID)
	frame[12] = byte(e.Kind)
	copy(frame[13:], body)
	return frame, nil
}

// Decode parses a complete length-prefixed frame.
func Decode(frame []byte) (*Envelope, error) {
	if len(frame) < 4 {
		return nil, fmt.Errorf("protocol: short frame (%d bytes)", len(frame))
	}
	length := binary.BigEndian.Uint32(frame[0:4])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if int(length) != len(frame)-4 {
		return nil, fmt.Errorf("protocol: frame length mismatch: prefix %d, remainder %d", length, len(frame)-4)
	}
	return decodeBody(frame[4:])
}

// ReadFrame reads one length-prefixed frame from a byte stream and decodes it.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length < headerSize {
		return nil, fmt.Errorf("protocol: frame too short: %d bytes", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return decodeBody(body)
}

func decodeBody(body []byte) (*Envelope, error) {
	if len(body) < headerSize {
		return nil, fmt.Errorf("protocol: frame too short: %d bytes", len(body))
	}
	messageID := binary.BigEndian.Uint64(body[0:8])
	kind := Kind(body[8])

	payload, ok := payloadFor(kind)
	if !ok {
		return nil, fmt.Errorf("protocol: unknown payload kind %d", kind)
	}
	if err := json.Unmarshal(body[9:], payload); err != nil {
		return nil, fmt.Errorf("protocol: decoding %s payload: %w", kind, err)
	}
	return &Envelope{MessageID: messageID, Kind: kind, Payload: payload}, nil
}
