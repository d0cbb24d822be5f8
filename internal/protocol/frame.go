package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame layout:
//
//	byte 0:    message id
//	bytes 1-2: payload length (big-endian)
//	bytes 3+:  payload
const (
	HeaderSize = 3

	// MaxRecordSize bounds one DATA payload (one S-record line).
	MaxRecordSize = 256

	// MaxFrameSize is the largest frame the case accepts.
	MaxFrameSize = HeaderSize + MaxRecordSize

	// VariantSize is the START payload size.
	VariantSize = 4
)

// FrameErrorKind classifies frame decode failures.
type FrameErrorKind string

const (
	FrameTooShort     FrameErrorKind = "too_short"
	FrameTruncated    FrameErrorKind = "truncated"
	FrameUnknownID    FrameErrorKind = "unknown_id"
	FrameBadLength    FrameErrorKind = "bad_length"
	FrameTooLarge     FrameErrorKind = "too_large"
	FrameEmptyPayload FrameErrorKind = "empty_payload"
)

// FrameError reports a malformed case frame.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %s: %s", e.Kind, e.Msg)
}

// IsFrameError reports whether err is a *FrameError.
func IsFrameError(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe)
}

// Frame is one decoded case message.
type Frame struct {
	ID      MessageID
	Payload []byte
}

// Encode builds a frame for id with payload, checking the payload size the
// case expects for that message.
func Encode(id MessageID, payload []byte) ([]byte, error) {
	if err := checkPayload(id, len(payload)); err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(id)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decode parses one complete frame. Trailing bytes beyond the declared length
// are an error.
func Decode(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, &FrameError{Kind: FrameTooShort, Msg: fmt.Sprintf("%d bytes", len(data))}
	}
	id := MessageID(data[0])
	if !id.Valid() {
		return Frame{}, &FrameError{Kind: FrameUnknownID, Msg: fmt.Sprintf("id %d", data[0])}
	}
	n := int(binary.BigEndian.Uint16(data[1:3]))
	if len(data) < HeaderSize+n {
		return Frame{}, &FrameError{Kind: FrameTruncated, Msg: fmt.Sprintf("%s declares %d bytes, have %d", id, n, len(data)-HeaderSize)}
	}
	if len(data) > HeaderSize+n {
		return Frame{}, &FrameError{Kind: FrameBadLength, Msg: fmt.Sprintf("%s declares %d bytes, have %d", id, n, len(data)-HeaderSize)}
	}
	if err := checkPayload(id, n); err != nil {
		return Frame{}, err
	}
	return Frame{ID: id, Payload: data[HeaderSize : HeaderSize+n]}, nil
}

func checkPayload(id MessageID, n int) error {
	if !id.Valid() {
		return &FrameError{Kind: FrameUnknownID, Msg: fmt.Sprintf("id %d", uint8(id))}
	}
	if id == Data {
		if n == 0 {
			return &FrameError{Kind: FrameEmptyPayload, Msg: "DATA without record"}
		}
		if n > MaxRecordSize {
			return &FrameError{Kind: FrameTooLarge, Msg: fmt.Sprintf("record of %d bytes exceeds %d", n, MaxRecordSize)}
		}
		return nil
	}
	if want := payloadSizes[id]; n != want {
		return &FrameError{Kind: FrameBadLength, Msg: fmt.Sprintf("%s payload %d bytes, want %d", id, n, want)}
	}
	return nil
}

// CheckPayload builds the CHECK payload.
func CheckPayload(major, minor uint16) []byte {
	p := make([]byte, 4)
	binary.BigEndian.PutUint16(p[0:2], major)
	binary.BigEndian.PutUint16(p[2:4], minor)
	return p
}

// ParseCheck returns the case's protocol version from a CHECK frame.
func ParseCheck(f Frame) (major, minor uint16) {
	return binary.BigEndian.Uint16(f.Payload[0:2]), binary.BigEndian.Uint16(f.Payload[2:4])
}

// ReadyPayload builds the READY payload.
func ReadyPayload(running Bank) []byte {
	return []byte{byte(running)}
}

// ParseReady returns the bank the case is running from.
func ParseReady(f Frame) Bank {
	return Bank(f.Payload[0] & 0x01)
}

// StartPayload builds the START payload from a variant name such as "ST2".
func StartPayload(variant string) []byte {
	p := make([]byte, VariantSize)
	copy(p[:VariantSize-1], variant)
	return p
}

// ParseStart returns the variant name carried by START.
func ParseStart(f Frame) string {
	return string(bytes.TrimRight(f.Payload, "\x00"))
}

// AckPayload builds the ACK payload.
func AckPayload(seq uint8) []byte {
	return []byte{seq & 0x01}
}

// ParseAck returns the sequence bit carried by ACK.
func ParseAck(f Frame) uint8 {
	return f.Payload[0] & 0x01
}
