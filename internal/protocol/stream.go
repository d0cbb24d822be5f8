package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Byte stream transports (UART, BLE notifications) carry each frame as
//
//	byte 0:  mode
//	bytes 1+: frame
//
// and may split or coalesce units arbitrarily.

// Packet is one mode-tagged frame recovered from a byte stream.
type Packet struct {
	Mode  Mode
	Frame []byte
}

// Wrap prefixes frame with its mode for a byte stream transport.
func Wrap(mode Mode, frame []byte) []byte {
	out := make([]byte, 1+len(frame))
	out[0] = byte(mode)
	copy(out[1:], frame)
	return out
}

// Assembler rebuilds packets from stream fragments. The zero value is ready
// to use.
type Assembler struct {
	buf bytes.Buffer
}

// Feed appends a fragment and returns every packet it completes. On a header
// that cannot be valid the buffered bytes are discarded and an error is
// returned together with whatever packets were completed before it.
func (a *Assembler) Feed(fragment []byte) ([]Packet, error) {
	a.buf.Write(fragment)

	var out []Packet
	for {
		data := a.buf.Bytes()
		if len(data) < 1+HeaderSize {
			return out, nil
		}
		mode := Mode(data[0])
		if mode > ModeResponseWithRequest || !MessageID(data[1]).Valid() {
			a.buf.Reset()
			return out, &FrameError{Kind: FrameUnknownID, Msg: fmt.Sprintf("stream header % x", data[:1+HeaderSize])}
		}
		n := int(binary.BigEndian.Uint16(data[2:4]))
		if n > MaxRecordSize {
			a.buf.Reset()
			return out, &FrameError{Kind: FrameTooLarge, Msg: fmt.Sprintf("stream frame declares %d bytes", n)}
		}
		total := 1 + HeaderSize + n
		if len(data) < total {
			return out, nil
		}
		frame := make([]byte, total-1)
		copy(frame, data[1:total])
		a.buf.Next(total)
		out = append(out, Packet{Mode: mode, Frame: frame})
	}
}

// Buffered returns the number of bytes held for an incomplete packet.
func (a *Assembler) Buffered() int {
	return a.buf.Len()
}

// Reset drops any partial packet.
func (a *Assembler) Reset() {
	a.buf.Reset()
}
