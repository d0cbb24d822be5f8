package protocol

import "fmt"

// MessageID is the first byte of every case frame.
type MessageID uint8

const (
	Check MessageID = iota
	Busy
	Ready
	Start
	Ack
	Nack
	Checksum
	Verify
	Sync
	Complete
	Error
	Initiate
	Reboot
	Commit
	Abort
	Data
	messageIDCount
)

var messageNames = [...]string{
	Check:    "CHECK",
	Busy:     "BUSY",
	Ready:    "READY",
	Start:    "START",
	Ack:      "ACK",
	Nack:     "NACK",
	Checksum: "CHECKSUM",
	Verify:   "VERIFY",
	Sync:     "SYNC",
	Complete: "COMPLETE",
	Error:    "ERROR",
	Initiate: "INITIATE",
	Reboot:   "REBOOT",
	Commit:   "COMMIT",
	Abort:    "ABORT",
	Data:     "DATA",
}

func (id MessageID) String() string {
	if id < messageIDCount {
		return messageNames[id]
	}
	return fmt.Sprintf("MSG(%d)", uint8(id))
}

// Valid reports whether id is a known message.
func (id MessageID) Valid() bool {
	return id < messageIDCount
}

// payloadSizes holds the fixed payload size of every control message. DATA is
// variable and checked separately.
var payloadSizes = [messageIDCount]int{
	Check:    4, // major u16, minor u16
	Busy:     0,
	Ready:    1, // running bank
	Start:    4, // variant, NUL padded
	Ack:      1, // sequence bit
	Nack:     0,
	Checksum: 0,
	Verify:   0,
	Sync:     0,
	Complete: 0,
	Error:    1,
	Initiate: 0,
	Reboot:   0,
	Commit:   0,
	Abort:    0,
	Data:     -1,
}

// PayloadSize returns the fixed payload size for id, or -1 for DATA.
func PayloadSize(id MessageID) int {
	if !id.Valid() {
		return -1
	}
	return payloadSizes[id]
}

// Mode is the framing mode the case comms channel carries beside each frame.
type Mode uint8

const (
	// ModeRequest expects a reply from the peer.
	ModeRequest Mode = iota
	// ModeResponse answers the peer's last request.
	ModeResponse
	// ModeResponseWithRequest answers the peer's last request and expects a
	// reply in turn.
	ModeResponseWithRequest
)

func (m Mode) String() string {
	switch m {
	case ModeRequest:
		return "request"
	case ModeResponse:
		return "response"
	case ModeResponseWithRequest:
		return "response+request"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// IsRequest reports whether a frame sent in mode m expects a reply.
func (m Mode) IsRequest() bool {
	return m == ModeRequest || m == ModeResponseWithRequest
}

// IsResponse reports whether a frame sent in mode m answers a request.
func (m Mode) IsResponse() bool {
	return m == ModeResponse || m == ModeResponseWithRequest
}

// Bank is one of the case's two firmware banks.
type Bank uint8

const (
	BankA Bank = 0
	BankB Bank = 1
)

// Other returns the complementary bank.
func (b Bank) Other() Bank {
	if b == BankA {
		return BankB
	}
	return BankA
}

func (b Bank) String() string {
	switch b {
	case BankA:
		return "A"
	case BankB:
		return "B"
	}
	return fmt.Sprintf("bank(%d)", uint8(b))
}
