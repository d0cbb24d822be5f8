// Package event defines the typed messages exchanged between the case DFU
// components. Every cross-component interaction is an Event posted to the
// scheduler and delivered later in FIFO order.
package event

import "fmt"

// Target identifies the component an event is addressed to.
type Target uint8

const (
	Host Target = iota
	FW
	Link
	Case    // remote or simulated case peer
	Updater // update host side of the host protocol
)

func (t Target) String() string {
	switch t {
	case Host:
		return "host"
	case FW:
		return "fw"
	case Link:
		return "link"
	case Case:
		return "case"
	case Updater:
		return "updater"
	}
	return fmt.Sprintf("target(%d)", uint8(t))
}

// ID identifies the kind of event.
type ID uint16

const (
	// Update host protocol messages delivered to the Host Bridge.
	HostStartDataReq ID = iota + 1
	HostData
	HostIsValidDoneReq
	HostTransferCompleteRes
	HostProceedToCommit
	HostCommitCfm
	HostAbortReq
	HostErrorWarnRes
	HostSilentCommitSupportedReq

	// Internal notifications delivered to the Host Bridge.
	TransportConnected
	CheckReceived
	RequestMoreData
	ChecksumVerified
	CaseReadyForData
	CaseRebooted
	UpgradeComplete
	InCaseTimeout
	HostAbort

	// Events delivered to the FW state machine.
	CompatibilityAccepted
	MoreData
	RebootCase
	CommitUpgrade
	FWAbort
	CaseMessage
	AckReceived
	NextStageTimeout
	RebootTimeout
	ResponseTimeout

	// Events delivered to the Link Interface.
	TxStatus
	Received

	// Events delivered to a case peer or the update host.
	CaseTx
	CaseTimer
	UpdaterMsg
)

var idNames = map[ID]string{
	HostStartDataReq:             "HostStartDataReq",
	HostData:                     "HostData",
	HostIsValidDoneReq:           "HostIsValidDoneReq",
	HostTransferCompleteRes:      "HostTransferCompleteRes",
	HostProceedToCommit:          "HostProceedToCommit",
	HostCommitCfm:                "HostCommitCfm",
	HostAbortReq:                 "HostAbortReq",
	HostErrorWarnRes:             "HostErrorWarnRes",
	HostSilentCommitSupportedReq: "HostSilentCommitSupportedReq",
	TransportConnected:           "TransportConnected",
	CheckReceived:                "CheckReceived",
	RequestMoreData:              "RequestMoreData",
	ChecksumVerified:             "ChecksumVerified",
	CaseReadyForData:             "CaseReadyForData",
	CaseRebooted:                 "CaseRebooted",
	UpgradeComplete:              "UpgradeComplete",
	InCaseTimeout:                "InCaseTimeout",
	HostAbort:                    "HostAbort",
	CompatibilityAccepted:        "CompatibilityAccepted",
	MoreData:                     "MoreData",
	RebootCase:                   "RebootCase",
	CommitUpgrade:                "CommitUpgrade",
	FWAbort:                      "FWAbort",
	CaseMessage:                  "CaseMessage",
	AckReceived:                  "AckReceived",
	NextStageTimeout:             "NextStageTimeout",
	RebootTimeout:                "RebootTimeout",
	ResponseTimeout:              "ResponseTimeout",
	TxStatus:                     "TxStatus",
	Received:                     "Received",
	CaseTx:                       "CaseTx",
	CaseTimer:                    "CaseTimer",
	UpdaterMsg:                   "UpdaterMsg",
}

func (id ID) String() string {
	if s, ok := idNames[id]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", uint16(id))
}

// Event is one message in the scheduler queue. Payload holds one of the
// payload types below, or nil.
type Event struct {
	To      Target
	ID      ID
	Payload any
}

// New builds an event.
func New(to Target, id ID, payload any) Event {
	return Event{To: to, ID: id, Payload: payload}
}

func (e Event) String() string {
	return e.To.String() + "/" + e.ID.String()
}

// HostDataPayload carries one update host data packet.
type HostDataPayload struct {
	Data []byte
	Last bool
}

// TransferCompleteAction is the host's answer to a transfer-complete
// indication.
type TransferCompleteAction uint8

const (
	ActionInteractiveCommit TransferCompleteAction = iota
	ActionSilentCommit
	ActionAbort
)

// TransferCompletePayload carries HostTransferCompleteRes.
type TransferCompletePayload struct {
	Action TransferCompleteAction
}

// CommitCfmPayload carries HostCommitCfm.
type CommitCfmPayload struct {
	Yes bool
}

// AbortPayload carries HostAbort and FWAbort. InformCase asks for an ABORT to
// be sent to the case. FromHost marks an FWAbort issued by the Host Bridge,
// which needs no report back.
type AbortPayload struct {
	Code       uint16
	InformCase bool
	FromHost   bool
}

// BankPayload carries CaseReadyForData.
type BankPayload struct {
	Bank uint8
}

// DataPayload carries MoreData.
type DataPayload struct {
	Data []byte
}

// FramePayload carries a raw case frame with its framing mode.
type FramePayload struct {
	Mode  uint8
	Frame []byte
}

// TxStatusPayload carries the outcome of one transmission attempt.
type TxStatusPayload struct {
	OK bool
}

// AckPayload carries AckReceived. WithRequest is set when the ack also asks
// for the next record.
type AckPayload struct {
	WithRequest bool
}

// Version is a major.minor pair.
type Version struct {
	Major, Minor uint16
}

// CompatibilityPayload carries CompatibilityAccepted: the case versions the
// image declares itself compatible with. Empty means any.
type CompatibilityPayload struct {
	Compatible []Version
}

// Poster queues events for later delivery.
type Poster interface {
	Post(ev Event)
}
