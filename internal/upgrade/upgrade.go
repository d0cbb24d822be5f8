// Package upgrade models the update host protocol surface the case DFU engine
// consumes and produces: error codes, short messages, resume points and the
// Protocol capability injected into the Host Bridge.
package upgrade

import (
	"errors"
	"fmt"
)

// ErrorCode is a wire-compatible host protocol error code.
type ErrorCode uint16

const (
	Success                     ErrorCode = 0x00
	ErrUnknownID                ErrorCode = 0x11
	ErrPartitionSizeMismatch    ErrorCode = 0x15
	ErrHeaderTooShort           ErrorCode = 0x31
	ErrHeaderTooBig             ErrorCode = 0x32
	ErrBadPartitionHeader       ErrorCode = 0x33
	ErrBadSignature             ErrorCode = 0x34
	ErrTooMuchData              ErrorCode = 0x35
	ErrFileTooSmall             ErrorCode = 0x40
	ErrFileTooBig               ErrorCode = 0x41
	ErrInternal                 ErrorCode = 0x50
	ErrTimeOut                  ErrorCode = 0x51
	ErrSilentCommitNotSupported ErrorCode = 0x52
	ErrCaseReportedError        ErrorCode = 0x53
	ErrCaseBusy                 ErrorCode = 0x54
	ErrIncompatibleCaseVersion  ErrorCode = 0x55
)

var codeNames = map[ErrorCode]string{
	Success:                     "success",
	ErrUnknownID:                "unknown structural id",
	ErrPartitionSizeMismatch:    "partition size mismatch",
	ErrHeaderTooShort:           "header too short",
	ErrHeaderTooBig:             "header too big",
	ErrBadPartitionHeader:       "bad partition header length",
	ErrBadSignature:             "non-empty footer signature",
	ErrTooMuchData:              "received more than requested",
	ErrFileTooSmall:             "file too small",
	ErrFileTooBig:               "file too big",
	ErrInternal:                 "internal error",
	ErrTimeOut:                  "timed out",
	ErrSilentCommitNotSupported: "silent commit not supported",
	ErrCaseReportedError:        "case reported error",
	ErrCaseBusy:                 "case busy",
	ErrIncompatibleCaseVersion:  "incompatible case version",
}

func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("error 0x%02x", uint16(c))
}

// Error carries an ErrorCode through Go error returns.
type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the ErrorCode from err. Errors that carry no code map to
// ErrInternal; nil maps to Success.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ErrInternal
}

// ShortMsg is a payload-less message sent to the update host.
type ShortMsg uint8

const (
	PutEarbudsInCaseReq ShortMsg = iota + 1
	EarbudsInCaseCfm
	TransferCompleteInd
	CommitReq
	CompleteInd
	AbortCfm
)

func (m ShortMsg) String() string {
	switch m {
	case PutEarbudsInCaseReq:
		return "PUT_EARBUDS_IN_CASE_REQ"
	case EarbudsInCaseCfm:
		return "EARBUDS_IN_CASE_CFM"
	case TransferCompleteInd:
		return "TRANSFER_COMPLETE_IND"
	case CommitReq:
		return "COMMIT_REQ"
	case CompleteInd:
		return "COMPLETE_IND"
	case AbortCfm:
		return "ABORT_CFM"
	}
	return fmt.Sprintf("SHORT_MSG(%d)", uint8(m))
}

// ResumePoint is the stage a transfer resumes from after a reconnect.
type ResumePoint uint8

const (
	ResumeStart ResumePoint = iota
	ResumePreValidate
	ResumePreReboot
	ResumePostReboot
	ResumeError
)

func (p ResumePoint) String() string {
	switch p {
	case ResumeStart:
		return "START"
	case ResumePreValidate:
		return "PRE_VALIDATE"
	case ResumePreReboot:
		return "PRE_REBOOT"
	case ResumePostReboot:
		return "POST_REBOOT"
	case ResumeError:
		return "ERROR"
	}
	return fmt.Sprintf("RESUME(%d)", uint8(p))
}

// Protocol is the update host capability the Host Bridge talks through.
type Protocol interface {
	// SendBytesReq asks the host for size bytes starting at the absolute
	// image offset.
	SendBytesReq(size, offset uint32)
	SendShortMsg(msg ShortMsg)
	SendErrorInd(code ErrorCode)
	SendSilentCommitSupportedCfm(supported bool)
	// DataCfm confirms the last host message has been consumed.
	DataCfm()
	// TransportInUse reports whether a host transport session exists.
	TransportInUse() bool
	SetResumePoint(p ResumePoint)

	// ClientConnect attaches the case DFU engine as the update client.
	ClientConnect()
	// ClientReconnect prepares the host library for a transport reconnect.
	ClientReconnect()
	// CleanUpCaseDfu releases the host library's per-transfer state.
	CleanUpCaseDfu(isError bool)
}
