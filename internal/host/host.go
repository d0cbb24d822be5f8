// Package host is the Host Bridge: it sits between the update host protocol
// and the case side of the engine, feeding host data to the parser, asking for
// the next byte range and relaying completion, commit and abort.
package host

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vitaminmoo/casedfu/internal/event"
	"github.com/vitaminmoo/casedfu/internal/parser"
	"github.com/vitaminmoo/casedfu/internal/protocol"
	"github.com/vitaminmoo/casedfu/internal/sched"
	"github.com/vitaminmoo/casedfu/internal/upgrade"
)

// DefaultInCaseTimeout bounds how long the user has to put the earbuds in
// the case.
const DefaultInCaseTimeout = 60 * time.Second

// State is the Host Bridge position.
type State uint8

const (
	Idle State = iota
	WaitingForLinkConnection
	Connected
	DataTransfer
	ConfirmingReboot
	ConfirmingCommit
	Aborting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case WaitingForLinkConnection:
		return "WaitingForLinkConnection"
	case Connected:
		return "Connected"
	case DataTransfer:
		return "DataTransfer"
	case ConfirmingReboot:
		return "ConfirmingReboot"
	case ConfirmingCommit:
		return "ConfirmingCommit"
	case Aborting:
		return "Aborting"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Notification is a lifecycle milestone reported to observers.
type Notification uint8

const (
	EarbudsInCaseRequested Notification = iota + 1
	EarbudsInCaseConfirmed
	Started
	Activity
	Completed
	Aborted
	ReadyForReboot
)

func (n Notification) String() string {
	switch n {
	case EarbudsInCaseRequested:
		return "earbuds in case requested"
	case EarbudsInCaseConfirmed:
		return "earbuds in case confirmed"
	case Started:
		return "started"
	case Activity:
		return "activity"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	case ReadyForReboot:
		return "ready for reboot"
	}
	return fmt.Sprintf("notification(%d)", uint8(n))
}

// Observer receives lifecycle notifications.
type Observer func(n Notification)

// DataParser is the Data Parser as the bridge drives it.
type DataParser interface {
	Begin() *parser.Transfer
	End()
	StartDataTransfer()
	Parse(data []byte) (parser.Result, error)
	NextRequest() (size, offset uint32)
	CalculateResumeOffset()
	HandleCaseReady(bank protocol.Bank) error
}

// FWStatus answers the bridge's questions about the FW state machine.
type FWStatus interface {
	IsCheckReceived() bool
	IsCaseRebooted() bool
}

// Bridge is the Host Bridge.
type Bridge struct {
	sched  sched.Scheduler
	proto  upgrade.Protocol
	parser DataParser
	fw     FWStatus
	log    *zap.Logger

	inCaseTimeout time.Duration
	observers     []Observer

	state             State
	dataInProcess     bool
	inCaseCfmRequired bool
	caseFileDetected  bool
	queue             packetQueue
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// WithInCaseTimeout sets how long to wait for the earbuds to be put in the
// case.
func WithInCaseTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.inCaseTimeout = d }
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(b *Bridge) { b.observers = append(b.observers, o) }
}

// New creates the bridge.
func New(s sched.Scheduler, proto upgrade.Protocol, p DataParser, fw FWStatus, opts ...Option) *Bridge {
	b := &Bridge{
		sched:         s,
		proto:         proto,
		parser:        p,
		fw:            fw,
		log:           zap.NewNop(),
		inCaseTimeout: DefaultInCaseTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddObserver registers an observer.
func (b *Bridge) AddObserver(o Observer) {
	b.observers = append(b.observers, o)
}

// State returns the current state.
func (b *Bridge) State() State { return b.state }

// QueuedPackets returns the number of host packets waiting to be parsed.
func (b *Bridge) QueuedPackets() int { return b.queue.size() }

// StartCaseDfu sets up a transfer and reports the transport as connected.
func (b *Bridge) StartCaseDfu() {
	b.caseFileDetected = true
	b.proto.ClientConnect()
	b.parser.Begin()
	b.notify(Started)
	b.sched.Post(event.New(event.Host, event.TransportConnected, nil))
}

// HandleDfuMode waits for the transport, the case having been put in DFU
// mode with the earbuds already inside.
func (b *Bridge) HandleDfuMode() {
	b.setState(WaitingForLinkConnection)
}

// HandleEarbudDfu returns to Idle when the user picked an earbud image.
func (b *Bridge) HandleEarbudDfu() {
	b.setState(Idle)
}

// Pause suspends data transfer on transport loss. Queued packets are
// dropped; the resume offset asks for them again.
func (b *Bridge) Pause() {
	b.log.Info("case dfu paused", zap.Int("dropped", b.queue.size()))
	b.queue.reset()
	b.proto.ClientReconnect()
}

// Resume reattaches after the transport reconnects.
func (b *Bridge) Resume() {
	b.log.Info("case dfu resumed")
	b.proto.ClientConnect()
}

// AbortWithCase aborts locally and tells the case.
func (b *Bridge) AbortWithCase() {
	b.log.Info("abort with case")
	b.sched.Post(event.New(event.FW, event.FWAbort, event.AbortPayload{
		Code:       uint16(upgrade.ErrInternal),
		InformCase: true,
		FromHost:   true,
	}))
	b.cleanUp(true)
}

// IsCaseDfuConfirmed reports whether the current image is a case image.
func (b *Bridge) IsCaseDfuConfirmed() bool { return b.caseFileDetected }

// IsEarbudsInCaseRequested reports whether the earbuds were requested in the
// case and not yet confirmed.
func (b *Bridge) IsEarbudsInCaseRequested() bool { return b.inCaseCfmRequired }

// HandleEvent runs one transition. Events the current state does not handle
// fall through to the default handler.
func (b *Bridge) HandleEvent(ev event.Event) {
	b.log.Debug("host event", zap.Stringer("event", ev), zap.Stringer("state", b.state))

	var handled bool
	switch b.state {
	case Idle:
		handled = b.handleIdle(ev)
	case WaitingForLinkConnection:
		handled = b.handleWaitingForLink(ev)
	case Connected:
		handled = b.handleConnected(ev)
	case DataTransfer:
		handled = b.handleDataTransfer(ev)
	case ConfirmingReboot:
		handled = b.handleConfirmingReboot(ev)
	case ConfirmingCommit:
		handled = b.handleConfirmingCommit(ev)
	case Aborting:
		handled = b.handleAborting(ev)
	}
	if !handled {
		handled = b.handleDefault(ev)
	}
	if !handled {
		b.log.Debug("host event not handled", zap.Stringer("event", ev), zap.Stringer("state", b.state))
	}
}

func (b *Bridge) handleIdle(ev event.Event) bool {
	switch ev.ID {
	case event.TransportConnected:
		b.requestEarbudsInCase()
		b.setState(Connected)
	default:
		return false
	}
	return true
}

func (b *Bridge) handleWaitingForLink(ev event.Event) bool {
	switch ev.ID {
	case event.TransportConnected:
		if b.fw.IsCheckReceived() {
			b.parser.StartDataTransfer()
			if b.proto.TransportInUse() {
				b.sendBytesReq()
			}
			b.setState(DataTransfer)
		} else {
			b.requestEarbudsInCase()
			b.setState(Connected)
		}
	case event.CheckReceived:
		// Picked up from the FW state machine on TransportConnected.
	default:
		return false
	}
	return true
}

func (b *Bridge) handleConnected(ev event.Event) bool {
	switch ev.ID {
	case event.HostStartDataReq:
		b.proto.DataCfm()
		b.parser.CalculateResumeOffset()
	case event.CheckReceived:
		b.parser.StartDataTransfer()
		if b.proto.TransportInUse() {
			b.confirmEarbudsInCase()
			b.sendBytesReq()
		}
		b.setState(DataTransfer)
	default:
		return false
	}
	return true
}

func (b *Bridge) handleDataTransfer(ev event.Event) bool {
	switch ev.ID {
	case event.HostData:
		b.handleData(ev.Payload.(event.HostDataPayload))

	case event.HostStartDataReq:
		// The transport reconnected mid-transfer.
		b.confirmEarbudsInCase()
		b.parser.CalculateResumeOffset()
		b.requestMoreData()

	case event.RequestMoreData, event.ChecksumVerified:
		b.requestMoreData()

	case event.CaseReadyForData:
		bank := protocol.Bank(ev.Payload.(event.BankPayload).Bank)
		if err := b.parser.HandleCaseReady(bank); err != nil {
			b.abort(upgrade.CodeOf(err), true)
		}

	case event.HostIsValidDoneReq:
		b.proto.DataCfm()
		b.proto.SetResumePoint(upgrade.ResumePreReboot)
		if b.proto.TransportInUse() {
			b.proto.SendShortMsg(upgrade.TransferCompleteInd)
		}
		b.notify(ReadyForReboot)
		b.setState(ConfirmingReboot)

	default:
		return false
	}
	return true
}

func (b *Bridge) handleData(p event.HostDataPayload) {
	if b.dataInProcess {
		if b.proto.TransportInUse() {
			b.queue.push(p)
			b.log.Debug("host data queued", zap.Int("queued", b.queue.size()), zap.Int("cap", b.queue.capacity()))
		}
		return
	}
	if !b.proto.TransportInUse() {
		b.proto.DataCfm()
		return
	}

	b.dataInProcess = true
	b.notify(Activity)
	res, err := b.parser.Parse(p.Data)
	code := upgrade.CodeOf(err)
	switch {
	case err == nil && res == parser.Success && p.Last:
		code = upgrade.ErrFileTooSmall
	case err == nil && res == parser.TransferComplete && !p.Last:
		code = upgrade.ErrFileTooBig
	}

	if code == upgrade.Success && res == parser.TransferComplete {
		b.log.Info("case image transfer complete")
		b.proto.DataCfm()
		b.proto.SetResumePoint(upgrade.ResumePreValidate)
		return
	}
	if code != upgrade.Success {
		b.log.Warn("host data rejected", zap.Stringer("code", code), zap.Error(err), zap.Bool("last", p.Last))
		b.abort(code, true)
	}
}

func (b *Bridge) requestMoreData() {
	b.dataInProcess = false
	if p, ok := b.queue.pop(); ok {
		b.handleData(p)
		return
	}
	size, offset := b.parser.NextRequest()
	b.proto.DataCfm()
	if size != 0 && b.proto.TransportInUse() {
		b.proto.SendBytesReq(size, offset)
	} else {
		b.log.Debug("no more bytes to request")
	}
}

func (b *Bridge) sendBytesReq() {
	size, offset := b.parser.NextRequest()
	b.proto.SendBytesReq(size, offset)
}

func (b *Bridge) handleConfirmingReboot(ev event.Event) bool {
	switch ev.ID {
	case event.HostTransferCompleteRes:
		b.proto.DataCfm()
		switch ev.Payload.(event.TransferCompletePayload).Action {
		case event.ActionInteractiveCommit:
			b.log.Info("interactive commit")
			b.sched.Post(event.New(event.FW, event.RebootCase, nil))
			b.proto.SetResumePoint(upgrade.ResumePostReboot)
			b.setState(ConfirmingCommit)
		case event.ActionSilentCommit:
			b.abort(upgrade.ErrSilentCommitNotSupported, true)
		case event.ActionAbort:
			// An ABORT_REQ follows.
		}
	default:
		return false
	}
	return true
}

func (b *Bridge) handleConfirmingCommit(ev event.Event) bool {
	switch ev.ID {
	case event.HostProceedToCommit:
		b.proto.DataCfm()
		if !b.fw.IsCaseRebooted() {
			// Reconnected while the case reboots; CaseRebooted follows.
			return true
		}
		b.sendCommitReq()
	case event.CaseRebooted:
		b.sendCommitReq()
	case event.HostCommitCfm:
		b.proto.DataCfm()
		if ev.Payload.(event.CommitCfmPayload).Yes {
			b.sched.Post(event.New(event.FW, event.CommitUpgrade, nil))
		}
	case event.UpgradeComplete:
		if b.proto.TransportInUse() {
			b.proto.SendShortMsg(upgrade.CompleteInd)
		}
		b.notify(Completed)
		b.cleanUp(false)
	default:
		return false
	}
	return true
}

func (b *Bridge) sendCommitReq() {
	if b.proto.TransportInUse() {
		b.proto.SendShortMsg(upgrade.CommitReq)
	}
}

func (b *Bridge) handleAborting(ev event.Event) bool {
	switch ev.ID {
	case event.HostErrorWarnRes:
		b.proto.DataCfm()
	case event.HostAbortReq:
		b.proto.DataCfm()
		if b.proto.TransportInUse() {
			b.proto.SendShortMsg(upgrade.AbortCfm)
		}
		b.cleanUp(true)
	default:
		return false
	}
	return true
}

func (b *Bridge) handleDefault(ev event.Event) bool {
	switch ev.ID {
	case event.HostSilentCommitSupportedReq:
		b.proto.DataCfm()
		if b.proto.TransportInUse() {
			b.proto.SendSilentCommitSupportedCfm(false)
		}
	case event.InCaseTimeout:
		b.log.Warn("earbuds not put in case in time", zap.Duration("timeout", b.inCaseTimeout))
		b.abort(upgrade.ErrTimeOut, true)
	case event.HostAbortReq:
		b.proto.DataCfm()
		if b.proto.TransportInUse() {
			b.proto.SendShortMsg(upgrade.AbortCfm)
		}
		b.sched.Flush(event.FW)
		b.sched.Post(event.New(event.FW, event.FWAbort, event.AbortPayload{
			Code:       uint16(upgrade.ErrInternal),
			InformCase: true,
			FromHost:   true,
		}))
		b.cleanUp(true)
	case event.HostAbort:
		p := ev.Payload.(event.AbortPayload)
		b.abort(upgrade.ErrorCode(p.Code), p.InformCase)
	case event.HostData:
		b.proto.DataCfm()
	default:
		return false
	}
	return true
}

// abort tears the case side down and reports code to the update host.
func (b *Bridge) abort(code upgrade.ErrorCode, informCase bool) {
	if b.state == Aborting {
		return
	}
	b.log.Warn("case dfu abort", zap.Stringer("code", code), zap.Bool("inform_case", informCase))
	b.sched.Flush(event.FW)
	b.sched.Post(event.New(event.FW, event.FWAbort, event.AbortPayload{
		Code:       uint16(code),
		InformCase: informCase,
		FromHost:   true,
	}))
	b.RequestAbort(code)
}

// RequestAbort reports code to the update host if a transport exists, and
// cleans up immediately otherwise. With a transport, cleanup waits for the
// host's ABORT_REQ.
func (b *Bridge) RequestAbort(code upgrade.ErrorCode) {
	if b.state == Aborting {
		return
	}
	b.proto.DataCfm()
	if b.proto.TransportInUse() {
		b.proto.SendErrorInd(code)
		b.setState(Aborting)
		b.proto.SetResumePoint(upgrade.ResumeError)
		return
	}
	b.cleanUp(true)
}

func (b *Bridge) requestEarbudsInCase() {
	b.notify(EarbudsInCaseRequested)
	b.proto.SendShortMsg(upgrade.PutEarbudsInCaseReq)
	b.inCaseCfmRequired = true
	b.sched.PostAfter(b.inCaseTimeout, event.New(event.Host, event.InCaseTimeout, nil))
}

func (b *Bridge) confirmEarbudsInCase() {
	if !b.inCaseCfmRequired {
		return
	}
	b.notify(EarbudsInCaseConfirmed)
	b.proto.SendShortMsg(upgrade.EarbudsInCaseCfm)
	b.inCaseCfmRequired = false
	b.sched.CancelAll(event.Host, event.InCaseTimeout)
}

func (b *Bridge) cleanUp(isError bool) {
	b.sched.CancelAll(event.Host, event.InCaseTimeout)
	b.parser.End()
	b.proto.CleanUpCaseDfu(isError)
	if isError {
		// The FW side may still be mid-abort; make sure it ends in Idle.
		b.sched.Post(event.New(event.FW, event.FWAbort, event.AbortPayload{
			Code:     uint16(upgrade.ErrInternal),
			FromHost: true,
		}))
		b.notify(Aborted)
	}
	b.queue.reset()
	b.dataInProcess = false
	b.inCaseCfmRequired = false
	b.caseFileDetected = false
	b.setState(Idle)
}

func (b *Bridge) notify(n Notification) {
	for _, o := range b.observers {
		o(n)
	}
}

func (b *Bridge) setState(s State) {
	if s != b.state {
		b.log.Debug("host state", zap.Stringer("from", b.state), zap.Stringer("to", s))
	}
	b.state = s
}
