// Package fw is the FW state machine: it runs the case side of the update,
// turning forwarded image bytes into S-record DATA frames and walking the case
// through check, transfer, checksum, reboot and commit.
package fw

import (
	"bytes"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vitaminmoo/casedfu/internal/event"
	"github.com/vitaminmoo/casedfu/internal/protocol"
	"github.com/vitaminmoo/casedfu/internal/sched"
	"github.com/vitaminmoo/casedfu/internal/upgrade"
)

// State is the FW state machine position.
type State uint8

const (
	Idle State = iota
	Checking
	Started
	ParsingHeaderRecord
	AwaitingTransferStart
	StreamingData
	VerifyingChecksum
	AwaitingReboot
	Committing
	Aborting
)

var stateNames = [...]string{
	Idle:                  "Idle",
	Checking:              "Checking",
	Started:               "Started",
	ParsingHeaderRecord:   "ParsingHeaderRecord",
	AwaitingTransferStart: "AwaitingTransferStart",
	StreamingData:         "StreamingData",
	VerifyingChecksum:     "VerifyingChecksum",
	AwaitingReboot:        "AwaitingReboot",
	Committing:            "Committing",
	Aborting:              "Aborting",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Timeouts bounds each wait on the case.
type Timeouts struct {
	// Response bounds the reply to INITIATE, COMMIT and each DATA record.
	Response time.Duration
	// NextStage bounds the case's request for the next stage after the
	// header record and the terminator record are acknowledged.
	NextStage time.Duration
	// Reboot bounds the VERIFY that follows REBOOT.
	Reboot time.Duration
}

// DefaultTimeouts returns the production timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Response:  2 * time.Second,
		NextStage: 3 * time.Second,
		Reboot:    10 * time.Second,
	}
}

// DefaultMaxNacks is the number of NACKs tolerated for one record.
const DefaultMaxNacks = 3

// Link is the part of the Link Interface the state machine drives.
type Link interface {
	Send(id protocol.MessageID, mode protocol.Mode, payload []byte) error
	Close()
}

// assembly is the per-transfer record assembly context.
type assembly struct {
	rest []byte
	// last is the record sent and not yet acknowledged.
	last           []byte
	awaitingRecord bool
	terminatorSent bool
	nacks          int
	records        int
}

// FW is the FW state machine.
type FW struct {
	sched    sched.Scheduler
	link     Link
	log      *zap.Logger
	timeouts Timeouts
	maxNacks int

	state         State
	caseVersion   event.Version
	checkReceived bool
	rebooted      bool
	target        protocol.Bank
	variant       string

	asm *assembly
}

// Option configures the state machine.
type Option func(*FW)

// WithTimeouts overrides the default timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(f *FW) { f.timeouts = t }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(f *FW) { f.log = log }
}

// WithMaxNacks sets how many NACKs one record may receive.
func WithMaxNacks(n int) Option {
	return func(f *FW) { f.maxNacks = n }
}

// New creates the state machine.
func New(s sched.Scheduler, l Link, opts ...Option) *FW {
	f := &FW{
		sched:    s,
		link:     l,
		log:      zap.NewNop(),
		timeouts: DefaultTimeouts(),
		maxNacks: DefaultMaxNacks,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// State returns the current state.
func (f *FW) State() State { return f.state }

// IsCheckReceived reports whether the case has sent CHECK for this transfer.
func (f *FW) IsCheckReceived() bool { return f.checkReceived }

// IsCaseRebooted reports whether the case confirmed its reboot.
func (f *FW) IsCaseRebooted() bool { return f.rebooted }

// CaseVersion returns the protocol version the case reported in CHECK.
func (f *FW) CaseVersion() event.Version { return f.caseVersion }

// TargetBank returns the bank being updated. Valid from ParsingHeaderRecord.
func (f *FW) TargetBank() protocol.Bank { return f.target }

// Variant returns the variant the case reported in START.
func (f *FW) Variant() string { return f.variant }

// RecordsSent returns the number of records acknowledged by the case.
func (f *FW) RecordsSent() int {
	if f.asm == nil {
		return 0
	}
	return f.asm.records
}

// HandleEvent runs one transition.
func (f *FW) HandleEvent(ev event.Event) {
	switch ev.ID {
	case event.CaseMessage:
		fp := ev.Payload.(event.FramePayload)
		fr, err := protocol.Decode(fp.Frame)
		if err != nil {
			f.fail(upgrade.ErrInternal, true, "undecodable case frame: %v", err)
			return
		}
		f.onCaseMessage(protocol.Mode(fp.Mode), fr)
	case event.CompatibilityAccepted:
		cp, _ := ev.Payload.(event.CompatibilityPayload)
		f.onCompatibilityAccepted(cp.Compatible)
	case event.MoreData:
		f.onMoreData(ev.Payload.(event.DataPayload).Data)
	case event.AckReceived:
		f.onAck()
	case event.RebootCase:
		f.onRebootCase()
	case event.CommitUpgrade:
		f.onCommitUpgrade()
	case event.FWAbort:
		f.onAbort(ev.Payload.(event.AbortPayload))
	case event.ResponseTimeout, event.NextStageTimeout, event.RebootTimeout:
		f.fail(upgrade.ErrInternal, true, "%s in state %s", ev.ID, f.state)
	default:
		f.log.Debug("fw ignored event", zap.Stringer("event", ev), zap.Stringer("state", f.state))
	}
}

func (f *FW) onCaseMessage(mode protocol.Mode, fr protocol.Frame) {
	f.log.Debug("case message", zap.Stringer("msg", fr.ID), zap.Stringer("mode", mode), zap.Stringer("state", f.state))

	// Stragglers from a finished transfer.
	if f.state == Idle && fr.ID != protocol.Check {
		f.log.Info("case message outside a transfer", zap.Stringer("msg", fr.ID))
		return
	}

	switch fr.ID {
	case protocol.Busy:
		f.fail(upgrade.ErrCaseBusy, false, "case busy in state %s", f.state)
		return
	case protocol.Error:
		f.fail(upgrade.ErrCaseReportedError, false, "case error 0x%02x in state %s", fr.Payload[0], f.state)
		return
	case protocol.Abort:
		f.fail(upgrade.ErrCaseReportedError, false, "case aborted in state %s", f.state)
		return
	}

	if f.state == Aborting {
		return
	}

	switch {
	case fr.ID == protocol.Check && f.state == Idle:
		f.caseVersion.Major, f.caseVersion.Minor = protocol.ParseCheck(fr)
		f.checkReceived = true
		f.rebooted = false
		f.asm = &assembly{}
		f.setState(Checking)
		f.log.Info("case check", zap.Uint16("major", f.caseVersion.Major), zap.Uint16("minor", f.caseVersion.Minor))
		f.sched.Post(event.New(event.Host, event.CheckReceived, nil))

	case fr.ID == protocol.Ready && f.state == Started:
		f.sched.CancelAll(event.FW, event.ResponseTimeout)
		running := protocol.ParseReady(fr)
		f.target = running.Other()
		f.asm.awaitingRecord = true
		f.setState(ParsingHeaderRecord)
		f.log.Info("case ready", zap.Stringer("running", running), zap.Stringer("target", f.target))
		f.sched.Post(event.New(event.Host, event.CaseReadyForData, event.BankPayload{Bank: uint8(f.target)}))

	case fr.ID == protocol.Start && f.state == AwaitingTransferStart:
		f.sched.CancelAll(event.FW, event.NextStageTimeout)
		f.variant = protocol.ParseStart(fr)
		f.log.Info("case started transfer", zap.String("variant", f.variant))
		f.setState(StreamingData)
		f.asm.awaitingRecord = true
		f.sendNext()

	case fr.ID == protocol.Nack && f.asm != nil && f.asm.last != nil:
		f.asm.nacks++
		if f.asm.nacks > f.maxNacks {
			f.fail(upgrade.ErrInternal, true, "record rejected %d times", f.asm.nacks)
			return
		}
		f.log.Warn("record nacked", zap.Int("nacks", f.asm.nacks))
		f.sendRecord(f.asm.last)

	case fr.ID == protocol.Checksum && f.state == VerifyingChecksum:
		f.sched.CancelAll(event.FW, event.NextStageTimeout)
		f.setState(AwaitingReboot)
		f.log.Info("case checksum verified", zap.Int("records", f.asm.records))
		f.sched.Post(event.New(event.Host, event.ChecksumVerified, nil))

	case fr.ID == protocol.Verify && f.state == AwaitingReboot:
		f.sched.CancelAll(event.FW, event.RebootTimeout)
		f.rebooted = true
		f.setState(Committing)
		f.log.Info("case rebooted")
		f.sched.Post(event.New(event.Host, event.CaseRebooted, nil))

	case fr.ID == protocol.Complete && f.state == Committing:
		f.sched.CancelAll(event.FW, event.ResponseTimeout)
		f.log.Info("case upgrade complete")
		f.sched.Post(event.New(event.Host, event.UpgradeComplete, nil))
		f.cleanup()

	default:
		f.fail(upgrade.ErrInternal, true, "unexpected %s in state %s", fr.ID, f.state)
	}
}

func (f *FW) onCompatibilityAccepted(compat []event.Version) {
	if f.state != Checking {
		f.log.Warn("compatibility accepted outside Checking", zap.Stringer("state", f.state))
		return
	}
	if len(compat) > 0 {
		ok := false
		for _, v := range compat {
			if v == f.caseVersion {
				ok = true
				break
			}
		}
		if !ok {
			f.fail(upgrade.ErrIncompatibleCaseVersion, true,
				"case %d.%d not in image compatibility list", f.caseVersion.Major, f.caseVersion.Minor)
			return
		}
	}
	if !f.send(protocol.Initiate, protocol.ModeResponseWithRequest, nil) {
		return
	}
	f.sched.PostAfter(f.timeouts.Response, event.New(event.FW, event.ResponseTimeout, nil))
	f.setState(Started)
}

func (f *FW) onMoreData(data []byte) {
	if f.asm == nil || (f.state != ParsingHeaderRecord && f.state != StreamingData && f.state != AwaitingTransferStart) {
		f.log.Warn("record data outside transfer", zap.Stringer("state", f.state), zap.Int("len", len(data)))
		return
	}
	f.asm.rest = append(f.asm.rest, data...)
	if f.asm.awaitingRecord {
		f.sendNext()
	}
}

// nextRecord cuts the next complete line from the assembly buffer. It returns
// nil when no complete line is buffered.
func (f *FW) nextRecord() ([]byte, error) {
	a := f.asm
	for {
		i := bytes.IndexByte(a.rest, '\n')
		if i < 0 {
			if len(a.rest) > protocol.MaxRecordSize+1 {
				return nil, fmt.Errorf("unterminated record of %d bytes", len(a.rest))
			}
			return nil, nil
		}
		line := bytes.TrimRight(a.rest[:i], "\r")
		a.rest = a.rest[i+1:]
		if len(line) == 0 {
			continue
		}
		if len(line) > protocol.MaxRecordSize {
			return nil, fmt.Errorf("record of %d bytes exceeds %d", len(line), protocol.MaxRecordSize)
		}
		if len(line) < 4 || line[0] != 'S' {
			return nil, fmt.Errorf("not an S-record: %q", line)
		}
		rec := make([]byte, len(line))
		copy(rec, line)
		return rec, nil
	}
}

func (f *FW) sendNext() {
	a := f.asm
	if a.terminatorSent {
		return
	}
	rec, err := f.nextRecord()
	if err != nil {
		f.fail(upgrade.ErrInternal, true, "%v", err)
		return
	}
	if rec == nil {
		a.awaitingRecord = true
		f.sched.Post(event.New(event.Host, event.RequestMoreData, nil))
		return
	}

	switch {
	case f.state == ParsingHeaderRecord && rec[1] != '0':
		f.fail(upgrade.ErrInternal, true, "first record is S%c, want S0", rec[1])
		return
	case f.state == StreamingData && rec[1] == '0':
		f.fail(upgrade.ErrInternal, true, "second S0 record")
		return
	}

	a.awaitingRecord = false
	a.last = rec
	a.nacks = 0
	if isTerminator(rec) {
		a.terminatorSent = true
	}
	f.sendRecord(rec)
}

// sendRecord sends one DATA record and watches for its ACK.
func (f *FW) sendRecord(rec []byte) {
	f.sched.CancelAll(event.FW, event.ResponseTimeout)
	if !f.send(protocol.Data, protocol.ModeResponseWithRequest, rec) {
		return
	}
	f.sched.PostAfter(f.timeouts.Response, event.New(event.FW, event.ResponseTimeout, nil))
}

func isTerminator(rec []byte) bool {
	return rec[1] == '7' || rec[1] == '8' || rec[1] == '9'
}

func (f *FW) onAck() {
	a := f.asm
	if a == nil || a.last == nil {
		f.fail(upgrade.ErrInternal, true, "ack with no record outstanding in state %s", f.state)
		return
	}
	f.sched.CancelAll(event.FW, event.ResponseTimeout)
	a.records++
	a.last = nil

	switch {
	case f.state == ParsingHeaderRecord:
		f.setState(AwaitingTransferStart)
		f.sched.PostAfter(f.timeouts.NextStage, event.New(event.FW, event.NextStageTimeout, nil))
	case f.state == StreamingData && a.terminatorSent:
		f.setState(VerifyingChecksum)
		a.rest = nil
		f.sched.PostAfter(f.timeouts.NextStage, event.New(event.FW, event.NextStageTimeout, nil))
	case f.state == StreamingData:
		f.sendNext()
	default:
		f.fail(upgrade.ErrInternal, true, "ack in state %s", f.state)
	}
}

func (f *FW) onRebootCase() {
	if f.state != AwaitingReboot {
		f.fail(upgrade.ErrInternal, true, "reboot requested in state %s", f.state)
		return
	}
	if !f.send(protocol.Reboot, protocol.ModeResponseWithRequest, nil) {
		return
	}
	f.log.Info("case reboot requested")
	f.sched.PostAfter(f.timeouts.Reboot, event.New(event.FW, event.RebootTimeout, nil))
}

func (f *FW) onCommitUpgrade() {
	if f.state != Committing {
		f.fail(upgrade.ErrInternal, true, "commit requested in state %s", f.state)
		return
	}
	if !f.send(protocol.Commit, protocol.ModeResponseWithRequest, nil) {
		return
	}
	f.log.Info("case commit requested")
	f.sched.PostAfter(f.timeouts.Response, event.New(event.FW, event.ResponseTimeout, nil))
}

func (f *FW) onAbort(p event.AbortPayload) {
	if !p.FromHost {
		f.fail(upgrade.ErrorCode(p.Code), p.InformCase, "link abort")
		return
	}
	f.log.Info("fw abort", zap.Stringer("code", upgrade.ErrorCode(p.Code)), zap.Bool("inform_case", p.InformCase))
	f.cancelTimers()
	if p.InformCase && f.state != Idle {
		if err := f.link.Send(protocol.Abort, protocol.ModeRequest, nil); err != nil {
			f.log.Warn("abort not sent to case", zap.Error(err))
		}
	}
	f.cleanup()
}

func (f *FW) send(id protocol.MessageID, mode protocol.Mode, payload []byte) bool {
	if err := f.link.Send(id, mode, payload); err != nil {
		f.fail(upgrade.ErrInternal, false, "send %s: %v", id, err)
		return false
	}
	return true
}

// fail stops the machine and reports code to the Host Bridge, which answers
// with an FWAbort that tears the transfer down.
func (f *FW) fail(code upgrade.ErrorCode, informCase bool, format string, args ...any) {
	if f.state == Aborting {
		return
	}
	f.log.Error("fw failure",
		zap.Stringer("state", f.state),
		zap.Stringer("code", code),
		zap.String("reason", fmt.Sprintf(format, args...)))
	f.cancelTimers()
	f.setState(Aborting)
	f.sched.Post(event.New(event.Host, event.HostAbort, event.AbortPayload{Code: uint16(code), InformCase: informCase}))
}

func (f *FW) cancelTimers() {
	f.sched.CancelAll(event.FW, event.ResponseTimeout)
	f.sched.CancelAll(event.FW, event.NextStageTimeout)
	f.sched.CancelAll(event.FW, event.RebootTimeout)
}

func (f *FW) cleanup() {
	f.cancelTimers()
	f.asm = nil
	f.checkReceived = false
	f.rebooted = false
	f.setState(Idle)
	f.link.Close()
}

func (f *FW) setState(s State) {
	if s != f.state {
		f.log.Debug("fw state", zap.Stringer("from", f.state), zap.Stringer("to", s))
	}
	f.state = s
}
