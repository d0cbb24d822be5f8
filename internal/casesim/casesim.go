// Package casesim is a simulated charging case. It answers the case DFU
// protocol on the same scheduler as the engine and can be told to misbehave
// in the ways real cases do.
package casesim

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vitaminmoo/casedfu/internal/event"
	"github.com/vitaminmoo/casedfu/internal/protocol"
	"github.com/vitaminmoo/casedfu/internal/sched"
)

// Test selects misbehaviour. Tests combine as a bit set.
type Test uint16

const (
	// TestDuplicate delivers every message twice.
	TestDuplicate Test = 1 << iota
	// TestSync follows every message with a SYNC.
	TestSync
	// TestSpuriousSync sends a SYNC whenever a frame is received.
	TestSpuriousSync
	// TestErrorMessage answers any command with ERROR.
	TestErrorMessage
	// TestRetryAttempts fails MaxRetries transmissions of every frame.
	TestRetryAttempts
	// TestResponseTimeout answers INITIATE, COMMIT and S3 records too late.
	TestResponseTimeout
	// TestNextStageTimeout sends START, CHECKSUM and VERIFY too late.
	TestNextStageTimeout
	// TestDelayedTxStatus reports the status of DATA frames after the ACK.
	TestDelayedTxStatus
	// TestRecordTimeout answers S3 records too late.
	TestRecordTimeout
)

var testNames = map[string]Test{
	"duplicate":          TestDuplicate,
	"sync":               TestSync,
	"spurious-sync":      TestSpuriousSync,
	"error":              TestErrorMessage,
	"retry":              TestRetryAttempts,
	"response-timeout":   TestResponseTimeout,
	"next-stage-timeout": TestNextStageTimeout,
	"delayed-tx-status":  TestDelayedTxStatus,
	"record-timeout":     TestRecordTimeout,
}

// ParseTests turns names such as "duplicate,sync" into a Test set.
func ParseTests(names []string) (Test, error) {
	var t Test
	for _, n := range names {
		n = strings.TrimSpace(strings.ToLower(n))
		if n == "" {
			continue
		}
		bit, ok := testNames[n]
		if !ok {
			return 0, fmt.Errorf("unknown case test %q", n)
		}
		t |= bit
	}
	return t, nil
}

func (t Test) String() string {
	if t == 0 {
		return "none"
	}
	var names []string
	for name, bit := range testNames {
		if t&bit != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

const (
	responseTimeoutDelay  = 2010 * time.Millisecond
	nextStageTimeoutDelay = 3050 * time.Millisecond
)

// Config describes the simulated case.
type Config struct {
	Major, Minor    uint16
	Bank            protocol.Bank
	Variant         string
	ProcessingDelay time.Duration
	TxStatusDelay   time.Duration
	Tests           Test
	MaxRetries      int
}

// DefaultConfig returns a case at version 1.1 running from bank A.
func DefaultConfig() Config {
	return Config{
		Major:           1,
		Minor:           1,
		Bank:            protocol.BankA,
		Variant:         "ST2",
		ProcessingDelay: 500 * time.Millisecond,
		TxStatusDelay:   10 * time.Millisecond,
	}
}

// State is the simulated case position.
type State uint8

const (
	NoEarbuds State = iota
	CheckSent
	ReadySent
	DataTransfer
	RebootAndCommit
)

func (s State) String() string {
	switch s {
	case NoEarbuds:
		return "NoEarbuds"
	case CheckSent:
		return "CheckSent"
	case ReadySent:
		return "ReadySent"
	case DataTransfer:
		return "DataTransfer"
	case RebootAndCommit:
		return "RebootAndCommit"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// action is the payload of a CaseTimer event.
type action uint8

const (
	sendCheck action = iota
	sendReady
	sendStart
	sendAck
	sendChecksum
	sendVerify
	sendComplete
	sendSync
	sendError
)

// Case is the simulated case. It implements link.Transport.
type Case struct {
	sched sched.Scheduler
	log   *zap.Logger
	cfg   Config

	state   State
	sn      uint8
	ackMode protocol.Mode
	retries int

	received []protocol.Frame
	records  [][]byte
	aborted  bool
}

// New creates a case on s.
func New(s sched.Scheduler, cfg Config, log *zap.Logger) *Case {
	if log == nil {
		log = zap.NewNop()
	}
	return &Case{sched: s, cfg: cfg, log: log}
}

// State returns the case position.
func (c *Case) State() State { return c.state }

// Received returns every frame the case accepted, in order.
func (c *Case) Received() []protocol.Frame { return c.received }

// Records returns the S-records written by the last transfer.
func (c *Case) Records() [][]byte { return c.records }

// Aborted reports whether the host sent ABORT.
func (c *Case) Aborted() bool { return c.aborted }

// InsertEarbuds starts a DFU session: CHECK follows after the processing
// delay.
func (c *Case) InsertEarbuds() {
	c.after(c.cfg.ProcessingDelay, sendCheck)
}

// Transmit receives one frame from the host side.
func (c *Case) Transmit(mode protocol.Mode, frame []byte) error {
	f, err := protocol.Decode(frame)
	if err != nil {
		return fmt.Errorf("case: %w", err)
	}

	drop := c.cfg.Tests&TestRetryAttempts != 0 && c.retries < c.cfg.MaxRetries
	if drop {
		c.retries++
	} else {
		c.retries = 0
	}
	status := event.New(event.Link, event.TxStatus, event.TxStatusPayload{OK: !drop})
	if c.cfg.Tests&TestDelayedTxStatus != 0 && f.ID == protocol.Data {
		c.sched.PostAfter(c.cfg.ProcessingDelay+c.cfg.TxStatusDelay, status)
	} else {
		c.sched.Post(status)
	}
	if drop {
		c.log.Debug("case dropped frame", zap.Stringer("msg", f.ID), zap.Int("retry", c.retries))
		return nil
	}
	if c.cfg.Tests&TestSpuriousSync != 0 {
		c.sched.Post(event.New(event.Case, event.CaseTimer, sendSync))
	}
	c.command(mode, f)
	return nil
}

func (c *Case) command(mode protocol.Mode, f protocol.Frame) {
	c.log.Debug("case rx", zap.Stringer("msg", f.ID), zap.Stringer("mode", mode), zap.Stringer("state", c.state))
	c.received = append(c.received, f)

	if c.cfg.Tests&TestErrorMessage != 0 {
		c.sched.Post(event.New(event.Case, event.CaseTimer, sendError))
		return
	}
	if c.cfg.Tests&TestSync != 0 {
		c.sched.Post(event.New(event.Case, event.CaseTimer, sendSync))
	}

	delayRes := c.cfg.Tests&TestResponseTimeout != 0
	delayNext := c.cfg.Tests&TestNextStageTimeout != 0
	twice := 2 * c.cfg.ProcessingDelay

	switch f.ID {
	case protocol.Initiate:
		c.after(pick(delayRes, responseTimeoutDelay, twice), sendReady)
	case protocol.Reboot:
		c.after(pick(delayNext, c.cfg.ProcessingDelay+nextStageTimeoutDelay, twice), sendVerify)
	case protocol.Commit:
		c.after(pick(delayRes, responseTimeoutDelay, twice), sendComplete)
	case protocol.Abort:
		c.log.Info("case aborted by host")
		c.aborted = true
		c.sched.Flush(event.Case)
		c.cleanUp()
	case protocol.Data:
		c.onRecord(f.Payload, delayRes || c.cfg.Tests&TestRecordTimeout != 0, delayNext)
	default:
		c.log.Warn("case ignored command", zap.Stringer("msg", f.ID))
	}
}

func (c *Case) onRecord(rec []byte, delayRes, delayNext bool) {
	c.sn ^= 1
	rec = append([]byte(nil), rec...)
	c.records = append(c.records, rec)

	switch {
	case bytes.HasPrefix(rec, []byte("S0")):
		c.after(c.cfg.ProcessingDelay, sendAck)
		c.ackMode = protocol.ModeResponse
		c.after(pick(delayNext, c.cfg.ProcessingDelay+nextStageTimeoutDelay, 2*c.cfg.ProcessingDelay), sendStart)
	case bytes.HasPrefix(rec, []byte("S3")):
		c.after(pick(delayRes, responseTimeoutDelay, c.cfg.ProcessingDelay), sendAck)
		c.ackMode = protocol.ModeResponseWithRequest
	case bytes.HasPrefix(rec, []byte("S7")):
		c.after(c.cfg.ProcessingDelay, sendAck)
		c.ackMode = protocol.ModeResponse
		c.after(pick(delayNext, c.cfg.ProcessingDelay+nextStageTimeoutDelay, 2*c.cfg.ProcessingDelay), sendChecksum)
	default:
		c.log.Warn("case rejected record", zap.ByteString("record", rec))
		c.sched.Post(event.New(event.Case, event.CaseTimer, sendError))
	}
}

// HandleEvent runs one case timer.
func (c *Case) HandleEvent(ev event.Event) {
	a, ok := ev.Payload.(action)
	if !ok || ev.ID != event.CaseTimer {
		c.log.Debug("case ignored event", zap.Stringer("event", ev))
		return
	}

	switch {
	case a == sendCheck && c.state == NoEarbuds:
		c.records = nil
		c.aborted = false
		c.send(protocol.Check, protocol.ModeRequest, protocol.CheckPayload(c.cfg.Major, c.cfg.Minor))
		c.state = CheckSent
	case a == sendReady && c.state == CheckSent:
		c.send(protocol.Ready, protocol.ModeResponseWithRequest, protocol.ReadyPayload(c.cfg.Bank))
		c.state = ReadySent
	case a == sendAck && (c.state == ReadySent || c.state == DataTransfer):
		c.send(protocol.Ack, c.ackMode, protocol.AckPayload(c.sn))
	case a == sendStart && c.state == ReadySent:
		c.send(protocol.Start, protocol.ModeRequest, protocol.StartPayload(c.cfg.Variant))
		c.state = DataTransfer
	case a == sendChecksum && c.state == DataTransfer:
		c.send(protocol.Checksum, protocol.ModeRequest, nil)
		c.state = RebootAndCommit
	case a == sendVerify && c.state == RebootAndCommit:
		c.cfg.Bank = c.cfg.Bank.Other()
		c.send(protocol.Verify, protocol.ModeRequest, nil)
	case a == sendComplete && c.state == RebootAndCommit:
		c.cleanUp()
		c.send(protocol.Complete, protocol.ModeResponse, nil)
	case a == sendSync:
		c.send(protocol.Sync, protocol.ModeRequest, nil)
	case a == sendError:
		c.cleanUp()
		c.send(protocol.Error, protocol.ModeResponse, []byte{1})
	default:
		c.log.Debug("case timer not handled", zap.Uint8("action", uint8(a)), zap.Stringer("state", c.state))
	}
}

func (c *Case) send(id protocol.MessageID, mode protocol.Mode, payload []byte) {
	frame, err := protocol.Encode(id, payload)
	if err != nil {
		c.log.Error("case encode", zap.Stringer("msg", id), zap.Error(err))
		return
	}
	c.log.Debug("case tx", zap.Stringer("msg", id), zap.Stringer("mode", mode))
	ev := event.New(event.Link, event.Received, event.FramePayload{Mode: uint8(mode), Frame: frame})
	c.sched.Post(ev)
	if c.cfg.Tests&TestDuplicate != 0 {
		c.sched.Post(ev)
	}
}

func (c *Case) after(d time.Duration, a action) {
	c.sched.PostAfter(d, event.New(event.Case, event.CaseTimer, a))
}

func (c *Case) cleanUp() {
	c.state = NoEarbuds
	c.sn = 0
	c.retries = 0
}

func pick(cond bool, yes, no time.Duration) time.Duration {
	if cond {
		return yes
	}
	return no
}
