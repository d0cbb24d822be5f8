package fw

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/vitaminmoo/casedfu/internal/event"
	"github.com/vitaminmoo/casedfu/internal/protocol"
	"github.com/vitaminmoo/casedfu/internal/sched"
	"github.com/vitaminmoo/casedfu/internal/upgrade"
)

type sentFrame struct {
	id      protocol.MessageID
	mode    protocol.Mode
	payload []byte
}

type fakeLink struct {
	sent   []sentFrame
	closed int
}

func (l *fakeLink) Send(id protocol.MessageID, mode protocol.Mode, payload []byte) error {
	l.sent = append(l.sent, sentFrame{id: id, mode: mode, payload: payload})
	return nil
}

func (l *fakeLink) Close() { l.closed++ }

func (l *fakeLink) last() sentFrame {
	if len(l.sent) == 0 {
		return sentFrame{id: 0xff}
	}
	return l.sent[len(l.sent)-1]
}

type harness struct {
	t    *testing.T
	loop *sched.Loop
	fw   *FW
	link *fakeLink
	host []event.Event
}

func newHarness(t *testing.T, opts ...Option) *harness {
	h := &harness{t: t, link: &fakeLink{}}
	h.loop = sched.New(nil, sched.WithClock(sched.NewVirtualClock()))
	h.fw = New(h.loop, h.link, opts...)
	h.loop.SetHandler(func(ev event.Event) {
		if ev.To == event.FW {
			h.fw.HandleEvent(ev)
			return
		}
		h.host = append(h.host, ev)
	})
	return h
}

func (h *harness) drain() {
	for h.loop.Step() {
	}
}

func (h *harness) post(id event.ID, payload any) {
	h.loop.Post(event.New(event.FW, id, payload))
	h.drain()
}

func (h *harness) caseMsg(mode protocol.Mode, id protocol.MessageID, payload []byte) {
	h.t.Helper()
	frame, err := protocol.Encode(id, payload)
	if err != nil {
		h.t.Fatalf("Encode(%s) error = %v", id, err)
	}
	h.post(event.CaseMessage, event.FramePayload{Mode: uint8(mode), Frame: frame})
}

func (h *harness) hostCount(id event.ID) int {
	n := 0
	for _, ev := range h.host {
		if ev.ID == id {
			n++
		}
	}
	return n
}

func (h *harness) hostAbort() (event.AbortPayload, bool) {
	for _, ev := range h.host {
		if ev.ID == event.HostAbort {
			return ev.Payload.(event.AbortPayload), true
		}
	}
	return event.AbortPayload{}, false
}

func (h *harness) wantState(s State) {
	h.t.Helper()
	if got := h.fw.State(); got != s {
		h.t.Fatalf("State() = %s, want %s", got, s)
	}
}

const records = "S00F000068656C6C6F202020202000003C\r\n" +
	"S30900000000AAAAAAAA56\r\n" +
	"\r\n" +
	"S30900000004BBBBBBBB4D\r\n" +
	"S70500000000FA\r\n"

func recordLines() []string {
	var out []string
	for _, l := range strings.Split(records, "\r\n") {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

// toStreaming walks the machine to StreamingData with the first data record
// sent.
func (h *harness) toStreaming() {
	h.t.Helper()
	h.caseMsg(protocol.ModeRequest, protocol.Check, protocol.CheckPayload(1, 1))
	h.wantState(Checking)
	h.post(event.CompatibilityAccepted, event.CompatibilityPayload{})
	h.wantState(Started)
	if h.link.last().id != protocol.Initiate {
		h.t.Fatalf("sent %s, want INITIATE", h.link.last().id)
	}
	h.caseMsg(protocol.ModeResponseWithRequest, protocol.Ready, protocol.ReadyPayload(protocol.BankA))
	h.wantState(ParsingHeaderRecord)
	h.post(event.MoreData, event.DataPayload{Data: []byte(records)})
	h.post(event.AckReceived, event.AckPayload{})
	h.wantState(AwaitingTransferStart)
	h.caseMsg(protocol.ModeRequest, protocol.Start, protocol.StartPayload("ST2"))
	h.wantState(StreamingData)
}

func TestFullSequence(t *testing.T) {
	h := newHarness(t)
	h.toStreaming()

	if h.hostCount(event.CheckReceived) != 1 {
		t.Errorf("CheckReceived posted %d times, want 1", h.hostCount(event.CheckReceived))
	}
	for _, ev := range h.host {
		if ev.ID == event.CaseReadyForData {
			if b := ev.Payload.(event.BankPayload).Bank; protocol.Bank(b) != protocol.BankB {
				t.Errorf("CaseReadyForData bank = %d, want B", b)
			}
		}
	}
	if h.fw.Variant() != "ST2" {
		t.Errorf("Variant() = %q, want ST2", h.fw.Variant())
	}

	h.post(event.AckReceived, event.AckPayload{WithRequest: true})
	h.post(event.AckReceived, event.AckPayload{WithRequest: true})
	h.wantState(StreamingData)
	h.post(event.AckReceived, event.AckPayload{})
	h.wantState(VerifyingChecksum)

	var data []string
	for _, s := range h.link.sent {
		if s.id == protocol.Data {
			data = append(data, string(s.payload))
			if s.mode != protocol.ModeResponseWithRequest {
				t.Errorf("DATA sent as %s, want response+request", s.mode)
			}
		}
	}
	if want := recordLines(); strings.Join(data, "|") != strings.Join(want, "|") {
		t.Errorf("records sent = %v, want %v", data, want)
	}
	if n := h.hostCount(event.RequestMoreData); n != 0 {
		t.Errorf("RequestMoreData posted %d times after the terminator, want 0", n)
	}

	h.caseMsg(protocol.ModeRequest, protocol.Checksum, nil)
	h.wantState(AwaitingReboot)
	if h.hostCount(event.ChecksumVerified) != 1 {
		t.Error("ChecksumVerified not posted")
	}

	h.post(event.RebootCase, nil)
	if h.link.last().id != protocol.Reboot {
		t.Fatalf("sent %s, want REBOOT", h.link.last().id)
	}
	h.caseMsg(protocol.ModeRequest, protocol.Verify, nil)
	h.wantState(Committing)
	if !h.fw.IsCaseRebooted() {
		t.Error("IsCaseRebooted() = false after VERIFY")
	}

	h.post(event.CommitUpgrade, nil)
	if h.link.last().id != protocol.Commit {
		t.Fatalf("sent %s, want COMMIT", h.link.last().id)
	}
	h.caseMsg(protocol.ModeResponse, protocol.Complete, nil)
	h.wantState(Idle)
	if h.hostCount(event.UpgradeComplete) != 1 {
		t.Error("UpgradeComplete not posted")
	}
	if h.link.closed != 1 {
		t.Errorf("link closed %d times, want 1", h.link.closed)
	}
	if _, ok := h.hostAbort(); ok {
		t.Error("HostAbort posted during a clean run")
	}

	// Every watchdog was cancelled on the way.
	h.loop.Advance(time.Minute)
	if _, ok := h.hostAbort(); ok {
		t.Error("stale timer fired after completion")
	}
}

func TestRecordSplitAcrossChunks(t *testing.T) {
	h := newHarness(t)
	h.caseMsg(protocol.ModeRequest, protocol.Check, protocol.CheckPayload(1, 1))
	h.post(event.CompatibilityAccepted, event.CompatibilityPayload{})
	h.caseMsg(protocol.ModeResponseWithRequest, protocol.Ready, protocol.ReadyPayload(protocol.BankB))

	first := recordLines()[0]
	data := []byte(records)
	for i := 0; i < len(first); i += 5 {
		h.post(event.MoreData, event.DataPayload{Data: data[i:min(i+5, len(first))]})
		if h.link.last().id == protocol.Data {
			t.Fatalf("record sent after %d bytes", i+5)
		}
	}
	requests := h.hostCount(event.RequestMoreData)
	if requests == 0 {
		t.Error("RequestMoreData not posted for a partial record")
	}

	h.post(event.MoreData, event.DataPayload{Data: data[len(first):]})
	s := h.link.last()
	if s.id != protocol.Data || string(s.payload) != first {
		t.Errorf("sent %s %q, want DATA %q", s.id, s.payload, first)
	}
}

func TestRecordTooLong(t *testing.T) {
	h := newHarness(t)
	h.caseMsg(protocol.ModeRequest, protocol.Check, protocol.CheckPayload(1, 1))
	h.post(event.CompatibilityAccepted, event.CompatibilityPayload{})
	h.caseMsg(protocol.ModeResponseWithRequest, protocol.Ready, protocol.ReadyPayload(protocol.BankA))
	h.post(event.MoreData, event.DataPayload{Data: append([]byte("S0"), bytes.Repeat([]byte("F"), 300)...)})

	p, ok := h.hostAbort()
	if !ok {
		t.Fatal("HostAbort not posted")
	}
	if upgrade.ErrorCode(p.Code) != upgrade.ErrInternal || !p.InformCase {
		t.Errorf("HostAbort = %+v, want internal error informing the case", p)
	}
	h.wantState(Aborting)
}

func TestNextStageTimeout(t *testing.T) {
	h := newHarness(t)
	h.caseMsg(protocol.ModeRequest, protocol.Check, protocol.CheckPayload(1, 1))
	h.post(event.CompatibilityAccepted, event.CompatibilityPayload{})
	h.caseMsg(protocol.ModeResponseWithRequest, protocol.Ready, protocol.ReadyPayload(protocol.BankA))
	h.post(event.MoreData, event.DataPayload{Data: []byte(records)})
	h.post(event.AckReceived, event.AckPayload{})
	h.wantState(AwaitingTransferStart)

	h.loop.Advance(DefaultTimeouts().NextStage - time.Millisecond)
	if _, ok := h.hostAbort(); ok {
		t.Fatal("HostAbort posted before the timeout")
	}
	h.loop.Advance(time.Millisecond)
	p, ok := h.hostAbort()
	if !ok {
		t.Fatal("HostAbort not posted after the timeout")
	}
	if upgrade.ErrorCode(p.Code) != upgrade.ErrInternal {
		t.Errorf("HostAbort code = %s, want %s", upgrade.ErrorCode(p.Code), upgrade.ErrInternal)
	}

	h.post(event.FWAbort, event.AbortPayload{Code: p.Code, InformCase: true, FromHost: true})
	if h.link.last().id != protocol.Abort {
		t.Errorf("sent %s, want ABORT", h.link.last().id)
	}
	h.wantState(Idle)
	if h.fw.IsCheckReceived() {
		t.Error("IsCheckReceived() = true after abort")
	}
}

func TestStartCancelsTimer(t *testing.T) {
	h := newHarness(t)
	h.toStreaming()
	// Keep each record inside its response window while passing the
	// next-stage timeout.
	for i := 0; i < 2; i++ {
		h.loop.Advance(DefaultTimeouts().Response - time.Millisecond)
		h.post(event.AckReceived, event.AckPayload{WithRequest: true})
	}
	if _, ok := h.hostAbort(); ok {
		t.Error("next-stage timer fired after START")
	}
}

func TestRecordResponseTimeout(t *testing.T) {
	tests := []struct {
		name string
		// acks is the number of records acknowledged before the case goes
		// silent.
		acks int
		nack bool
	}{
		{"first record", 0, false},
		{"mid stream", 1, false},
		{"terminator", 2, false},
		{"after nack", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.toStreaming()
			for i := 0; i < tt.acks; i++ {
				h.post(event.AckReceived, event.AckPayload{WithRequest: true})
			}
			if tt.nack {
				h.loop.Advance(DefaultTimeouts().Response - time.Millisecond)
				h.caseMsg(protocol.ModeResponse, protocol.Nack, nil)
			}

			h.loop.Advance(DefaultTimeouts().Response - time.Millisecond)
			if _, ok := h.hostAbort(); ok {
				t.Fatal("HostAbort posted before the timeout")
			}
			h.loop.Advance(time.Millisecond)
			p, ok := h.hostAbort()
			if !ok {
				t.Fatalf("HostAbort not posted for an unacknowledged record in state %s", h.fw.State())
			}
			if upgrade.ErrorCode(p.Code) != upgrade.ErrInternal || !p.InformCase {
				t.Errorf("HostAbort = %+v, want internal error informing the case", p)
			}
			h.wantState(Aborting)
		})
	}
}

func TestRebootTimeout(t *testing.T) {
	h := newHarness(t, WithTimeouts(Timeouts{Response: time.Second, NextStage: time.Second, Reboot: 5 * time.Second}))
	h.toStreaming()
	for i := 0; i < 3; i++ {
		h.post(event.AckReceived, event.AckPayload{WithRequest: true})
	}
	h.caseMsg(protocol.ModeRequest, protocol.Checksum, nil)
	h.post(event.RebootCase, nil)

	h.loop.Advance(4 * time.Second)
	if _, ok := h.hostAbort(); ok {
		t.Fatal("reboot timer fired early")
	}
	h.loop.Advance(time.Second)
	if _, ok := h.hostAbort(); !ok {
		t.Error("reboot timer did not fire")
	}
}

func TestCaseFailures(t *testing.T) {
	tests := []struct {
		name   string
		id     protocol.MessageID
		pl     []byte
		code   upgrade.ErrorCode
		inform bool
	}{
		{"busy", protocol.Busy, nil, upgrade.ErrCaseBusy, false},
		{"error", protocol.Error, []byte{1}, upgrade.ErrCaseReportedError, false},
		{"abort", protocol.Abort, nil, upgrade.ErrCaseReportedError, false},
		{"unexpected verify", protocol.Verify, nil, upgrade.ErrInternal, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.toStreaming()
			h.caseMsg(protocol.ModeRequest, tt.id, tt.pl)
			p, ok := h.hostAbort()
			if !ok {
				t.Fatal("HostAbort not posted")
			}
			if upgrade.ErrorCode(p.Code) != tt.code || p.InformCase != tt.inform {
				t.Errorf("HostAbort = %s inform=%v, want %s inform=%v",
					upgrade.ErrorCode(p.Code), p.InformCase, tt.code, tt.inform)
			}
		})
	}
}

func TestIncompatibleCaseVersion(t *testing.T) {
	h := newHarness(t)
	h.caseMsg(protocol.ModeRequest, protocol.Check, protocol.CheckPayload(1, 1))
	h.post(event.CompatibilityAccepted, event.CompatibilityPayload{Compatible: []event.Version{{Major: 2, Minor: 0}}})
	p, ok := h.hostAbort()
	if !ok || upgrade.ErrorCode(p.Code) != upgrade.ErrIncompatibleCaseVersion {
		t.Errorf("HostAbort = %+v, %v, want %s", p, ok, upgrade.ErrIncompatibleCaseVersion)
	}
	for _, s := range h.link.sent {
		if s.id == protocol.Initiate {
			t.Error("INITIATE sent to an incompatible case")
		}
	}
}

func TestNackResendsRecord(t *testing.T) {
	h := newHarness(t, WithMaxNacks(2))
	h.toStreaming()
	want := h.link.last()

	h.caseMsg(protocol.ModeResponse, protocol.Nack, nil)
	h.caseMsg(protocol.ModeResponse, protocol.Nack, nil)
	if got := h.link.last(); got.id != protocol.Data || !bytes.Equal(got.payload, want.payload) {
		t.Errorf("after NACK sent %s %q, want %q", got.id, got.payload, want.payload)
	}
	if _, ok := h.hostAbort(); ok {
		t.Fatal("aborted within the NACK limit")
	}
	h.caseMsg(protocol.ModeResponse, protocol.Nack, nil)
	if _, ok := h.hostAbort(); !ok {
		t.Error("NACK limit not enforced")
	}
}

func TestLinkAbortReported(t *testing.T) {
	h := newHarness(t)
	h.toStreaming()
	h.post(event.FWAbort, event.AbortPayload{Code: uint16(upgrade.ErrInternal)})
	if _, ok := h.hostAbort(); !ok {
		t.Fatal("link abort not reported to the host")
	}
	h.wantState(Aborting)

	// Further case traffic is ignored until the host tears down.
	h.caseMsg(protocol.ModeRequest, protocol.Checksum, nil)
	if n := h.hostCount(event.HostAbort); n != 1 {
		t.Errorf("HostAbort posted %d times, want 1", n)
	}
}

func TestStragglerAfterComplete(t *testing.T) {
	h := newHarness(t)
	h.caseMsg(protocol.ModeResponse, protocol.Complete, nil)
	h.caseMsg(protocol.ModeResponse, protocol.Error, []byte{1})
	h.wantState(Idle)
	if _, ok := h.hostAbort(); ok {
		t.Error("HostAbort posted for a message outside a transfer")
	}
}
