package host

import (
	"encoding/binary"
	"testing"

	"github.com/vitaminmoo/casedfu/internal/event"
	"github.com/vitaminmoo/casedfu/internal/parser"
	"github.com/vitaminmoo/casedfu/internal/protocol"
	"github.com/vitaminmoo/casedfu/internal/sched"
	"github.com/vitaminmoo/casedfu/internal/upgrade"
)

type bytesReq struct {
	size, offset uint32
}

type fakeProto struct {
	inUse      bool
	reqs       []bytesReq
	short      []upgrade.ShortMsg
	errs       []upgrade.ErrorCode
	silentCfm  []bool
	dataCfms   int
	resume     []upgrade.ResumePoint
	connects   int
	reconnects int
	cleanups   []bool
}

func (p *fakeProto) SendBytesReq(size, offset uint32) {
	p.reqs = append(p.reqs, bytesReq{size, offset})
}

func (p *fakeProto) SendShortMsg(m upgrade.ShortMsg) { p.short = append(p.short, m) }
func (p *fakeProto) SendErrorInd(c upgrade.ErrorCode) { p.errs = append(p.errs, c) }
func (p *fakeProto) SendSilentCommitSupportedCfm(ok bool) { p.silentCfm = append(p.silentCfm, ok) }
func (p *fakeProto) DataCfm() { p.dataCfms++ }
func (p *fakeProto) TransportInUse() bool { return p.inUse }
func (p *fakeProto) SetResumePoint(r upgrade.ResumePoint) { p.resume = append(p.resume, r) }
func (p *fakeProto) ClientConnect() { p.connects++ }
func (p *fakeProto) ClientReconnect() { p.reconnects++ }
func (p *fakeProto) CleanUpCaseDfu(isError bool) { p.cleanups = append(p.cleanups, isError) }

func (p *fakeProto) hasShort(m upgrade.ShortMsg) bool {
	for _, s := range p.short {
		if s == m {
			return true
		}
	}
	return false
}

type fakeFW struct {
	check    bool
	rebooted bool
}

func (f *fakeFW) IsCheckReceived() bool { return f.check }
func (f *fakeFW) IsCaseRebooted() bool { return f.rebooted }

type harness struct {
	t      *testing.T
	loop   *sched.Loop
	proto  *fakeProto
	fw     *fakeFW
	bridge *Bridge
	fwEvs  []event.Event
	notes  []Notification
	img    []byte
}

func newHarness(t *testing.T) *harness {
	h := &harness{t: t, proto: &fakeProto{inUse: true}, fw: &fakeFW{}, img: testImage()}
	h.loop = sched.New(nil, sched.WithClock(sched.NewVirtualClock()))
	p := parser.New(h.loop, nil)
	h.bridge = New(h.loop, h.proto, p, h.fw, WithObserver(func(n Notification) {
		h.notes = append(h.notes, n)
	}))
	h.loop.SetHandler(func(ev event.Event) {
		switch ev.To {
		case event.Host:
			h.bridge.HandleEvent(ev)
		case event.FW:
			h.fwEvs = append(h.fwEvs, ev)
		}
	})
	return h
}

func (h *harness) drain() {
	for h.loop.Step() {
	}
}

func (h *harness) post(id event.ID, payload any) {
	h.loop.Post(event.New(event.Host, id, payload))
	h.drain()
}

func (h *harness) lastReq() bytesReq {
	h.t.Helper()
	if len(h.proto.reqs) == 0 {
		h.t.Fatal("no bytes requested")
	}
	return h.proto.reqs[len(h.proto.reqs)-1]
}

// serve answers the last bytes request with one packet.
func (h *harness) serve(last bool) {
	h.t.Helper()
	r := h.lastReq()
	h.post(event.HostData, event.HostDataPayload{Data: h.img[r.offset : r.offset+r.size], Last: last})
}

func (h *harness) fwCount(id event.ID) int {
	n := 0
	for _, ev := range h.fwEvs {
		if ev.ID == id {
			n++
		}
	}
	return n
}

func (h *harness) noted(n Notification) bool {
	for _, x := range h.notes {
		if x == n {
			return true
		}
	}
	return false
}

func (h *harness) wantState(s State) {
	h.t.Helper()
	if got := h.bridge.State(); got != s {
		h.t.Fatalf("State() = %s, want %s", got, s)
	}
}

func section(id string, body []byte) []byte {
	out := []byte(id)
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	return append(out, body...)
}

var (
	bankA = []byte("S00F000068656C6C6F202020202000003C\nS70500000000FA\n")
	bankB = []byte("S00F000068656C6C6F202020202000003C\nS70500001000EA\n")
)

func testImage() []byte {
	hdr := make([]byte, 14)
	copy(hdr, "ST2")
	binary.BigEndian.PutUint16(hdr[8:], 1)
	part := binary.BigEndian.AppendUint32(nil, uint32(len(bankA)))
	part = append(part, bankA...)
	part = append(part, bankB...)

	var img []byte
	img = append(img, section(parser.HeaderID, hdr)...)
	img = append(img, section(parser.PartitionID, part)...)
	img = append(img, section(parser.FooterID, nil)...)
	return img
}

// toDataTransfer starts a transfer with the earbuds out of the case and
// then reports the case CHECK.
func (h *harness) toDataTransfer() {
	h.t.Helper()
	h.bridge.StartCaseDfu()
	h.drain()
	h.wantState(Connected)
	h.post(event.CheckReceived, nil)
	h.wantState(DataTransfer)
}

// toFooter serves the image up to the footer request.
func (h *harness) toFooter() {
	h.t.Helper()
	h.toDataTransfer()
	h.serve(false) // generic header
	h.serve(false) // header body
	h.serve(false) // partition header
	h.serve(false) // data header
	h.post(event.CaseReadyForData, event.BankPayload{Bank: uint8(protocol.BankA)})
	h.serve(false) // bank A range
	h.post(event.ChecksumVerified, nil)
	if r := h.lastReq(); r.size != parser.GenericHeaderSize || int(r.offset)+parser.GenericHeaderSize != len(h.img) {
		h.t.Fatalf("footer request = %+v, image is %d bytes", r, len(h.img))
	}
}

func TestStartRequestsEarbudsInCase(t *testing.T) {
	h := newHarness(t)
	h.bridge.StartCaseDfu()
	h.drain()

	h.wantState(Connected)
	if !h.bridge.IsEarbudsInCaseRequested() {
		t.Error("IsEarbudsInCaseRequested() = false")
	}
	if !h.proto.hasShort(upgrade.PutEarbudsInCaseReq) {
		t.Error("PUT_EARBUDS_IN_CASE_REQ not sent")
	}
	if !h.noted(Started) || !h.noted(EarbudsInCaseRequested) {
		t.Errorf("notifications = %v, want started and in-case request", h.notes)
	}
	if !h.loop.Pending(event.Host, event.InCaseTimeout) {
		t.Error("in-case timer not started")
	}

	h.post(event.CheckReceived, nil)
	h.wantState(DataTransfer)
	if !h.proto.hasShort(upgrade.EarbudsInCaseCfm) {
		t.Error("EARBUDS_IN_CASE_CFM not sent")
	}
	if h.loop.Pending(event.Host, event.InCaseTimeout) {
		t.Error("in-case timer still pending after confirmation")
	}
	if r := h.lastReq(); r != (bytesReq{parser.GenericHeaderSize, 0}) {
		t.Errorf("first request = %+v, want {12 0}", r)
	}

	// A second confirmation is not sent.
	before := len(h.proto.short)
	h.post(event.HostStartDataReq, nil)
	if len(h.proto.short) != before {
		t.Errorf("short messages after reconnect = %v", h.proto.short[before:])
	}
}

func TestWaitingForLinkWithCheck(t *testing.T) {
	h := newHarness(t)
	h.fw.check = true
	h.bridge.HandleDfuMode()
	h.bridge.StartCaseDfu()
	h.drain()

	h.wantState(DataTransfer)
	if h.proto.hasShort(upgrade.PutEarbudsInCaseReq) {
		t.Error("earbuds requested in case with CHECK already received")
	}
	if r := h.lastReq(); r != (bytesReq{parser.GenericHeaderSize, 0}) {
		t.Errorf("first request = %+v, want {12 0}", r)
	}
}

func TestInCaseTimeout(t *testing.T) {
	h := newHarness(t)
	h.bridge.StartCaseDfu()
	h.drain()
	h.loop.Advance(DefaultInCaseTimeout)

	h.wantState(Aborting)
	if len(h.proto.errs) != 1 || h.proto.errs[0] != upgrade.ErrTimeOut {
		t.Errorf("error indications = %v, want [%s]", h.proto.errs, upgrade.ErrTimeOut)
	}
	if h.fwCount(event.FWAbort) == 0 {
		t.Error("FW not told to abort")
	} else if p := h.fwEvs[0].Payload.(event.AbortPayload); !p.InformCase || !p.FromHost {
		t.Errorf("FWAbort = %+v, want informing the case from the host", p)
	}

	h.post(event.HostAbortReq, nil)
	h.wantState(Idle)
	if !h.proto.hasShort(upgrade.AbortCfm) {
		t.Error("ABORT_CFM not sent")
	}
	if len(h.proto.cleanups) != 1 || !h.proto.cleanups[0] {
		t.Errorf("cleanups = %v, want [true]", h.proto.cleanups)
	}
	if !h.noted(Aborted) {
		t.Error("Aborted not notified")
	}
}

func TestFileTooSmall(t *testing.T) {
	h := newHarness(t)
	h.toDataTransfer()
	h.serve(true)

	if len(h.proto.errs) != 1 || h.proto.errs[0] != upgrade.ErrFileTooSmall {
		t.Errorf("error indications = %v, want [%s]", h.proto.errs, upgrade.ErrFileTooSmall)
	}
	h.wantState(Aborting)
}

func TestFileTooBig(t *testing.T) {
	h := newHarness(t)
	h.toFooter()
	h.serve(false)

	if len(h.proto.errs) != 1 || h.proto.errs[0] != upgrade.ErrFileTooBig {
		t.Errorf("error indications = %v, want [%s]", h.proto.errs, upgrade.ErrFileTooBig)
	}
}

func TestTransferCompleteAndCommit(t *testing.T) {
	h := newHarness(t)
	h.toFooter()
	if n := h.fwCount(event.MoreData); n != 1 {
		t.Errorf("MoreData posted %d times, want 1", n)
	}

	cfms := h.proto.dataCfms
	h.serve(true)
	if len(h.proto.errs) != 0 {
		t.Fatalf("error indications = %v", h.proto.errs)
	}
	if h.proto.dataCfms != cfms+1 {
		t.Errorf("DataCfm called %d times for the footer, want 1", h.proto.dataCfms-cfms)
	}
	if got := h.proto.resume[len(h.proto.resume)-1]; got != upgrade.ResumePreValidate {
		t.Errorf("resume point = %s, want %s", got, upgrade.ResumePreValidate)
	}

	h.post(event.HostIsValidDoneReq, nil)
	h.wantState(ConfirmingReboot)
	if !h.proto.hasShort(upgrade.TransferCompleteInd) || !h.noted(ReadyForReboot) {
		t.Error("transfer complete not indicated")
	}

	h.post(event.HostTransferCompleteRes, event.TransferCompletePayload{Action: event.ActionInteractiveCommit})
	h.wantState(ConfirmingCommit)
	if h.fwCount(event.RebootCase) != 1 {
		t.Error("RebootCase not posted")
	}

	h.post(event.HostProceedToCommit, nil)
	if h.proto.hasShort(upgrade.CommitReq) {
		t.Fatal("COMMIT_REQ sent before the case rebooted")
	}
	h.fw.rebooted = true
	h.post(event.CaseRebooted, nil)
	if !h.proto.hasShort(upgrade.CommitReq) {
		t.Fatal("COMMIT_REQ not sent")
	}

	h.post(event.HostCommitCfm, event.CommitCfmPayload{Yes: true})
	if h.fwCount(event.CommitUpgrade) != 1 {
		t.Error("CommitUpgrade not posted")
	}
	h.post(event.UpgradeComplete, nil)
	h.wantState(Idle)
	if !h.proto.hasShort(upgrade.CompleteInd) || !h.noted(Completed) {
		t.Error("completion not indicated")
	}
	if len(h.proto.cleanups) != 1 || h.proto.cleanups[0] {
		t.Errorf("cleanups = %v, want [false]", h.proto.cleanups)
	}
}

func TestSilentCommitRejected(t *testing.T) {
	h := newHarness(t)
	h.toFooter()
	h.serve(true)
	h.post(event.HostIsValidDoneReq, nil)
	h.post(event.HostTransferCompleteRes, event.TransferCompletePayload{Action: event.ActionSilentCommit})

	if len(h.proto.errs) != 1 || h.proto.errs[0] != upgrade.ErrSilentCommitNotSupported {
		t.Errorf("error indications = %v, want [%s]", h.proto.errs, upgrade.ErrSilentCommitNotSupported)
	}
	if h.fwCount(event.RebootCase) != 0 {
		t.Error("RebootCase posted for a silent commit")
	}
}

func TestSilentCommitSupportedReq(t *testing.T) {
	h := newHarness(t)
	h.post(event.HostSilentCommitSupportedReq, nil)
	if len(h.proto.silentCfm) != 1 || h.proto.silentCfm[0] {
		t.Errorf("silent commit cfm = %v, want [false]", h.proto.silentCfm)
	}
}

func TestQueueWhileParsing(t *testing.T) {
	h := newHarness(t)
	h.toDataTransfer()

	// Three packets arrive before the first is parsed.
	r := h.lastReq()
	h.loop.Post(event.New(event.Host, event.HostData, event.HostDataPayload{Data: h.img[:4]}))
	h.loop.Post(event.New(event.Host, event.HostData, event.HostDataPayload{Data: h.img[4:8]}))
	h.loop.Post(event.New(event.Host, event.HostData, event.HostDataPayload{Data: h.img[8:r.size]}))
	for i := 0; i < 3; i++ {
		h.loop.Step()
	}
	if n := h.bridge.QueuedPackets(); n != 2 {
		t.Fatalf("QueuedPackets() = %d, want 2", n)
	}

	h.drain()
	if n := h.bridge.QueuedPackets(); n != 0 {
		t.Errorf("QueuedPackets() = %d after draining, want 0", n)
	}
	if r := h.lastReq(); r.offset != parser.GenericHeaderSize {
		t.Errorf("request after queued packets = %+v, want offset 12", r)
	}
}

func TestDataDroppedWithoutTransport(t *testing.T) {
	h := newHarness(t)
	h.toDataTransfer()
	h.proto.inUse = false

	cfms := h.proto.dataCfms
	h.post(event.HostData, event.HostDataPayload{Data: h.img[:4]})
	if h.proto.dataCfms != cfms+1 {
		t.Errorf("DataCfm called %d times, want 1", h.proto.dataCfms-cfms)
	}
	if h.bridge.QueuedPackets() != 0 {
		t.Error("packet queued without a transport")
	}
}

func TestResumeAfterReconnect(t *testing.T) {
	h := newHarness(t)
	h.toDataTransfer()
	h.post(event.HostData, event.HostDataPayload{Data: h.img[:5]})
	h.post(event.HostStartDataReq, nil)

	if r := h.lastReq(); r != (bytesReq{parser.GenericHeaderSize - 5, 5}) {
		t.Errorf("request after reconnect = %+v, want {7 5}", r)
	}
}

func TestAbortWithoutTransport(t *testing.T) {
	h := newHarness(t)
	h.toDataTransfer()
	h.proto.inUse = false
	h.post(event.HostAbort, event.AbortPayload{Code: uint16(upgrade.ErrCaseBusy)})

	h.wantState(Idle)
	if len(h.proto.errs) != 0 {
		t.Errorf("error indication sent without a transport: %v", h.proto.errs)
	}
	if len(h.proto.cleanups) != 1 {
		t.Errorf("cleanups = %v, want one", h.proto.cleanups)
	}
}

func TestHostAbortReq(t *testing.T) {
	h := newHarness(t)
	h.toDataTransfer()
	h.post(event.HostAbortReq, nil)

	h.wantState(Idle)
	if !h.proto.hasShort(upgrade.AbortCfm) {
		t.Error("ABORT_CFM not sent")
	}
	if h.fwCount(event.FWAbort) == 0 {
		t.Error("FW not told to abort")
	}
}

func TestPacketQueueGrowth(t *testing.T) {
	var q packetQueue
	for i := 0; i < 4; i++ {
		q.push(event.HostDataPayload{Data: []byte{byte(i)}})
	}
	if q.capacity() != 4 {
		t.Errorf("capacity() = %d after 4 pushes, want 4", q.capacity())
	}
	q.push(event.HostDataPayload{Data: []byte{4}})
	if q.capacity() != 8 {
		t.Errorf("capacity() = %d after 5 pushes, want 8", q.capacity())
	}

	for i := 0; i < 5; i++ {
		p, ok := q.pop()
		if !ok || p.Data[0] != byte(i) {
			t.Fatalf("pop() = %v, %v, want %d", p.Data, ok, i)
		}
	}
	if _, ok := q.pop(); ok {
		t.Error("pop() on empty queue = ok")
	}
	if q.capacity() != 8 {
		t.Errorf("capacity() = %d after draining, want 8", q.capacity())
	}

	for i := 0; i < 9; i++ {
		q.push(event.HostDataPayload{})
	}
	if q.capacity() != 16 {
		t.Errorf("capacity() = %d after 9 pushes, want 16", q.capacity())
	}
	q.reset()
	if q.size() != 0 || q.capacity() != 0 {
		t.Errorf("reset() left size %d cap %d", q.size(), q.capacity())
	}
}
