package casesim

import (
	"testing"
	"time"

	"github.com/vitaminmoo/casedfu/internal/event"
	"github.com/vitaminmoo/casedfu/internal/protocol"
	"github.com/vitaminmoo/casedfu/internal/sched"
)

func TestParseTests(t *testing.T) {
	tests := []struct {
		in      []string
		want    Test
		wantErr bool
	}{
		{nil, 0, false},
		{[]string{"duplicate"}, TestDuplicate, false},
		{[]string{" Sync ", "retry", ""}, TestSync | TestRetryAttempts, false},
		{[]string{"next-stage-timeout", "delayed-tx-status"}, TestNextStageTimeout | TestDelayedTxStatus, false},
		{[]string{"record-timeout"}, TestRecordTimeout, false},
		{[]string{"explode"}, 0, true},
	}

	for _, tt := range tests {
		got, err := ParseTests(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTests(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTests(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestTestString(t *testing.T) {
	if s := Test(0).String(); s != "none" {
		t.Errorf("String() = %q, want none", s)
	}
	if s := (TestSync | TestDuplicate).String(); s != "duplicate,sync" {
		t.Errorf("String() = %q, want duplicate,sync", s)
	}
}

type harness struct {
	loop *sched.Loop
	c    *Case
	link []event.Event
}

func newHarness(cfg Config) *harness {
	h := &harness{}
	h.loop = sched.New(nil, sched.WithClock(sched.NewVirtualClock()))
	h.c = New(h.loop, cfg, nil)
	h.loop.SetHandler(func(ev event.Event) {
		if ev.To == event.Case {
			h.c.HandleEvent(ev)
			return
		}
		h.link = append(h.link, ev)
	})
	return h
}

func (h *harness) transmit(t *testing.T, id protocol.MessageID, payload []byte) {
	t.Helper()
	frame, err := protocol.Encode(id, payload)
	if err != nil {
		t.Fatalf("Encode(%s) error = %v", id, err)
	}
	if err := h.c.Transmit(protocol.ModeResponseWithRequest, frame); err != nil {
		t.Fatalf("Transmit(%s) error = %v", id, err)
	}
}

func (h *harness) received() []protocol.MessageID {
	var out []protocol.MessageID
	for _, ev := range h.link {
		if ev.ID != event.Received {
			continue
		}
		f, err := protocol.Decode(ev.Payload.(event.FramePayload).Frame)
		if err == nil {
			out = append(out, f.ID)
		}
	}
	return out
}

func (h *harness) statuses() []bool {
	var out []bool
	for _, ev := range h.link {
		if ev.ID == event.TxStatus {
			out = append(out, ev.Payload.(event.TxStatusPayload).OK)
		}
	}
	return out
}

func TestHandshake(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.c.InsertEarbuds()
	h.loop.RunUntilIdle()
	if got := h.received(); len(got) != 1 || got[0] != protocol.Check {
		t.Fatalf("sent %v, want [CHECK]", got)
	}
	if h.c.State() != CheckSent {
		t.Fatalf("State() = %s, want CheckSent", h.c.State())
	}

	h.link = nil
	start := h.loop.Now()
	h.transmit(t, protocol.Initiate, nil)
	h.loop.RunUntilIdle()
	if got := h.received(); len(got) != 1 || got[0] != protocol.Ready {
		t.Fatalf("sent %v, want [READY]", got)
	}
	if d := h.loop.Now().Sub(start); d != time.Second {
		t.Errorf("READY after %v, want 1s", d)
	}
	if h.c.State() != ReadySent {
		t.Errorf("State() = %s, want ReadySent", h.c.State())
	}
}

func TestRetryDropsFrames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tests = TestRetryAttempts
	cfg.MaxRetries = 2
	h := newHarness(cfg)
	h.c.InsertEarbuds()
	h.loop.RunUntilIdle()

	for range 3 {
		h.transmit(t, protocol.Initiate, nil)
	}
	h.loop.RunUntilIdle()

	want := []bool{false, false, true}
	got := h.statuses()
	if len(got) != len(want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("status %d = %v, want %v", i, got[i], want[i])
		}
	}
	if n := len(h.c.Received()); n != 1 {
		t.Errorf("accepted %d frames, want 1", n)
	}
}

func TestAbortFlushesTimers(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.c.InsertEarbuds()
	h.loop.RunUntilIdle()
	h.transmit(t, protocol.Initiate, nil)
	h.transmit(t, protocol.Abort, nil)

	h.link = nil
	h.loop.RunUntilIdle()
	if got := h.received(); len(got) != 0 {
		t.Errorf("sent %v after ABORT, want nothing", got)
	}
	if !h.c.Aborted() || h.c.State() != NoEarbuds {
		t.Errorf("Aborted() = %v, State() = %s, want true, NoEarbuds", h.c.Aborted(), h.c.State())
	}
}

func TestDuplicateDelivery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tests = TestDuplicate
	h := newHarness(cfg)
	h.c.InsertEarbuds()
	h.loop.RunUntilIdle()
	if got := h.received(); len(got) != 2 {
		t.Errorf("sent %v, want CHECK twice", got)
	}
}

func TestRejectsGarbage(t *testing.T) {
	h := newHarness(DefaultConfig())
	if err := h.c.Transmit(protocol.ModeRequest, []byte{0xff}); err == nil {
		t.Error("Transmit(garbage) error = nil")
	}
}
