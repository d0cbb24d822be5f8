package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"

	"github.com/vitaminmoo/casedfu/internal/event"
	"github.com/vitaminmoo/casedfu/internal/protocol"
	"github.com/vitaminmoo/casedfu/internal/upgrade"
)

type fakePort struct {
	reads  chan []byte
	mu     sync.Mutex
	wrote  bytes.Buffer
	closed bool
}

func newFakePort() *fakePort {
	return &fakePort{reads: make(chan []byte, 8)}
}

func (p *fakePort) Read(b []byte) (int, error) {
	chunk, ok := <-p.reads
	if !ok {
		return 0, io.EOF
	}
	return copy(b, chunk), nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wrote.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.reads)
	}
	return nil
}

type fakeLoop struct {
	mu       sync.Mutex
	posted   []event.Event
	injected chan event.Event
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{injected: make(chan event.Event, 16)}
}

func (l *fakeLoop) Post(ev event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.posted = append(l.posted, ev)
}

func (l *fakeLoop) Inject(ev event.Event) { l.injected <- ev }

func (l *fakeLoop) next(t *testing.T) event.Event {
	t.Helper()
	select {
	case ev := <-l.injected:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event injected")
		return event.Event{}
	}
}

func encode(t *testing.T, id protocol.MessageID, payload []byte) []byte {
	t.Helper()
	frame, err := protocol.Encode(id, payload)
	if err != nil {
		t.Fatalf("Encode(%s) error = %v", id, err)
	}
	return frame
}

func TestTransmit(t *testing.T) {
	port := newFakePort()
	loop := newFakeLoop()
	tr := New(port, loop, nil)

	frame := encode(t, protocol.Initiate, nil)
	if err := tr.Transmit(protocol.ModeResponseWithRequest, frame); err != nil {
		t.Fatalf("Transmit() error = %v", err)
	}

	want := protocol.Wrap(protocol.ModeResponseWithRequest, frame)
	if got := port.wrote.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("wrote % x, want % x", got, want)
	}
	if len(loop.posted) != 1 {
		t.Fatalf("posted %d events, want 1", len(loop.posted))
	}
	ev := loop.posted[0]
	if ev.To != event.Link || ev.ID != event.TxStatus {
		t.Errorf("posted %s, want Link TxStatus", ev)
	}
	if st, ok := ev.Payload.(event.TxStatusPayload); !ok || !st.OK {
		t.Errorf("payload = %v, want OK", ev.Payload)
	}
}

func TestReassemblesSplitFrames(t *testing.T) {
	port := newFakePort()
	loop := newFakeLoop()
	tr := New(port, loop, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)

	check := protocol.Wrap(protocol.ModeRequest, encode(t, protocol.Check, []byte{0, 1, 0, 2}))
	ready := protocol.Wrap(protocol.ModeResponseWithRequest, encode(t, protocol.Ready, []byte{0}))
	stream := append(append([]byte{}, check...), ready...)

	// One byte of CHECK, then the rest together with READY.
	port.reads <- stream[:1]
	port.reads <- stream[1:]

	for _, want := range []struct {
		mode protocol.Mode
		id   protocol.MessageID
	}{
		{protocol.ModeRequest, protocol.Check},
		{protocol.ModeResponseWithRequest, protocol.Ready},
	} {
		ev := loop.next(t)
		if ev.To != event.Link || ev.ID != event.Received {
			t.Fatalf("injected %s, want Link Received", ev)
		}
		fp := ev.Payload.(event.FramePayload)
		if protocol.Mode(fp.Mode) != want.mode {
			t.Errorf("mode = %s, want %s", protocol.Mode(fp.Mode), want.mode)
		}
		f, err := protocol.Decode(fp.Frame)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if f.ID != want.id {
			t.Errorf("frame = %s, want %s", f.ID, want.id)
		}
	}
}

func TestReadFailureAborts(t *testing.T) {
	port := newFakePort()
	loop := newFakeLoop()
	tr := New(port, loop, nil)
	tr.Start(context.Background())

	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	ev := loop.next(t)
	if ev.To != event.FW || ev.ID != event.FWAbort {
		t.Fatalf("injected %s, want FW FWAbort", ev)
	}
	if code := ev.Payload.(event.AbortPayload).Code; code != uint16(upgrade.ErrInternal) {
		t.Errorf("abort code = %#x, want %#x", code, uint16(upgrade.ErrInternal))
	}

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop")
	}
	if !errors.Is(tr.Err(), io.EOF) {
		t.Errorf("Err() = %v, want EOF", tr.Err())
	}
}

func TestIsDisconnect(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("read: %w", io.EOF), true},
		{"port busy", &serial.PortError{}, false},
		{"io error", errors.New("read /dev/ttyUSB0: input/output error"), true},
		{"unplugged", errors.New("Device not configured"), true},
		{"permission", errors.New("open /dev/ttyUSB0: permission denied"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDisconnect(tt.err); got != tt.want {
				t.Errorf("IsDisconnect(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
