// Package serial carries case frames over a UART bridge. Each frame is sent
// with its mode byte in front; the reader goroutine reassembles frames from
// the byte stream and injects them into the engine's loop.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/vitaminmoo/casedfu/internal/event"
	"github.com/vitaminmoo/casedfu/internal/protocol"
	"github.com/vitaminmoo/casedfu/internal/upgrade"
)

// DefaultBaud is the case bridge's line rate.
const DefaultBaud = 115200

const readTimeout = 500 * time.Millisecond

// Loop is the part of the scheduler the transport uses. Post is called on
// the loop goroutine, Inject from the reader.
type Loop interface {
	Post(ev event.Event)
	Inject(ev event.Event)
}

// Transport implements link.Transport over a serial port.
type Transport struct {
	port io.ReadWriteCloser
	loop Loop
	log  *zap.Logger
	asm  protocol.Assembler

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Open opens path at baud.
func Open(path string, baud int, loop Loop, log *zap.Logger) (*Transport, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	return New(port, loop, log), nil
}

// New wraps an already open port.
func New(port io.ReadWriteCloser, loop Loop, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		port: port,
		loop: loop,
		log:  log,
		done: make(chan struct{}),
	}
}

// ListPorts returns the serial ports present on the system.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	return ports, nil
}

// Transmit writes one frame. A completed write counts as delivered: the
// bridge has no per-frame acknowledgement of its own.
func (t *Transport) Transmit(mode protocol.Mode, frame []byte) error {
	if _, err := t.port.Write(protocol.Wrap(mode, frame)); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	t.loop.Post(event.New(event.Link, event.TxStatus, event.TxStatusPayload{OK: true}))
	return nil
}

// Start runs the reader until ctx is done, the port fails or Close is
// called.
func (t *Transport) Start(ctx context.Context) {
	go t.read(ctx)
}

// Done is closed when the reader stops.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Err returns why the reader stopped, once Done is closed.
func (t *Transport) Err() error { return t.err }

// Close closes the port, which also stops the reader.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() { err = t.port.Close() })
	return err
}

func (t *Transport) read(ctx context.Context) {
	defer close(t.done)
	buf := make([]byte, 512)
	for {
		if ctx.Err() != nil {
			t.err = ctx.Err()
			return
		}
		n, err := t.port.Read(buf)
		if n > 0 {
			t.feed(buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil {
				t.err = ctx.Err()
				return
			}
			t.err = err
			if IsDisconnect(err) {
				t.log.Error("case bridge disconnected", zap.Error(err))
			} else {
				t.log.Error("serial read failed", zap.Error(err))
			}
			t.loop.Inject(event.New(event.FW, event.FWAbort, event.AbortPayload{Code: uint16(upgrade.ErrInternal)}))
			return
		}
	}
}

func (t *Transport) feed(data []byte) {
	packets, err := t.asm.Feed(data)
	for _, p := range packets {
		t.loop.Inject(event.New(event.Link, event.Received, event.FramePayload{Mode: uint8(p.Mode), Frame: p.Frame}))
	}
	if err != nil {
		t.log.Warn("serial stream resynchronised", zap.Error(err))
	}
}

// IsDisconnect reports whether err means the bridge went away rather than
// being misconfigured.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return true
		default:
			return false
		}
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "input/output error") ||
		strings.Contains(s, "no such device") ||
		strings.Contains(s, "device not configured") ||
		strings.Contains(s, "broken pipe")
}
