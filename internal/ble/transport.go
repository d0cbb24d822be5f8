// Package ble carries case frames over a BLE UART bridge: frames to the case
// are written to one characteristic, frames from the case arrive as
// notifications on another. Both directions use the mode-prefixed stream
// format and may be split across writes or notifications.
package ble

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitaminmoo/casedfu/internal/config"
	"github.com/vitaminmoo/casedfu/internal/event"
	"github.com/vitaminmoo/casedfu/internal/protocol"
	"github.com/vitaminmoo/casedfu/internal/util"
)

// Loop is the part of the scheduler the transport uses. Post is called on
// the loop goroutine, Inject from the notification callback.
type Loop interface {
	Post(ev event.Event)
	Inject(ev event.Event)
}

// Writer is the write side of the bridge.
type Writer interface {
	WriteWithoutResponse(p []byte) (int, error)
}

// Notifier is the notify side of the bridge.
type Notifier interface {
	EnableNotifications(callback func(buf []byte)) error
}

// Transport implements link.Transport over a BLE characteristic pair.
type Transport struct {
	write     Writer
	notify    Notifier
	loop      Loop
	log       *zap.Logger
	writeSize int
	gap       time.Duration

	mu  sync.Mutex
	asm protocol.Assembler

	disconnect func() error
}

// Option configures a Transport.
type Option func(*Transport)

// WithWriteSize sets the largest single characteristic write.
func WithWriteSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.writeSize = n
		}
	}
}

// WithWriteGap sets a pause between the writes of one frame.
func WithWriteGap(d time.Duration) Option {
	return func(t *Transport) { t.gap = d }
}

// New builds a transport over an already discovered characteristic pair.
// Call Start to subscribe to notifications.
func New(w Writer, n Notifier, loop Loop, log *zap.Logger, opts ...Option) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Transport{
		write:     w,
		notify:    n,
		loop:      loop,
		log:       log,
		writeSize: DefaultWriteSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open scans for the case bridge called name, connects, discovers the
// bridge service and subscribes to it.
func Open(name string, timeout time.Duration, loop Loop, log *zap.Logger, opts ...Option) (*Transport, error) {
	device, err := Connect(name, timeout)
	if err != nil {
		return nil, err
	}
	chars, err := Discover(device)
	if err != nil {
		_ = device.Disconnect()
		return nil, err
	}
	t := New(chars.Write, chars.Notify, loop, log, opts...)
	t.disconnect = device.Disconnect
	if err := t.Start(); err != nil {
		_ = device.Disconnect()
		return nil, err
	}
	return t, nil
}

// Start subscribes to frames from the case.
func (t *Transport) Start() error {
	if err := t.notify.EnableNotifications(t.handleNotification); err != nil {
		return fmt.Errorf("failed to enable notifications: %w", err)
	}
	return nil
}

// Close drops the connection, if Open made it.
func (t *Transport) Close() error {
	if t.disconnect == nil {
		return nil
	}
	err := t.disconnect()
	t.disconnect = nil
	return err
}

// Transmit writes one frame, fragmented to the write size. The bridge
// forwards every completed write, so a frame whose writes all succeeded
// counts as delivered.
func (t *Transport) Transmit(mode protocol.Mode, frame []byte) error {
	data := protocol.Wrap(mode, frame)
	for offset := 0; offset < len(data); offset += t.writeSize {
		end := min(offset+t.writeSize, len(data))
		chunk := data[offset:end]

		if config.Verbose {
			config.Debugf("BLE write %d-%d:\n%s", offset, end, util.HexDump(chunk))
		}
		if _, err := t.write.WriteWithoutResponse(chunk); err != nil {
			return fmt.Errorf("failed to write chunk at offset %d: %w", offset, err)
		}
		if t.gap > 0 && end < len(data) {
			time.Sleep(t.gap)
		}
	}
	t.loop.Post(event.New(event.Link, event.TxStatus, event.TxStatusPayload{OK: true}))
	return nil
}

func (t *Transport) handleNotification(buf []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if config.Verbose {
		config.Debugf("BLE notification: %d bytes\n%s", len(buf), util.HexDump(buf))
	}
	packets, err := t.asm.Feed(buf)
	for _, p := range packets {
		t.loop.Inject(event.New(event.Link, event.Received, event.FramePayload{Mode: uint8(p.Mode), Frame: p.Frame}))
	}
	if err != nil {
		t.log.Warn("notification stream resynchronised", zap.Error(err))
	}
}
