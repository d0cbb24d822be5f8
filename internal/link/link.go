// Package link delivers case frames over an unreliable message channel: one
// send outstanding at a time, a bounded retry, ACK de-duplication by sequence
// bit and a one-slot record of inbound requests that arrive mid-send.
package link

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/vitaminmoo/casedfu/internal/event"
	"github.com/vitaminmoo/casedfu/internal/protocol"
	"github.com/vitaminmoo/casedfu/internal/upgrade"
)

// DefaultMaxAttempts is the number of transmissions tried for one frame.
const DefaultMaxAttempts = 3

// Transport carries frames to the case. Transmit only starts the send; the
// outcome is reported later as a TxStatus event addressed to event.Link.
type Transport interface {
	Transmit(mode protocol.Mode, frame []byte) error
}

// Pending is the inbound effect recorded while a send is outstanding.
type Pending uint8

const (
	PendingNone Pending = iota
	PendingAck
	PendingAckWithRequest
	PendingAckWithChecksum
)

func (p Pending) String() string {
	switch p {
	case PendingNone:
		return "none"
	case PendingAck:
		return "ack"
	case PendingAckWithRequest:
		return "ack+request"
	case PendingAckWithChecksum:
		return "ack+checksum"
	}
	return fmt.Sprintf("pending(%d)", uint8(p))
}

type outbound struct {
	id       protocol.MessageID
	mode     protocol.Mode
	frame    []byte
	attempts int
}

// Session is the per-transfer link state.
type Session struct {
	// Seq flips each time a DATA frame is confirmed sent.
	Seq uint8
	// AckedSeq is the sequence bit of the last accepted ACK.
	AckedSeq uint8

	Sent    int
	Retries int

	out         *outbound
	pending     Pending
	openRequest protocol.MessageID
	requestOpen bool
	closing     bool
	// stale counts TxStatus events still owed to the frame a closing
	// session was sending when the session was replaced.
	stale int
}

// Link is the Link Interface.
type Link struct {
	post        event.Poster
	tr          Transport
	log         *zap.Logger
	maxAttempts int

	s *Session
}

// Option configures a Link.
type Option func(*Link)

// WithMaxAttempts sets the transmission attempt limit per frame.
func WithMaxAttempts(n int) Option {
	return func(l *Link) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Link) { l.log = log }
}

// New creates a Link sending through tr.
func New(p event.Poster, tr Transport, opts ...Option) *Link {
	l := &Link{
		post:        p,
		tr:          tr,
		log:         zap.NewNop(),
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetTransport replaces the transport. Used when the transport is built after
// the engine.
func (l *Link) SetTransport(tr Transport) {
	l.tr = tr
}

// Open starts a fresh session, discarding any previous one. The status of a
// frame the previous session still had outstanding is swallowed.
func (l *Link) Open() *Session {
	s := &Session{}
	if old := l.s; old != nil && old.out != nil {
		l.log.Debug("link reopened with a send outstanding", zap.Stringer("outstanding", old.out.id))
		s.stale = old.stale + 1
	} else if old != nil {
		s.stale = old.stale
	}
	l.s = s
	return s
}

// Session returns the current session, or nil. A closing session is
// returned until its last send completes.
func (l *Link) Session() *Session {
	return l.s
}

// Live reports whether a session is open and not closing.
func (l *Link) Live() bool {
	return l.s != nil && !l.s.closing
}

// Busy reports whether a send is outstanding.
func (l *Link) Busy() bool {
	return l.s != nil && l.s.out != nil
}

// Close ends the session. If a send is still outstanding the session is kept
// until its status arrives, so the frame buffer is not released mid-send.
func (l *Link) Close() {
	if l.s == nil {
		return
	}
	if l.s.out != nil {
		l.log.Debug("link close deferred", zap.Stringer("outstanding", l.s.out.id))
		l.s.closing = true
		return
	}
	l.s = nil
}

// Send frames payload as id and transmits it in mode.
func (l *Link) Send(id protocol.MessageID, mode protocol.Mode, payload []byte) error {
	if l.s == nil || l.s.closing {
		return upgrade.Errorf(upgrade.ErrInternal, "send %s without a link session", id)
	}
	if l.s.out != nil {
		return upgrade.Errorf(upgrade.ErrInternal, "send %s while %s outstanding", id, l.s.out.id)
	}
	frame, err := protocol.Encode(id, payload)
	if err != nil {
		return upgrade.Errorf(upgrade.ErrInternal, "encode %s: %v", id, err)
	}
	if mode.IsResponse() {
		l.s.requestOpen = false
	}
	l.s.out = &outbound{id: id, mode: mode, frame: frame}
	l.transmit()
	return nil
}

func (l *Link) transmit() {
	o := l.s.out
	o.attempts++
	l.s.Sent++
	l.log.Debug("tx",
		zap.Stringer("msg", o.id),
		zap.Stringer("mode", o.mode),
		zap.Int("attempt", o.attempts),
		zap.Int("len", len(o.frame)))
	if l.tr == nil {
		l.post.Post(event.New(event.Link, event.TxStatus, event.TxStatusPayload{OK: false}))
		return
	}
	if err := l.tr.Transmit(o.mode, o.frame); err != nil {
		l.log.Warn("transmit failed", zap.Stringer("msg", o.id), zap.Error(err))
		l.post.Post(event.New(event.Link, event.TxStatus, event.TxStatusPayload{OK: false}))
	}
}

// HandleEvent processes TxStatus and Received events.
func (l *Link) HandleEvent(ev event.Event) {
	switch ev.ID {
	case event.TxStatus:
		l.onTxStatus(ev.Payload.(event.TxStatusPayload).OK)
	case event.Received:
		fp := ev.Payload.(event.FramePayload)
		l.onReceive(protocol.Mode(fp.Mode), fp.Frame)
	default:
		l.log.Debug("link ignored event", zap.Stringer("event", ev))
	}
}

func (l *Link) onTxStatus(ok bool) {
	s := l.s
	if s != nil && s.stale > 0 {
		s.stale--
		l.log.Debug("tx status of a replaced session", zap.Bool("ok", ok))
		return
	}
	if s == nil || s.out == nil {
		l.log.Debug("tx status without outstanding send", zap.Bool("ok", ok))
		return
	}
	o := s.out
	if !ok {
		if o.attempts >= l.maxAttempts {
			l.log.Error("send retries exhausted",
				zap.Stringer("msg", o.id),
				zap.Int("attempts", o.attempts))
			s.out = nil
			s.pending = PendingNone
			if s.closing {
				l.s = nil
			}
			l.abort("%s not delivered after %d attempts", o.id, o.attempts)
			return
		}
		s.Retries++
		l.transmit()
		return
	}

	if o.id == protocol.Data {
		s.Seq ^= 1
	}
	s.out = nil
	if s.closing {
		l.log.Debug("deferred link close done")
		l.s = nil
		return
	}
	l.replay()
}

func (l *Link) replay() {
	s := l.s
	p := s.pending
	s.pending = PendingNone
	switch p {
	case PendingAck:
		l.post.Post(event.New(event.FW, event.AckReceived, event.AckPayload{}))
	case PendingAckWithRequest:
		l.post.Post(event.New(event.FW, event.AckReceived, event.AckPayload{WithRequest: true}))
	case PendingAckWithChecksum:
		l.post.Post(event.New(event.FW, event.AckReceived, event.AckPayload{}))
		checksum, _ := protocol.Encode(protocol.Checksum, nil)
		l.post.Post(event.New(event.FW, event.CaseMessage, event.FramePayload{Mode: uint8(protocol.ModeRequest), Frame: checksum}))
	}
}

func (l *Link) onReceive(mode protocol.Mode, raw []byte) {
	s := l.s
	if s == nil || s.closing {
		l.log.Debug("rx without link session", zap.Int("len", len(raw)))
		return
	}
	f, err := protocol.Decode(raw)
	if err != nil {
		l.abort("malformed frame from case: %v", err)
		return
	}
	l.log.Debug("rx", zap.Stringer("msg", f.ID), zap.Stringer("mode", mode))

	if f.ID == protocol.Sync {
		l.log.Info("case sync")
		return
	}

	if f.ID == protocol.Ack {
		l.onAck(mode, protocol.ParseAck(f))
		return
	}

	if mode.IsRequest() {
		if s.requestOpen {
			if s.openRequest == f.ID {
				l.log.Info("case repeated request", zap.Stringer("msg", f.ID))
				return
			}
			l.abort("case sent %s while %s unanswered", f.ID, s.openRequest)
			return
		}
		s.requestOpen = true
		s.openRequest = f.ID
	}

	if s.out != nil && f.ID == protocol.Checksum && s.pending == PendingAck {
		s.pending = PendingAckWithChecksum
		return
	}
	l.post.Post(event.New(event.FW, event.CaseMessage, event.FramePayload{Mode: uint8(mode), Frame: raw}))
}

func (l *Link) onAck(mode protocol.Mode, sn uint8) {
	s := l.s
	if sn == s.AckedSeq {
		l.log.Info("duplicate ack ignored", zap.Uint8("sn", sn))
		return
	}
	awaiting := s.Seq != s.AckedSeq || (s.out != nil && s.out.id == protocol.Data)
	if !awaiting {
		l.abort("ack %d with no record outstanding", sn)
		return
	}
	s.AckedSeq = sn
	withRequest := mode == protocol.ModeResponseWithRequest
	if withRequest {
		s.requestOpen = true
		s.openRequest = protocol.Ack
	}
	if s.out != nil {
		if withRequest {
			s.pending = PendingAckWithRequest
		} else {
			s.pending = PendingAck
		}
		return
	}
	l.post.Post(event.New(event.FW, event.AckReceived, event.AckPayload{WithRequest: withRequest}))
}

func (l *Link) abort(format string, args ...any) {
	l.log.Error("link abort", zap.String("reason", fmt.Sprintf(format, args...)))
	l.post.Post(event.New(event.FW, event.FWAbort, event.AbortPayload{Code: uint16(upgrade.ErrInternal)}))
}
