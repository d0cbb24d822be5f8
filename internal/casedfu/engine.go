// Package casedfu assembles the case DFU engine: one Data Parser, FW state
// machine, Link Interface and Host Bridge sharing a scheduler, with events
// routed to whichever component they are addressed to.
package casedfu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitaminmoo/casedfu/internal/config"
	"github.com/vitaminmoo/casedfu/internal/event"
	"github.com/vitaminmoo/casedfu/internal/fw"
	"github.com/vitaminmoo/casedfu/internal/host"
	"github.com/vitaminmoo/casedfu/internal/link"
	"github.com/vitaminmoo/casedfu/internal/parser"
	"github.com/vitaminmoo/casedfu/internal/sched"
	"github.com/vitaminmoo/casedfu/internal/upgrade"
)

// EventHandler is a peer that receives events on the engine's loop, such as
// a simulated case or a local update host.
type EventHandler interface {
	HandleEvent(ev event.Event)
}

// Status is a point-in-time view of the engine, safe to read from other
// goroutines.
type Status struct {
	TransferID  string    `json:"transfer_id,omitempty"`
	HostState   string    `json:"host_state"`
	FWState     string    `json:"fw_state"`
	ParserState string    `json:"parser_state,omitempty"`
	Offset      uint32    `json:"offset"`
	Forwarded   uint32    `json:"forwarded"`
	Records     int       `json:"records"`
	LinkSent    int       `json:"link_sent"`
	LinkRetries int       `json:"link_retries"`
	TargetBank  string    `json:"target_bank,omitempty"`
	Variant     string    `json:"variant,omitempty"`
	CaseVersion string    `json:"case_version,omitempty"`
	Queued      int       `json:"queued"`
	Events      int       `json:"events"`
	Updated     time.Time `json:"updated"`
}

type settings struct {
	log           *zap.Logger
	observers     []host.Observer
	timeouts      fw.Timeouts
	maxAttempts   int
	maxNacks      int
	inCaseTimeout time.Duration
}

// Option configures an Engine.
type Option func(*settings)

// WithLogger sets the logger shared by every component.
func WithLogger(log *zap.Logger) Option {
	return func(s *settings) { s.log = log }
}

// WithObserver registers a lifecycle observer.
func WithObserver(o host.Observer) Option {
	return func(s *settings) { s.observers = append(s.observers, o) }
}

// WithTimeouts overrides the case watchdogs.
func WithTimeouts(t fw.Timeouts) Option {
	return func(s *settings) { s.timeouts = t }
}

// WithMaxAttempts sets the transmission attempt limit per frame.
func WithMaxAttempts(n int) Option {
	return func(s *settings) { s.maxAttempts = n }
}

// WithMaxNacks sets how many NACKs one record may receive.
func WithMaxNacks(n int) Option {
	return func(s *settings) { s.maxNacks = n }
}

// WithInCaseTimeout sets how long the user has to put the earbuds in the
// case.
func WithInCaseTimeout(d time.Duration) Option {
	return func(s *settings) { s.inCaseTimeout = d }
}

// WithConfig applies the link and timeout settings of a config file.
func WithConfig(c *config.Config) Option {
	return func(s *settings) {
		s.maxAttempts = c.Link.MaxAttempts
		s.maxNacks = c.Link.MaxNacks
		s.timeouts = fw.Timeouts{
			Response:  c.Timeouts.Response.Duration,
			NextStage: c.Timeouts.NextStage.Duration,
			Reboot:    c.Timeouts.Reboot.Duration,
		}
		s.inCaseTimeout = c.Timeouts.InCase.Duration
	}
}

// Engine owns one of each component and routes the loop's events to them.
// Every method except Status must be called on the loop goroutine.
type Engine struct {
	loop   *sched.Loop
	log    *zap.Logger
	parser *parser.Parser
	fw     *fw.FW
	link   *link.Link
	host   *host.Bridge
	peers  map[event.Target]EventHandler

	linkSent    int
	linkRetries int

	mu     sync.Mutex
	status Status
	events int
}

// New builds an engine on loop, talking to the case through tr and to the
// update host through proto. If tr or proto also handle events they are
// attached as the Case and Updater peers.
func New(loop *sched.Loop, tr link.Transport, proto upgrade.Protocol, opts ...Option) *Engine {
	s := settings{
		log:           zap.NewNop(),
		timeouts:      fw.DefaultTimeouts(),
		maxAttempts:   link.DefaultMaxAttempts,
		maxNacks:      fw.DefaultMaxNacks,
		inCaseTimeout: host.DefaultInCaseTimeout,
	}
	for _, opt := range opts {
		opt(&s)
	}

	e := &Engine{
		loop:  loop,
		log:   s.log,
		peers: make(map[event.Target]EventHandler),
	}
	e.parser = parser.New(loop, s.log.Named("parser"))
	e.link = link.New(loop, tr,
		link.WithMaxAttempts(s.maxAttempts),
		link.WithLogger(s.log.Named("link")))
	e.fw = fw.New(loop, e.link,
		fw.WithTimeouts(s.timeouts),
		fw.WithMaxNacks(s.maxNacks),
		fw.WithLogger(s.log.Named("fw")))
	hostOpts := []host.Option{
		host.WithInCaseTimeout(s.inCaseTimeout),
		host.WithLogger(s.log.Named("host")),
	}
	for _, o := range s.observers {
		hostOpts = append(hostOpts, host.WithObserver(o))
	}
	e.host = host.New(loop, proto, e.parser, e.fw, hostOpts...)

	if h, ok := tr.(EventHandler); ok {
		e.peers[event.Case] = h
	}
	if h, ok := proto.(EventHandler); ok {
		e.peers[event.Updater] = h
	}
	loop.SetHandler(e.dispatch)
	e.snapshot()
	return e
}

// Attach routes events addressed to target to h.
func (e *Engine) Attach(target event.Target, h EventHandler) {
	e.peers[target] = h
}

// Loop returns the engine's scheduler.
func (e *Engine) Loop() *sched.Loop { return e.loop }

// Host returns the Host Bridge.
func (e *Engine) Host() *host.Bridge { return e.host }

// FW returns the FW state machine.
func (e *Engine) FW() *fw.FW { return e.fw }

// Link returns the Link Interface.
func (e *Engine) Link() *link.Link { return e.link }

// Parser returns the Data Parser.
func (e *Engine) Parser() *parser.Parser { return e.parser }

// Arm readies the engine for a case that enters DFU mode before the image
// is offered: the link listens and the bridge waits for the transport.
func (e *Engine) Arm() {
	e.openLink()
	e.host.HandleDfuMode()
}

// Start begins a case DFU for the image the update host is serving.
func (e *Engine) Start() {
	e.openLink()
	if e.fw.IsCheckReceived() && e.host.State() == host.Idle {
		e.host.HandleDfuMode()
	}
	e.log.Info("case dfu starting", zap.Stringer("host_state", e.host.State()))
	e.host.StartCaseDfu()
}

// openLink opens a session unless one is live. A session still closing
// after the last transfer's ABORT is replaced.
func (e *Engine) openLink() {
	if !e.link.Live() {
		e.link.Open()
	}
}

// Pause tells the bridge the update host transport was lost.
func (e *Engine) Pause() { e.host.Pause() }

// Resume tells the bridge the update host transport is back.
func (e *Engine) Resume() { e.host.Resume() }

// Abort stops the transfer and tells the case.
func (e *Engine) Abort() { e.host.AbortWithCase() }

// Run drives the loop on the wall clock until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	return e.loop.Run(ctx)
}

// RunUntilIdle drives the loop on its virtual clock until nothing is left.
func (e *Engine) RunUntilIdle() int {
	return e.loop.RunUntilIdle()
}

func (e *Engine) dispatch(ev event.Event) {
	switch ev.To {
	case event.Host:
		e.host.HandleEvent(ev)
	case event.FW:
		e.fw.HandleEvent(ev)
	case event.Link:
		e.link.HandleEvent(ev)
	default:
		if h, ok := e.peers[ev.To]; ok {
			h.HandleEvent(ev)
		} else {
			e.log.Warn("event without a receiver", zap.Stringer("event", ev))
		}
	}
	e.events++
	e.snapshot()
}

func (e *Engine) snapshot() {
	st := Status{
		HostState: e.host.State().String(),
		FWState:   e.fw.State().String(),
		Records:   e.fw.RecordsSent(),
		Queued:    e.host.QueuedPackets(),
		Variant:   e.fw.Variant(),
		Events:    e.events,
		Updated:   e.loop.Now(),
	}
	if t := e.parser.Transfer(); t != nil {
		st.TransferID = t.ID
		st.ParserState = t.State.String()
		st.Offset = t.Offset
		st.Forwarded = t.Forwarded()
		if b, ok := t.TargetBank(); ok {
			st.TargetBank = b.String()
		}
	}
	if s := e.link.Session(); s != nil {
		e.linkSent, e.linkRetries = s.Sent, s.Retries
	}
	// A closed session keeps reporting its final counts.
	st.LinkSent, st.LinkRetries = e.linkSent, e.linkRetries
	if e.fw.IsCheckReceived() {
		v := e.fw.CaseVersion()
		st.CaseVersion = formatVersion(v)
	}

	e.mu.Lock()
	e.status = st
	e.mu.Unlock()
}

// Status returns the latest snapshot. It may be called from any goroutine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func formatVersion(v event.Version) string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}
