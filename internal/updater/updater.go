// Package updater plays the update host side of the host protocol from a
// local case image: it serves byte requests, answers the validation and
// commit prompts, and can drop and restore its transport to exercise resume.
package updater

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vitaminmoo/casedfu/internal/event"
	"github.com/vitaminmoo/casedfu/internal/firmware"
	"github.com/vitaminmoo/casedfu/internal/sched"
	"github.com/vitaminmoo/casedfu/internal/store"
	"github.com/vitaminmoo/casedfu/internal/upgrade"
)

// ErrAborted is returned when the transfer ended without an error code.
var ErrAborted = errors.New("case dfu aborted")

// Session is the engine surface told about transport loss.
type Session interface {
	Pause()
	Resume()
}

// Confirmer answers the commit prompt.
type Confirmer func() bool

// Prompter asks for the commit decision without blocking the loop. The
// decision comes back later as the event built by Answer.
type Prompter func()

// Checkpointer persists transfer progress.
type Checkpointer interface {
	Save(cp store.Checkpoint) error
}

// Options shapes how the image is served.
type Options struct {
	// ChunkSize bounds one data packet.
	ChunkSize int
	// Window is the number of packets sent ahead of their confirmation.
	Window int
	// DropAfter drops the transport once this many packets were sent.
	// Zero never drops.
	DropAfter int
	// ReconnectDelay is how long a dropped transport stays down.
	ReconnectDelay time.Duration
	// Action answers the transfer-complete indication.
	Action event.TransferCompleteAction
	// Confirm answers the commit prompt. Nil always confirms.
	Confirm Confirmer
	// Prompt, when set, replaces Confirm.
	Prompt Prompter
	// Name labels checkpoints.
	Name string
	// Attempt is recorded in checkpoints.
	Attempt int
	// Progress receives byte progress.
	Progress firmware.ProgressCallback
}

// DefaultOptions returns 64 byte packets, one at a time.
func DefaultOptions() Options {
	return Options{
		ChunkSize:      64,
		Window:         1,
		ReconnectDelay: time.Second,
	}
}

type reconnect struct{}

type commitAnswer struct{ yes bool }

// Answer returns the event delivering a commit decision asked for by a
// Prompter. Inject it into the updater's loop.
func Answer(yes bool) event.Event {
	return event.New(event.Updater, event.UpdaterMsg, commitAnswer{yes: yes})
}

// Updater implements upgrade.Protocol for a local image.
type Updater struct {
	sched   sched.Scheduler
	log     *zap.Logger
	opts    Options
	image   []byte
	hash    string
	session Session
	ckpt    Checkpointer

	inUse     bool
	connected bool
	dropped   bool

	offset    uint32
	remaining uint32
	inflight  int
	packets   int
	served    uint32

	resume    upgrade.ResumePoint
	code      upgrade.ErrorCode
	short     []upgrade.ShortMsg
	silentCfm []bool
	phase     string
	prompting bool

	done   bool
	err    error
	onDone []func(error)
}

// New creates an updater serving image.
func New(s sched.Scheduler, image []byte, opts Options, log *zap.Logger) *Updater {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = def.ReconnectDelay
	}
	return &Updater{
		sched: s,
		log:   log,
		opts:  opts,
		image: image,
		hash:  store.ContentHash(image),
		inUse: true,
		phase: firmware.PhaseWaiting,
	}
}

// SetSession attaches the engine told about transport loss.
func (u *Updater) SetSession(s Session) { u.session = s }

// SetCheckpointer attaches a checkpoint store.
func (u *Updater) SetCheckpointer(c Checkpointer) { u.ckpt = c }

// OnDone registers fn to run once when the transfer ends.
func (u *Updater) OnDone(fn func(error)) { u.onDone = append(u.onDone, fn) }

// Done reports whether the transfer ended.
func (u *Updater) Done() bool { return u.done }

// Err returns the transfer outcome once Done.
func (u *Updater) Err() error { return u.err }

// Hash returns the image content hash.
func (u *Updater) Hash() string { return u.hash }

// Packets returns the number of data packets sent.
func (u *Updater) Packets() int { return u.packets }

// ResumePoint returns the last resume point the engine reported.
func (u *Updater) ResumePoint() upgrade.ResumePoint { return u.resume }

// ShortMsgs returns every short message received, in order.
func (u *Updater) ShortMsgs() []upgrade.ShortMsg { return u.short }

// Progress returns the current byte progress.
func (u *Updater) Progress() firmware.TransferProgress {
	return firmware.TransferProgress{
		BytesSent:  int64(u.served),
		TotalBytes: int64(len(u.image)),
		ChunksSent: u.packets,
		Phase:      u.phase,
	}
}

func (u *Updater) SendBytesReq(size, offset uint32) {
	if !u.inUse {
		u.log.Warn("bytes request without transport", zap.Uint32("size", size), zap.Uint32("offset", offset))
		return
	}
	total := uint32(len(u.image))
	if offset >= total || size == 0 {
		u.log.Error("bytes request outside the image",
			zap.Uint32("size", size), zap.Uint32("offset", offset), zap.Uint32("image", total))
		u.post(event.HostAbortReq, nil)
		return
	}
	if offset+size > total {
		size = total - offset
	}
	u.log.Debug("bytes request", zap.Uint32("size", size), zap.Uint32("offset", offset))
	u.offset, u.remaining, u.inflight = offset, size, 0
	u.setPhase(firmware.PhaseTransferring)
	u.pump()
}

func (u *Updater) pump() {
	for u.inUse && !u.done && u.remaining > 0 && u.inflight < u.opts.Window {
		n := min(uint32(u.opts.ChunkSize), u.remaining)
		data := u.image[u.offset : u.offset+n]
		last := int(u.offset+n) == len(u.image)
		u.post(event.HostData, event.HostDataPayload{Data: data, Last: last})
		u.offset += n
		u.remaining -= n
		u.inflight++
		u.packets++
		u.served = max(u.served, u.offset)
		u.report()

		if u.opts.DropAfter > 0 && !u.dropped && u.packets >= u.opts.DropAfter && u.remaining > 0 {
			u.drop()
			return
		}
	}
}

func (u *Updater) drop() {
	u.log.Info("transport dropped", zap.Int("packets", u.packets), zap.Duration("for", u.opts.ReconnectDelay))
	u.dropped = true
	u.inUse = false
	u.remaining, u.inflight = 0, 0
	if u.session != nil {
		u.session.Pause()
	}
	u.sched.PostAfter(u.opts.ReconnectDelay, event.New(event.Updater, event.UpdaterMsg, reconnect{}))
}

// HandleEvent runs updater timers and delivers commit answers.
func (u *Updater) HandleEvent(ev event.Event) {
	if u.done {
		return
	}
	switch p := ev.Payload.(type) {
	case reconnect:
		u.reconnect()
	case commitAnswer:
		if !u.prompting {
			u.log.Warn("commit answer without a prompt")
			return
		}
		u.prompting = false
		u.commit(p.yes)
	}
}

func (u *Updater) reconnect() {
	u.log.Info("transport restored", zap.Stringer("resume", u.resume))
	u.inUse = true
	if u.session != nil {
		u.session.Resume()
	}
	if u.resume == upgrade.ResumePostReboot {
		u.post(event.HostProceedToCommit, nil)
		return
	}
	u.post(event.HostStartDataReq, nil)
}

func (u *Updater) SendShortMsg(m upgrade.ShortMsg) {
	u.log.Info("short message", zap.Stringer("msg", m))
	u.short = append(u.short, m)
	switch m {
	case upgrade.TransferCompleteInd:
		u.setPhase(firmware.PhaseVerifying)
		u.post(event.HostTransferCompleteRes, event.TransferCompletePayload{Action: u.opts.Action})
		if u.opts.Action == event.ActionAbort {
			u.post(event.HostAbortReq, nil)
		}
	case upgrade.CommitReq:
		u.setPhase(firmware.PhaseCommitting)
		if u.opts.Prompt != nil {
			u.prompting = true
			u.opts.Prompt()
			return
		}
		u.commit(u.opts.Confirm == nil || u.opts.Confirm())
	case upgrade.CompleteInd:
		u.finish(nil)
	case upgrade.AbortCfm:
		u.finish(u.failure())
	}
}

func (u *Updater) commit(yes bool) {
	u.log.Info("commit decision", zap.Bool("yes", yes))
	u.post(event.HostCommitCfm, event.CommitCfmPayload{Yes: yes})
	if !yes {
		u.post(event.HostAbortReq, nil)
	}
}

func (u *Updater) SendErrorInd(code upgrade.ErrorCode) {
	u.log.Warn("error indication", zap.Stringer("code", code))
	u.code = code
	u.post(event.HostErrorWarnRes, nil)
	u.post(event.HostAbortReq, nil)
}

func (u *Updater) SendSilentCommitSupportedCfm(supported bool) {
	u.silentCfm = append(u.silentCfm, supported)
}

func (u *Updater) DataCfm() {
	if u.inflight > 0 {
		u.inflight--
	}
	u.pump()
}

func (u *Updater) TransportInUse() bool { return u.inUse }

func (u *Updater) SetResumePoint(p upgrade.ResumePoint) {
	u.log.Debug("resume point", zap.Stringer("resume", p))
	u.resume = p
	u.checkpoint()
	if p == upgrade.ResumePreValidate {
		u.post(event.HostIsValidDoneReq, nil)
	}
}

func (u *Updater) ClientConnect() {
	u.connected = true
}

func (u *Updater) ClientReconnect() {
	u.log.Debug("client waiting for reconnect")
}

func (u *Updater) CleanUpCaseDfu(isError bool) {
	if isError {
		u.finish(u.failure())
	}
}

func (u *Updater) failure() error {
	if u.code != upgrade.Success {
		return &upgrade.Error{Code: u.code}
	}
	return ErrAborted
}

func (u *Updater) finish(err error) {
	if u.done {
		return
	}
	u.done = true
	u.err = err
	u.sched.CancelAll(event.Updater, event.UpdaterMsg)
	if err == nil {
		u.served = uint32(len(u.image))
		u.setPhase(firmware.PhaseComplete)
		u.log.Info("case dfu complete", zap.Int("packets", u.packets))
	} else {
		u.setPhase(firmware.PhaseAborted)
		u.log.Warn("case dfu failed", zap.Error(err))
	}
	u.checkpoint()
	for _, fn := range u.onDone {
		fn(err)
	}
}

func (u *Updater) checkpoint() {
	if u.ckpt == nil {
		return
	}
	cp := store.Checkpoint{
		Hash:      u.hash,
		Image:     u.opts.Name,
		Size:      int64(len(u.image)),
		Offset:    u.served,
		Resume:    u.resume.String(),
		Attempts:  u.opts.Attempt,
		Completed: u.done && u.err == nil,
	}
	if u.err != nil {
		cp.LastError = u.err.Error()
	}
	if err := u.ckpt.Save(cp); err != nil {
		u.log.Warn("checkpoint not saved", zap.Error(err))
	}
}

func (u *Updater) setPhase(p string) {
	u.phase = p
	u.report()
}

func (u *Updater) report() {
	if u.opts.Progress != nil {
		u.opts.Progress(int64(u.served), int64(len(u.image)), u.phase)
	}
}

func (u *Updater) post(id event.ID, payload any) {
	u.sched.Post(event.New(event.Host, id, payload))
}
