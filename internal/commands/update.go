package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vitaminmoo/casedfu/internal/ble"
	"github.com/vitaminmoo/casedfu/internal/casedfu"
	"github.com/vitaminmoo/casedfu/internal/event"
	"github.com/vitaminmoo/casedfu/internal/firmware"
	"github.com/vitaminmoo/casedfu/internal/host"
	"github.com/vitaminmoo/casedfu/internal/link"
	"github.com/vitaminmoo/casedfu/internal/sched"
	"github.com/vitaminmoo/casedfu/internal/serial"
	"github.com/vitaminmoo/casedfu/internal/status"
	"github.com/vitaminmoo/casedfu/internal/store"
	"github.com/vitaminmoo/casedfu/internal/tui"
	"github.com/vitaminmoo/casedfu/internal/updater"
)

// abortGrace bounds how long an interrupted update waits for the case to
// acknowledge the abort.
const abortGrace = 5 * time.Second

// UpdateOptions selects the bridge to the case and how the update is shown.
type UpdateOptions struct {
	Image string

	// Port and Baud select a UART bridge. BLE selects a BLE bridge named
	// BLEName instead.
	Port    string
	Baud    int
	BLE     bool
	BLEName string

	ChunkSize int
	Window    int
	// Commit is "interactive", "silent" or "abort".
	Commit string
	// Yes commits without asking.
	Yes bool
	// Resume reuses the checkpoint store.
	Resume bool

	TUI        bool
	StatusAddr string

	// In answers the commit prompt when the TUI is off.
	In io.Reader
}

// Update writes the image to a real case. It returns when the transfer ends
// or, after asking the case to abort, when ctx is cancelled.
func Update(ctx context.Context, env Env, opts UpdateOptions) error {
	log := env.logger()
	cfg := env.config()

	img, data, err := firmware.ParseImage(opts.Image)
	if err != nil {
		return err
	}
	log.Info("image loaded",
		zap.String("file", opts.Image),
		zap.String("variant", img.Variant),
		zap.String("version", fmt.Sprintf("%d.%d", img.Major, img.Minor)),
		zap.Int("size", len(data)))

	loop := sched.New(nil)
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr, closeTr, err := openTransport(runCtx, env, opts, loop)
	if err != nil {
		return err
	}
	defer closeTr()

	uopts := updaterOptions(env, filepath.Base(opts.Image), opts.ChunkSize, opts.Window)
	if uopts.Action, err = commitAction(opts.Commit); err != nil {
		return err
	}
	sc := sessionConfig{
		image:   data,
		updater: uopts,
		engine:  []casedfu.Option{casedfu.WithConfig(cfg)},
	}
	var st *store.Store
	if opts.Resume {
		if st, err = openStore(cfg); err != nil {
			log.Warn("checkpoints disabled", zap.Error(err))
		}
		sc.store = st
	}

	var mon *tui.Monitor
	finishBar := func() {}
	if opts.TUI {
		sc.updater.Progress = func(current, total int64, phase string) { mon.Progress(current, total, phase) }
		sc.updater.Prompt = func() { mon.Prompt() }
		sc.engine = append(sc.engine, casedfu.WithObserver(func(n host.Notification) { mon.Notify(n) }))
	} else {
		sc.updater.Progress, finishBar = newProgressBar(env.out(), int64(len(data)))
		if !opts.Yes {
			in := opts.In
			if in == nil {
				in = os.Stdin
			}
			sc.updater.Prompt = func() { go askCommit(in, env.out(), loop) }
		}
		sc.engine = append(sc.engine, casedfu.WithObserver(func(n host.Notification) {
			if n == host.EarbudsInCaseRequested {
				fmt.Fprintln(env.out(), "Put the earbuds in the case.")
			}
		}))
	}

	s := newSession(loop, tr, sc, log)
	if opts.TUI {
		mon = tui.NewMonitor(filepath.Base(opts.Image), s.engine, tui.Controls{
			Abort:  func() { loop.Inject(abortEvent()) },
			Answer: func(yes bool) { loop.Inject(updater.Answer(yes)) },
		})
	}
	s.up.OnDone(func(err error) {
		loop.Stop()
		if mon != nil {
			mon.Finish(err)
		}
	})

	addr := opts.StatusAddr
	if addr == "" {
		addr = cfg.Status.Addr
	}
	if addr != "" {
		var cps status.Checkpoints
		if st != nil {
			cps = st
		}
		srv := status.New(s.engine, cps, log.Named("status"))
		go func() {
			if err := srv.Serve(runCtx, addr); err != nil {
				log.Error("status server failed", zap.Error(err))
			}
		}()
		log.Info("status server listening", zap.String("addr", addr))
	}

	// Abort with the case on interrupt, then give up after the grace period.
	go func() {
		select {
		case <-ctx.Done():
		case <-runCtx.Done():
			return
		}
		log.Warn("interrupted, aborting case dfu")
		loop.Inject(abortEvent())
		select {
		case <-time.After(abortGrace):
			cancel()
		case <-runCtx.Done():
		}
	}()

	s.engine.Start()
	engineDone := make(chan error, 1)
	go func() { engineDone <- s.engine.Run(runCtx) }()

	if mon != nil {
		tuiErr := mon.Run()
		if errors.Is(tuiErr, tui.ErrInterrupted) {
			loop.Inject(abortEvent())
		}
		if err := waitEngine(engineDone, cancel); err != nil {
			return err
		}
		return transferResult(s.up, tuiErr)
	}

	err = <-engineDone
	finishBar()
	if err != nil {
		return fmt.Errorf("case dfu interrupted: %w", err)
	}
	return transferResult(s.up, nil)
}

// waitEngine waits for the loop after the TUI exits, cancelling it if the
// abort does not finish in time.
func waitEngine(done <-chan error, cancel context.CancelFunc) error {
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("case dfu interrupted: %w", err)
		}
		return nil
	case <-time.After(abortGrace):
		cancel()
		<-done
		return errors.New("case dfu interrupted: abort not acknowledged")
	}
}

func transferResult(up *updater.Updater, tuiErr error) error {
	if !up.Done() {
		if tuiErr != nil {
			return tuiErr
		}
		return errors.New("case dfu did not finish")
	}
	if err := up.Err(); err != nil {
		return fmt.Errorf("case dfu failed: %w", err)
	}
	return nil
}

func abortEvent() event.Event {
	return event.New(event.Host, event.HostAbortReq, nil)
}

// openTransport opens the BLE or UART bridge named by opts, falling back to
// the config.
func openTransport(ctx context.Context, env Env, opts UpdateOptions, loop *sched.Loop) (link.Transport, func(), error) {
	cfg := env.config()
	log := env.logger()

	if opts.BLE {
		name := opts.BLEName
		if name == "" {
			name = cfg.BLE.Name
		}
		fmt.Fprintf(env.out(), "Scanning for %q...\n", name)
		tr, err := ble.Open(name, cfg.BLE.ScanTimeout.Duration, loop, log.Named("ble"))
		if err != nil {
			return nil, nil, err
		}
		return tr, func() { _ = tr.Close() }, nil
	}

	port := opts.Port
	if port == "" {
		port = cfg.Serial.Port
	}
	if port == "" {
		return nil, nil, errors.New("no serial port given; use --port or serial.port in the config")
	}
	baud := opts.Baud
	if baud == 0 {
		baud = cfg.Serial.Baud
	}
	tr, err := serial.Open(port, baud, loop, log.Named("serial"))
	if err != nil {
		return nil, nil, err
	}
	tr.Start(ctx)
	return tr, func() { _ = tr.Close() }, nil
}

func commitAction(s string) (event.TransferCompleteAction, error) {
	switch s {
	case "", "interactive":
		return event.ActionInteractiveCommit, nil
	case "silent":
		return event.ActionSilentCommit, nil
	case "abort":
		return event.ActionAbort, nil
	}
	return 0, fmt.Errorf("commit action %q is not interactive, silent or abort", s)
}

// askCommit reads the commit answer from in and hands it to the loop. It
// runs on its own goroutine so the loop keeps serving the case.
func askCommit(in io.Reader, out io.Writer, loop *sched.Loop) {
	fmt.Fprint(out, "\nThe case verified the new image. Commit it? [y/N] ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		loop.Inject(updater.Answer(false))
		return
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	loop.Inject(updater.Answer(answer == "y" || answer == "yes"))
}
