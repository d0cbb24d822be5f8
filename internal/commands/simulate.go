package commands

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/vitaminmoo/casedfu/internal/casedfu"
	"github.com/vitaminmoo/casedfu/internal/casesim"
	"github.com/vitaminmoo/casedfu/internal/firmware"
	"github.com/vitaminmoo/casedfu/internal/protocol"
	"github.com/vitaminmoo/casedfu/internal/sched"
	"github.com/vitaminmoo/casedfu/internal/upgrade"
)

// SimulateOptions selects the simulated case and how the image is served.
type SimulateOptions struct {
	Image       string
	Bank        string
	CaseVersion string
	Tests       []string
	MaxRetries  int

	ChunkSize int
	Window    int
	DropAfter int

	// Commit is "interactive", "silent" or "abort".
	Commit string
	Reject bool

	// Armed puts the case in DFU mode before the image is offered.
	Armed bool
	// InsertAfter delays putting the earbuds in the case.
	InsertAfter time.Duration

	Checkpoint bool
	Progress   bool
}

// SimulateResult is the outcome of a simulated transfer.
type SimulateResult struct {
	Err       error
	Target    protocol.Bank
	Records   int
	Packets   int
	Shorts    []upgrade.ShortMsg
	Virtual   time.Duration
	Status    casedfu.Status
	CaseState casesim.State
}

// Simulate runs one transfer of the image against the simulated case on a
// virtual clock. The returned error covers setup only; the transfer outcome
// is in the result.
func Simulate(env Env, opts SimulateOptions) (*SimulateResult, error) {
	log := env.logger()
	img, data, err := firmware.ParseImage(opts.Image)
	if err != nil {
		return nil, err
	}

	caseCfg := casesim.DefaultConfig()
	switch strings.ToUpper(opts.Bank) {
	case "", "A":
		caseCfg.Bank = protocol.BankA
	case "B":
		caseCfg.Bank = protocol.BankB
	default:
		return nil, fmt.Errorf("running bank %q is not A or B", opts.Bank)
	}
	if opts.CaseVersion != "" {
		v, err := firmware.ParseVersion(opts.CaseVersion)
		if err != nil {
			return nil, err
		}
		caseCfg.Major, caseCfg.Minor = v.Major, v.Minor
	}
	if caseCfg.Tests, err = casesim.ParseTests(opts.Tests); err != nil {
		return nil, err
	}
	if opts.MaxRetries > 0 {
		caseCfg.MaxRetries = opts.MaxRetries
	}
	caseCfg.Variant = img.Variant

	uopts := updaterOptions(env, filepath.Base(opts.Image), opts.ChunkSize, opts.Window)
	uopts.DropAfter = opts.DropAfter
	if uopts.Action, err = commitAction(opts.Commit); err != nil {
		return nil, err
	}
	if opts.Reject {
		uopts.Confirm = func() bool { return false }
	}

	var finish func()
	if opts.Progress {
		uopts.Progress, finish = newProgressBar(env.out(), int64(len(data)))
	}

	sc := sessionConfig{
		image:   data,
		updater: uopts,
		engine:  []casedfu.Option{casedfu.WithConfig(env.config())},
	}
	if opts.Checkpoint {
		if sc.store, err = openStore(env.config()); err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
	}

	loop := sched.New(nil, sched.WithClock(sched.NewVirtualClock()))
	c := casesim.New(loop, caseCfg, log.Named("case"))
	s := newSession(loop, c, sc, log)
	start := loop.Now()

	if opts.Armed {
		s.engine.Arm()
		c.InsertEarbuds()
		loop.Advance(time.Second)
		s.engine.Start()
	} else {
		s.engine.Start()
		if opts.InsertAfter > 0 {
			loop.Advance(opts.InsertAfter)
		}
		c.InsertEarbuds()
	}
	s.engine.RunUntilIdle()
	if finish != nil {
		finish()
	}

	if !s.up.Done() {
		return nil, fmt.Errorf("simulation stalled in host state %s", s.engine.Host().State())
	}
	return &SimulateResult{
		Err:       s.up.Err(),
		Target:    caseCfg.Bank.Other(),
		Records:   len(c.Records()),
		Packets:   s.up.Packets(),
		Shorts:    s.up.ShortMsgs(),
		Virtual:   loop.Now().Sub(start),
		Status:    s.engine.Status(),
		CaseState: c.State(),
	}, nil
}

// PrintSimulateResult writes a summary of res.
func PrintSimulateResult(env Env, res *SimulateResult) {
	w := env.out()
	if res.Err == nil {
		fmt.Fprintf(w, "Case DFU complete: bank %s written\n", res.Target)
	} else {
		fmt.Fprintf(w, "Case DFU failed: %v\n", res.Err)
	}
	fmt.Fprintf(w, "  Records:      %d\n", res.Records)
	fmt.Fprintf(w, "  Host packets: %d\n", res.Packets)
	fmt.Fprintf(w, "  Link:         %d sent, %d retries\n", res.Status.LinkSent, res.Status.LinkRetries)
	fmt.Fprintf(w, "  Case time:    %s\n", res.Virtual)
	fmt.Fprintf(w, "  Case state:   %s\n", res.CaseState)
}
