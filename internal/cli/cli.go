package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/vitaminmoo/casedfu/internal/commands"
	"github.com/vitaminmoo/casedfu/internal/config"
	"github.com/vitaminmoo/casedfu/internal/log"
	"github.com/vitaminmoo/casedfu/internal/serial"
)

// CLI is the root command structure for casedfu.
type CLI struct {
	Verbose bool   `short:"v" help:"Enable verbose debug output"`
	Config  string `short:"c" type:"path" env:"CASEDFU_CONFIG" help:"YAML config file"`
	LogJSON bool   `name:"log-json" help:"Write logs as JSON"`
	LogFile string `name:"log-file" type:"path" help:"Append logs to a file instead of stderr"`

	Simulate    SimulateCmd    `cmd:"" help:"Run a transfer against a simulated case"`
	Update      UpdateCmd      `cmd:"" help:"Write an image to a case over a UART or BLE bridge"`
	Pack        PackCmd        `cmd:"" help:"Build a case image from two bank record sets"`
	Inspect     InspectCmd     `cmd:"" help:"Check and describe a case image"`
	Checkpoints CheckpointsCmd `cmd:"" help:"Resume checkpoints"`
	Ports       PortsCmd       `cmd:"" help:"List serial ports"`
}

// env loads the config and builds the logger. quiet sends logs nowhere
// unless a log file was given. The returned function flushes the logger.
func (c *CLI) env(quiet bool) (commands.Env, func(), error) {
	config.Verbose = c.Verbose

	cfg := config.Default()
	if c.Config != "" {
		var err error
		if cfg, err = config.Load(c.Config); err != nil {
			return commands.Env{}, nil, err
		}
	}

	var out io.Writer = os.Stderr
	closeOut := func() {}
	switch {
	case c.LogFile != "":
		f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return commands.Env{}, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		closeOut = func() { _ = f.Close() }
	case quiet:
		out = io.Discard
	}

	logger := log.New(log.Options{
		Verbose: c.Verbose,
		Console: !c.LogJSON,
		Output:  out,
	})
	restore := log.Install(logger)
	cleanup := func() {
		_ = logger.Sync()
		restore()
		closeOut()
	}
	return commands.Env{Config: cfg, Log: logger, Out: os.Stdout}, cleanup, nil
}

// --- Simulate ---

type SimulateCmd struct {
	Image       string        `arg:"" type:"existingfile" help:"Case image"`
	Bank        string        `default:"A" enum:"A,B,a,b" help:"Bank the simulated case runs from"`
	CaseVersion string        `name:"case-version" default:"1.1" help:"Simulated case version (major.minor)"`
	Test        []string      `help:"Case misbehaviour: duplicate, sync, spurious-sync, error, retry, response-timeout, next-stage-timeout, delayed-tx-status, record-timeout"`
	MaxRetries  int           `name:"max-retries" help:"Failed transmissions per frame for the retry test"`
	Chunk       int           `help:"Bytes per host data packet"`
	Window      int           `help:"Host packets in flight"`
	DropAfter   int           `name:"drop-after" help:"Drop the host transport after this many packets"`
	Commit      string        `default:"interactive" enum:"interactive,silent,abort" help:"Answer to transfer complete"`
	Reject      bool          `help:"Decline the commit"`
	Armed       bool          `help:"Put the case in DFU mode before the image is offered"`
	InsertAfter time.Duration `name:"insert-after" help:"Delay before the earbuds go in the case"`
	Checkpoint  bool          `help:"Record progress in the checkpoint store"`
	JSON        bool          `help:"Print the result as JSON"`
}

func (c *SimulateCmd) Run(globals *CLI) error {
	env, cleanup, err := globals.env(false)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := commands.Simulate(env, commands.SimulateOptions{
		Image:       c.Image,
		Bank:        c.Bank,
		CaseVersion: c.CaseVersion,
		Tests:       c.Test,
		MaxRetries:  c.MaxRetries,
		ChunkSize:   c.Chunk,
		Window:      c.Window,
		DropAfter:   c.DropAfter,
		Commit:      c.Commit,
		Reject:      c.Reject,
		Armed:       c.Armed,
		InsertAfter: c.InsertAfter,
		Checkpoint:  c.Checkpoint,
		Progress:    !c.JSON,
	})
	if err != nil {
		return err
	}
	if c.JSON {
		if err := commands.PrintJSON(env.Out, res.Status); err != nil {
			return err
		}
	} else {
		commands.PrintSimulateResult(env, res)
	}
	if res.Err != nil {
		env.Log.Error("simulated transfer failed", zap.Error(res.Err))
		return fmt.Errorf("case dfu failed: %w", res.Err)
	}
	return nil
}

// --- Update ---

type UpdateCmd struct {
	Image   string `arg:"" type:"existingfile" help:"Case image"`
	Port    string `short:"p" help:"Serial port of the UART bridge"`
	Baud    int    `help:"Serial baud rate"`
	BLE     bool   `name:"ble" help:"Use the BLE bridge instead of a serial port"`
	BLEName string `name:"ble-name" help:"Advertised name of the BLE bridge"`
	Chunk   int    `help:"Bytes per host data packet"`
	Window  int    `help:"Host packets in flight"`
	Commit  string `default:"interactive" enum:"interactive,silent,abort" help:"Answer to transfer complete"`
	Yes     bool   `short:"y" help:"Commit without asking"`
	Resume  bool   `default:"true" negatable:"" help:"Record progress in the checkpoint store"`
	TUI     bool   `name:"tui" help:"Show the live monitor"`
	Status  string `name:"status-addr" help:"Serve the HTTP status view on this address"`
}

func (c *UpdateCmd) Run(ctx context.Context, globals *CLI) error {
	env, cleanup, err := globals.env(c.TUI)
	if err != nil {
		return err
	}
	defer cleanup()

	return commands.Update(ctx, env, commands.UpdateOptions{
		Image:      c.Image,
		Port:       c.Port,
		Baud:       c.Baud,
		BLE:        c.BLE,
		BLEName:    c.BLEName,
		ChunkSize:  c.Chunk,
		Window:     c.Window,
		Commit:     c.Commit,
		Yes:        c.Yes,
		Resume:     c.Resume,
		TUI:        c.TUI,
		StatusAddr: c.Status,
	})
}

// --- Images ---

type PackCmd struct {
	Output     string   `short:"o" required:"" type:"path" help:"Image file to write"`
	Variant    string   `default:"ST2" help:"Case variant (up to 8 bytes)"`
	Version    string   `required:"" help:"Image version (major.minor)"`
	Compatible []string `help:"Case versions the image may be applied to; empty allows any"`
	BankA      string   `name:"bank-a" required:"" type:"existingfile" help:"Bank A records (S-records, or raw with --binary)"`
	BankB      string   `name:"bank-b" required:"" type:"existingfile" help:"Bank B records (S-records, or raw with --binary)"`
	Binary     bool     `help:"Bank files are raw binaries"`
	AddrA      uint32   `name:"addr-a" default:"0x08000000" help:"Load address of bank A binary"`
	AddrB      uint32   `name:"addr-b" default:"0x08020000" help:"Load address of bank B binary"`
	RecordSize int      `name:"record-size" help:"Data bytes per S3 record for binaries"`
}

func (c *PackCmd) Run(globals *CLI) error {
	env, cleanup, err := globals.env(false)
	if err != nil {
		return err
	}
	defer cleanup()

	return commands.Pack(env, commands.PackOptions{
		Output:     c.Output,
		Variant:    c.Variant,
		Version:    c.Version,
		Compatible: c.Compatible,
		BankA:      commands.BankSource{File: c.BankA, Binary: c.Binary, Addr: c.AddrA},
		BankB:      commands.BankSource{File: c.BankB, Binary: c.Binary, Addr: c.AddrB},
		RecordSize: c.RecordSize,
	})
}

type InspectCmd struct {
	Image string `arg:"" type:"existingfile" help:"Case image"`
	JSON  bool   `help:"Print as JSON"`
}

func (c *InspectCmd) Run(globals *CLI) error {
	env, cleanup, err := globals.env(false)
	if err != nil {
		return err
	}
	defer cleanup()

	info, err := commands.Inspect(c.Image)
	if err != nil {
		return err
	}
	return commands.PrintImageInfo(env, info, c.JSON)
}

// --- Checkpoints ---

type CheckpointsCmd struct {
	List  CheckpointsListCmd  `cmd:"" default:"1" help:"List stored checkpoints"`
	Show  CheckpointsShowCmd  `cmd:"" help:"Show one checkpoint"`
	Clear CheckpointsClearCmd `cmd:"" help:"Remove one checkpoint, or all of them"`
}

type CheckpointsListCmd struct {
	JSON bool `help:"Print as JSON"`
}

func (c *CheckpointsListCmd) Run(globals *CLI) error {
	env, cleanup, err := globals.env(false)
	if err != nil {
		return err
	}
	defer cleanup()
	return commands.ListCheckpoints(env, c.JSON)
}

type CheckpointsShowCmd struct {
	Hash string `arg:"" help:"Image hash (full or prefix)"`
}

func (c *CheckpointsShowCmd) Run(globals *CLI) error {
	env, cleanup, err := globals.env(false)
	if err != nil {
		return err
	}
	defer cleanup()
	return commands.ShowCheckpoint(env, c.Hash)
}

type CheckpointsClearCmd struct {
	Hash string `arg:"" optional:"" help:"Image hash (full or prefix); all when omitted"`
}

func (c *CheckpointsClearCmd) Run(globals *CLI) error {
	env, cleanup, err := globals.env(false)
	if err != nil {
		return err
	}
	defer cleanup()
	return commands.ClearCheckpoints(env, c.Hash)
}

// --- Ports ---

type PortsCmd struct{}

func (c *PortsCmd) Run(globals *CLI) error {
	config.Verbose = globals.Verbose
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found.")
		return nil
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}
