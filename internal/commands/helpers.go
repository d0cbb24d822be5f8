// Package commands implements the casedfu commands. The cli package parses
// flags and calls in here.
package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/vitaminmoo/casedfu/internal/config"
	"github.com/vitaminmoo/casedfu/internal/store"
)

// Env carries what every command shares.
type Env struct {
	Config *config.Config
	Log    *zap.Logger
	Out    io.Writer
}

func (e Env) config() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func (e Env) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e Env) out() io.Writer {
	if e.Out == nil {
		return os.Stdout
	}
	return e.Out
}

// PrintJSON pretty-prints v. If indentation fails, prints raw.
func PrintJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var prettyJSON bytes.Buffer
	if err := json.Indent(&prettyJSON, data, "", "  "); err != nil {
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	_, err = fmt.Fprintln(w, prettyJSON.String())
	return err
}

// openStore opens the checkpoint store named by the config, or the default
// one.
func openStore(cfg *config.Config) (*store.Store, error) {
	if cfg.Store.Path != "" {
		return store.Open(cfg.Store.Path)
	}
	return store.OpenDefault()
}

func humanizeBytes(b int64) string {
	switch {
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(b)/(1<<10))
	}
	return fmt.Sprintf("%d B", b)
}
