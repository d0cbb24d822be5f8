package commands

import (
	"io"

	"github.com/schollz/progressbar/v3"

	"github.com/vitaminmoo/casedfu/internal/firmware"
)

// newProgressBar returns a progress callback drawing a byte bar on w, and a
// function that ends the bar.
func newProgressBar(w io.Writer, total int64) (firmware.ProgressCallback, func()) {
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(firmware.PhaseWaiting),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionOnCompletion(func() {
			_, _ = io.WriteString(w, "\n")
		}),
	)

	phase := firmware.PhaseWaiting
	progress := func(current, _ int64, description string) {
		if description != phase {
			phase = description
			bar.Describe(description)
		}
		_ = bar.Set64(current)
	}
	finish := func() {
		if !bar.IsFinished() {
			_ = bar.Exit()
		}
	}
	return progress, finish
}
