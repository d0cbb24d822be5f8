package commands

import (
	"errors"

	"go.uber.org/zap"

	"github.com/vitaminmoo/casedfu/internal/casedfu"
	"github.com/vitaminmoo/casedfu/internal/link"
	"github.com/vitaminmoo/casedfu/internal/sched"
	"github.com/vitaminmoo/casedfu/internal/store"
	"github.com/vitaminmoo/casedfu/internal/updater"
)

// session is one transfer: a file host serving the image and an engine
// driving the case, sharing a loop.
type session struct {
	loop   *sched.Loop
	up     *updater.Updater
	engine *casedfu.Engine
	resume *store.Checkpoint
}

type sessionConfig struct {
	image   []byte
	updater updater.Options
	engine  []casedfu.Option
	store   *store.Store
}

func newSession(loop *sched.Loop, tr link.Transport, sc sessionConfig, log *zap.Logger) *session {
	s := &session{loop: loop}

	hash := store.ContentHash(sc.image)
	sc.updater.Attempt = 1
	if sc.store != nil {
		prev, err := sc.store.Load(hash)
		switch {
		case err == nil:
			s.resume = prev
			sc.updater.Attempt = prev.Attempts + 1
			log.Info("image seen before",
				zap.String("hash", store.ShortHash(hash)),
				zap.Int("attempt", sc.updater.Attempt),
				zap.String("resume", prev.Resume),
				zap.Bool("completed", prev.Completed))
		case !errors.Is(err, store.ErrNotFound):
			log.Warn("checkpoint unreadable", zap.Error(err))
		}
	}

	s.up = updater.New(loop, sc.image, sc.updater, log.Named("updater"))
	s.engine = casedfu.New(loop, tr, s.up, append([]casedfu.Option{casedfu.WithLogger(log)}, sc.engine...)...)
	s.up.SetSession(s.engine)
	if sc.store != nil {
		s.up.SetCheckpointer(sc.store)
	}
	return s
}

// updaterOptions applies the config's host settings under any non-zero
// flag values.
func updaterOptions(env Env, name string, chunk, window int) updater.Options {
	cfg := env.config()
	opts := updater.DefaultOptions()
	opts.Name = name
	opts.ChunkSize = cfg.Host.ChunkSize
	opts.Window = cfg.Host.Window
	if chunk > 0 {
		opts.ChunkSize = chunk
	}
	if window > 0 {
		opts.Window = window
	}
	return opts
}
