package commands

import (
	"fmt"
	"strings"

	"github.com/vitaminmoo/casedfu/internal/store"
)

// ListCheckpoints prints the stored resume checkpoints.
func ListCheckpoints(env Env, asJSON bool) error {
	s, err := openStore(env.config())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	cps, err := s.List()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	w := env.out()
	if asJSON {
		if cps == nil {
			cps = []store.Checkpoint{}
		}
		return PrintJSON(w, cps)
	}
	if len(cps) == 0 {
		fmt.Fprintln(w, "No checkpoints in store.")
		return nil
	}

	fmt.Fprintf(w, "Found %d checkpoint(s):\n\n", len(cps))
	for _, cp := range cps {
		state := cp.Resume
		if cp.Completed {
			state = "completed"
		}
		fmt.Fprintf(w, "  %s  %-24s  %-12s  %3d%%  attempts %d  %s\n",
			store.ShortHash(cp.Hash),
			cp.Image,
			state,
			percent(cp.Offset, cp.Size),
			cp.Attempts,
			cp.UpdatedAt.Local().Format("2006-01-02 15:04"))
		if cp.LastError != "" {
			fmt.Fprintf(w, "                last error: %s\n", cp.LastError)
		}
	}
	return nil
}

// ShowCheckpoint prints the checkpoint whose hash matches hash (full, short
// or without its prefix) as JSON.
func ShowCheckpoint(env Env, hash string) error {
	s, err := openStore(env.config())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	cp, err := findCheckpoint(s, hash)
	if err != nil {
		return err
	}
	return PrintJSON(env.out(), cp)
}

// ClearCheckpoints removes the checkpoint matching hash, or every checkpoint
// when hash is empty.
func ClearCheckpoints(env Env, hash string) error {
	s, err := openStore(env.config())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	var targets []store.Checkpoint
	if hash == "" {
		if targets, err = s.List(); err != nil {
			return fmt.Errorf("failed to list checkpoints: %w", err)
		}
	} else {
		cp, err := findCheckpoint(s, hash)
		if err != nil {
			return err
		}
		targets = append(targets, *cp)
	}

	for _, cp := range targets {
		if err := s.Delete(cp.Hash); err != nil {
			return fmt.Errorf("failed to delete %s: %w", store.ShortHash(cp.Hash), err)
		}
	}
	fmt.Fprintf(env.out(), "Removed %d checkpoint(s).\n", len(targets))
	return nil
}

func findCheckpoint(s *store.Store, hash string) (*store.Checkpoint, error) {
	cps, err := s.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	var found []store.Checkpoint
	for _, cp := range cps {
		if cp.Hash == hash || strings.HasPrefix(strings.TrimPrefix(cp.Hash, "sha256:"), hash) {
			found = append(found, cp)
		}
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("checkpoint not found: %s", hash)
	case 1:
		return &found[0], nil
	}
	return nil, fmt.Errorf("%q matches %d checkpoints", hash, len(found))
}

func percent(offset uint32, size int64) int {
	if size <= 0 {
		return 0
	}
	return int(int64(offset) * 100 / size)
}
