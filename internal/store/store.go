// Package store keeps resume checkpoints for case image transfers, keyed by
// the image content hash and encoded with msgpack.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrNotFound is returned when no checkpoint exists for a hash.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint records how far a transfer of one image got.
type Checkpoint struct {
	Hash       string    `json:"hash" msgpack:"hash"`
	Image      string    `json:"image" msgpack:"image"`
	Size       int64     `json:"size" msgpack:"size"`
	Offset     uint32    `json:"offset" msgpack:"offset"`
	Resume     string    `json:"resume" msgpack:"resume"`
	TransferID string    `json:"transfer_id" msgpack:"transfer_id"`
	Attempts   int       `json:"attempts" msgpack:"attempts"`
	LastError  string    `json:"last_error,omitempty" msgpack:"last_error,omitempty"`
	Completed  bool      `json:"completed" msgpack:"completed"`
	CreatedAt  time.Time `json:"created_at" msgpack:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" msgpack:"updated_at"`
}

// Store manages a directory of checkpoints.
type Store struct {
	baseDir        string
	checkpointsDir string
}

// DefaultPath returns the default store path (~/.casedfu/store).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".casedfu", "store"), nil
}

// Open opens or creates a store at the given path.
func Open(path string) (*Store, error) {
	s := &Store{
		baseDir:        path,
		checkpointsDir: filepath.Join(path, "checkpoints"),
	}
	if err := os.MkdirAll(s.checkpointsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoints dir: %w", err)
	}
	return s, nil
}

// OpenDefault opens the store at the default path.
func OpenDefault() (*Store, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return Open(path)
}

// Path returns the store root.
func (s *Store) Path() string {
	return s.baseDir
}

// Save writes cp, keeping the creation time of an existing checkpoint.
func (s *Store) Save(cp Checkpoint) error {
	if cp.Hash == "" {
		return errors.New("checkpoint without hash")
	}
	now := time.Now()
	if old, err := s.Load(cp.Hash); err == nil {
		cp.CreatedAt = old.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	data, err := msgpack.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	path := s.path(cp.Hash)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint for hash.
func (s *Store) Load(hash string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(hash))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := msgpack.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", ShortHash(hash), err)
	}
	return &cp, nil
}

// Delete removes the checkpoint for hash.
func (s *Store) Delete(hash string) error {
	err := os.Remove(s.path(hash))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

// List returns every checkpoint, most recently updated first. Unreadable
// files are skipped.
func (s *Store) List() ([]Checkpoint, error) {
	entries, err := os.ReadDir(s.checkpointsDir)
	if err != nil {
		return nil, err
	}
	var out []Checkpoint
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".msgpack" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.checkpointsDir, e.Name()))
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := msgpack.Unmarshal(data, &cp); err != nil {
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.checkpointsDir, hashToFilename(hash)+".msgpack")
}

// hashToFilename converts a full hash to a safe filename.
func hashToFilename(hash string) string {
	// Remove "sha256:" prefix
	if len(hash) > 7 && hash[:7] == "sha256:" {
		return hash[7:]
	}
	return hash
}
