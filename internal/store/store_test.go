package store

import (
	"errors"
	"strings"
	"testing"
)

func TestSaveLoad(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	hash := ContentHash([]byte("image"))
	if err := s.Save(Checkpoint{Hash: hash, Image: "case.bin", Size: 5, Offset: 3, Resume: "PRE_VALIDATE"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	cp, err := s.Load(hash)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.Offset != 3 || cp.Resume != "PRE_VALIDATE" || cp.Image != "case.bin" {
		t.Errorf("Load = %+v", cp)
	}
	created := cp.CreatedAt

	cp.Offset = 5
	if err := s.Save(*cp); err != nil {
		t.Fatalf("Save: %v", err)
	}
	cp, err = s.Load(hash)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cp.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", cp.CreatedAt, created)
	}
	if cp.UpdatedAt.Before(created) {
		t.Errorf("UpdatedAt %v before CreatedAt %v", cp.UpdatedAt, created)
	}
}

func TestLoadMissing(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Load(ContentHash(nil)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ContentHash(nil)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete = %v, want ErrNotFound", err)
	}
}

func TestList(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, img := range []string{"a", "b", "c"} {
		if err := s.Save(Checkpoint{Hash: ContentHash([]byte(img)), Image: img}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if err := s.Delete(ContentHash([]byte("b"))); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	list, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List returned %d checkpoints, want 2", len(list))
	}
	for _, cp := range list {
		if cp.Image == "b" {
			t.Error("deleted checkpoint listed")
		}
	}
}

func TestHash(t *testing.T) {
	h := ContentHash([]byte("abc"))
	if !strings.HasPrefix(h, "sha256:ba7816bf") {
		t.Errorf("ContentHash = %s", h)
	}
	if got := ShortHash(h); got != "ba7816bf8f01" {
		t.Errorf("ShortHash = %s, want ba7816bf8f01", got)
	}
	if got := ShortHash("short"); got != "short" {
		t.Errorf("ShortHash(short) = %s", got)
	}
}
