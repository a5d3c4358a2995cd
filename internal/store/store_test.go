package store

import (
	"path/filepath"
	"testing"
)

type equitySnapshot struct {
	CurrentBalance float64 `json:"current_balance"`
	PeakBalance    float64 `json:"peak_balance"`
}

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "equity.json")

	s := New()
	snap := equitySnapshot{CurrentBalance: 950_000, PeakBalance: 1_000_000}

	if err := s.Save(path, snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var loaded equitySnapshot
	found, err := s.Load(path, &loaded)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !found {
		t.Fatal("Load reported not found for a file just saved")
	}
	if loaded.CurrentBalance != snap.CurrentBalance {
		t.Errorf("CurrentBalance = %v, want %v", loaded.CurrentBalance, snap.CurrentBalance)
	}
	if loaded.PeakBalance != snap.PeakBalance {
		t.Errorf("PeakBalance = %v, want %v", loaded.PeakBalance, snap.PeakBalance)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "nonexistent.json")

	s := New()
	var loaded equitySnapshot
	found, err := s.Load(path, &loaded)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if found {
		t.Error("expected found=false for a missing file")
	}
}

func TestSaveOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "equity.json")

	s := New()
	_ = s.Save(path, equitySnapshot{CurrentBalance: 10})
	_ = s.Save(path, equitySnapshot{CurrentBalance: 20})

	var loaded equitySnapshot
	if _, err := s.Load(path, &loaded); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.CurrentBalance != 20 {
		t.Errorf("CurrentBalance = %v, want 20 (latest save)", loaded.CurrentBalance)
	}
}

func TestSaveCreatesParentDirectories(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state", "equity.json")

	s := New()
	if err := s.Save(path, equitySnapshot{CurrentBalance: 1}); err != nil {
		t.Fatalf("Save: %v", err)
	}
}
