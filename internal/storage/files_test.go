package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLinesRoundTrip(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "ircbot-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	path := Path(tmpDir, "networks", "example.conf")
	lines := []string{
		"cursor = 1",
		"server.0.host = irc.example.net",
	}

	if err := WriteLines(path, lines); err != nil {
		t.Fatalf("WriteLines failed: %v", err)
	}

	loaded, err := ReadLines(path)
	if err != nil {
		t.Fatalf("ReadLines failed: %v", err)
	}

	if len(loaded) != len(lines) {
		t.Fatalf("Expected %d lines, got %d", len(lines), len(loaded))
	}
	for i := range lines {
		if loaded[i] != lines[i] {
			t.Errorf("Line %d mismatch: expected %q, got %q", i, lines[i], loaded[i])
		}
	}
}

func TestWriteLinesReplaces(t *testing.T) {
	tmpDir := t.TempDir()
	path := Path(tmpDir, "scheduler.state")

	if err := WriteLines(path, []string{"a", "b", "c"}); err != nil {
		t.Fatal(err)
	}
	if err := WriteLines(path, []string{"d"}); err != nil {
		t.Fatal(err)
	}

	loaded, err := ReadLines(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0] != "d" {
		t.Errorf("Expected [d], got %v", loaded)
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the state file to remain, got %d entries", len(entries))
	}
}

func TestReadLinesMissing(t *testing.T) {
	loaded, err := ReadLines(filepath.Join(t.TempDir(), "nope.txt"))
	if err != nil {
		t.Fatalf("Expected no error for missing file, got %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("Expected no lines, got %d", len(loaded))
	}
}

func TestReadLinesSkipsBlank(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blank.txt")
	if err := os.WriteFile(path, []byte("one\n\ntwo\n"), 0644); err != nil {
		t.Fatal(err)
	}
	loaded, err := ReadLines(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 {
		t.Errorf("Expected 2 lines, got %d", len(loaded))
	}
}

func TestLockDir(t *testing.T) {
	tmpDir := t.TempDir()

	lock, err := LockDir(tmpDir)
	if err != nil {
		t.Fatalf("LockDir failed: %v", err)
	}

	if _, err := LockDir(tmpDir); !errors.Is(err, ErrLocked) {
		t.Errorf("Expected ErrLocked for second lock, got %v", err)
	}

	if err := lock.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	again, err := LockDir(tmpDir)
	if err != nil {
		t.Fatalf("LockDir after unlock failed: %v", err)
	}
	again.Unlock()
}
