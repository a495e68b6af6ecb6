package bootstrapfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".kadconfig")
	s := New(path)

	want := []Record{
		{NodeID: "ab", IP: "127.0.0.1", Port: 33445},
		{NodeID: "cd", IP: "10.0.0.2", Port: 33446, LocalIP: "192.168.1.2", LocalPort: 33446},
	}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nope", ".kadconfig"))
	records, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error on missing file: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}
}

func TestLoadCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".kadconfig")
	s := New(path)
	if err := s.Save([]Record{{NodeID: "ab", IP: "127.0.0.1", Port: 1}}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	// Corrupt it: truncate mid-record.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read test fixture: %v", err)
	}
	if len(raw) < 2 {
		t.Fatal("fixture too small to corrupt")
	}
	if err := os.WriteFile(path, raw[:len(raw)-2], 0o600); err != nil {
		t.Fatalf("write truncated fixture: %v", err)
	}

	records, err := s.Load()
	if err == nil {
		t.Error("expected a parse error for a truncated file")
	}
	if len(records) != 0 {
		t.Errorf("expected no records on parse failure, got %d", len(records))
	}
}
