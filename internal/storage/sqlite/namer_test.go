package sqlite

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNamerGenerateIsStrictlyIncreasing(t *testing.T) {
	n, err := NewNamer(t.TempDir(), "data_", ".db", "data.db")
	if err != nil {
		t.Fatal(err)
	}
	fixed := time.UnixMilli(1700000000000)
	n.now = func() time.Time { return fixed }

	prev := ""
	for i := 0; i < 5; i++ {
		name, err := n.Generate()
		if err != nil {
			t.Fatal(err)
		}
		if name <= prev {
			t.Fatalf("name %q not greater than %q", name, prev)
		}
		prev = name
	}
	if prev != "data_1700000000004.db" {
		t.Fatalf("unexpected last name %q", prev)
	}
}

func TestNamerGenerateSkipsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	n, err := NewNamer(dir, "data_", ".db", "")
	if err != nil {
		t.Fatal(err)
	}
	n.now = func() time.Time { return time.UnixMilli(1000) }
	if err := os.WriteFile(filepath.Join(dir, "data_0000000005000.db"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	name, err := n.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if name != "data_0000000005001.db" {
		t.Fatalf("expected name after newest existing file, got %q", name)
	}
}

func TestNamerListFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{
		"data_0000000000300.db",
		"data_0000000000100.db",
		"data_0000000000200.db-wal",
		"data_abc.db",
		"other_0000000000050.db",
		"data_0000000000200.db",
	} {
		if err := os.WriteFile(filepath.Join(dir, f), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	n, err := NewNamer(dir, "data_", ".db", "")
	if err != nil {
		t.Fatal(err)
	}
	names, err := n.List()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"data_0000000000100.db", "data_0000000000200.db", "data_0000000000300.db"}
	if len(names) != len(want) {
		t.Fatalf("got %v want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v want %v", names, want)
		}
	}
}

func TestNamerRemoveDeletesSidecars(t *testing.T) {
	dir := t.TempDir()
	n, err := NewNamer(dir, "data_", ".db", "")
	if err != nil {
		t.Fatal(err)
	}
	name := "data_0000000000001.db"
	for _, ext := range []string{"", "-wal", "-shm"} {
		if err := os.WriteFile(filepath.Join(dir, name+ext), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := n.Remove(name); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected empty dir, found %d entries", len(entries))
	}
	if err := n.Remove(name); err != nil {
		t.Fatalf("removing a missing segment must not fail: %v", err)
	}
}

func TestNamerAdoptLegacy(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "data.db"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	n, err := NewNamer(dir, "data_", ".db", "data.db")
	if err != nil {
		t.Fatal(err)
	}
	name, ok, err := n.AdoptLegacy()
	if err != nil || !ok {
		t.Fatalf("adopt: ok=%v err=%v", ok, err)
	}
	if name != "data_0000000000000.db" {
		t.Fatalf("unexpected slot %q", name)
	}
	if _, err := os.Stat(filepath.Join(dir, "data.db")); !os.IsNotExist(err) {
		t.Fatalf("legacy file still present")
	}
	if _, ok, _ := n.AdoptLegacy(); ok {
		t.Fatalf("second adopt must be a no-op")
	}
}
