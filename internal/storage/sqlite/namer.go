package sqlite

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	nameDigits      = 13
	maxNameAttempts = 1000
)

// Namer lists and generates segment file names of the form <prefix><epoch-ms><suffix>.
// Names are zero padded so that lexicographic order is chronological order.
type Namer struct {
	dir    string
	prefix string
	suffix string
	legacy string
	now    func() time.Time

	mu   sync.Mutex
	last int64
}

func NewNamer(dir, prefix, suffix, legacyFileName string) (*Namer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir data dir: %w", err)
	}
	return &Namer{dir: dir, prefix: prefix, suffix: suffix, legacy: legacyFileName, now: time.Now}, nil
}

func (n *Namer) Path(name string) string {
	return filepath.Join(n.dir, name)
}

// List returns every segment file in the data directory, oldest first.
func (n *Namer) List() ([]string, error) {
	entries, err := os.ReadDir(n.dir)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := n.parse(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Generate returns a name strictly greater than any listed or previously generated one.
func (n *Namer) Generate() (string, error) {
	existing, err := n.List()
	if err != nil {
		return "", err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(existing) > 0 {
		if ms, ok := n.parse(existing[len(existing)-1]); ok && ms > n.last {
			n.last = ms
		}
	}
	ms := n.now().UnixMilli()
	if ms <= n.last {
		ms = n.last + 1
	}
	for i := 0; i < maxNameAttempts; i++ {
		name := n.format(ms)
		if _, err := os.Stat(n.Path(name)); errors.Is(err, os.ErrNotExist) {
			n.last = ms
			return name, nil
		}
		ms++
	}
	return "", fmt.Errorf("no free segment name after %d attempts", maxNameAttempts)
}

// Remove deletes a segment file together with its sqlite WAL and shared-memory files.
func (n *Namer) Remove(name string) error {
	var errs []error
	for _, p := range []string{n.Path(name), n.Path(name) + "-wal", n.Path(name) + "-shm", n.Path(name) + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AdoptLegacy renames a pre-rotation single storage file (named exactly like the
// configured db file) into the oldest segment slot so its records are drained first.
func (n *Namer) AdoptLegacy() (string, bool, error) {
	if n.legacy == "" {
		return "", false, nil
	}
	src := n.Path(n.legacy)
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	name := n.format(0)
	if _, err := os.Stat(n.Path(name)); err == nil {
		return "", false, fmt.Errorf("legacy slot %s already taken", name)
	}
	for _, ext := range []string{"", "-wal", "-shm"} {
		if err := os.Rename(src+ext, n.Path(name)+ext); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("adopt legacy file: %w", err)
		}
	}
	return name, true, nil
}

func (n *Namer) format(ms int64) string {
	return fmt.Sprintf("%s%0*d%s", n.prefix, nameDigits, ms, n.suffix)
}

func (n *Namer) parse(name string) (int64, bool) {
	if !strings.HasPrefix(name, n.prefix) || !strings.HasSuffix(name, n.suffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, n.prefix), n.suffix)
	if len(digits) != nameDigits {
		return 0, false
	}
	ms, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || ms < 0 {
		return 0, false
	}
	return ms, true
}
