// Package ban keeps the set of banned peer IP addresses, persisted as one
// "IP:<literal>" line per address. The in-memory set is authoritative: a
// ban takes effect immediately even if the file rewrite fails.
package ban

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

const linePrefix = "IP:"

// Store is a file-backed set of banned IP literals.
type Store struct {
	mu   sync.RWMutex
	path string
	ips  map[string]struct{}
}

// Open loads the ban file at path. A missing file yields an empty store.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		ips:  make(map[string]struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	slog.Info("ban store loaded", "path", path, "banned", len(s.ips))
	return s, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open ban file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, linePrefix) {
			continue // unknown prefixes are ignored
		}
		addr := strings.TrimSpace(strings.TrimPrefix(line, linePrefix))
		if addr != "" {
			s.ips[addr] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read ban file: %w", err)
	}
	return nil
}

// Contains reports whether addr is banned.
func (s *Store) Contains(addr string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ips[addr]
	return ok
}

// Add bans addr and rewrites the backing file. The memory update always
// wins; a persistence failure is logged and the error returned so callers
// can decide whether to surface it.
func (s *Store) Add(addr string) error {
	s.mu.Lock()
	s.ips[addr] = struct{}{}
	lines := make([]string, 0, len(s.ips))
	for ip := range s.ips {
		lines = append(lines, linePrefix+ip)
	}
	s.mu.Unlock()

	data := strings.Join(lines, "\n")
	if data != "" {
		data += "\n"
	}
	if err := os.WriteFile(s.path, []byte(data), 0o644); err != nil {
		slog.Error("persist ban file", "path", s.path, "err", err)
		return fmt.Errorf("write ban file: %w", err)
	}
	slog.Info("address banned", "addr", addr)
	return nil
}

// Len returns the number of banned addresses.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ips)
}
