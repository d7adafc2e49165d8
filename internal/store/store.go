// Package store provides crash-safe position persistence using JSON files.
//
// Each (venue, symbol) position is stored as a separate file:
// pos_<venue>_<symbol>.json. Writes use atomic file replacement (write to
// .tmp, then rename) to prevent corruption from partial writes or crashes
// mid-save. The engine saves snapshots periodically and on shutdown, and
// loads them on startup so a restart knows its exposure before the first
// venue poll answers.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"perp-mm/pkg/types"
)

// Store persists positions to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string     // directory containing pos_*.json files
	mu  sync.Mutex // serializes all file operations
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SavePosition atomically persists one venue position snapshot.
// It writes to a .tmp file first, then renames over the target to ensure
// the file is never left in a partial state (crash-safe).
func (s *Store) SavePosition(pos types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}

	path := s.path(pos.Venue, pos.Symbol)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write position: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadPosition restores one venue position from disk.
// Returns nil, nil if no saved position exists.
func (s *Store) LoadPosition(venue, symbol string) (*types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(venue, symbol))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read position: %w", err)
	}

	var pos types.Position
	if err := json.Unmarshal(data, &pos); err != nil {
		return nil, fmt.Errorf("unmarshal position: %w", err)
	}
	return &pos, nil
}

func (s *Store) path(venue, symbol string) string {
	// Symbols like BTC-USD are filesystem-safe, but normalize anyway.
	name := fmt.Sprintf("pos_%s_%s.json", venue, strings.ReplaceAll(symbol, "/", "-"))
	return filepath.Join(s.dir, name)
}
