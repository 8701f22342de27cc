package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStateBackend implements engine.StateBackend on a local JSON file.
// Backups are timestamped copies next to the state file. All operations are
// serialized through one mutex; the backend is safe for concurrent use.
type FileStateBackend struct {
	mu   sync.Mutex
	path string
}

// NewFileStateBackend creates a state backend for the given JSON file path.
func NewFileStateBackend(path string) (*FileStateBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("state file path is required")
	}
	return &FileStateBackend{path: path}, nil
}

// LoadState reads the current state snapshot. A missing file yields an empty
// state.
func (b *FileStateBackend) LoadState(_ context.Context) (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read(b.path)
}

// SaveState writes a state snapshot atomically via a temp-file rename.
func (b *FileStateBackend) SaveState(_ context.Context, state map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.write(b.path, state)
}

// CreateBackup copies the current state to a timestamped file and returns
// its path.
func (b *FileStateBackend) CreateBackup(_ context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.read(b.path)
	if err != nil {
		return "", err
	}

	location := fmt.Sprintf("%s.backup.%d", b.path, time.Now().UnixNano())
	if err := b.write(location, state); err != nil {
		return "", err
	}
	return location, nil
}

// RestoreBackup reads the state stored at the given backup location.
func (b *FileStateBackend) RestoreBackup(_ context.Context, location string) (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := os.Stat(location); err != nil {
		return nil, fmt.Errorf("backup not found: %s", location)
	}
	return b.read(location)
}

func (b *FileStateBackend) read(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	state := map[string]any{}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decoding state file: %w", err)
	}
	return state, nil
}

func (b *FileStateBackend) write(path string, state map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}
