package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newStateBackend(t *testing.T) *FileStateBackend {
	t.Helper()
	b, err := NewFileStateBackend(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("NewFileStateBackend failed: %v", err)
	}
	return b
}

func TestNewFileStateBackend_RequiresPath(t *testing.T) {
	if _, err := NewFileStateBackend(""); err == nil {
		t.Fatal("Expected error for empty path")
	}
}

func TestLoadState_MissingFileYieldsEmptyState(t *testing.T) {
	b := newStateBackend(t)

	state, err := b.LoadState(context.Background())
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if len(state) != 0 {
		t.Errorf("State = %v, want empty", state)
	}
}

func TestSaveAndLoadState(t *testing.T) {
	b := newStateBackend(t)
	ctx := context.Background()

	in := map[string]any{"version": "v2", "replicas": float64(3)}
	if err := b.SaveState(ctx, in); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	out, err := b.LoadState(ctx)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if out["version"] != "v2" || out["replicas"] != float64(3) {
		t.Errorf("State = %v", out)
	}
}

func TestSaveState_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "state.json")
	b, err := NewFileStateBackend(path)
	if err != nil {
		t.Fatalf("NewFileStateBackend failed: %v", err)
	}

	if err := b.SaveState(context.Background(), map[string]any{"ok": true}); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("State file missing: %v", err)
	}
}

func TestCreateAndRestoreBackup(t *testing.T) {
	b := newStateBackend(t)
	ctx := context.Background()

	if err := b.SaveState(ctx, map[string]any{"version": "v1"}); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	location, err := b.CreateBackup(ctx)
	if err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}

	// Mutate the live state, then restore the backup.
	if err := b.SaveState(ctx, map[string]any{"version": "v2"}); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	restored, err := b.RestoreBackup(ctx, location)
	if err != nil {
		t.Fatalf("RestoreBackup failed: %v", err)
	}
	if restored["version"] != "v1" {
		t.Errorf("Restored = %v, want v1", restored)
	}

	// RestoreBackup only reads; the live state is unchanged until saved.
	live, err := b.LoadState(ctx)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if live["version"] != "v2" {
		t.Errorf("Live state = %v", live)
	}
}

func TestRestoreBackup_MissingLocation(t *testing.T) {
	b := newStateBackend(t)
	if _, err := b.RestoreBackup(context.Background(), "/nonexistent/backup"); err == nil {
		t.Fatal("Expected error for missing backup")
	}
}

func TestLoadState_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	b, err := NewFileStateBackend(path)
	if err != nil {
		t.Fatalf("NewFileStateBackend failed: %v", err)
	}

	if _, err := b.LoadState(context.Background()); err == nil {
		t.Fatal("Expected decode error")
	}
}
