package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openrollout/rollout/pkg/workflow"
)

// Store is a file-based checkpoint store. One file per checkpoint id.
type Store struct {
	dir string
}

// NewStore creates a checkpoint store rooted at dir. The directory is not
// created until the first save.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the checkpoint directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save persists a checkpoint and returns its file location. I/O failures are
// fatal checkpoint-io errors: resumability is never silently lost.
func (s *Store) Save(cp *workflow.Checkpoint) (string, error) {
	if cp == nil || cp.ID == "" {
		return "", workflow.NewCheckpointIOError("checkpoint must have an id", nil)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", workflow.NewCheckpointIOError(
			fmt.Sprintf("failed to create checkpoint directory %s", s.dir), err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return "", workflow.NewCheckpointIOError(
			fmt.Sprintf("failed to encode checkpoint %s", cp.ID), err)
	}

	location := s.path(cp.ID)
	if err := os.WriteFile(location, data, 0o644); err != nil {
		return "", workflow.NewCheckpointIOError(
			fmt.Sprintf("failed to write checkpoint %s", cp.ID), err)
	}

	return location, nil
}

// Load retrieves a checkpoint by id. A missing checkpoint is reported with
// code CHECKPOINT_NOT_FOUND.
func (s *Store) Load(id string) (*workflow.Checkpoint, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, workflow.NewCheckpointIOError(
				fmt.Sprintf("checkpoint not found: %s", id), err).
				WithCode(workflow.CodeCheckpointNotFound)
		}
		return nil, workflow.NewCheckpointIOError(
			fmt.Sprintf("failed to read checkpoint %s", id), err)
	}

	var cp workflow.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, workflow.NewCheckpointIOError(
			fmt.Sprintf("failed to decode checkpoint %s", id), err)
	}

	return &cp, nil
}

// List returns checkpoints sorted newest-first, filtered by workflow name
// when one is given. A missing directory yields an empty list.
func (s *Store) List(workflowName string) ([]*workflow.Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, workflow.NewCheckpointIOError(
			fmt.Sprintf("failed to read checkpoint directory %s", s.dir), err)
	}

	checkpoints := make([]*workflow.Checkpoint, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		cp, err := s.Load(id)
		if err != nil {
			return nil, err
		}
		if workflowName != "" && cp.WorkflowName != workflowName {
			continue
		}
		checkpoints = append(checkpoints, cp)
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].Timestamp.After(checkpoints[j].Timestamp)
	})

	return checkpoints, nil
}

// path derives the checkpoint file location from its id. Separators are
// stripped so ids can never escape the store directory.
func (s *Store) path(id string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(id)
	return filepath.Join(s.dir, safe+".json")
}
