// Package state persists per-run driver state on the agent host so runs can
// be resumed after an agent restart.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	v1 "github.com/runhub/runhub/pkg/api/v1"
)

// RunState is the on-disk snapshot of one run's driver.
type RunState struct {
	RunID      string        `json:"runId"`
	Sequence   int64         `json:"sequence"`
	WorkingDir string        `json:"workingDir"`
	WorkerType v1.WorkerType `json:"workerType"`
	Model      string        `json:"model,omitempty"`
	SavedAt    time.Time     `json:"savedAt"`
}

// Store reads and writes run state files under a single directory, one JSON
// file per run.
type Store struct {
	dir string
}

// NewStore creates the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create runs dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

// Save writes the state atomically: write to a temp file in the same
// directory, then rename over the target.
func (s *Store) Save(st RunState) error {
	if st.RunID == "" {
		return errors.New("state has no run id")
	}
	st.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, st.RunID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(st.RunID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Load reads a run's state. Returns (zero, false, nil) when no state exists.
func (s *Store) Load(runID string) (RunState, bool, error) {
	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return RunState{}, false, nil
		}
		return RunState{}, false, fmt.Errorf("read state: %w", err)
	}
	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return RunState{}, false, fmt.Errorf("decode state: %w", err)
	}
	return st, true, nil
}

// Remove deletes a run's state file. Missing files are not an error.
func (s *Store) Remove(runID string) error {
	err := os.Remove(s.path(runID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state: %w", err)
	}
	return nil
}
