// Package state persists execution snapshots so interrupted runs can resume
// without redoing completed work.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/makalin/loom/engine/core"
	"github.com/makalin/loom/engine/task"
)

const fileExt = ".state"

// Settings captures the run-level knobs recorded alongside node state.
type Settings struct {
	DefaultTimeout time.Duration `json:"default_timeout,omitempty"`
	GlobalTimeout  time.Duration `json:"global_timeout,omitempty"`
	Concurrency    int           `json:"concurrency,omitempty"`
}

// Record is the serialized ExecutionContext: the full node table plus run
// identity and settings. It is written after each applied transition.
type Record struct {
	ExecutionID core.ID               `json:"execution_id"`
	Timestamp   time.Time             `json:"timestamp"`
	RunStatus   core.RunStatus        `json:"run_status"`
	RootID      string                `json:"root_node_id"`
	Nodes       map[string]*task.Node `json:"nodes"`
	Settings    Settings              `json:"settings"`
}

// Meta is the listing view of a saved record.
type Meta struct {
	ExecutionID string         `json:"execution_id"`
	Timestamp   time.Time      `json:"timestamp"`
	RootTask    string         `json:"root_task"`
	RunStatus   core.RunStatus `json:"run_status"`
	TotalTasks  int            `json:"total_tasks"`
}

// Store reads and writes records under a single state directory.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = ".loom"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: cannot create state dir %s: %s", core.ErrPersistence, dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(executionID string) string {
	return filepath.Join(s.dir, executionID+fileExt)
}

// Save writes the record atomically (temp file + rename) so readers never
// observe a partially written snapshot.
func (s *Store) Save(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: cannot marshal record %s: %s", core.ErrPersistence, rec.ExecutionID, err)
	}
	tmp := s.path(rec.ExecutionID.String()) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: cannot write %s: %s", core.ErrPersistence, tmp, err)
	}
	if err := os.Rename(tmp, s.path(rec.ExecutionID.String())); err != nil {
		return fmt.Errorf("%w: cannot commit %s: %s", core.ErrPersistence, tmp, err)
	}
	return nil
}

// Load reads one record. Corrupt or missing records surface ErrPersistence;
// they never affect fresh runs.
func (s *Store) Load(executionID string) (*Record, error) {
	data, err := os.ReadFile(s.path(executionID))
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read state for %s: %s", core.ErrPersistence, executionID, err)
	}
	rec := &Record{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("%w: corrupt state for %s: %s", core.ErrPersistence, executionID, err)
	}
	if rec.RootID == "" || rec.Nodes == nil {
		return nil, fmt.Errorf("%w: incomplete state for %s", core.ErrPersistence, executionID)
	}
	return rec, nil
}

// List returns metadata for all saved records, newest first.
func (s *Store) List() ([]Meta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot list state dir %s: %s", core.ErrPersistence, s.dir, err)
	}
	var out []Meta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), fileExt)
		rec, err := s.Load(id)
		if err != nil {
			// Unreadable records are skipped in listings, not fatal.
			continue
		}
		meta := Meta{
			ExecutionID: rec.ExecutionID.String(),
			Timestamp:   rec.Timestamp,
			RunStatus:   rec.RunStatus,
			TotalTasks:  len(rec.Nodes),
		}
		if root, ok := rec.Nodes[rec.RootID]; ok {
			meta.RootTask = root.Name
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// Delete removes a saved record.
func (s *Store) Delete(executionID string) error {
	if err := os.Remove(s.path(executionID)); err != nil {
		return fmt.Errorf("%w: cannot delete state for %s: %s", core.ErrPersistence, executionID, err)
	}
	return nil
}
