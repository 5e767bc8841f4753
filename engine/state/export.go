package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/makalin/loom/engine/core"
	"github.com/makalin/loom/engine/task"
)

// ExportRecord is the interchange shape written by `loom export`.
type ExportRecord struct {
	ExecutionID string                `json:"execution_id"  yaml:"execution_id"`
	Timestamp   time.Time             `json:"timestamp"     yaml:"timestamp"`
	RunStatus   core.RunStatus        `json:"run_status"    yaml:"run_status"`
	Summary     task.Summary          `json:"summary"       yaml:"summary"`
	Tasks       map[string]*task.Node `json:"tasks"         yaml:"tasks"`
}

// Export writes a saved record to outPath as JSON or YAML depending on the
// file extension (unknown extensions default to JSON). It returns the path
// actually written.
func (s *Store) Export(executionID, outPath string) (string, error) {
	rec, err := s.Load(executionID)
	if err != nil {
		return "", err
	}
	export := &ExportRecord{
		ExecutionID: rec.ExecutionID.String(),
		Timestamp:   rec.Timestamp,
		RunStatus:   rec.RunStatus,
		Summary:     task.Summarize(rec.Nodes),
		Tasks:       rec.Nodes,
	}

	var data []byte
	switch filepath.Ext(outPath) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(export)
	case ".json":
		data, err = json.MarshalIndent(export, "", "  ")
	default:
		outPath += ".json"
		data, err = json.MarshalIndent(export, "", "  ")
	}
	if err != nil {
		return "", fmt.Errorf("%w: cannot serialize export for %s: %s", core.ErrPersistence, executionID, err)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: cannot write export %s: %s", core.ErrPersistence, outPath, err)
	}
	return outPath, nil
}
