package workspace

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SessionState is one active session as persisted in state.yaml.
type SessionState struct {
	ID         string `yaml:"id"`
	Repo       string `yaml:"repo"`
	Kind       string `yaml:"kind"`
	TaskID     string `yaml:"task_id,omitempty"`
	LastActive string `yaml:"last_active"`
}

// State is the manager's autosaved state. It is cleared on daemon start:
// stale sessions never survive a restart.
type State struct {
	LastUpdated    string         `yaml:"last_updated"`
	ActiveSessions []SessionState `yaml:"active_sessions"`
	RecentContext  []string       `yaml:"recent_context,omitempty"`
}

// SaveState writes state.yaml atomically with a fresh timestamp.
func (w *Workspace) SaveState(st State) error {
	st.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	data, err := yaml.Marshal(&st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return writeAtomic(w.StatePath(), data, 0644)
}

// LoadState reads state.yaml; a missing file is an empty state.
func (w *Workspace) LoadState() (State, error) {
	var st State
	data, err := os.ReadFile(w.StatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, fmt.Errorf("read state: %w", err)
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parse state: %w", err)
	}
	return st, nil
}

// ClearState resets state.yaml to an empty state.
func (w *Workspace) ClearState() error {
	return w.SaveState(State{})
}
