package nvstate

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// MaxCommandIDs bounds the persisted command id list.
const MaxCommandIDs = 64

// State is the small record kept across reboots.
type State struct {
	LastSeq          uint64   `yaml:"last_seq"`
	RecentCommandIDs []string `yaml:"recent_command_ids,omitempty"`
}

// Store reads and writes State to a file. A Store with an empty path
// persists nothing.
type Store struct {
	path string
}

// NewStore creates a store at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Enabled reports whether the store has a backing file.
func (s *Store) Enabled() bool {
	return s != nil && s.path != ""
}

// Load reads the state. A missing file yields the zero State.
func (s *Store) Load() (State, error) {
	var st State
	if !s.Enabled() {
		return st, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, fmt.Errorf("failed to read state file: %w", err)
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("failed to parse state file: %w", err)
	}
	return st, nil
}

// Save writes the state atomically, keeping the newest MaxCommandIDs ids.
func (s *Store) Save(st State) error {
	if !s.Enabled() {
		return nil
	}
	if n := len(st.RecentCommandIDs); n > MaxCommandIDs {
		st.RecentCommandIDs = st.RecentCommandIDs[n-MaxCommandIDs:]
	}

	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".nvstate-*")
	if err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}
