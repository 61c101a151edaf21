package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store persists the lifecycle record across restarts.
type Store interface {
	Load() (*StrategyState, error)
	Save(state *StrategyState) error
}

// FileStore keeps the record in a JSON file, written atomically via a temp
// file and rename.
type FileStore struct {
	path string
}

// NewFileStore builds a store writing to path, creating parent directories
// as needed.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Load reads the persisted record. A missing file returns (nil, nil);
// unreadable content returns an error so the caller can decide to reset.
func (s *FileStore) Load() (*StrategyState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state StrategyState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	if state.State == "" {
		return nil, fmt.Errorf("state file has no state field")
	}
	return &state, nil
}

// Save writes the record atomically.
func (s *FileStore) Save(state *StrategyState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// MemoryStore is an in-process store for tests and ephemeral runs.
type MemoryStore struct {
	mu    sync.Mutex
	state *StrategyState

	// FailSave makes the next Save calls return this error.
	FailSave error
	// Saves counts committed writes.
	Saves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (*StrategyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, nil
	}
	snapshot := *s.state
	return &snapshot, nil
}

func (s *MemoryStore) Save(state *StrategyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave != nil {
		return s.FailSave
	}
	snapshot := *state
	s.state = &snapshot
	s.Saves++
	return nil
}
