package resume

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore keeps each State as a JSON sidecar next to the partial file.
type FileStore struct{}

func NewFileStore() *FileStore {
	return &FileStore{}
}

func (s *FileStore) Load(dest string) (*State, error) {
	data, err := os.ReadFile(MarkerPath(dest))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnresumable, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: corrupt marker: %v", ErrUnresumable, err)
	}
	if st.Destination != dest {
		return nil, fmt.Errorf("%w: marker belongs to %q", ErrUnresumable, st.Destination)
	}
	if err := Validate(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *FileStore) Save(state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal resume state: %w", err)
	}

	target := MarkerPath(state.Destination)
	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create resume marker: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write resume marker: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync resume marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close resume marker: %w", err)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to replace resume marker: %w", err)
	}
	return nil
}

func (s *FileStore) Discard(dest string) error {
	if err := os.Remove(MarkerPath(dest)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove resume marker: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
