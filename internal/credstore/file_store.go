package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// FileStore writes secrets to a JSON file readable only by the owner. A
// sibling ".lock" file serializes access across processes.
type FileStore struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

type fileState struct {
	Version int               `json:"version"`
	Values  map[string]string `json:"values"`
}

const fileStateVersion = 1

// NewFileStore builds a FileStore rooted at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, lock: flock.New(path + ".lock")}
}

// Path returns the backing file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get(key string) (string, error) {
	var (
		value string
		found bool
	)
	err := s.withLock(false, func() error {
		state, err := s.load()
		if err != nil {
			return err
		}
		value, found = state.Values[key]
		return nil
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrNotFound
	}
	return value, nil
}

func (s *FileStore) Set(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("credential key is required")
	}
	return s.withLock(true, func() error {
		state, err := s.load()
		if err != nil {
			return err
		}
		state.Values[key] = value
		return s.save(state)
	})
}

func (s *FileStore) Delete(key string) error {
	return s.withLock(true, func() error {
		state, err := s.load()
		if err != nil {
			return err
		}
		if _, ok := state.Values[key]; !ok {
			return nil
		}
		delete(state.Values, key)
		return s.save(state)
	})
}

func (s *FileStore) withLock(exclusive bool, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("ensure credential directory: %w", err)
	}
	var err error
	if exclusive {
		err = s.lock.Lock()
	} else {
		err = s.lock.RLock()
	}
	if err != nil {
		return fmt.Errorf("lock credential store: %w", err)
	}
	defer func() {
		_ = s.lock.Unlock()
	}()
	return fn()
}

// load reads state from disk. A missing file resolves to an empty state.
func (s *FileStore) load() (fileState, error) {
	state := fileState{Version: fileStateVersion, Values: map[string]string{}}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return state, fmt.Errorf("read credential store: %w", err)
	}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("decode credential store: %w", err)
	}
	if state.Values == nil {
		state.Values = map[string]string{}
	}
	return state, nil
}

// save replaces the file atomically so a crash never leaves a torn write.
func (s *FileStore) save(state fileState) error {
	state.Version = fileStateVersion
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".credentials-*")
	if err != nil {
		return fmt.Errorf("create credential temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod credential temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write credential temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync credential temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credential temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace credential store: %w", err)
	}
	return nil
}
