package dedup

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore is a newline-delimited append-only log of processed IDs.
// The whole file is loaded into memory at open.
type FileStore struct {
	mu   sync.RWMutex
	path string
	file *os.File
	ids  map[string]struct{}
}

// OpenFile loads the state file at path, creating it and its directory if needed
func OpenFile(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	ids, err := readIDs(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open state file for append: %w", err)
	}

	return &FileStore{path: path, file: f, ids: ids}, nil
}

func readIDs(path string) (map[string]struct{}, error) {
	ids := make(map[string]struct{})

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return ids, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open state file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ids[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	return ids, nil
}

// Path returns the backing file path
func (s *FileStore) Path() string { return s.path }

// Contains reports whether id has been marked
func (s *FileStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// Mark appends id and fsyncs the file before recording it in memory.
// Marking an ID twice is a no-op.
func (s *FileStore) Mark(_ context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return nil
	}
	if s.file == nil {
		return fmt.Errorf("state file %s is closed", s.path)
	}

	if _, err := s.file.WriteString(id + "\n"); err != nil {
		return fmt.Errorf("append to state file: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}

	s.ids[id] = struct{}{}
	return nil
}

// Len returns the number of processed IDs
func (s *FileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// Close closes the backing file
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
