package main

import (
	"fmt"
	"os"
	"sync"
)

// scratchSpace hands out temporary files inside a private directory that is
// removed as a whole on Cleanup.
type scratchSpace struct {
	mu  sync.Mutex
	dir string
}

// newScratchSpace creates a private directory under parent (the system temp
// directory when empty).
func newScratchSpace(parent string) (*scratchSpace, error) {
	dir, err := os.MkdirTemp(parent, "spacedump-")
	if err != nil {
		return nil, fmt.Errorf("%w: error creating scratch directory: %v", ErrIO, err)
	}
	return &scratchSpace{dir: dir}, nil
}

// Dir returns the scratch directory, or "" after Cleanup.
func (s *scratchSpace) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// CreateFile creates a new, empty scratch file.
func (s *scratchSpace) CreateFile(pattern string) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir == "" {
		return nil, fmt.Errorf("%w: scratch space already removed", ErrIO)
	}
	f, err := os.CreateTemp(s.dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: error creating scratch file: %v", ErrIO, err)
	}
	return f, nil
}

// Remove deletes one scratch file. Missing files are not an error.
func (s *scratchSpace) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: error removing scratch file: %v", ErrIO, err)
	}
	return nil
}

// Cleanup removes the scratch directory and everything in it. It is safe to
// call more than once and from a signal handler.
func (s *scratchSpace) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir == "" {
		return nil
	}
	dir := s.dir
	s.dir = ""
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: error removing scratch directory: %v", ErrIO, err)
	}
	return nil
}
