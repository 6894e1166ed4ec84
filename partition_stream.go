package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// PhysicalPartition is a partition known to the operating system.
type PhysicalPartition struct {
	Name     string // GPT partition name as reported by the OS
	Device   string
	Disk     string // kernel name of the parent disk, empty when unknown
	Number   int    // 1-based partition number, 0 when unknown
	SizeHint int64
}

// partitionEnumerator lists live partitions and opens their bytes.
type partitionEnumerator interface {
	ListPartitions() ([]PhysicalPartition, error)
	OpenPartition(p PhysicalPartition) (io.ReadCloser, error)
}

// deferredPartition is a partition whose bytes are copied into scratch space
// on first use. A successful copy is kept until Close; a failed one is
// retried on the next access.
type deferredPartition struct {
	name  string
	index int
	typ   uuid.UUID
	id    uuid.UUID

	// disk restricts matches to partitions of one parent disk when set.
	disk string

	enum    partitionEnumerator
	scratch *scratchSpace
	bufSize int

	mu   sync.Mutex
	file *os.File
	size int64
}

func newDeferredPartition(entry PartitionEntry, enum partitionEnumerator, scratch *scratchSpace, bufSize int) *deferredPartition {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &deferredPartition{
		name:    entry.Name,
		index:   entry.Index,
		typ:     entry.Type,
		id:      entry.ID,
		enum:    enum,
		scratch: scratch,
		bufSize: bufSize,
	}
}

func (p *deferredPartition) Name() string    { return p.name }
func (p *deferredPartition) Type() uuid.UUID { return p.typ }
func (p *deferredPartition) ID() uuid.UUID   { return p.id }

// Size materializes the partition and returns its length, or 0 on failure.
func (p *deferredPartition) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.materialize(); err != nil {
		return 0
	}
	return p.size
}

// Stream materializes the partition and returns a read-only view of the
// scratch copy, positioned at offset 0.
func (p *deferredPartition) Stream() (io.ReadSeeker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.materialize(); err != nil {
		return nil, err
	}
	if _, err := p.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: error rewinding scratch copy of %q: %v", ErrIO, p.name, err)
	}
	return p.file, nil
}

func (p *deferredPartition) materialize() error {
	if p.file != nil {
		return nil
	}

	parts, err := p.enum.ListPartitions()
	if err != nil {
		return fmt.Errorf("%w: error listing partitions: %v", ErrSourceUnavailable, err)
	}

	match, err := p.find(parts)
	if err != nil {
		return err
	}

	src, err := p.enum.OpenPartition(*match)
	if err != nil {
		return fmt.Errorf("%w: error opening %s: %v", ErrSourceUnavailable, match.Device, err)
	}
	defer src.Close()

	tmp, err := p.scratch.CreateFile("partition-*.img")
	if err != nil {
		return err
	}
	path := tmp.Name()

	n, err := io.CopyBuffer(tmp, src, make([]byte, p.bufSize))
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = p.scratch.Remove(path)
		return fmt.Errorf("%w: error copying %s to scratch: %v", ErrSourceUnavailable, match.Device, err)
	}

	ro, err := os.Open(path)
	if err != nil {
		_ = p.scratch.Remove(path)
		return fmt.Errorf("%w: error reopening scratch copy: %v", ErrSourceUnavailable, err)
	}

	p.file = ro
	p.size = n
	return nil
}

// find picks the one live partition backing the entry. Unnamed entries
// cannot be told apart from other unnamed partitions and are never matched.
func (p *deferredPartition) find(parts []PhysicalPartition) (*PhysicalPartition, error) {
	if p.name == "" {
		return nil, fmt.Errorf("%w: unnamed partition entry %d", ErrNotFound, p.index)
	}

	var matches []*PhysicalPartition
	for i := range parts {
		c := &parts[i]
		if c.Name != p.name {
			continue
		}
		if p.disk != "" && c.Disk != p.disk {
			continue
		}
		if c.Number > 0 && c.Number != p.index+1 {
			continue
		}
		matches = append(matches, c)
	}

	switch len(matches) {
	case 0:
		if p.disk != "" {
			return nil, fmt.Errorf("%w: partition %q on %s", ErrNotFound, p.name, p.disk)
		}
		return nil, fmt.Errorf("%w: partition %q", ErrNotFound, p.name)
	case 1:
		return matches[0], nil
	}
	devices := make([]string, 0, len(matches))
	for _, m := range matches {
		devices = append(devices, m.Device)
	}
	return nil, fmt.Errorf("%w: partition %q matches %d devices: %s",
		ErrSourceUnavailable, p.name, len(matches), strings.Join(devices, ", "))
}

// Close releases the scratch copy, if any.
func (p *deferredPartition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return nil
	}
	path := p.file.Name()
	err := p.file.Close()
	p.file = nil
	p.size = 0
	if rmErr := p.scratch.Remove(path); err == nil {
		err = rmErr
	}
	return err
}
