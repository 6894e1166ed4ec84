package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Disk is an opened, read-only input container.
type Disk interface {
	Name() string
	Partitions() ([]Partition, error)
	Close() error
}

// Partition is one GPT partition of a Disk.
type Partition interface {
	Name() string
	Type() uuid.UUID
	ID() uuid.UUID

	// Size is the partition length in bytes, 0 when it cannot be determined.
	Size() int64

	// Stream returns a seekable view of the partition bytes. The stream
	// stays owned by the partition.
	Stream() (io.ReadSeeker, error)
}

// PoolMember is one entry of a pool's member directory.
type PoolMember struct {
	ID   int64
	Name string
}

// Space is the logical disk of a pool member.
type Space interface {
	io.ReadSeeker
	io.Closer
	Size() int64
}

// StoragePool is a decoded Storage Spaces pool. Pools that also implement
// io.Closer are closed once all members are handled.
type StoragePool interface {
	Members() ([]PoolMember, error)
	OpenMember(id int64) (Space, error)
}

// PoolOpener decodes the pool metadata found on a pool partition.
type PoolOpener func(rs io.ReadSeeker) (StoragePool, error)

type poolDecoder struct {
	name string
	open PoolOpener
}

var (
	poolDecodersMu sync.Mutex
	poolDecoders   []poolDecoder
)

// registerPoolDecoder adds a pool metadata decoder. Decoders are tried in
// registration order.
func registerPoolDecoder(name string, open PoolOpener) {
	poolDecodersMu.Lock()
	defer poolDecodersMu.Unlock()
	poolDecoders = append(poolDecoders, poolDecoder{name: name, open: open})
}

// registeredPoolDecoders returns the names of the registered decoders.
func registeredPoolDecoders() []string {
	poolDecodersMu.Lock()
	defer poolDecodersMu.Unlock()
	names := make([]string, 0, len(poolDecoders))
	for _, d := range poolDecoders {
		names = append(names, d.name)
	}
	return names
}

// openRegisteredPool is the default PoolOpener. It hands the partition to
// each registered decoder, rewinding in between, and returns the first pool
// that decodes.
func openRegisteredPool(rs io.ReadSeeker) (StoragePool, error) {
	poolDecodersMu.Lock()
	decoders := append([]poolDecoder(nil), poolDecoders...)
	poolDecodersMu.Unlock()

	if len(decoders) == 0 {
		return nil, fmt.Errorf("%w: no storage pool decoder registered", ErrSourceUnavailable)
	}

	var errs []error
	for _, d := range decoders {
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("%w: error rewinding pool partition: %v", ErrIO, err)
		}
		pool, err := d.open(rs)
		if err == nil {
			return pool, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
	}
	return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, errors.Join(errs...))
}

// sortedMembers returns the pool's members in ascending ID order.
func sortedMembers(pool StoragePool) ([]PoolMember, error) {
	members, err := pool.Members()
	if err != nil {
		return nil, err
	}
	sorted := append([]PoolMember(nil), members...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})
	return sorted, nil
}

// MemberPolicy decides which pool members are dumped.
type MemberPolicy string

const (
	// MemberPolicyAll dumps every member.
	MemberPolicyAll MemberPolicy = "all"

	// MemberPolicySkipLowest leaves out the member with the lowest ID.
	MemberPolicySkipLowest MemberPolicy = "skip-lowest"
)

// apply returns the members to dump and the ones left out. members must be sorted.
func (p MemberPolicy) apply(members []PoolMember) (selected, skipped []PoolMember) {
	if p == MemberPolicySkipLowest && len(members) > 0 {
		return members[1:], members[:1]
	}
	return members, nil
}
