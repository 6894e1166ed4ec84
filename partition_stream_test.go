package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeEnumerator struct {
	partitions map[string][]byte
	disk       string
	listErr    error
	openErr    error

	lists int
	opens int
}

func (e *fakeEnumerator) ListPartitions() ([]PhysicalPartition, error) {
	e.lists++
	if e.listErr != nil {
		return nil, e.listErr
	}
	var out []PhysicalPartition
	for name, data := range e.partitions {
		out = append(out, PhysicalPartition{Name: name, Device: "/dev/fake-" + name, Disk: e.disk, SizeHint: int64(len(data))})
	}
	return out, nil
}

func (e *fakeEnumerator) OpenPartition(p PhysicalPartition) (io.ReadCloser, error) {
	e.opens++
	if e.openErr != nil {
		return nil, e.openErr
	}
	return io.NopCloser(bytes.NewReader(e.partitions[p.Name])), nil
}

func poolEntry(name string) PartitionEntry {
	e := testEntries()[1]
	e.Name = name
	return e
}

func TestDeferredPartitionCopiesOnce(t *testing.T) {
	data := patterned(300*kb, 3)
	enum := &fakeEnumerator{partitions: map[string][]byte{"Storage pool": data, "other": []byte("x")}}
	scratch, err := newScratchSpace(t.TempDir())
	require.NoError(t, err)
	defer scratch.Cleanup()

	p := newDeferredPartition(poolEntry("Storage pool"), enum, scratch, 64*kb)
	require.Equal(t, "Storage pool", p.Name())
	require.Equal(t, storagePoolType, p.Type())
	require.Equal(t, 0, enum.opens)

	require.Equal(t, int64(len(data)), p.Size())
	require.Len(t, scratchEntries(t, scratch), 1)

	for i := 0; i < 2; i++ {
		rs, err := p.Stream()
		require.NoError(t, err)
		got, err := io.ReadAll(rs)
		require.NoError(t, err)
		require.Equal(t, data, got)
	}
	require.Equal(t, 1, enum.lists)
	require.Equal(t, 1, enum.opens)

	require.NoError(t, p.Close())
	require.Empty(t, scratchEntries(t, scratch))
	require.NoError(t, p.Close())
}

func TestDeferredPartitionNotFound(t *testing.T) {
	enum := &fakeEnumerator{partitions: map[string][]byte{"other": []byte("x")}}
	scratch, err := newScratchSpace(t.TempDir())
	require.NoError(t, err)
	defer scratch.Cleanup()

	p := newDeferredPartition(poolEntry("Storage pool"), enum, scratch, 0)
	require.Equal(t, int64(0), p.Size())

	_, err = p.Stream()
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 0, enum.opens)

	// failures are retried
	enum.partitions["Storage pool"] = []byte("late")
	require.Equal(t, int64(4), p.Size())
	require.Equal(t, 3, enum.lists)
	require.NoError(t, p.Close())
}

func TestDeferredPartitionSourceErrors(t *testing.T) {
	scratch, err := newScratchSpace(t.TempDir())
	require.NoError(t, err)
	defer scratch.Cleanup()

	enum := &fakeEnumerator{listErr: errors.New("no sysfs")}
	_, err = newDeferredPartition(poolEntry("a"), enum, scratch, 0).Stream()
	require.ErrorIs(t, err, ErrSourceUnavailable)

	enum = &fakeEnumerator{
		partitions: map[string][]byte{"a": []byte("data")},
		openErr:    os.ErrPermission,
	}
	_, err = newDeferredPartition(poolEntry("a"), enum, scratch, 0).Stream()
	require.ErrorIs(t, err, ErrSourceUnavailable)
	require.Empty(t, scratchEntries(t, scratch))
}

// listedEnumerator reports a fixed partition list; bytes are keyed by device.
type listedEnumerator struct {
	parts []PhysicalPartition
	data  map[string][]byte
}

func (e *listedEnumerator) ListPartitions() ([]PhysicalPartition, error) {
	return e.parts, nil
}

func (e *listedEnumerator) OpenPartition(p PhysicalPartition) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(e.data[p.Device])), nil
}

func multiDiskEnumerator() *listedEnumerator {
	return &listedEnumerator{
		parts: []PhysicalPartition{
			{Name: "", Device: "/dev/sda1", Disk: "sda", Number: 1},
			{Name: "Storage pool", Device: "/dev/sdb2", Disk: "sdb", Number: 2},
			{Name: "Storage pool", Device: "/dev/sdc2", Disk: "sdc", Number: 2},
		},
		data: map[string][]byte{
			"/dev/sda1": []byte("sda1"),
			"/dev/sdb2": []byte("sdb2"),
			"/dev/sdc2": []byte("sdc2"),
		},
	}
}

func TestDeferredPartitionMatchesOwnDisk(t *testing.T) {
	scratch, err := newScratchSpace(t.TempDir())
	require.NoError(t, err)
	defer scratch.Cleanup()
	enum := multiDiskEnumerator()

	for _, disk := range []string{"sdb", "sdc"} {
		p := newDeferredPartition(poolEntry("Storage pool"), enum, scratch, 0)
		p.disk = disk
		rs, err := p.Stream()
		require.NoError(t, err, disk)
		got, err := io.ReadAll(rs)
		require.NoError(t, err)
		require.Equal(t, disk+"2", string(got))
		require.NoError(t, p.Close())
	}

	// the pool entry is the second partition; a pool named partition in
	// another slot of the same disk is not it
	p := newDeferredPartition(poolEntry("Storage pool"), enum, scratch, 0)
	p.disk = "sdb"
	p.index = 4
	_, err = p.Stream()
	require.ErrorIs(t, err, ErrNotFound)

	p = newDeferredPartition(poolEntry("Storage pool"), enum, scratch, 0)
	p.disk = "sdd"
	_, err = p.Stream()
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeferredPartitionRejectsUnnamedEntry(t *testing.T) {
	scratch, err := newScratchSpace(t.TempDir())
	require.NoError(t, err)
	defer scratch.Cleanup()
	enum := multiDiskEnumerator()

	e := poolEntry("")
	e.Index = 0
	p := newDeferredPartition(e, enum, scratch, 0)
	p.disk = "sda"
	_, err = p.Stream()
	require.ErrorIs(t, err, ErrNotFound)
	require.Empty(t, scratchEntries(t, scratch))
}

func TestDeferredPartitionAmbiguousMatch(t *testing.T) {
	scratch, err := newScratchSpace(t.TempDir())
	require.NoError(t, err)
	defer scratch.Cleanup()

	p := newDeferredPartition(poolEntry("Storage pool"), multiDiskEnumerator(), scratch, 0)
	_, err = p.Stream()
	require.ErrorIs(t, err, ErrSourceUnavailable)
	require.ErrorContains(t, err, "/dev/sdb2, /dev/sdc2")
	require.Empty(t, scratchEntries(t, scratch))
}

type flakyDevice struct{ after int }

func (r *flakyDevice) Read(p []byte) (int, error) {
	if r.after <= 0 {
		return 0, errors.New("medium error")
	}
	n := min(len(p), r.after)
	r.after -= n
	return n, nil
}

func (r *flakyDevice) Close() error { return nil }

type failingEnumerator struct{ fakeEnumerator }

func (e *failingEnumerator) OpenPartition(PhysicalPartition) (io.ReadCloser, error) {
	return &flakyDevice{after: 1000}, nil
}

func TestDeferredPartitionCopyFailureRemovesScratch(t *testing.T) {
	scratch, err := newScratchSpace(t.TempDir())
	require.NoError(t, err)
	defer scratch.Cleanup()

	enum := &failingEnumerator{fakeEnumerator{partitions: map[string][]byte{"a": nil}}}
	p := newDeferredPartition(poolEntry("a"), enum, scratch, 256)
	_, err = p.Stream()
	require.ErrorIs(t, err, ErrSourceUnavailable)
	require.Empty(t, scratchEntries(t, scratch))
}

func TestScratchSpaceCleanup(t *testing.T) {
	parent := t.TempDir()
	scratch, err := newScratchSpace(parent)
	require.NoError(t, err)
	dir := scratch.Dir()
	require.DirExists(t, dir)

	f, err := scratch.CreateFile("x-*")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, scratch.Remove(f.Name()))
	require.NoError(t, scratch.Remove(f.Name()))

	g, err := scratch.CreateFile("y-*")
	require.NoError(t, err)
	require.NoError(t, g.Close())

	require.NoError(t, scratch.Cleanup())
	require.NoDirExists(t, dir)
	require.Equal(t, "", scratch.Dir())
	require.NoError(t, scratch.Cleanup())

	_, err = scratch.CreateFile("z-*")
	require.ErrorIs(t, err, ErrIO)
}
