//go:build linux

package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockDeviceDiskReadsPartitionsThroughEnumerator(t *testing.T) {
	withPoolDecoders(t, poolDecoder{name: "test", open: openTestPool})

	img, member := poolImage(t)
	// the kernel's view of the pool partition
	live := append([]byte(nil), member...)
	enum := &fakeEnumerator{partitions: map[string][]byte{"Storage pool": live}, disk: "pool-disk.raw"}

	f, err := os.Open(writeTemp(t, "pool-disk.raw", img))
	require.NoError(t, err)
	require.Equal(t, 0, getSectorSize(f))
	require.NoError(t, f.Close())

	scratch, err := newScratchSpace(t.TempDir())
	require.NoError(t, err)
	defer scratch.Cleanup()

	disk, err := openBlockDevice(f.Name(), enum, scratch, 64*kb, defaultLogger)
	require.NoError(t, err)

	parts, err := disk.Partitions()
	require.NoError(t, err)
	require.Len(t, parts, 2)
	// nothing is copied before a partition is used
	require.Equal(t, 0, enum.opens)

	out := t.TempDir()
	d, err := newSpaceDumper(out, NewConfig())
	require.NoError(t, err)
	report := d.Run([]Disk{disk})
	require.False(t, report.Failed(), report.String())
	require.Equal(t, int64(1), report.MembersDumped)
	require.Equal(t, 1, enum.opens)
	require.Len(t, scratchEntries(t, scratch), 1)

	require.NoError(t, disk.Close())
	require.Empty(t, scratchEntries(t, scratch))

	r, err := openVHDX(filepath.Join(out, "Member 1.vhdx"))
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(io.NewSectionReader(r, 0, r.Size()))
	require.NoError(t, err)
	require.Equal(t, member, got)
}

func TestBlockDeviceDiskIgnoresOtherDisks(t *testing.T) {
	withPoolDecoders(t, poolDecoder{name: "test", open: openTestPool})

	img, member := poolImage(t)
	enum := &fakeEnumerator{partitions: map[string][]byte{"Storage pool": member}, disk: "sdz"}
	scratch, err := newScratchSpace(t.TempDir())
	require.NoError(t, err)
	defer scratch.Cleanup()

	disk, err := openBlockDevice(writeTemp(t, "pool-disk.raw", img), enum, scratch, 64*kb, defaultLogger)
	require.NoError(t, err)
	defer disk.Close()

	d, err := newSpaceDumper(t.TempDir(), NewConfig())
	require.NoError(t, err)
	report := d.Run([]Disk{disk})
	require.Equal(t, int64(1), report.PoolsFailed)
	require.ErrorIs(t, report.LastError, ErrNotFound)
	require.Equal(t, 0, enum.opens)
}

func TestOpenBlockDeviceNeedsScratch(t *testing.T) {
	path := writeTemp(t, "pool-disk.raw", make([]byte, 4096))
	_, err := openBlockDevice(path, &fakeEnumerator{}, nil, 0, defaultLogger)
	require.ErrorIs(t, err, ErrSourceUnavailable)
}
