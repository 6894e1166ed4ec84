//go:build linux

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// getSectorSize returns the logical sector size the kernel reports for a
// block device, or 0 when it cannot be determined.
func getSectorSize(file *os.File) int {
	sectorSize, err := unix.IoctlGetInt(int(file.Fd()), unix.BLKSSZGET)
	if err == nil && sectorSize > 0 {
		return sectorSize
	}

	// If ioctl fails, fallback to reading from sysfs
	devName := filepath.Base(file.Name())
	data, err := os.ReadFile("/sys/class/block/" + devName + "/queue/logical_block_size")
	if err == nil {
		sz, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if convErr == nil && sz > 0 {
			return sz
		}
	}
	return 0
}

// blockDeviceDisk is a live disk. Its GPT is read from the device while the
// partition bytes come from the kernel's partition devices, copied to
// scratch space on first use.
type blockDeviceDisk struct {
	path       string
	kernelName string
	f          *os.File
	size       int64
	sectorSize int

	enum    partitionEnumerator
	scratch *scratchSpace
	bufSize int
	log     logger

	parts []*deferredPartition
}

func openBlockDevice(path string, enum partitionEnumerator, scratch *scratchSpace, bufSize int, log logger) (Disk, error) {
	if enum == nil || scratch == nil {
		return nil, fmt.Errorf("%w: block device %s needs a partition enumerator and scratch space", ErrSourceUnavailable, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: error sizing %s: %v", ErrIO, path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	kernelName := filepath.Base(path)
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		kernelName = filepath.Base(resolved)
	}

	return &blockDeviceDisk{
		path:       path,
		kernelName: kernelName,
		f:          f,
		size:       size,
		sectorSize: getSectorSize(f),
		enum:       enum,
		scratch:    scratch,
		bufSize:    bufSize,
		log:        log,
	}, nil
}

func (d *blockDeviceDisk) Name() string { return d.path }

func (d *blockDeviceDisk) Partitions() ([]Partition, error) {
	probed := detectSectorSize(d.f, d.size)
	table, err := readGPTAny(d.f, d.sectorSize, probed, legacySectorSize, defaultSectorSize)
	if err != nil {
		return nil, err
	}
	for _, w := range table.CRCWarnings {
		d.log.Warn("GPT checksum mismatch", "disk", d.path, "error", w)
	}

	parts := make([]Partition, 0, len(table.Entries))
	for _, e := range table.Entries {
		p := newDeferredPartition(e, d.enum, d.scratch, d.bufSize)
		p.disk = d.kernelName
		d.parts = append(d.parts, p)
		parts = append(parts, p)
	}
	return parts, nil
}

func (d *blockDeviceDisk) Close() error {
	var errs []error
	for _, p := range d.parts {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.parts = nil
	if err := d.f.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
