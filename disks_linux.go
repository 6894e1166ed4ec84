//go:build linux

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// sysfsEnumerator lists kernel partitions from /sys/class/block and opens
// them through /dev.
type sysfsEnumerator struct {
	sysRoot string
	devRoot string
}

func newPartitionEnumerator() partitionEnumerator {
	return &sysfsEnumerator{sysRoot: "/sys/class/block", devRoot: "/dev"}
}

func (e *sysfsEnumerator) ListPartitions() ([]PhysicalPartition, error) {
	blockDevices, err := os.ReadDir(e.sysRoot)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", e.sysRoot, err)
	}

	excludePrefixes := []string{"loop", "zram", "ram"}

	var parts []PhysicalPartition
	for _, bd := range blockDevices {
		devName := bd.Name()

		shouldContinue := false
		for _, prefix := range excludePrefixes {
			if strings.HasPrefix(devName, prefix) {
				shouldContinue = true
				break
			}
		}
		if shouldContinue {
			continue
		}

		// Whole disks have no "partition" attribute.
		if _, err := os.Stat(filepath.Join(e.sysRoot, devName, "partition")); err != nil {
			continue
		}

		uevent, err := readUevent(filepath.Join(e.sysRoot, devName, "uevent"))
		if err != nil {
			continue
		}
		if dev, ok := uevent["DEVNAME"]; ok {
			devName = dev
		}

		parts = append(parts, PhysicalPartition{
			Name:     uevent["PARTNAME"],
			Device:   filepath.Join(e.devRoot, devName),
			Disk:     e.parentDisk(bd.Name()),
			Number:   readSysfsInt(filepath.Join(e.sysRoot, bd.Name(), "partition")),
			SizeHint: readSysfsSize(filepath.Join(e.sysRoot, bd.Name(), "size")),
		})
	}
	return parts, nil
}

// parentDisk returns the kernel name of the disk holding a partition. Class
// entries are links into the device tree, where partitions sit inside their
// disk's directory.
func (e *sysfsEnumerator) parentDisk(name string) string {
	resolved, err := filepath.EvalSymlinks(filepath.Join(e.sysRoot, name))
	if err != nil {
		return ""
	}
	parent := filepath.Base(filepath.Dir(resolved))
	if _, err := os.Stat(filepath.Join(e.sysRoot, parent)); err != nil {
		return ""
	}
	return parent
}

func (e *sysfsEnumerator) OpenPartition(p PhysicalPartition) (io.ReadCloser, error) {
	f, err := os.Open(p.Device)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// readUevent parses KEY=VALUE lines of a sysfs uevent file.
func readUevent(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	values := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		values[key] = value
	}
	return values, scanner.Err()
}

func readSysfsInt(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return n
}

// readSysfsSize returns a sysfs size attribute in bytes. sysfs always counts
// 512 byte units regardless of the logical block size.
func readSysfsSize(path string) int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	sectors, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return sectors * 512
}
