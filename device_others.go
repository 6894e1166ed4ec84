//go:build !linux

package main

import (
	"fmt"
	"os"
	"runtime"
)

func getSectorSize(file *os.File) int {
	return 0
}

func openBlockDevice(path string, enum partitionEnumerator, scratch *scratchSpace, bufSize int, log logger) (Disk, error) {
	return nil, fmt.Errorf("%w: block devices are not supported on %s", ErrSourceUnavailable, runtime.GOOS)
}
