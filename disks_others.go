//go:build !linux

package main

import (
	"fmt"
	"io"
	"runtime"
)

type unavailableEnumerator struct{}

func newPartitionEnumerator() partitionEnumerator {
	return unavailableEnumerator{}
}

func (unavailableEnumerator) ListPartitions() ([]PhysicalPartition, error) {
	return nil, fmt.Errorf("%w: partition enumeration is not supported on %s", ErrSourceUnavailable, runtime.GOOS)
}

func (unavailableEnumerator) OpenPartition(p PhysicalPartition) (io.ReadCloser, error) {
	return nil, fmt.Errorf("%w: partition enumeration is not supported on %s", ErrSourceUnavailable, runtime.GOOS)
}
