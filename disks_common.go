package main

import (
	"fmt"
	"io"
)

// listDevices prints the partitions known to the enumerator.
// Platform-specific enumerators live in disks_linux.go and disks_others.go.
func listDevices(w io.Writer, enum partitionEnumerator) error {
	parts, err := enum.ListPartitions()
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		_, _ = fmt.Fprintln(w, "No partitions found")
		return nil
	}

	for _, p := range parts {
		name := p.Name
		if name == "" {
			name = "(unnamed)"
		}
		disk := p.Disk
		if disk == "" {
			disk = "?"
		}
		_, _ = fmt.Fprintf(w, "%s - Disk: %s, Partition: %d, Name: %s, Total: %s\n",
			p.Device, disk, p.Number, name, formatBytes(p.SizeHint))
	}
	return nil
}
