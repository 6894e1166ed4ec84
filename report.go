package main

import (
	"encoding/json"
	"time"
)

// DumpReport summarizes one run.
type DumpReport struct {
	// Disks is the number of inputs whose partition table was read
	Disks int64 `json:"disks"`

	// DisksFailed is the number of inputs that could not be read
	DisksFailed int64 `json:"disks_failed"`

	// PoolPartitions is the number of storage pool partitions found
	PoolPartitions int64 `json:"pool_partitions"`

	// PoolsFailed is the number of pool partitions that could not be opened
	// or listed
	PoolsFailed int64 `json:"pools_failed"`

	// MembersDumped is the number of containers written
	MembersDumped int64 `json:"members_dumped"`

	// MembersFailed is the number of members that could not be written
	MembersFailed int64 `json:"members_failed"`

	// MembersSkipped is the number of members left out by the member policy
	MembersSkipped int64 `json:"members_skipped"`

	// BytesWritten is the sum of all member lengths copied
	BytesWritten int64 `json:"bytes_written"`

	// Duration is the wall time of the run
	Duration time.Duration `json:"duration"`

	// LastError is the last error seen during the run
	LastError error `json:"last_error"`
}

// String returns a string representation of [DumpReport].
func (r DumpReport) String() string {
	b, _ := json.Marshal(r)
	return string(b)
}

// MarshalJSON implements the [encoding/json.Marshaler] interface.
func (r DumpReport) MarshalJSON() ([]byte, error) {
	var lastError string
	if r.LastError != nil {
		lastError = r.LastError.Error()
	}

	type Alias DumpReport
	return json.Marshal(&struct {
		LastError string `json:"last_error"`
		*Alias
	}{
		LastError: lastError,
		Alias:     (*Alias)(&r),
	})
}

// Failed reports whether anything went wrong during the run.
func (r *DumpReport) Failed() bool {
	return r.DisksFailed > 0 || r.PoolsFailed > 0 || r.MembersFailed > 0
}

// ReportHook consumes the [DumpReport] of a finished run.
type ReportHook func(*DumpReport)
