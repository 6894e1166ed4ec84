package main

import (
	"bytes"
	"io"
)

const (
	defaultSectorSize = 4096
	legacySectorSize  = 512

	// probeMinLength is the stream length above which both marker
	// locations are looked at.
	probeMinLength = 8192
)

// detectSectorSize guesses the sector size a GPT was written with on rs.
// Declared geometry of containers is not trusted. Read failures fall back to
// the length rule, and the stream is always left at offset 0.
func detectSectorSize(rs io.ReadSeeker, length int64) int {
	defer func() {
		_, _ = rs.Seek(0, io.SeekStart)
	}()

	if length > probeMinLength {
		if hasSignatureAt(rs, legacySectorSize) {
			return legacySectorSize
		}
		if hasSignatureAt(rs, defaultSectorSize) {
			return defaultSectorSize
		}
	}

	if length%legacySectorSize == 0 && length%defaultSectorSize != 0 {
		return legacySectorSize
	}
	return defaultSectorSize
}

// hasSignatureAt reports whether the GPT signature is stored at offset.
func hasSignatureAt(rs io.ReadSeeker, offset int64) bool {
	if _, err := rs.Seek(offset, io.SeekStart); err != nil {
		return false
	}
	buf := make([]byte, len(gptSignature))
	if _, err := io.ReadFull(rs, buf); err != nil {
		return false
	}
	return bytes.Equal(buf, gptSignature[:])
}
