package main

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// guidToUUID converts the mixed-endian on-disk GUID layout to a UUID.
func guidToUUID(b [16]byte) uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:])
	return u
}

// uuidToGUID is the inverse of guidToUUID.
func uuidToGUID(u uuid.UUID) [16]byte {
	var b [16]byte
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	copy(b[8:], u[8:])
	return b
}

// decodeUTF16LE decodes a NUL-padded UTF-16LE name, stopping at the first NUL unit.
func decodeUTF16LE(b []byte) string {
	end := len(b) &^ 1
	for i := 0; i+1 < len(b); i += 2 {
		if binary.LittleEndian.Uint16(b[i:i+2]) == 0 {
			end = i
			break
		}
	}
	out, err := utf16le.NewDecoder().Bytes(b[:end])
	if err != nil {
		return ""
	}
	return string(out)
}

// encodeUTF16LE encodes s as UTF-16LE without a BOM or terminator.
func encodeUTF16LE(s string) []byte {
	out, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil
	}
	return out
}

// isAllZero checks if a byte slice is all zeros
func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// validateGPTHeaderCRC validates the CRC32 of a GPT header
func validateGPTHeaderCRC(headerBytes []byte, headerSize uint32) error {
	if len(headerBytes) < int(headerSize) {
		return fmt.Errorf("header too small for validation")
	}

	origCRC := binary.LittleEndian.Uint32(headerBytes[16:20])

	tmp := make([]byte, headerSize)
	copy(tmp, headerBytes[:headerSize])
	for i := 16; i < 20; i++ {
		tmp[i] = 0
	}

	calculatedCRC := crc32.ChecksumIEEE(tmp)
	if calculatedCRC != origCRC {
		return fmt.Errorf("GPT header CRC mismatch: calculated 0x%08X, expected 0x%08X", calculatedCRC, origCRC)
	}

	return nil
}

// validateGPTEntriesCRC validates the CRC32 of GPT partition entries
func validateGPTEntriesCRC(entries []byte, expectedCRC uint32) error {
	calculatedCRC := crc32.ChecksumIEEE(entries)
	if calculatedCRC != expectedCRC {
		return fmt.Errorf("GPT entries CRC mismatch: calculated 0x%08X, expected 0x%08X", calculatedCRC, expectedCRC)
	}
	return nil
}
