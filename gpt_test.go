package main

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testEntryCount = 128

// buildGPTImage returns a disk image with a protective MBR, a primary GPT
// header and an entry array at LBA 2 holding entries in table order.
func buildGPTImage(t testing.TB, sectorSize int, totalSectors int64, entries []PartitionEntry) []byte {
	t.Helper()

	img := make([]byte, int64(sectorSize)*totalSectors)

	// protective MBR
	img[446+4] = 0xEE
	binary.LittleEndian.PutUint32(img[446+8:], 1)
	binary.LittleEndian.PutUint32(img[446+12:], uint32(totalSectors-1))
	img[510], img[511] = 0x55, 0xAA

	table := make([]byte, testEntryCount*gptEntryLen)
	for i, e := range entries {
		raw, err := encodePartitionEntry(e)
		require.NoError(t, err)
		copy(table[i*gptEntryLen:], raw)
	}
	copy(img[2*sectorSize:], table)

	tableSectors := uint64(len(table) / sectorSize)
	h := gptHeader{
		Signature:           gptSignature,
		Revision:            [4]byte{0, 0, 1, 0},
		HeaderSize:          gptHeaderLen,
		CurrentLBA:          1,
		BackupLBA:           uint64(totalSectors - 1),
		FirstUsableLBA:      2 + tableSectors,
		LastUsableLBA:       uint64(totalSectors) - 2 - tableSectors,
		DiskGUID:            uuidToGUID(uuid.MustParse("9A1C2B3D-4E5F-4061-8273-94A5B6C7D8E9")),
		PartitionEntryLBA:   2,
		NumPartEntries:      testEntryCount,
		PartEntrySize:       gptEntryLen,
		PartEntryArrayCRC32: crc32.ChecksumIEEE(table),
	}
	copy(img[sectorSize:], encodeTestHeader(t, h))
	return img
}

// encodeTestHeader encodes h with a valid header CRC.
func encodeTestHeader(t testing.TB, h gptHeader) []byte {
	t.Helper()
	h.CRC32 = 0
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, h))
	h.CRC32 = crc32.ChecksumIEEE(buf.Bytes())

	buf.Reset()
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, h))
	return buf.Bytes()
}

func writeTemp(t testing.TB, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func testEntries() []PartitionEntry {
	return []PartitionEntry{
		{
			Index:    0,
			Type:     uuid.MustParse("C12A7328-F81F-11D2-BA4B-00A0C93EC93B"),
			ID:       uuid.MustParse("11111111-2222-4333-8444-555555555555"),
			FirstLBA: 40,
			LastLBA:  99,
			Name:     "EFI system partition",
		},
		{
			Index:      1,
			Type:       storagePoolType,
			ID:         uuid.MustParse("66666666-7777-4888-9999-AAAAAAAAAAAA"),
			FirstLBA:   100,
			LastLBA:    1999,
			Attributes: 1 << 63,
			Name:       "Storage pool",
		},
	}
}

func TestParseGPTHeader(t *testing.T) {
	for _, sectorSize := range []int{512, 4096} {
		img := buildGPTImage(t, sectorSize, 4096, testEntries())

		h, err := parseGPTHeader(img[:2*sectorSize], sectorSize)
		require.NoError(t, err)
		require.Equal(t, gptSignature, h.Signature)
		require.Equal(t, uint32(gptHeaderLen), h.HeaderSize)
		require.Equal(t, uint64(1), h.CurrentLBA)
		require.Equal(t, uint64(4095), h.BackupLBA)
		require.Equal(t, uint64(2), h.PartitionEntryLBA)
		require.Equal(t, uint32(testEntryCount), h.NumPartEntries)
		require.Equal(t, uint32(gptEntryLen), h.PartEntrySize)
		require.Equal(t, uint64(testEntryCount*gptEntryLen), h.tableLength())
		require.Equal(t, "9a1c2b3d-4e5f-4061-8273-94a5b6c7d8e9", guidToUUID(h.DiskGUID).String())
		require.NoError(t, validateGPTHeaderCRC(img[sectorSize:], h.HeaderSize))
	}
}

func TestParseGPTHeaderCorruptSignature(t *testing.T) {
	img := buildGPTImage(t, 512, 4096, testEntries())
	for i := 0; i < len(gptSignature); i++ {
		corrupt := append([]byte(nil), img[:1024]...)
		corrupt[512+i] ^= 0xFF
		_, err := parseGPTHeader(corrupt, 512)
		require.ErrorIs(t, err, ErrFormat, "byte %d", i)
	}
}

func TestParseGPTHeaderErrors(t *testing.T) {
	img := buildGPTImage(t, 512, 4096, testEntries())

	_, err := parseGPTHeader(img[:700], 512)
	require.ErrorIs(t, err, ErrFormat)

	// wrong sector size puts LBA 1 somewhere else
	_, err = parseGPTHeader(img[:8192], 4096)
	require.ErrorIs(t, err, ErrFormat)

	bad := append([]byte(nil), img[:1024]...)
	binary.LittleEndian.PutUint32(bad[512+84:], 64) // entry size
	_, err = parseGPTHeader(bad, 512)
	require.ErrorIs(t, err, ErrFormat)

	bad = append([]byte(nil), img[:1024]...)
	binary.LittleEndian.PutUint32(bad[512+80:], 1<<20) // entry count
	_, err = parseGPTHeader(bad, 512)
	require.ErrorIs(t, err, ErrFormat)
}

func TestPartitionTableRoundTrip(t *testing.T) {
	entries := testEntries()
	img := buildGPTImage(t, 512, 4096, entries)

	h, err := parseGPTHeader(img[:1024], 512)
	require.NoError(t, err)

	start := int(h.PartitionEntryLBA) * 512
	table := img[start : start+int(h.tableLength())]
	got, err := parsePartitionTable(table, h.PartEntrySize, h.NumPartEntries)
	require.NoError(t, err)
	require.Equal(t, entries, got)
	require.Equal(t, uint64(1900), got[1].Sectors())

	for _, e := range got {
		raw, err := encodePartitionEntry(e)
		require.NoError(t, err)
		again, err := parsePartitionTable(raw, gptEntryLen, 1)
		require.NoError(t, err)
		e.Index = 0
		require.Equal(t, []PartitionEntry{e}, again)
	}
}

func TestParsePartitionTableSkipsEmptyEntries(t *testing.T) {
	e := testEntries()[1]
	raw, err := encodePartitionEntry(e)
	require.NoError(t, err)

	// larger entries than 128 bytes carry reserved tails
	const entrySize = 256
	table := make([]byte, 3*entrySize)
	copy(table[2*entrySize:], raw)

	got, err := parsePartitionTable(table, entrySize, 3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 2, got[0].Index)
	require.Equal(t, "Storage pool", got[0].Name)
	require.Equal(t, storagePoolType, got[0].Type)
}

func TestParsePartitionTableErrors(t *testing.T) {
	_, err := parsePartitionTable(make([]byte, 100), gptEntryLen, 1)
	require.ErrorIs(t, err, ErrFormat)

	_, err = parsePartitionTable(make([]byte, 256), 64, 4)
	require.ErrorIs(t, err, ErrFormat)

	e := testEntries()[0]
	e.FirstLBA, e.LastLBA = 10, 9
	raw, err := encodePartitionEntry(e)
	require.NoError(t, err)
	_, err = parsePartitionTable(raw, gptEntryLen, 1)
	require.ErrorIs(t, err, ErrFormat)
}

func TestPartitionEntryByteRange(t *testing.T) {
	e := testEntries()[1]
	off, length, err := e.ByteRange(4096)
	require.NoError(t, err)
	require.Equal(t, int64(100*4096), off)
	require.Equal(t, int64(1900*4096), length)

	tests := []struct {
		name        string
		first, last uint64
		sectorSize  int
	}{
		{"offset wraps", 1<<55 + 1, 1<<55 + 10, 512},
		{"end wraps", 0, math.MaxUint64 / 512, 512},
		{"whole range", 0, math.MaxUint64, 512},
		{"reversed", 10, 9, 512},
		{"no sector size", 0, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testEntries()[1]
			e.FirstLBA, e.LastLBA = tt.first, tt.last
			_, _, err := e.ByteRange(tt.sectorSize)
			require.ErrorIs(t, err, ErrFormat)
		})
	}
}

func TestReadGPTRejectsOutOfRangeEntry(t *testing.T) {
	entries := testEntries()
	entries[1].FirstLBA, entries[1].LastLBA = 1<<55+1, 1<<55+10
	img := buildGPTImage(t, 512, 4096, entries)

	_, err := readGPT(bytes.NewReader(img), 512)
	require.ErrorIs(t, err, ErrFormat)
	_, err = readGPTAny(bytes.NewReader(img), 512, 4096)
	require.ErrorIs(t, err, ErrFormat)
}

func TestEncodePartitionEntryNameTooLong(t *testing.T) {
	e := testEntries()[0]
	e.Name = "a name that is far too long for the thirty-six unit field"
	_, err := encodePartitionEntry(e)
	require.ErrorIs(t, err, ErrFormat)
}

func TestDecodeUTF16LE(t *testing.T) {
	raw := make([]byte, 72)
	copy(raw, encodeUTF16LE("Speicherpool ü"))
	// garbage after the terminator is ignored
	copy(raw[40:], encodeUTF16LE("junk"))
	require.Equal(t, "Speicherpool ü", decodeUTF16LE(raw))
	require.Equal(t, "", decodeUTF16LE(make([]byte, 72)))
}

func TestGUIDConversion(t *testing.T) {
	onDisk := [16]byte{
		0x8F, 0xAF, 0x5C, 0xE7, 0x80, 0xF6, 0xEE, 0x4C,
		0xAF, 0xA3, 0xB0, 0x01, 0xE5, 0x6E, 0xFC, 0x2D,
	}
	require.Equal(t, storagePoolType, guidToUUID(onDisk))
	require.Equal(t, onDisk, uuidToGUID(storagePoolType))
}

func TestReadGPTAny(t *testing.T) {
	for _, sectorSize := range []int{512, 4096} {
		img := buildGPTImage(t, sectorSize, 4096, testEntries())
		r := bytes.NewReader(img)

		table, err := readGPTAny(r, 0, 4096, 512)
		require.NoError(t, err)
		require.Equal(t, sectorSize, table.SectorSize)
		require.Equal(t, testEntries(), table.Entries)
		require.Empty(t, table.CRCWarnings)
		require.True(t, hasProtectiveMBR(r))
	}
}

func TestReadGPTChecksumWarnings(t *testing.T) {
	img := buildGPTImage(t, 512, 4096, testEntries())
	img[2*512+5*gptEntryLen+100] ^= 0x01 // name field of an unused entry

	table, err := readGPT(bytes.NewReader(img), 512)
	require.NoError(t, err)
	require.Len(t, table.CRCWarnings, 1)
}

func TestReadGPTAnyNoTable(t *testing.T) {
	_, err := readGPTAny(bytes.NewReader(make([]byte, 64*1024)), 512, 4096)
	require.ErrorIs(t, err, ErrFormat)
	require.False(t, hasProtectiveMBR(bytes.NewReader(make([]byte, 512))))

	_, err = readGPTAny(bytes.NewReader(nil))
	require.ErrorIs(t, err, ErrFormat)
}
