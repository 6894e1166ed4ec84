package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/bits"

	"github.com/google/uuid"
)

// gptSignature marks a GPT header.
var gptSignature = [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'}

// storagePoolType is the partition type of a Storage Spaces pool member.
var storagePoolType = uuid.MustParse("E75CAF8F-F680-4CEE-AFA3-B001E56EFC2D")

var partitionTypeNames = map[uuid.UUID]string{
	uuid.MustParse("C12A7328-F81F-11D2-BA4B-00A0C93EC93B"): "EFI System",
	uuid.MustParse("E3C9E316-0B5C-4DB8-817D-F92DF00215AE"): "Microsoft Reserved",
	uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"): "Windows Basic Data",
	uuid.MustParse("DE94BBA4-06D1-4D40-A16A-BFD50179D6AC"): "Windows Recovery",
	uuid.MustParse("0FC63DAF-8483-4772-8E79-3D69D8477DE4"): "Linux Filesystem",
	uuid.MustParse("0657FD6D-A4AB-43C4-84E5-0933C84B4F4F"): "Linux Swap",
	storagePoolType: "Storage Spaces",
}

// partitionTypeName returns a readable name for a partition type GUID.
func partitionTypeName(t uuid.UUID) string {
	if name, ok := partitionTypeNames[t]; ok {
		return name
	}
	return t.String()
}

// PartitionEntry is a decoded, non-empty GPT partition entry.
type PartitionEntry struct {
	Index      int // position in the entry array, starting at 0
	Type       uuid.UUID
	ID         uuid.UUID
	FirstLBA   uint64
	LastLBA    uint64 // inclusive
	Attributes uint64
	Name       string
}

// Sectors returns the number of sectors covered by the entry.
func (e PartitionEntry) Sectors() uint64 {
	return e.LastLBA - e.FirstLBA + 1
}

// ByteRange returns the entry's offset and length for the given sector size.
// Extents that do not fit in an int64 are rejected with ErrFormat.
func (e PartitionEntry) ByteRange(sectorSize int) (offset, length int64, err error) {
	if sectorSize <= 0 || e.FirstLBA > e.LastLBA || e.LastLBA == math.MaxUint64 {
		return 0, 0, fmt.Errorf("%w: partition entry %d has invalid extent %d-%d",
			ErrFormat, e.Index, e.FirstLBA, e.LastLBA)
	}
	hi, end := bits.Mul64(e.LastLBA+1, uint64(sectorSize))
	if hi != 0 || end > math.MaxInt64 {
		return 0, 0, fmt.Errorf("%w: partition entry %d ends beyond addressable range (LBA %d, sector size %d)",
			ErrFormat, e.Index, e.LastLBA, sectorSize)
	}
	start := e.FirstLBA * uint64(sectorSize)
	return int64(start), int64(end - start), nil
}

// tableLength is the byte length of the partition entry array.
func (h *gptHeader) tableLength() uint64 {
	return uint64(h.PartEntrySize) * uint64(h.NumPartEntries)
}

// parseGPTHeader decodes the header found at the start of the second sector.
// sectors must hold at least the first two sectors of the disk.
func parseGPTHeader(sectors []byte, sectorSize int) (*gptHeader, error) {
	if sectorSize < gptHeaderLen {
		return nil, fmt.Errorf("%w: sector size %d too small for a GPT header", ErrFormat, sectorSize)
	}
	if len(sectors) < 2*sectorSize {
		return nil, fmt.Errorf("%w: need %d bytes for GPT header, have %d", ErrFormat, 2*sectorSize, len(sectors))
	}

	raw := sectors[sectorSize : 2*sectorSize]
	header := gptHeader{}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: error parsing GPT header: %v", ErrFormat, err)
	}

	if header.Signature != gptSignature {
		return nil, fmt.Errorf("%w: no GPT signature at LBA 1 (sector size %d)", ErrFormat, sectorSize)
	}
	if header.HeaderSize < gptHeaderLen || int(header.HeaderSize) > sectorSize {
		return nil, fmt.Errorf("%w: invalid GPT header size: %d", ErrFormat, header.HeaderSize)
	}
	if header.PartEntrySize < gptEntryLen {
		return nil, fmt.Errorf("%w: invalid GPT entry size: %d", ErrFormat, header.PartEntrySize)
	}
	if header.tableLength() > maxPartitionTableBytes {
		return nil, fmt.Errorf("%w: GPT entry array of %d bytes is too large", ErrFormat, header.tableLength())
	}

	return &header, nil
}

// parsePartitionTable decodes the entry array in table order, skipping
// entries whose type GUID is all zero.
func parsePartitionTable(table []byte, entrySize, entryCount uint32) ([]PartitionEntry, error) {
	if entrySize < gptEntryLen {
		return nil, fmt.Errorf("%w: invalid GPT entry size: %d", ErrFormat, entrySize)
	}
	need := uint64(entrySize) * uint64(entryCount)
	if uint64(len(table)) < need {
		return nil, fmt.Errorf("%w: GPT entry array truncated: need %d bytes, have %d", ErrFormat, need, len(table))
	}

	entries := make([]PartitionEntry, 0, entryCount)
	for i := uint32(0); i < entryCount; i++ {
		off := uint64(i) * uint64(entrySize)
		partition := gptPartition{}
		err := binary.Read(bytes.NewReader(table[off:off+gptEntryLen]), binary.LittleEndian, &partition)
		if err != nil {
			return nil, fmt.Errorf("%w: error reading partition entry %d: %v", ErrFormat, i, err)
		}
		if isAllZero(partition.TypeGUID[:]) {
			continue
		}
		if partition.FirstLBA > partition.LastLBA {
			return nil, fmt.Errorf("%w: partition entry %d ends (%d) before it starts (%d)",
				ErrFormat, i, partition.LastLBA, partition.FirstLBA)
		}

		entries = append(entries, PartitionEntry{
			Index:      int(i),
			Type:       guidToUUID(partition.TypeGUID),
			ID:         guidToUUID(partition.UniqueGUID),
			FirstLBA:   partition.FirstLBA,
			LastLBA:    partition.LastLBA,
			Attributes: partition.AttributeFlags,
			Name:       decodeUTF16LE(partition.PartitionName[:]),
		})
	}
	return entries, nil
}

// encodePartitionEntry writes e into the fixed 128 byte entry layout.
func encodePartitionEntry(e PartitionEntry) ([]byte, error) {
	partition := gptPartition{
		TypeGUID:       uuidToGUID(e.Type),
		UniqueGUID:     uuidToGUID(e.ID),
		FirstLBA:       e.FirstLBA,
		LastLBA:        e.LastLBA,
		AttributeFlags: e.Attributes,
	}
	name := encodeUTF16LE(e.Name)
	if len(name) > len(partition.PartitionName) {
		return nil, fmt.Errorf("%w: partition name %q longer than 36 UTF-16 units", ErrFormat, e.Name)
	}
	copy(partition.PartitionName[:], name)

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, partition); err != nil {
		return nil, fmt.Errorf("error encoding partition: %w", err)
	}
	return buf.Bytes(), nil
}

// gptTable is a parsed GPT together with the sector size it was read with.
type gptTable struct {
	Header     *gptHeader
	SectorSize int
	Entries    []PartitionEntry

	// CRCWarnings lists checksum mismatches; they are reported, not fatal.
	CRCWarnings []error
}

// readGPT reads and parses the GPT of r assuming sectorSize.
func readGPT(r io.ReaderAt, sectorSize int) (*gptTable, error) {
	sectors := make([]byte, 2*sectorSize)
	n, err := r.ReadAt(sectors, 0)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: error reading GPT header: %v", ErrIO, err)
	}

	header, err := parseGPTHeader(sectors[:n], sectorSize)
	if err != nil {
		return nil, err
	}

	hi, tableOff := bits.Mul64(header.PartitionEntryLBA, uint64(sectorSize))
	if hi != 0 || tableOff > math.MaxInt64 {
		return nil, fmt.Errorf("%w: GPT entry array LBA %d out of range", ErrFormat, header.PartitionEntryLBA)
	}
	table := make([]byte, header.tableLength())
	n, err = r.ReadAt(table, int64(tableOff))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: error reading GPT entries: %v", ErrIO, err)
	}

	entries, err := parsePartitionTable(table[:n], header.PartEntrySize, header.NumPartEntries)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if _, _, err := e.ByteRange(sectorSize); err != nil {
			return nil, err
		}
	}

	res := &gptTable{Header: header, SectorSize: sectorSize, Entries: entries}
	if err := validateGPTHeaderCRC(sectors[sectorSize:], header.HeaderSize); err != nil {
		res.CRCWarnings = append(res.CRCWarnings, err)
	}
	if err := validateGPTEntriesCRC(table, header.PartEntryArrayCRC32); err != nil {
		res.CRCWarnings = append(res.CRCWarnings, err)
	}
	return res, nil
}

// readGPTAny tries each candidate sector size in order and returns the
// first table that parses.
func readGPTAny(r io.ReaderAt, candidates ...int) (*gptTable, error) {
	var lastErr error
	tried := map[int]bool{}
	for _, sectorSize := range candidates {
		if sectorSize <= 0 || tried[sectorSize] {
			continue
		}
		tried[sectorSize] = true

		table, err := readGPT(r, sectorSize)
		if err == nil {
			return table, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no sector size to try", ErrFormat)
	}
	return nil, lastErr
}
