package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	mbrSignature      = 0xAA55
	mbrTypeProtective = 0xEE
)

// mbrLayout classifies sector 0 of a disk.
type mbrLayout string

const (
	mbrNone       mbrLayout = "none"
	mbrProtective mbrLayout = "protective"
	mbrHybrid     mbrLayout = "hybrid"
	mbrLegacy     mbrLayout = "legacy"
)

// isExtendedType checks if a partition type is an extended partition type
func isExtendedType(t byte) bool {
	switch t {
	case 0x05, 0x0F, 0x85:
		return true
	default:
		return false
	}
}

func (p mbrPartition) empty() bool {
	return p.Type == 0 || p.Sectors == 0
}

// readMBR decodes the boot record in sector 0.
func readMBR(r io.ReaderAt) (*mbrStruct, error) {
	buf := make([]byte, 512)
	if n, err := r.ReadAt(buf, 0); n < len(buf) {
		return nil, fmt.Errorf("%w: reading sector 0: %v", ErrFormat, err)
	}
	mbr := &mbrStruct{}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, mbr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if mbr.Signature != mbrSignature {
		return nil, fmt.Errorf("%w: no boot record signature", ErrFormat)
	}
	return mbr, nil
}

// classifyMBR tells a protective MBR apart from hybrid and legacy ones.
func classifyMBR(r io.ReaderAt) mbrLayout {
	mbr, err := readMBR(r)
	if err != nil {
		return mbrNone
	}

	protective, others := false, 0
	for _, p := range mbr.Partitions {
		switch {
		case p.Type == mbrTypeProtective:
			protective = true
		case !p.empty():
			others++
		}
	}
	switch {
	case protective && others == 0:
		return mbrProtective
	case protective:
		return mbrHybrid
	case others > 0:
		return mbrLegacy
	}
	return mbrNone
}

// hasProtectiveMBR reports whether sector 0 carries a GPT protective entry,
// alone or as part of a hybrid MBR.
func hasProtectiveMBR(r io.ReaderAt) bool {
	layout := classifyMBR(r)
	return layout == mbrProtective || layout == mbrHybrid
}

// legacyPartitions lists the non-protective MBR entries of sector 0 and
// walks extended partitions for their logical ones. Legacy entries on a
// GPT disk are reported, never extracted.
func legacyPartitions(r io.ReaderAt, sizeBytes int64, sectorSize int) ([]mbrPartition, error) {
	mbr, err := readMBR(r)
	if err != nil {
		return nil, err
	}

	var out []mbrPartition
	for _, p := range mbr.Partitions {
		if p.empty() || p.Type == mbrTypeProtective {
			continue
		}
		out = append(out, p)
		if isExtendedType(p.Type) {
			logical, err := readEBRChain(r, sizeBytes, sectorSize, p.FirstSector)
			if err != nil {
				return out, err
			}
			out = append(out, logical...)
		}
	}
	return out, nil
}

// readEBRChain follows the extended boot record chain starting at baseLBA.
func readEBRChain(r io.ReaderAt, sizeBytes int64, sectorSize int, baseLBA uint32) ([]mbrPartition, error) {
	const maxHops = 128

	var logical []mbrPartition
	next := uint64(baseLBA)
	buf := make([]byte, sectorSize)
	for hops := 0; hops < maxHops; hops++ {
		if _, err := r.ReadAt(buf, int64(next)*int64(sectorSize)); err != nil {
			return logical, fmt.Errorf("%w: reading EBR at LBA %d: %v", ErrFormat, next, err)
		}
		if buf[510] != 0x55 || buf[511] != 0xAA {
			return logical, fmt.Errorf("%w: EBR signature missing at LBA %d", ErrFormat, next)
		}

		var entries [2]mbrPartition
		if err := binary.Read(bytes.NewReader(buf[446:478]), binary.LittleEndian, &entries); err != nil {
			return logical, fmt.Errorf("%w: %v", ErrFormat, err)
		}

		if e := entries[0]; !e.empty() {
			start := next + uint64(e.FirstSector)
			end := start + uint64(e.Sectors)
			if sizeBytes <= 0 || end <= uint64(sizeBytes)/uint64(sectorSize) {
				e.FirstSector = uint32(start)
				logical = append(logical, e)
			}
		}

		link := entries[1]
		if link.empty() || !isExtendedType(link.Type) {
			break
		}
		next = uint64(baseLBA) + uint64(link.FirstSector)
	}
	return logical, nil
}
