package main

import (
	"bytes"
	"encoding/binary"
	"io"
)

type fileSystemStruct struct {
	Name      string
	Signature []byte
	Offset    int64
}

// filesystemList holds signatures checked in order against the start of a
// partition. Entries with weak signatures come last.
var filesystemList = []fileSystemStruct{
	{Name: "NTFS", Signature: []byte("NTFS    "), Offset: 3},
	{Name: "ReFS", Signature: []byte{0x00, 0x00, 0x00, 'R', 'e', 'F', 'S'}, Offset: 0},
	{Name: "exFAT", Signature: []byte("EXFAT   "), Offset: 3},
	{Name: "FAT32", Signature: []byte("FAT32   "), Offset: 0x52},
	{Name: "FAT12/16", Signature: []byte("FAT1"), Offset: 0x36},
	{Name: "APFS", Signature: []byte("NXSB"), Offset: 32},
	{Name: "Btrfs", Signature: []byte("_BHRfS_M"), Offset: 0x10040},
	{Name: "XFS", Signature: []byte("XFSB"), Offset: 0},
	{Name: "HFS+", Signature: []byte{'H', '+', 0x00, 0x04}, Offset: 0x400},
	{Name: "ISO9660", Signature: []byte("CD001"), Offset: 0x8001},
	{Name: "LVM", Signature: []byte("LABELONE"), Offset: 0x200},
	{Name: "Swap (Linux)", Signature: []byte("SWAPSPACE2"), Offset: 0xff6},
	{Name: "SquashFS", Signature: []byte("hsqs"), Offset: 0},
	{Name: "BitLocker", Signature: []byte("-FVE-FS-"), Offset: 3},
}

// fsProbeLength covers the furthest signature offset above.
const fsProbeLength = 0x10040 + 8

// detectFilesystem names the filesystem at the start of r, or "Unknown".
func detectFilesystem(r io.ReaderAt) string {
	buf := make([]byte, fsProbeLength)
	n, err := r.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return "Unknown"
	}
	buf = buf[:n]

	for _, fs := range filesystemList {
		end := fs.Offset + int64(len(fs.Signature))
		if end <= int64(len(buf)) && bytes.Equal(buf[fs.Offset:end], fs.Signature) {
			return fs.Name
		}
	}
	if name := detectExtFilesystem(buf); name != "" {
		return name
	}
	return "Unknown"
}

// detectExtFilesystem tells ext2, ext3 and ext4 apart by superblock features.
func detectExtFilesystem(buf []byte) string {
	const superblock = 0x400
	if len(buf) < superblock+0x68 {
		return ""
	}
	sb := buf[superblock:]
	if binary.LittleEndian.Uint16(sb[0x38:0x3a]) != 0xEF53 {
		return ""
	}

	compat := binary.LittleEndian.Uint32(sb[0x5c:0x60])
	incompat := binary.LittleEndian.Uint32(sb[0x60:0x64])
	switch {
	case incompat&0x40 != 0: // extents
		return "ext4"
	case compat&0x4 != 0: // journal
		return "ext3"
	}
	return "ext2"
}
