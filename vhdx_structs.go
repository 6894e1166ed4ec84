package main

import "github.com/google/uuid"

// Fixed VHDX layout offsets.
const (
	vhdxFileIdentifierOffset = 0
	vhdxHeader1Offset        = 64 * kb
	vhdxHeader2Offset        = 128 * kb
	vhdxRegionTable1Offset   = 192 * kb
	vhdxRegionTable2Offset   = 256 * kb

	vhdxLogOffset      = 1 * mb
	vhdxLogLength      = 1 * mb
	vhdxMetadataOffset = 2 * mb
	vhdxMetadataLength = 1 * mb
	vhdxBATOffset      = 3 * mb

	vhdxHeaderSize        = 4 * kb
	vhdxRegionTableSize   = 64 * kb
	vhdxMetadataTableSize = 64 * kb

	vhdxDefaultBlockSize = 32 * mb
	vhdxMinBlockSize     = 1 * mb
	vhdxMaxBlockSize     = 256 * mb

	// Physical sector size written into new containers.
	vhdxPhysicalSectorSize = 4096
)

// BAT entry states.
const (
	vhdxBlockNotPresent       = 0
	vhdxBlockUndefined        = 1
	vhdxBlockZero             = 2
	vhdxBlockUnmapped         = 3
	vhdxBlockFullyPresent     = 6
	vhdxBlockPartiallyPresent = 7

	vhdxBATStateMask = 0x7
)

// Metadata entry flags.
const (
	vhdxMetaIsUser        = 1 << 0
	vhdxMetaIsVirtualDisk = 1 << 1
	vhdxMetaIsRequired    = 1 << 2
)

// File parameter flags.
const (
	vhdxLeaveBlocksAllocated = 1 << 0
	vhdxHasParent            = 1 << 1
)

var (
	vhdxFileSignature     = [8]byte{'v', 'h', 'd', 'x', 'f', 'i', 'l', 'e'}
	vhdxHeaderSignature   = [4]byte{'h', 'e', 'a', 'd'}
	vhdxRegionSignature   = [4]byte{'r', 'e', 'g', 'i'}
	vhdxMetadataSignature = [8]byte{'m', 'e', 't', 'a', 'd', 'a', 't', 'a'}

	vhdxRegionBAT      = uuid.MustParse("2DC27766-F623-4200-9D64-115E9BFD4A08")
	vhdxRegionMetadata = uuid.MustParse("8B7CA206-4790-4B9A-B8FE-575F050F886E")

	vhdxItemFileParameters     = uuid.MustParse("CAA16737-FA36-4D43-B3B6-33F0AA44E76B")
	vhdxItemVirtualDiskSize    = uuid.MustParse("2FA54224-CD1B-4876-B211-5DBED83BF4B8")
	vhdxItemVirtualDiskID      = uuid.MustParse("BECA12AB-B2E6-4523-93EF-C309E000C746")
	vhdxItemLogicalSectorSize  = uuid.MustParse("8141BF1D-A96F-4709-BA47-F233A8FAAB5F")
	vhdxItemPhysicalSectorSize = uuid.MustParse("CDA348C7-445D-4471-9CC9-E9885251C556")
)

type vhdxFileIdentifier struct {
	Signature [8]byte
	Creator   [512]byte
}

// vhdxHeader fills exactly one 4 KiB header slot.
type vhdxHeader struct {
	Signature      [4]byte
	Checksum       uint32
	SequenceNumber uint64
	FileWriteGUID  [16]byte
	DataWriteGUID  [16]byte
	LogGUID        [16]byte
	LogVersion     uint16
	Version        uint16
	LogLength      uint32
	LogOffset      uint64
	Reserved       [4016]byte
}

type vhdxRegionTableHeader struct {
	Signature  [4]byte
	Checksum   uint32
	EntryCount uint32
	Reserved   uint32
}

type vhdxRegionEntry struct {
	GUID       [16]byte
	FileOffset uint64
	Length     uint32
	Required   uint32
}

type vhdxMetadataTableHeader struct {
	Signature  [8]byte
	Reserved   uint16
	EntryCount uint16
	Reserved2  [20]byte
}

type vhdxMetadataEntry struct {
	ItemID   [16]byte
	Offset   uint32
	Length   uint32
	Flags    uint32
	Reserved uint32
}

type vhdxFileParameters struct {
	BlockSize uint32
	Flags     uint32
}
