package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"

	"github.com/google/uuid"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// vhdxGeometry describes the block layout of a dynamic VHDX.
type vhdxGeometry struct {
	size           int64
	blockSize      int64
	logicalSector  int
	physicalSector int
}

// chunkRatio is the number of payload blocks covered by one sector bitmap block.
func (g vhdxGeometry) chunkRatio() int64 {
	return (int64(1) << 23) * int64(g.logicalSector) / g.blockSize
}

func (g vhdxGeometry) dataBlocks() int64 {
	return (g.size + g.blockSize - 1) / g.blockSize
}

// batEntries counts payload entries plus the interleaved sector bitmap entries.
func (g vhdxGeometry) batEntries() int64 {
	n := g.dataBlocks()
	if n == 0 {
		return 0
	}
	return n + (n-1)/g.chunkRatio()
}

func (g vhdxGeometry) batIndex(block int64) int64 {
	return block + block/g.chunkRatio()
}

func (g vhdxGeometry) batLength() int64 {
	return roundUp(g.batEntries()*8, mb)
}

func (g vhdxGeometry) validate() error {
	if g.logicalSector != 512 && g.logicalSector != 4096 {
		return fmt.Errorf("%w: unsupported logical sector size %d", ErrFormat, g.logicalSector)
	}
	if g.physicalSector != 512 && g.physicalSector != 4096 {
		return fmt.Errorf("%w: unsupported physical sector size %d", ErrFormat, g.physicalSector)
	}
	if g.blockSize < vhdxMinBlockSize || g.blockSize > vhdxMaxBlockSize || g.blockSize&(g.blockSize-1) != 0 {
		return fmt.Errorf("%w: invalid block size %d", ErrFormat, g.blockSize)
	}
	if g.size <= 0 || g.size%int64(g.logicalSector) != 0 || g.size > 64*tb {
		return fmt.Errorf("%w: invalid virtual disk size %d", ErrFormat, g.size)
	}
	return nil
}

func roundUp(n, to int64) int64 {
	return (n + to - 1) / to * to
}

// vhdxWriter creates a dynamic VHDX and fills it. Payload blocks are
// allocated at the end of the file on first non-zero write.
type vhdxWriter struct {
	f       *os.File
	geo     vhdxGeometry
	bat     []uint64
	fileEnd int64
	pos     int64
}

// createVHDX creates a new dynamic VHDX at path. capacity is rounded up to
// the logical sector size. An existing path is never overwritten.
func createVHDX(path string, capacity int64, logicalSector int) (*vhdxWriter, error) {
	return createVHDXWithBlockSize(path, capacity, logicalSector, vhdxDefaultBlockSize)
}

func createVHDXWithBlockSize(path string, capacity int64, logicalSector int, blockSize int64) (*vhdxWriter, error) {
	geo := vhdxGeometry{
		blockSize:      blockSize,
		logicalSector:  logicalSector,
		physicalSector: vhdxPhysicalSectorSize,
	}
	if logicalSector > 0 {
		geo.size = roundUp(capacity, int64(logicalSector))
	}
	if err := geo.validate(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrOutputExists, path)
		}
		return nil, fmt.Errorf("%w: error creating %s: %v", ErrIO, path, err)
	}

	w := &vhdxWriter{
		f:       f,
		geo:     geo,
		bat:     make([]uint64, geo.batEntries()),
		fileEnd: vhdxBATOffset + geo.batLength(),
	}
	if err := w.writeLayout(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return w, nil
}

func (w *vhdxWriter) writeLayout() error {
	ident := vhdxFileIdentifier{Signature: vhdxFileSignature}
	copy(ident.Creator[:], encodeUTF16LE("spacedump "+appversion))
	if err := w.writeStruct(vhdxFileIdentifierOffset, ident); err != nil {
		return err
	}

	fileWrite, dataWrite := uuid.New(), uuid.New()
	for i, off := range []int64{vhdxHeader1Offset, vhdxHeader2Offset} {
		h := vhdxHeader{
			Signature:      vhdxHeaderSignature,
			SequenceNumber: uint64(i),
			FileWriteGUID:  uuidToGUID(fileWrite),
			DataWriteGUID:  uuidToGUID(dataWrite),
			Version:        1,
			LogLength:      vhdxLogLength,
			LogOffset:      vhdxLogOffset,
		}
		buf, err := encodeStruct(h)
		if err != nil {
			return err
		}
		putChecksum(buf)
		if err := w.writeRaw(buf, off); err != nil {
			return err
		}
	}

	regions, err := encodeRegionTable([]vhdxRegionEntry{
		{GUID: uuidToGUID(vhdxRegionBAT), FileOffset: vhdxBATOffset, Length: uint32(w.geo.batLength()), Required: 1},
		{GUID: uuidToGUID(vhdxRegionMetadata), FileOffset: vhdxMetadataOffset, Length: vhdxMetadataLength, Required: 1},
	})
	if err != nil {
		return err
	}
	for _, off := range []int64{vhdxRegionTable1Offset, vhdxRegionTable2Offset} {
		if err := w.writeRaw(regions, off); err != nil {
			return err
		}
	}

	metadata, err := encodeMetadata(w.geo, uuid.New())
	if err != nil {
		return err
	}
	if err := w.writeRaw(metadata, vhdxMetadataOffset); err != nil {
		return err
	}

	if err := w.f.Truncate(w.fileEnd); err != nil {
		return fmt.Errorf("%w: error sizing VHDX: %v", ErrIO, err)
	}
	return nil
}

func (w *vhdxWriter) writeStruct(off int64, v any) error {
	buf, err := encodeStruct(v)
	if err != nil {
		return err
	}
	return w.writeRaw(buf, off)
}

func (w *vhdxWriter) writeRaw(buf []byte, off int64) error {
	if _, err := w.f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("%w: error writing VHDX at %d: %v", ErrIO, off, err)
	}
	return nil
}

// Size returns the virtual disk size.
func (w *vhdxWriter) Size() int64 {
	return w.geo.size
}

// SectorSize returns the logical sector size.
func (w *vhdxWriter) SectorSize() int {
	return w.geo.logicalSector
}

// Write writes sequentially from the start of the virtual disk.
func (w *vhdxWriter) Write(p []byte) (int, error) {
	n, err := w.WriteAt(p, w.pos)
	w.pos += int64(n)
	return n, err
}

// WriteAt writes p at virtual offset off. Writes of zeros into blocks that
// were never allocated are dropped.
func (w *vhdxWriter) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > w.geo.size {
		return 0, fmt.Errorf("%w: write of %d bytes at %d exceeds virtual size %d", ErrIO, len(p), off, w.geo.size)
	}

	written := 0
	for len(p) > 0 {
		block := off / w.geo.blockSize
		inBlock := off % w.geo.blockSize
		n := int64(len(p))
		if rest := w.geo.blockSize - inBlock; n > rest {
			n = rest
		}
		chunk := p[:n]

		fileOff, allocated := w.blockOffset(block)
		if !allocated && !isAllZero(chunk) {
			var err error
			if fileOff, err = w.allocate(block); err != nil {
				return written, err
			}
			allocated = true
		}
		if allocated {
			if _, err := w.f.WriteAt(chunk, fileOff+inBlock); err != nil {
				return written, fmt.Errorf("%w: error writing payload block %d: %v", ErrIO, block, err)
			}
		}

		written += int(n)
		off += n
		p = p[n:]
	}
	return written, nil
}

func (w *vhdxWriter) blockOffset(block int64) (int64, bool) {
	entry := w.bat[w.geo.batIndex(block)]
	if entry&vhdxBATStateMask != vhdxBlockFullyPresent {
		return 0, false
	}
	return int64(entry>>20) << 20, true
}

// allocate places a payload block at the end of the file and records it in
// the on-disk BAT right away.
func (w *vhdxWriter) allocate(block int64) (int64, error) {
	off := w.fileEnd
	idx := w.geo.batIndex(block)
	entry := uint64(off>>20)<<20 | vhdxBlockFullyPresent

	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], entry)
	if err := w.writeRaw(raw[:], vhdxBATOffset+idx*8); err != nil {
		return 0, err
	}
	w.bat[idx] = entry
	w.fileEnd += w.geo.blockSize
	return off, nil
}

// Close extends the file over the last allocated block and closes it.
func (w *vhdxWriter) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Truncate(w.fileEnd)
	if syncErr := w.f.Sync(); err == nil {
		err = syncErr
	}
	if closeErr := w.f.Close(); err == nil {
		err = closeErr
	}
	w.f = nil
	if err != nil {
		return fmt.Errorf("%w: error finishing VHDX: %v", ErrIO, err)
	}
	return nil
}

func encodeStruct(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("error encoding %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// putChecksum stores the CRC-32C of buf, computed with the checksum field
// (bytes 4 to 8) zeroed, into that field.
func putChecksum(buf []byte) {
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	binary.LittleEndian.PutUint32(buf[4:8], crc32.Checksum(buf, castagnoli))
}

func verifyChecksum(buf []byte) bool {
	want := binary.LittleEndian.Uint32(buf[4:8])
	tmp := append([]byte(nil), buf...)
	binary.LittleEndian.PutUint32(tmp[4:8], 0)
	return crc32.Checksum(tmp, castagnoli) == want
}

func encodeRegionTable(entries []vhdxRegionEntry) ([]byte, error) {
	buf := make([]byte, vhdxRegionTableSize)
	head, err := encodeStruct(vhdxRegionTableHeader{Signature: vhdxRegionSignature, EntryCount: uint32(len(entries))})
	if err != nil {
		return nil, err
	}
	off := copy(buf, head)
	for _, e := range entries {
		raw, err := encodeStruct(e)
		if err != nil {
			return nil, err
		}
		off += copy(buf[off:], raw)
	}
	putChecksum(buf)
	return buf, nil
}

type vhdxMetadataItem struct {
	id    uuid.UUID
	flags uint32
	data  any
}

func encodeMetadata(geo vhdxGeometry, diskID uuid.UUID) ([]byte, error) {
	items := []vhdxMetadataItem{
		{vhdxItemFileParameters, vhdxMetaIsRequired, vhdxFileParameters{BlockSize: uint32(geo.blockSize)}},
		{vhdxItemVirtualDiskSize, vhdxMetaIsVirtualDisk | vhdxMetaIsRequired, uint64(geo.size)},
		{vhdxItemVirtualDiskID, vhdxMetaIsVirtualDisk | vhdxMetaIsRequired, uuidToGUID(diskID)},
		{vhdxItemLogicalSectorSize, vhdxMetaIsVirtualDisk | vhdxMetaIsRequired, uint32(geo.logicalSector)},
		{vhdxItemPhysicalSectorSize, vhdxMetaIsVirtualDisk | vhdxMetaIsRequired, uint32(geo.physicalSector)},
	}

	buf := make([]byte, vhdxMetadataTableSize, vhdxMetadataTableSize+64)
	head, err := encodeStruct(vhdxMetadataTableHeader{Signature: vhdxMetadataSignature, EntryCount: uint16(len(items))})
	if err != nil {
		return nil, err
	}
	off := copy(buf, head)

	for _, item := range items {
		data, err := encodeStruct(item.data)
		if err != nil {
			return nil, err
		}
		entry, err := encodeStruct(vhdxMetadataEntry{
			ItemID: uuidToGUID(item.id),
			Offset: uint32(len(buf)),
			Length: uint32(len(data)),
			Flags:  item.flags,
		})
		if err != nil {
			return nil, err
		}
		off += copy(buf[off:], entry)
		buf = append(buf, data...)
	}
	return buf, nil
}

// vhdxReader reads the virtual disk of a dynamic or fixed VHDX without a
// parent. Blocks that are not present read as zeros.
type vhdxReader struct {
	f   *os.File
	geo vhdxGeometry
	bat []uint64
}

func openVHDX(path string) (*vhdxReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	r, err := readVHDX(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func readVHDX(f *os.File) (*vhdxReader, error) {
	ident := vhdxFileIdentifier{}
	if err := readStructAt(f, vhdxFileIdentifierOffset, &ident); err != nil {
		return nil, err
	}
	if ident.Signature != vhdxFileSignature {
		return nil, fmt.Errorf("%w: missing vhdxfile signature", ErrFormat)
	}

	header, err := currentVHDXHeader(f)
	if err != nil {
		return nil, err
	}
	if !isAllZero(header.LogGUID[:]) {
		return nil, fmt.Errorf("%w: VHDX has a pending log, replay is not supported", ErrSourceUnavailable)
	}

	batRegion, metaRegion, err := readRegionTable(f)
	if err != nil {
		return nil, err
	}

	geo, err := readMetadata(f, metaRegion)
	if err != nil {
		return nil, err
	}

	if int64(batRegion.Length) < geo.batEntries()*8 {
		return nil, fmt.Errorf("%w: BAT region too small for %d entries", ErrFormat, geo.batEntries())
	}
	raw := make([]byte, geo.batEntries()*8)
	if _, err := f.ReadAt(raw, int64(batRegion.FileOffset)); err != nil {
		return nil, fmt.Errorf("%w: error reading BAT: %v", ErrIO, err)
	}
	bat := make([]uint64, geo.batEntries())
	for i := range bat {
		bat[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}

	return &vhdxReader{f: f, geo: geo, bat: bat}, nil
}

func readStructAt(r io.ReaderAt, off int64, v any) error {
	size := binary.Size(v)
	buf := make([]byte, size)
	if _, err := r.ReadAt(buf, off); err != nil {
		return fmt.Errorf("%w: error reading %T at %d: %v", ErrFormat, v, off, err)
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

// currentVHDXHeader returns the valid header with the highest sequence number.
func currentVHDXHeader(r io.ReaderAt) (*vhdxHeader, error) {
	var current *vhdxHeader
	for _, off := range []int64{vhdxHeader1Offset, vhdxHeader2Offset} {
		buf := make([]byte, vhdxHeaderSize)
		if _, err := r.ReadAt(buf, off); err != nil {
			continue
		}
		if !verifyChecksum(buf) {
			continue
		}
		h := &vhdxHeader{}
		if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, h); err != nil {
			continue
		}
		if h.Signature != vhdxHeaderSignature {
			continue
		}
		if current == nil || h.SequenceNumber > current.SequenceNumber {
			current = h
		}
	}
	if current == nil {
		return nil, fmt.Errorf("%w: no valid VHDX header", ErrFormat)
	}
	if current.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported VHDX version %d", ErrFormat, current.Version)
	}
	return current, nil
}

func readRegionTable(r io.ReaderAt) (bat, meta vhdxRegionEntry, err error) {
	for _, off := range []int64{vhdxRegionTable1Offset, vhdxRegionTable2Offset} {
		buf := make([]byte, vhdxRegionTableSize)
		if _, rerr := r.ReadAt(buf, off); rerr != nil {
			continue
		}
		if !verifyChecksum(buf) {
			continue
		}
		rd := bytes.NewReader(buf)
		head := vhdxRegionTableHeader{}
		if binary.Read(rd, binary.LittleEndian, &head) != nil || head.Signature != vhdxRegionSignature {
			continue
		}
		if head.EntryCount > 2047 {
			continue
		}

		var foundBAT, foundMeta bool
		for i := uint32(0); i < head.EntryCount; i++ {
			e := vhdxRegionEntry{}
			if binary.Read(rd, binary.LittleEndian, &e) != nil {
				break
			}
			switch guidToUUID(e.GUID) {
			case vhdxRegionBAT:
				bat, foundBAT = e, true
			case vhdxRegionMetadata:
				meta, foundMeta = e, true
			default:
				if e.Required != 0 {
					return bat, meta, fmt.Errorf("%w: unknown required VHDX region %s", ErrSourceUnavailable, guidToUUID(e.GUID))
				}
			}
		}
		if foundBAT && foundMeta {
			return bat, meta, nil
		}
	}
	return bat, meta, fmt.Errorf("%w: no valid VHDX region table", ErrFormat)
}

func readMetadata(r io.ReaderAt, region vhdxRegionEntry) (vhdxGeometry, error) {
	geo := vhdxGeometry{}

	table := make([]byte, vhdxMetadataTableSize)
	if _, err := r.ReadAt(table, int64(region.FileOffset)); err != nil {
		return geo, fmt.Errorf("%w: error reading VHDX metadata: %v", ErrFormat, err)
	}
	rd := bytes.NewReader(table)
	head := vhdxMetadataTableHeader{}
	if err := binary.Read(rd, binary.LittleEndian, &head); err != nil || head.Signature != vhdxMetadataSignature {
		return geo, fmt.Errorf("%w: invalid VHDX metadata table", ErrFormat)
	}

	var params vhdxFileParameters
	var size uint64
	var logical, physical uint32
	seen := map[uuid.UUID]bool{}

	for i := uint16(0); i < head.EntryCount; i++ {
		e := vhdxMetadataEntry{}
		if err := binary.Read(rd, binary.LittleEndian, &e); err != nil {
			return geo, fmt.Errorf("%w: truncated VHDX metadata table", ErrFormat)
		}
		id := guidToUUID(e.ItemID)
		off := int64(region.FileOffset) + int64(e.Offset)

		var err error
		switch id {
		case vhdxItemFileParameters:
			err = readStructAt(r, off, &params)
		case vhdxItemVirtualDiskSize:
			err = readStructAt(r, off, &size)
		case vhdxItemLogicalSectorSize:
			err = readStructAt(r, off, &logical)
		case vhdxItemPhysicalSectorSize:
			err = readStructAt(r, off, &physical)
		case vhdxItemVirtualDiskID:
		default:
			if e.Flags&vhdxMetaIsRequired != 0 {
				return geo, fmt.Errorf("%w: unknown required VHDX metadata item %s", ErrSourceUnavailable, id)
			}
		}
		if err != nil {
			return geo, err
		}
		seen[id] = true
	}

	for _, id := range []uuid.UUID{vhdxItemFileParameters, vhdxItemVirtualDiskSize, vhdxItemLogicalSectorSize} {
		if !seen[id] {
			return geo, fmt.Errorf("%w: VHDX metadata item %s missing", ErrFormat, id)
		}
	}
	if params.Flags&vhdxHasParent != 0 {
		return geo, fmt.Errorf("%w: differencing VHDX is not supported", ErrSourceUnavailable)
	}
	if physical == 0 {
		physical = vhdxPhysicalSectorSize
	}

	geo = vhdxGeometry{
		size:           int64(size),
		blockSize:      int64(params.BlockSize),
		logicalSector:  int(logical),
		physicalSector: int(physical),
	}
	if err := geo.validate(); err != nil {
		return geo, err
	}
	return geo, nil
}

// Size returns the virtual disk size.
func (r *vhdxReader) Size() int64 {
	return r.geo.size
}

// SectorSize returns the logical sector size declared in the metadata.
func (r *vhdxReader) SectorSize() int {
	return r.geo.logicalSector
}

// ReadAt reads from the virtual disk.
func (r *vhdxReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrIO, off)
	}
	if off >= r.geo.size {
		return 0, io.EOF
	}

	var eof error
	if rest := r.geo.size - off; int64(len(p)) > rest {
		p = p[:rest]
		eof = io.EOF
	}

	read := 0
	for len(p) > 0 {
		block := off / r.geo.blockSize
		inBlock := off % r.geo.blockSize
		n := int64(len(p))
		if rest := r.geo.blockSize - inBlock; n > rest {
			n = rest
		}
		chunk := p[:n]

		entry := r.bat[r.geo.batIndex(block)]
		switch entry & vhdxBATStateMask {
		case vhdxBlockFullyPresent, vhdxBlockPartiallyPresent:
			fileOff := int64(entry>>20)<<20 + inBlock
			got, err := r.f.ReadAt(chunk, fileOff)
			if err != nil && err != io.EOF {
				return read, fmt.Errorf("%w: error reading payload block %d: %v", ErrIO, block, err)
			}
			clear(chunk[got:])
		default:
			clear(chunk)
		}

		read += int(n)
		off += n
		p = p[n:]
	}
	return read, eof
}

// Close closes the underlying file.
func (r *vhdxReader) Close() error {
	return r.f.Close()
}
