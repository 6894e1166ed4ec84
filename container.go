package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	ntfs_parser "www.velocidex.com/golang/go-ntfs/parser"
)

// openedContainer is the read-only virtual disk of an input container.
type openedContainer struct {
	Content io.ReaderAt
	Size    int64

	// DeclaredSectorSize is the sector size stored in the container, 0 if
	// the format has none.
	DeclaredSectorSize int

	closers []func() error
}

// Close releases everything the container holds, last opened first.
func (c *openedContainer) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// dynamicContainer is a newly created, writable virtual disk.
type dynamicContainer interface {
	io.Writer
	io.WriterAt
	io.Closer
	Size() int64
}

// containerOpener opens input containers of one format.
type containerOpener interface {
	Open(path string) (*openedContainer, error)
}

// containerFormat is an output format.
type containerFormat interface {
	containerOpener
	Extension() string
	CreateDynamic(path string, capacity int64, sectorSize int) (dynamicContainer, error)
}

type vhdxFormat struct{}

func (vhdxFormat) Extension() string { return "vhdx" }

func (vhdxFormat) Open(path string) (*openedContainer, error) {
	r, err := openVHDX(path)
	if err != nil {
		return nil, err
	}
	return &openedContainer{
		Content:            r,
		Size:               r.Size(),
		DeclaredSectorSize: r.SectorSize(),
		closers:            []func() error{r.Close},
	}, nil
}

func (vhdxFormat) CreateDynamic(path string, capacity int64, sectorSize int) (dynamicContainer, error) {
	return createVHDX(path, capacity, sectorSize)
}

var outputFormats = map[string]containerFormat{
	"vhdx": vhdxFormat{},
}

// outputFormatFor returns the output format for a file extension.
func outputFormatFor(ext string) (containerFormat, error) {
	f, ok := outputFormats[ext]
	if !ok {
		return nil, fmt.Errorf("%w: no writable container format for extension %q", ErrFormat, ext)
	}
	return f, nil
}

// rawFormat opens flat disk images through a page cache.
type rawFormat struct{}

func (rawFormat) Open(path string) (*openedContainer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: error sizing %s: %v", ErrIO, path, err)
	}

	reader, err := ntfs_parser.NewPagedReader(f, 1024, 10000)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return &openedContainer{
		Content: reader,
		Size:    size,
		closers: []func() error{f.Close},
	}, nil
}

// diskLoader opens input paths as Disks.
type diskLoader struct {
	scratch  *scratchSpace
	enum     partitionEnumerator
	log      logger
	bufSize  int
	progress func(label string, total int64) (progressFunc, func())
}

// maxNesting bounds how many compression layers are unwrapped.
const maxNesting = 3

// Load opens path. Block devices are read through the partition enumerator,
// files are detected by content.
func (l *diskLoader) Load(path string) (Disk, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if st.Mode()&os.ModeDevice != 0 {
		if st.Mode()&os.ModeCharDevice != 0 {
			return nil, fmt.Errorf("%w: %s is a character device, not a block device", ErrSourceUnavailable, path)
		}
		return openBlockDevice(path, l.enum, l.scratch, l.bufSize, l.log)
	}

	c, err := l.openContainer(path, filepath.Base(path), 0)
	if err != nil {
		return nil, err
	}
	return newImageDisk(path, c, l.log), nil
}

func (l *diskLoader) openContainer(path, name string, depth int) (*openedContainer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	info := DetectContainer(f, name)
	_ = f.Close()

	l.log.Debug("detected input format", "path", path, "format", info.Type, "confidence", info.Metadata["confidence"])

	switch {
	case info.Type == ContainerVHDX:
		return vhdxFormat{}.Open(path)
	case info.Type == ContainerVMDK:
		return vmdkFormat{}.Open(path)
	case info.Type.IsCompressed():
		if depth >= maxNesting {
			return nil, fmt.Errorf("%w: %s: too many compression layers", ErrFormat, path)
		}
		return l.openCompressed(path, name, info.Type, depth)
	default:
		return rawFormat{}.Open(path)
	}
}

func (l *diskLoader) openCompressed(path, name string, algorithm ContainerType, depth int) (*openedContainer, error) {
	if l.scratch == nil {
		return nil, fmt.Errorf("%w: no scratch space for decompressing %s", ErrSourceUnavailable, path)
	}
	l.log.Info("decompressing input image", "path", path, "format", algorithm)

	var report progressFunc
	finish := func() {}
	if l.progress != nil {
		report, finish = l.progress("Decompressing "+name, 0)
	}
	tmp, n, err := decompressToScratch(path, algorithm, l.scratch, l.bufSize, report)
	finish()
	if err != nil {
		return nil, err
	}
	l.log.Debug("decompressed input image", "path", path, "bytes", n)

	inner, err := l.openContainer(tmp, trimExt(name), depth+1)
	if err != nil {
		_ = l.scratch.Remove(tmp)
		return nil, err
	}
	inner.closers = append([]func() error{func() error { return l.scratch.Remove(tmp) }}, inner.closers...)
	return inner, nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

// imageDisk is a Disk backed by a container file. Its GPT is read with the
// declared sector size first, then the probed one, then 512 and 4096.
type imageDisk struct {
	name string
	c    *openedContainer
	log  logger
}

func newImageDisk(name string, c *openedContainer, log logger) *imageDisk {
	return &imageDisk{name: name, c: c, log: log}
}

func (d *imageDisk) Name() string { return d.name }

func (d *imageDisk) Close() error { return d.c.Close() }

func (d *imageDisk) Partitions() ([]Partition, error) {
	table, err := d.readGPT()
	if err != nil {
		return nil, err
	}

	parts := make([]Partition, 0, len(table.Entries))
	for _, e := range table.Entries {
		off, length, err := e.ByteRange(table.SectorSize)
		if err != nil {
			return nil, err
		}
		if off+length > d.c.Size {
			d.log.Warn("partition extends past end of disk", "disk", d.name, "partition", e.Name,
				"end", off+length, "size", d.c.Size)
			if off >= d.c.Size {
				length = 0
			} else {
				length = d.c.Size - off
			}
		}
		parts = append(parts, &imagePartition{
			entry:   e,
			section: io.NewSectionReader(d.c.Content, off, length),
		})
	}
	return parts, nil
}

func (d *imageDisk) readGPT() (*gptTable, error) {
	probed := detectSectorSize(io.NewSectionReader(d.c.Content, 0, d.c.Size), d.c.Size)
	table, err := readGPTAny(d.c.Content, d.c.DeclaredSectorSize, probed, legacySectorSize, defaultSectorSize)
	if err != nil {
		return nil, err
	}
	for _, w := range table.CRCWarnings {
		d.log.Warn("GPT checksum mismatch", "disk", d.name, "error", w)
	}
	d.log.Debug("read GPT", "disk", d.name, "sector_size", table.SectorSize,
		"declared", d.c.DeclaredSectorSize, "probed", probed, "partitions", len(table.Entries))
	return table, nil
}

type imagePartition struct {
	entry   PartitionEntry
	section *io.SectionReader
}

func (p *imagePartition) Name() string    { return p.entry.Name }
func (p *imagePartition) Type() uuid.UUID { return p.entry.Type }
func (p *imagePartition) ID() uuid.UUID   { return p.entry.ID }
func (p *imagePartition) Size() int64     { return p.section.Size() }

func (p *imagePartition) Stream() (io.ReadSeeker, error) {
	if _, err := p.section.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return p.section, nil
}
