package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/template"
)

const diskTmpl = `Disk: {{.Path}} ({{.Format}})
  Size: {{.Total}}, MBR: {{.MBR}}
  Sector size: declared {{.Declared}}, probed {{.Probed}}, GPT read with {{.SectorSize}}
  Disk GUID: {{.DiskGUID}}
`

const partitionTmpl = `  {{.Index}}. {{if .Name}}{{.Name}}{{else}}(unnamed){{end}}{{if .StoragePool}} [storage pool]{{end}}
     Type: {{.TypeName}} ({{.TypeGUID}}), Filesystem: {{.Filesystem}}
     Unique GUID: {{.UniqueGUID}}
     First LBA: {{.Entry.FirstLBA}}, Last LBA: {{.Entry.LastLBA}}, Sectors: {{.TotalSectors}}, Total: {{.Total}}
`

type diskDisplay struct {
	Path       string
	Format     ContainerType
	Total      string
	MBR        mbrLayout
	Declared   string
	Probed     int
	SectorSize int
	DiskGUID   string
}

type gptPartitionDisplay struct {
	Index        int
	Entry        PartitionEntry
	Name         string
	TypeName     string
	TypeGUID     string
	Filesystem   string
	UniqueGUID   string
	TotalSectors uint64
	Total        string
	StoragePool  bool
}

// inspectedDisk is an opened input with its sector size evidence.
type inspectedDisk struct {
	content  io.ReaderAt
	size     int64
	format   ContainerType
	declared int
	probed   int
	close    func() error
}

// inspectDisk opens path read-only for the listing commands.
func inspectDisk(path string, loader *diskLoader) (*inspectedDisk, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	d := &inspectedDisk{}
	if st.Mode()&os.ModeDevice != 0 {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		size, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		d.content, d.size, d.format = f, size, "device"
		d.declared = getSectorSize(f)
		d.close = f.Close
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		d.format = DetectContainer(f, filepath.Base(path)).Type
		_ = f.Close()

		c, err := loader.openContainer(path, filepath.Base(path), 0)
		if err != nil {
			return nil, err
		}
		d.content, d.size, d.declared = c.Content, c.Size, c.DeclaredSectorSize
		d.close = c.Close
	}

	d.probed = detectSectorSize(io.NewSectionReader(d.content, 0, d.size), d.size)
	return d, nil
}

func declaredString(n int) string {
	if n == 0 {
		return "unknown"
	}
	return fmt.Sprintf("%d", n)
}

// listPartitions prints the GPT of a disk.
func listPartitions(w io.Writer, path string, loader *diskLoader) error {
	d, err := inspectDisk(path, loader)
	if err != nil {
		return err
	}
	defer d.close()

	table, err := readGPTAny(d.content, d.declared, d.probed, legacySectorSize, defaultSectorSize)
	if err != nil {
		return err
	}
	for _, warn := range table.CRCWarnings {
		loader.log.Warn("GPT checksum mismatch", "disk", path, "error", warn)
	}

	diskT, err := template.New("disk").Parse(diskTmpl)
	if err != nil {
		return fmt.Errorf("error parsing disk template: %w", err)
	}
	err = diskT.Execute(w, diskDisplay{
		Path:       path,
		Format:     d.format,
		Total:      formatBytes(d.size),
		MBR:        classifyMBR(d.content),
		Declared:   declaredString(d.declared),
		Probed:     d.probed,
		SectorSize: table.SectorSize,
		DiskGUID:   guidToUUID(table.Header.DiskGUID).String(),
	})
	if err != nil {
		return fmt.Errorf("error executing disk template: %w", err)
	}

	tmpl, err := template.New("partition").Parse(partitionTmpl)
	if err != nil {
		return fmt.Errorf("error parsing partition template: %w", err)
	}
	for _, e := range table.Entries {
		off, length, err := e.ByteRange(table.SectorSize)
		if err != nil {
			return err
		}
		err = tmpl.Execute(w, gptPartitionDisplay{
			Index:        e.Index + 1,
			Entry:        e,
			Name:         e.Name,
			TypeName:     partitionTypeName(e.Type),
			TypeGUID:     e.Type.String(),
			Filesystem:   detectFilesystem(io.NewSectionReader(d.content, off, length)),
			UniqueGUID:   e.ID.String(),
			TotalSectors: e.Sectors(),
			Total:        formatBytes(e.Sectors() * uint64(table.SectorSize)),
			StoragePool:  e.Type == storagePoolType,
		})
		if err != nil {
			return fmt.Errorf("error executing partition template: %w", err)
		}
	}
	return nil
}

// printProbe prints the sector size evidence for a disk.
func printProbe(w io.Writer, path string, loader *diskLoader) error {
	d, err := inspectDisk(path, loader)
	if err != nil {
		return err
	}
	defer d.close()

	_, _ = fmt.Fprintf(w, "%s (%s), %s\n", path, d.format, formatBytes(d.size))
	_, _ = fmt.Fprintf(w, "Declared sector size: %s\n", declaredString(d.declared))
	_, _ = fmt.Fprintf(w, "Probed sector size: %d\n", d.probed)

	layout := classifyMBR(d.content)
	_, _ = fmt.Fprintf(w, "MBR: %s\n", layout)
	if layout == mbrHybrid || layout == mbrLegacy {
		sectorSize := d.declared
		if sectorSize == 0 {
			sectorSize = legacySectorSize
		}
		legacy, err := legacyPartitions(d.content, d.size, sectorSize)
		if err != nil {
			loader.log.Warn("incomplete MBR partition list", "disk", path, "error", err)
		}
		for _, p := range legacy {
			_, _ = fmt.Fprintf(w, "  MBR partition type 0x%02X at LBA %d, %d sectors\n", p.Type, p.FirstSector, p.Sectors)
		}
	}

	table, err := readGPTAny(d.content, d.declared, d.probed, legacySectorSize, defaultSectorSize)
	if err != nil {
		_, _ = fmt.Fprintf(w, "GPT: not found (%v)\n", err)
		return nil
	}
	_, _ = fmt.Fprintf(w, "GPT: found with sector size %d, %d partitions\n", table.SectorSize, len(table.Entries))
	return nil
}
