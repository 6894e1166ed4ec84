package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// extractedMember describes one member while it is being copied.
type extractedMember struct {
	name       string
	length     int64
	sectorSize int
	outputPath string
}

// spaceDumper walks disks, finds storage pool partitions and writes every
// selected pool member to its own dynamic container.
type spaceDumper struct {
	cfg       *Config
	log       logger
	format    containerFormat
	outputDir string
	buf       []byte
	report    *DumpReport
}

// newSpaceDumper prepares a run writing into outputDir, creating it when
// missing.
func newSpaceDumper(outputDir string, cfg *Config) (*spaceDumper, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	format, err := outputFormatFor(cfg.Extension())
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: error creating output directory %s: %v", ErrIO, outputDir, err)
	}
	return &spaceDumper{
		cfg:       cfg,
		log:       cfg.Logger(),
		format:    format,
		outputDir: outputDir,
		report:    &DumpReport{},
	}, nil
}

// RecordLoadFailure counts an input that could not be opened. The caller
// has already logged it.
func (d *spaceDumper) RecordLoadFailure(path string, err error) {
	d.log.Debug("counting failed input", "disk", path)
	d.report.DisksFailed++
	d.report.LastError = err
}

// Run processes disks in order and returns the report. Failures are
// logged and counted; they never stop the run.
func (d *spaceDumper) Run(disks []Disk) *DumpReport {
	start := d.cfg.now()
	for _, disk := range disks {
		d.dumpDisk(disk)
	}
	d.report.Duration = d.cfg.now().Sub(start)
	d.cfg.ReportHook()(d.report)
	return d.report
}

func (d *spaceDumper) dumpDisk(disk Disk) {
	parts, err := disk.Partitions()
	if err != nil {
		d.log.Error("skipping disk", "disk", disk.Name(), "error", err)
		d.report.DisksFailed++
		d.report.LastError = err
		return
	}
	d.report.Disks++
	d.log.Debug("read partition table", "disk", disk.Name(), "partitions", len(parts))

	for _, part := range parts {
		if part.Type() != storagePoolType {
			continue
		}
		d.report.PoolPartitions++
		d.log.Info("found storage pool partition", "disk", disk.Name(), "partition", part.Name(), "id", part.ID())
		if err := d.dumpPool(disk, part); err != nil {
			d.log.Error("skipping storage pool", "disk", disk.Name(), "partition", part.Name(), "error", err)
			d.report.PoolsFailed++
			d.report.LastError = err
		}
	}
}

func (d *spaceDumper) dumpPool(disk Disk, part Partition) error {
	rs, err := part.Stream()
	if err != nil {
		return err
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: error rewinding pool partition: %v", ErrIO, err)
	}

	pool, err := d.cfg.poolOpener(rs)
	if err != nil {
		return err
	}
	if c, ok := pool.(io.Closer); ok {
		defer c.Close()
	}

	members, err := sortedMembers(pool)
	if err != nil {
		return fmt.Errorf("%w: error listing pool members: %v", ErrSourceUnavailable, err)
	}
	selected, skipped := d.cfg.MemberPolicy().apply(members)
	for _, m := range skipped {
		d.log.Info("skipping member by policy", "disk", disk.Name(), "partition", part.Name(),
			"member", m.Name, "member_id", m.ID, "policy", d.cfg.MemberPolicy())
		d.report.MembersSkipped++
	}

	for _, m := range selected {
		written, err := d.dumpMember(pool, m)
		if err != nil {
			d.log.Error("failed to dump member", "disk", disk.Name(), "partition", part.Name(),
				"member", m.Name, "member_id", m.ID, "error", err)
			d.report.MembersFailed++
			d.report.LastError = err
			continue
		}
		d.report.MembersDumped++
		d.report.BytesWritten += written
	}
	return nil
}

func (d *spaceDumper) dumpMember(pool StoragePool, m PoolMember) (int64, error) {
	space, err := pool.OpenMember(m.ID)
	if err != nil {
		return 0, fmt.Errorf("%w: error opening member %d: %v", ErrSourceUnavailable, m.ID, err)
	}
	defer space.Close()

	member := extractedMember{
		name:       m.Name,
		length:     space.Size(),
		sectorSize: detectSectorSize(space, space.Size()),
		outputPath: filepath.Join(d.outputDir, sanitizeMemberName(m)+"."+d.format.Extension()),
	}
	d.log.Info("dumping member", "member", member.name, "member_id", m.ID, "path", member.outputPath,
		"size", member.length, "sector_size", member.sectorSize)

	out, err := d.format.CreateDynamic(member.outputPath, member.length, member.sectorSize)
	if err != nil {
		return 0, err
	}

	if d.buf == nil {
		d.buf = make([]byte, d.cfg.BufferSize())
	}

	var report progressFunc
	var printer *progressPrinter
	if d.cfg.progressOut != nil {
		printer = newProgressPrinter(d.cfg.progressOut, member.name, member.length, d.cfg.progressInterval, d.cfg.now)
		report = printer.Report
	}

	n, err := copyWithProgress(out, space, member.length, d.buf, report)
	if printer != nil {
		printer.Finish()
	}
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		if rmErr := os.Remove(member.outputPath); rmErr != nil && !os.IsNotExist(rmErr) {
			d.log.Warn("cannot remove partial output", "path", member.outputPath, "error", rmErr)
		}
		return n, err
	}
	return n, nil
}

// sanitizeMemberName turns a member name into a single, safe file name.
func sanitizeMemberName(m PoolMember) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			return '_'
		case unicode.IsControl(r):
			return '_'
		}
		return r
	}, m.Name)

	name = strings.Trim(name, " .")
	if name == "" {
		return fmt.Sprintf("member-%d", m.ID)
	}
	return name
}
