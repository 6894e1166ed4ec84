package main

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
)

// ContainerType is the detected format of an input file.
type ContainerType string

// Input formats.
const (
	ContainerRaw  ContainerType = "raw"
	ContainerVHDX ContainerType = "vhdx"
	ContainerVMDK ContainerType = "vmdk"

	ContainerGzip   ContainerType = "gzip"
	ContainerZlib   ContainerType = "zlib"
	ContainerBzip2  ContainerType = "bzip2"
	ContainerSnappy ContainerType = "snappy"
	ContainerS2     ContainerType = "s2"
	ContainerZstd   ContainerType = "zstd"
	ContainerXz     ContainerType = "xz"
	ContainerLz4    ContainerType = "lz4"
	ContainerBrotli ContainerType = "brotli"
	ContainerZip    ContainerType = "zip"
)

// IsCompressed reports whether the type is a compression wrapper around
// another image.
func (t ContainerType) IsCompressed() bool {
	switch t {
	case ContainerRaw, ContainerVHDX, ContainerVMDK:
		return false
	}
	return true
}

// ContainerInfo holds information about a detected container
type ContainerInfo struct {
	Type        ContainerType
	OffsetBytes int64
	Metadata    map[string]string
}

type containerSignature struct {
	Type      ContainerType
	Offset    int64
	Signature []byte
}

// containerSignatures are checked in order; the first match wins.
var containerSignatures = []containerSignature{
	{ContainerVHDX, 0, []byte("vhdxfile")},
	{ContainerVMDK, 0, []byte("KDMV")},
	{ContainerVMDK, 0, []byte("# Disk DescriptorFile")},
	{ContainerGzip, 0, []byte{0x1f, 0x8b}},
	{ContainerZstd, 0, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{ContainerBzip2, 0, []byte("BZh")},
	{ContainerXz, 0, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
	{ContainerLz4, 0, []byte{0x04, 0x22, 0x4d, 0x18}},
	{ContainerSnappy, 0, []byte{0xff, 0x06, 0x00, 0x00, 's', 'N', 'a', 'P', 'p', 'Y'}},
	{ContainerS2, 0, []byte{0xff, 0x06, 0x00, 0x00, 'S', '2', 's', 'T', 'w', 'O'}},
	{ContainerZip, 0, []byte{'P', 'K', 0x03, 0x04}},
}

// extensionTypes covers formats without a reliable magic number.
var extensionTypes = map[string]ContainerType{
	".zlib": ContainerZlib,
	".br":   ContainerBrotli,
}

// DetectContainer identifies the format of an input by its signature and,
// for formats without one, by its file name. Unreadable or unknown inputs
// are treated as raw images.
func DetectContainer(r io.ReaderAt, name string) ContainerInfo {
	buf := make([]byte, 64)
	n, err := r.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		n = 0
	}
	buf = buf[:n]

	for _, sig := range containerSignatures {
		end := sig.Offset + int64(len(sig.Signature))
		if end > int64(len(buf)) {
			continue
		}
		if bytes.Equal(buf[sig.Offset:end], sig.Signature) {
			return ContainerInfo{
				Type:        sig.Type,
				OffsetBytes: sig.Offset,
				Metadata: map[string]string{
					"confidence": "high",
					"notes":      "signature found",
				},
			}
		}
	}

	if t, ok := extensionTypes[strings.ToLower(filepath.Ext(name))]; ok && isPlausibleStream(t, buf) {
		return ContainerInfo{
			Type: t,
			Metadata: map[string]string{
				"confidence": "medium",
				"notes":      "file extension " + filepath.Ext(name),
			},
		}
	}

	return ContainerInfo{
		Type: ContainerRaw,
		Metadata: map[string]string{
			"confidence": "low",
			"notes":      "no known signature",
		},
	}
}

// isPlausibleStream performs the cheap header checks a format allows.
func isPlausibleStream(t ContainerType, head []byte) bool {
	if t != ContainerZlib {
		return true
	}
	if len(head) < 2 {
		return false
	}
	// CMF must select deflate and the header checksum must hold.
	return head[0]&0x0f == 8 && (uint16(head[0])<<8|uint16(head[1]))%31 == 0
}
