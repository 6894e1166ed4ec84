package main

import (
	"archive/zip"
	"fmt"
	"io"
	"os"

	"github.com/andybalholm/brotli"
	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// zipEntryName is the entry the imaging tools store a compressed disk under.
const zipEntryName = "compressedData"

type countingWriter struct {
	w     io.Writer
	count int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.count += int64(n)
	return n, err
}

// createDecompressionReader wraps src in the decoder for algorithm. The
// returned closer releases decoder resources and never closes src.
func createDecompressionReader(algorithm ContainerType, src io.Reader) (io.Reader, func(), error) {
	noop := func() {}
	switch algorithm {
	case ContainerGzip:
		r, err := gzip.NewReader(src)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	case ContainerZlib:
		r, err := zlib.NewReader(src)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	case ContainerBzip2:
		r, err := bzip2.NewReader(src, &bzip2.ReaderConfig{})
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	case ContainerSnappy:
		return snappy.NewReader(src), noop, nil
	case ContainerS2:
		return s2.NewReader(src), noop, nil
	case ContainerZstd:
		r, err := zstd.NewReader(src)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case ContainerXz:
		r, err := xz.NewReader(src)
		if err != nil {
			return nil, nil, err
		}
		return r, noop, nil
	case ContainerLz4:
		return lz4.NewReader(src), noop, nil
	case ContainerBrotli:
		return brotli.NewReader(src), noop, nil
	default:
		return nil, nil, fmt.Errorf("%w: unsupported compression algorithm: %s", ErrFormat, algorithm)
	}
}

// openZipEntry returns the disk image stored in a zip archive: the
// compressedData entry, or the only entry when there is just one.
func openZipEntry(f *os.File) (io.ReadCloser, int64, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	zr, err := zip.NewReader(f, st.Size())
	if err != nil {
		return nil, 0, err
	}

	var entry *zip.File
	for _, zf := range zr.File {
		if zf.Name == zipEntryName {
			entry = zf
			break
		}
	}
	if entry == nil && len(zr.File) == 1 {
		entry = zr.File[0]
	}
	if entry == nil {
		return nil, 0, fmt.Errorf("%w: zip archive has no %s entry", ErrFormat, zipEntryName)
	}

	rc, err := entry.Open()
	if err != nil {
		return nil, 0, err
	}
	return rc, int64(entry.UncompressedSize64), nil
}

// decompressToScratch expands a compressed input image into a scratch file
// and returns its path. progress receives compressed bytes consumed against
// the compressed size.
func decompressToScratch(path string, algorithm ContainerType, scratch *scratchSpace, bufSize int, progress progressFunc) (string, int64, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer in.Close()

	st, err := in.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if progress == nil {
		progress = func(int64, int64) {}
	}

	var src io.Reader
	switch algorithm {
	case ContainerZip:
		rc, size, err := openZipEntry(in)
		if err != nil {
			return "", 0, fmt.Errorf("%w: %s: %v", ErrFormat, path, err)
		}
		defer rc.Close()
		src = &countingReader{r: rc, onRead: func(n int64) { progress(n, size) }}
	default:
		counted := &countingReader{r: in, onRead: func(n int64) { progress(n, st.Size()) }}
		r, release, err := createDecompressionReader(algorithm, counted)
		if err != nil {
			return "", 0, fmt.Errorf("%w: %s: %v", ErrFormat, path, err)
		}
		defer release()
		src = r
	}

	out, err := scratch.CreateFile("image-*.raw")
	if err != nil {
		return "", 0, err
	}
	cw := &countingWriter{w: out}

	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	_, err = io.CopyBuffer(cw, src, make([]byte, bufSize))
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = scratch.Remove(out.Name())
		return "", 0, fmt.Errorf("%w: error decompressing %s: %v", ErrIO, path, err)
	}
	return out.Name(), cw.count, nil
}

// countingReader reports the running total of bytes read.
type countingReader struct {
	r      io.Reader
	count  int64
	onRead func(total int64)
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.count += int64(n)
		cr.onRead(cr.count)
	}
	return n, err
}
