package main

import (
	"fmt"
	"io"
)

const defaultBufferSize = 1 * mb

// progressFunc receives the cumulative bytes copied and the expected total.
type progressFunc func(done, total int64)

// copyWithProgress copies exactly total bytes from src to dst through buf,
// calling progress after every buffer. A source that ends early is an error.
func copyWithProgress(dst io.Writer, src io.Reader, total int64, buf []byte, progress progressFunc) (int64, error) {
	if len(buf) == 0 {
		buf = make([]byte, defaultBufferSize)
	}
	if progress == nil {
		progress = func(int64, int64) {}
	}

	var done int64
	limited := io.LimitReader(src, total)
	for {
		n, err := limited.Read(buf)
		if n > 0 {
			written, wErr := dst.Write(buf[:n])
			done += int64(written)
			if wErr != nil {
				return done, fmt.Errorf("%w: write failed after %d bytes: %v", ErrIO, done, wErr)
			}
			if written != n {
				return done, fmt.Errorf("%w: %v after %d bytes", ErrIO, io.ErrShortWrite, done)
			}
			progress(done, total)
		}

		if err != nil {
			if err == io.EOF {
				break
			}
			return done, fmt.Errorf("%w: read failed after %d bytes: %v", ErrIO, done, err)
		}
	}

	if done != total {
		return done, fmt.Errorf("%w: source ended after %d of %d bytes", ErrIO, done, total)
	}
	return done, nil
}
