package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/Velocidex/go-vmdk/parser"
	ntfs_parser "www.velocidex.com/golang/go-ntfs/parser"
)

// vmdkFormat opens sparse VMDK images, either monolithic or through a
// descriptor that names its extent files.
type vmdkFormat struct{}

func (vmdkFormat) Open(path string) (*openedContainer, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	st, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	reader, err := ntfs_parser.NewPagedReader(fd, 1024, 10000)
	if err != nil {
		_ = fd.Close()
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	// Extent files are opened by the parser; keep their handles so they
	// are released with the container.
	var mu sync.Mutex
	var extents []*os.File
	opener := func(filename string) (io.ReaderAt, func(), error) {
		full := filepath.Join(filepath.Dir(path), filepath.Base(filename))
		ext, err := os.Open(full)
		if err != nil {
			return nil, nil, err
		}
		r, err := ntfs_parser.NewPagedReader(ext, 1024, 10000)
		if err != nil {
			_ = ext.Close()
			return nil, nil, err
		}
		mu.Lock()
		extents = append(extents, ext)
		mu.Unlock()
		return r, func() {}, nil
	}

	closeExtents := func() error {
		mu.Lock()
		defer mu.Unlock()
		for _, ext := range extents {
			_ = ext.Close()
		}
		extents = nil
		return nil
	}

	vmdk, err := parser.GetVMDKContext(reader, int(st.Size()), opener)
	if err != nil {
		_ = closeExtents()
		_ = fd.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrFormat, path, err)
	}
	if vmdk.Size() <= 0 {
		_ = closeExtents()
		_ = fd.Close()
		return nil, fmt.Errorf("%w: %s: VMDK has no extents", ErrFormat, path)
	}

	return &openedContainer{
		Content: vmdk,
		Size:    vmdk.Size(),
		closers: []func() error{
			fd.Close,
			closeExtents,
			func() error { vmdk.Close(); return nil },
		},
	}, nil
}
