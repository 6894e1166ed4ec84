package main

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// trackingSeeker records the last position set and can fail reads or seeks.
type trackingSeeker struct {
	*bytes.Reader
	failRead bool
	failSeek bool
	seeks    int
}

func (t *trackingSeeker) Read(p []byte) (int, error) {
	if t.failRead {
		return 0, errors.New("read failed")
	}
	return t.Reader.Read(p)
}

func (t *trackingSeeker) Seek(offset int64, whence int) (int64, error) {
	t.seeks++
	if t.failSeek && offset != 0 {
		return 0, errors.New("seek failed")
	}
	return t.Reader.Seek(offset, whence)
}

func position(t *testing.T, rs io.Seeker) int64 {
	t.Helper()
	pos, err := rs.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	return pos
}

func plant(buf []byte, offset int) []byte {
	copy(buf[offset:], gptSignature[:])
	return buf
}

func TestDetectSectorSize(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want int
	}{
		{
			name: "marker at 512",
			data: plant(make([]byte, 16384), 512),
			want: 512,
		},
		{
			name: "marker only at 4096",
			data: plant(make([]byte, 16384), 4096),
			want: 4096,
		},
		{
			name: "marker at both prefers 512",
			data: plant(plant(make([]byte, 16384), 4096), 512),
			want: 512,
		},
		{
			name: "no marker, multiple of 512 only",
			data: make([]byte, 16384+512),
			want: 512,
		},
		{
			name: "no marker, multiple of 4096",
			data: make([]byte, 16384),
			want: 4096,
		},
		{
			name: "no marker, odd length",
			data: make([]byte, 10001),
			want: 4096,
		},
		{
			name: "short stream uses modulo rule",
			data: make([]byte, 1536),
			want: 512,
		},
		{
			name: "short stream ignores marker",
			data: plant(make([]byte, 8192), 512),
			want: 4096,
		},
		{
			name: "empty stream",
			data: nil,
			want: 4096,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rs := bytes.NewReader(tc.data)
			_, err := rs.Seek(100, io.SeekStart)
			require.NoError(t, err)

			got := detectSectorSize(rs, int64(len(tc.data)))
			require.Equal(t, tc.want, got)
			require.Zero(t, position(t, rs))
		})
	}
}

func TestDetectSectorSizeReadErrors(t *testing.T) {
	rs := &trackingSeeker{Reader: bytes.NewReader(plant(make([]byte, 16384), 512)), failRead: true}
	require.Equal(t, 4096, detectSectorSize(rs, 16384))
	require.Zero(t, position(t, rs))

	rs = &trackingSeeker{Reader: bytes.NewReader(make([]byte, 16384+512)), failSeek: true}
	require.Equal(t, 512, detectSectorSize(rs, 16384+512))
	require.Zero(t, position(t, rs))
}

func TestDetectSectorSizeTruncatedStream(t *testing.T) {
	// The declared length is larger than what can be read.
	data := make([]byte, 600)
	rs := bytes.NewReader(data)
	require.Equal(t, 4096, detectSectorSize(rs, 1<<20))
	require.Zero(t, position(t, rs))
}
