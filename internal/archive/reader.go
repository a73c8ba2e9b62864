// Package archive streams the members of a compressed package
// archive. Package files and sync databases are both compressed tar
// streams without random access, so the reader is strictly forward
// only: the content of one member must be consumed (or abandoned)
// before the next becomes available.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

var (
	// ErrCorrupt marks a corrupt or truncated archive. Matches already
	// emitted before the corruption point remain valid.
	ErrCorrupt = errors.New("corrupt archive")

	// ErrEmpty marks a zero-byte archive file.
	ErrEmpty = errors.New("empty file")
)

// Member is one regular-file entry. It is only valid until the next
// call to Next on the owning Reader.
type Member struct {
	Path string // full in-archive path, no leading slash
	Name string // basename
	Size int64
	r    io.Reader
}

// Content returns the member's byte stream.
func (m *Member) Content() io.Reader { return m.r }

// Reader iterates the regular-file members of a compressed tar stream.
type Reader struct {
	tr      *tar.Reader
	closers []io.Closer
}

var (
	magicGzip  = []byte{0x1f, 0x8b}
	magicBzip2 = []byte{'B', 'Z', 'h'}
	magicXz    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicZstd  = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Open opens the archive file at path.
func Open(name string) (*Reader, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("%s: %w", name, ErrEmpty)
	}

	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	r.closers = append(r.closers, f)
	return r, nil
}

// NewReader wraps an already-open archive stream, sniffing the
// compression from the leading magic bytes.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	magic, err := br.Peek(6)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	reader := &Reader{}
	var tarStream io.Reader
	switch {
	case bytes.HasPrefix(magic, magicZstd):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		rc := dec.IOReadCloser()
		reader.closers = append(reader.closers, rc)
		tarStream = rc
	case bytes.HasPrefix(magic, magicXz):
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		tarStream = xr
	case bytes.HasPrefix(magic, magicGzip):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		reader.closers = append(reader.closers, gz)
		tarStream = gz
	case bytes.HasPrefix(magic, magicBzip2):
		tarStream = bzip2.NewReader(br)
	default:
		tarStream = br
	}

	reader.tr = tar.NewReader(tarStream)
	return reader, nil
}

// Next advances to the next regular-file member, skipping directories,
// symlinks and every other entry type. It returns io.EOF at the end of
// the archive and wraps any other failure in ErrCorrupt.
func (r *Reader) Next() (*Member, error) {
	for {
		hdr, err := r.tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		p := strings.TrimPrefix(path.Clean(hdr.Name), "./")
		p = strings.TrimPrefix(p, "/")
		if p == "" || p == "." {
			continue
		}
		return &Member{
			Path: p,
			Name: path.Base(p),
			Size: hdr.Size,
			r:    r.tr,
		}, nil
	}
}

// Close releases the decompressor and the underlying file, if any.
func (r *Reader) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
