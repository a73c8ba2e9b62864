package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

type entry struct {
	name     string
	typeflag byte
	content  string
	linkname string
}

func buildTar(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Mode:     0o644,
			Size:     int64(len(e.content)),
			Linkname: e.linkname,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("writing tar header: %v", err)
		}
		if e.typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.content)); err != nil {
				t.Fatalf("writing tar content: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar: %v", err)
	}
	return buf.Bytes()
}

var testEntries = []entry{
	{name: ".PKGINFO", typeflag: tar.TypeReg, content: "pkgname = demo\n"},
	{name: "etc/", typeflag: tar.TypeDir},
	{name: "etc/default/grub", typeflag: tar.TypeReg, content: "GRUB_TIMEOUT=5\n"},
	{name: "usr/bin/demo", typeflag: tar.TypeSymlink, linkname: "../lib/demo"},
	{name: "usr/lib/demo", typeflag: tar.TypeReg, content: "\x00\x01binary"},
}

func collect(t *testing.T, r *Reader) map[string]string {
	t.Helper()
	members := make(map[string]string)
	for {
		m, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		data, err := io.ReadAll(m.Content())
		if err != nil {
			t.Fatalf("reading member %s: %v", m.Path, err)
		}
		members[m.Path] = string(data)
	}
	return members
}

func TestReaderSkipsNonRegularEntries(t *testing.T) {
	raw := buildTar(t, testEntries)
	r, err := NewReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()

	members := collect(t, r)
	if len(members) != 3 {
		t.Fatalf("Expected 3 regular members, got %d: %v", len(members), members)
	}
	if _, ok := members["usr/bin/demo"]; ok {
		t.Error("Symlink entry must not be offered")
	}
	if _, ok := members["etc"]; ok {
		t.Error("Directory entry must not be offered")
	}
	if members["etc/default/grub"] != "GRUB_TIMEOUT=5\n" {
		t.Errorf("Content mismatch for etc/default/grub: %q", members["etc/default/grub"])
	}
	if members["usr/lib/demo"] != "\x00\x01binary" {
		t.Error("Binary content was not passed through verbatim")
	}
}

func TestReaderDecompression(t *testing.T) {
	raw := buildTar(t, testEntries)

	compressors := map[string]func(w io.Writer) (io.WriteCloser, error){
		"gzip": func(w io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriter(w), nil
		},
		"zstd": func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w)
		},
		"xz": func(w io.Writer) (io.WriteCloser, error) {
			return xz.NewWriter(w)
		},
	}

	for name, newWriter := range compressors {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			w, err := newWriter(&buf)
			if err != nil {
				t.Fatalf("creating %s writer: %v", name, err)
			}
			if _, err := w.Write(raw); err != nil {
				t.Fatalf("compressing: %v", err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("closing compressor: %v", err)
			}

			r, err := NewReader(bytes.NewReader(buf.Bytes()))
			if err != nil {
				t.Fatalf("NewReader failed: %v", err)
			}
			defer r.Close()

			members := collect(t, r)
			if members["etc/default/grub"] != "GRUB_TIMEOUT=5\n" {
				t.Errorf("Round trip through %s lost content: %v", name, members)
			}
		})
	}
}

func TestReaderMemberMetadata(t *testing.T) {
	raw := buildTar(t, []entry{
		{name: "./etc/pacman.conf", typeflag: tar.TypeReg, content: "[options]\n"},
	})
	r, err := NewReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()

	m, err := r.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if m.Path != "etc/pacman.conf" {
		t.Errorf("Expected normalized path etc/pacman.conf, got %s", m.Path)
	}
	if m.Name != "pacman.conf" {
		t.Errorf("Expected basename pacman.conf, got %s", m.Name)
	}
	if m.Size != int64(len("[options]\n")) {
		t.Errorf("Expected size %d, got %d", len("[options]\n"), m.Size)
	}
}

func TestReaderCorruptArchive(t *testing.T) {
	r, err := NewReader(bytes.NewReader([]byte("this is not a tar archive at all, just text")))
	if err != nil {
		t.Fatalf("NewReader should defer corruption detection: %v", err)
	}
	if _, err := r.Next(); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Expected ErrCorrupt, got %v", err)
	}
}

func TestReaderTruncatedCompressedArchive(t *testing.T) {
	raw := buildTar(t, testEntries)
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		t.Fatalf("compressing: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("closing compressor: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()/2]

	r, err := NewReader(bytes.NewReader(truncated))
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	for {
		m, err := r.Next()
		if errors.Is(err, io.EOF) {
			t.Fatal("Truncated archive should not end cleanly")
		}
		if err != nil {
			if !errors.Is(err, ErrCorrupt) {
				t.Errorf("Expected ErrCorrupt, got %v", err)
			}
			return
		}
		if _, err := io.Copy(io.Discard, m.Content()); err != nil {
			return
		}
	}
}

func TestOpenEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pkg.tar.zst")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("writing empty file: %v", err)
	}
	if _, err := Open(path); !errors.Is(err, ErrEmpty) {
		t.Errorf("Expected ErrEmpty, got %v", err)
	}
}
