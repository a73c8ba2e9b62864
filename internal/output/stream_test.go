package output

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"syscall"
	"testing"

	"github.com/Morganamilo/paccat/internal/archive"
)

// memberFromTar builds a single-member archive and returns the member.
func memberFromTar(t *testing.T, name string, content []byte) (*archive.Member, func()) {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("tar header: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("tar write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar: %v", err)
	}

	r, err := archive.NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	m, err := r.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	return m, func() { r.Close() }
}

func TestEmitCopiesBytesVerbatim(t *testing.T) {
	content := []byte("GRUB_TIMEOUT=5\r\nGRUB_DEFAULT=0\n")
	m, done := memberFromTar(t, "etc/default/grub", content)
	defer done()

	var out bytes.Buffer
	emitted, err := New(&out, Options{}).Emit(m)
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if !emitted {
		t.Fatal("Expected member to be emitted")
	}
	if !bytes.Equal(out.Bytes(), content) {
		t.Errorf("Bytes were not copied verbatim: %q", out.Bytes())
	}
}

func TestEmitLargeMemberRoundTrip(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789abcdef"), 8192) // > sniff window
	m, done := memberFromTar(t, "usr/share/big.txt", content)
	defer done()

	var out bytes.Buffer
	if _, err := New(&out, Options{}).Emit(m); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if !bytes.Equal(out.Bytes(), content) {
		t.Error("Large member lost bytes across the sniff boundary")
	}
}

func TestEmitSkipsBinaryByDefault(t *testing.T) {
	content := append([]byte{0x7f, 'E', 'L', 'F', 0x00}, []byte("machine code")...)
	m, done := memberFromTar(t, "usr/bin/demo", content)
	defer done()

	var out bytes.Buffer
	emitted, err := New(&out, Options{}).Emit(m)
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if emitted || out.Len() != 0 {
		t.Error("Binary member must be skipped without --binary")
	}
}

func TestEmitBinaryWhenAllowed(t *testing.T) {
	content := append([]byte{0x00, 0x01, 0x02}, []byte("raw")...)
	m, done := memberFromTar(t, "usr/bin/demo", content)
	defer done()

	var out bytes.Buffer
	emitted, err := New(&out, Options{AllowBinary: true}).Emit(m)
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if !emitted || !bytes.Equal(out.Bytes(), content) {
		t.Error("Binary member must pass through unmodified with --binary")
	}
}

func TestEmitQuietPrintsPathOnly(t *testing.T) {
	m, done := memberFromTar(t, "etc/pacman.conf", []byte("[options]\n"))
	defer done()

	var out bytes.Buffer
	emitted, err := New(&out, Options{Quiet: true}).Emit(m)
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if !emitted || out.String() != "etc/pacman.conf\n" {
		t.Errorf("Expected path line, got %q", out.String())
	}
}

func TestEmitTruncatedMemberIsCorrupt(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	content := bytes.Repeat([]byte("a"), 200*1024)
	hdr := &tar.Header{Name: "etc/long.txt", Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("tar header: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("tar write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar: %v", err)
	}

	// cut the stream mid-content, past the 512-byte header
	r, err := archive.NewReader(bytes.NewReader(buf.Bytes()[:512+1000]))
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()
	m, err := r.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}

	var out bytes.Buffer
	_, err = New(&out, Options{}).Emit(m)
	if !errors.Is(err, archive.ErrCorrupt) {
		t.Fatalf("Expected ErrCorrupt for a mid-member truncation, got %v", err)
	}
	if out.Len() == 0 {
		t.Error("Bytes copied before the truncation point are not retracted")
	}
}

// epipeWriter simulates a consumer that closed its end mid-stream.
type epipeWriter struct {
	budget int
}

func (w *epipeWriter) Write(p []byte) (int, error) {
	if w.budget <= 0 {
		return 0, syscall.EPIPE
	}
	n := len(p)
	if n > w.budget {
		n = w.budget
	}
	w.budget -= n
	if n < len(p) {
		return n, syscall.EPIPE
	}
	return n, nil
}

func TestEmitBrokenPipeIsGraceful(t *testing.T) {
	content := bytes.Repeat([]byte("data\n"), 4096)
	m, done := memberFromTar(t, "usr/share/big.txt", content)
	defer done()

	_, err := New(&epipeWriter{budget: 600}, Options{}).Emit(m)
	if !errors.Is(err, ErrClosedPipe) {
		t.Errorf("Expected ErrClosedPipe, got %v", err)
	}
}

func TestEmitClosedPipeWriterIsGraceful(t *testing.T) {
	m, done := memberFromTar(t, "etc/motd", []byte("hello\n"))
	defer done()

	pr, pw := io.Pipe()
	pr.Close()
	_, err := New(pw, Options{}).Emit(m)
	if !errors.Is(err, ErrClosedPipe) {
		t.Errorf("Expected ErrClosedPipe, got %v", err)
	}
}
