// Package output copies matched archive members to standard output.
// Content is opaque binary: no line-ending translation and no encoding
// assumption. Diagnostics never touch the content stream.
package output

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"syscall"

	"github.com/Morganamilo/paccat/internal/archive"
	"github.com/Morganamilo/paccat/internal/logger"
)

// ErrClosedPipe reports that the downstream consumer closed its end.
// The emission loop terminates gracefully; it is not a failure.
var ErrClosedPipe = errors.New("output closed by consumer")

const sniffLen = 512

// Options configure a Streamer.
type Options struct {
	Quiet       bool     // print member paths instead of content
	AllowBinary bool     // emit binary members instead of skipping them
	Highlighter []string // external filter argv; the member name is appended
	IsTerminal  bool     // stdout is a terminal (gates the highlighter)
}

// Streamer writes matched member bytes to w.
type Streamer struct {
	w    io.Writer
	opts Options
}

func New(w io.Writer, opts Options) *Streamer {
	return &Streamer{w: w, opts: opts}
}

// Emit copies one matched member downstream. It returns (true, nil)
// when bytes were emitted, (false, nil) when the member was skipped as
// binary, and ErrClosedPipe when the consumer went away.
func (s *Streamer) Emit(m *archive.Member) (bool, error) {
	if s.opts.Quiet {
		if _, err := fmt.Fprintln(s.w, m.Path); err != nil {
			return false, s.mapErr(err)
		}
		return true, nil
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(m.Content(), head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return false, fmt.Errorf("%w: %v", archive.ErrCorrupt, err)
	}
	head = head[:n]

	if isBinary(head) {
		if !s.opts.AllowBinary {
			logger.Logger().Warnf("%s is a binary file -- use --binary to print", m.Path)
			return false, nil
		}
		// binary always bypasses the highlighter
		return true, s.copy(s.w, head, m.Content())
	}

	if len(s.opts.Highlighter) > 0 && s.opts.IsTerminal {
		return true, s.highlight(m, head)
	}
	return true, s.copy(s.w, head, m.Content())
}

// copy streams head then rest to w. Write-side failures (the consumer)
// go through mapErr; read-side failures mean the member's archive broke
// mid-content and are classed as ErrCorrupt so callers can scope them
// to the target.
func (s *Streamer) copy(w io.Writer, head []byte, rest io.Reader) error {
	if _, err := w.Write(head); err != nil {
		return s.mapErr(err)
	}
	buf := make([]byte, 32*1024)
	for {
		n, rerr := rest.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return s.mapErr(werr)
			}
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("%w: %v", archive.ErrCorrupt, rerr)
		}
	}
}

// mapErr converts a downstream-closed-pipe failure into the graceful
// sentinel and passes everything else through.
func (s *Streamer) mapErr(err error) error {
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe) {
		return ErrClosedPipe
	}
	return err
}

// isBinary applies the NUL-in-leading-bytes heuristic.
func isBinary(head []byte) bool {
	return bytes.IndexByte(head, 0) >= 0
}
