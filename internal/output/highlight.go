package output

import (
	"io"
	"os/exec"

	"github.com/Morganamilo/paccat/internal/archive"
	"github.com/Morganamilo/paccat/internal/logger"
)

// highlight pipes a text member through the configured external
// highlighter, appending the member name as a filename hint. If the
// highlighter cannot be started the bytes are emitted unstyled.
func (s *Streamer) highlight(m *archive.Member, head []byte) error {
	argv := append(append([]string{}, s.opts.Highlighter...), m.Name)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = s.w
	cmd.Stderr = io.Discard

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return s.copy(s.w, head, m.Content())
	}
	if err := cmd.Start(); err != nil {
		logger.Logger().Debugf("highlighter unavailable, printing plain: %v", err)
		stdin.Close()
		return s.copy(s.w, head, m.Content())
	}

	copyErr := s.copy(stdin, head, m.Content())
	stdin.Close()
	if err := cmd.Wait(); err != nil && copyErr == nil {
		logger.Logger().Debugf("highlighter exited: %v", err)
	}
	return copyErr
}
