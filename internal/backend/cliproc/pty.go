//go:build !windows

package cliproc

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// runWithPTY runs cmd attached to a pseudo-terminal, copying combined
// stdout+stderr into out. Needed for CLIs that refuse to run without a TTY.
func runWithPTY(cmd *exec.Cmd, out io.Writer) error {
	f, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("cliproc: start pty: %w", err)
	}
	defer f.Close()

	// The PTY read returns EIO when the child exits and the slave side
	// closes; treat it as EOF.
	if _, err := io.Copy(out, f); err != nil && !errors.Is(err, syscall.EIO) {
		return fmt.Errorf("cliproc: read pty: %w", err)
	}
	return cmd.Wait()
}
