//go:build windows

package cliproc

import (
	"errors"
	"io"
	"os/exec"
)

func runWithPTY(*exec.Cmd, io.Writer) error {
	return errors.New("cliproc: pty mode not supported on windows")
}
