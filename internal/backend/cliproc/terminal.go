package cliproc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// exitMarker is appended to the capture file so the watcher can tell a
// finished run from a still-open terminal.
const exitMarker = "__CLIPROC_EXIT:"

// runInTerminal executes the command inside a separate terminal window,
// capturing output through a temp file. The command line appends an exit
// marker so completion and status are observable from outside the terminal.
func (b *Backend) runInTerminal(ctx context.Context, bin string, args []string) (string, error) {
	capture, err := os.CreateTemp("", "cliproc-*.out")
	if err != nil {
		return "", fmt.Errorf("cliproc: create capture file: %w", err)
	}
	capturePath := capture.Name()
	capture.Close()
	defer os.Remove(capturePath)

	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, shellQuote(bin))
	for _, a := range args {
		quoted = append(quoted, shellQuote(a))
	}
	script := fmt.Sprintf("%s > %s 2>&1; echo %s$? >> %s",
		strings.Join(quoted, " "), shellQuote(capturePath), exitMarker, shellQuote(capturePath))

	launched := false
	for _, term := range []string{"x-terminal-emulator", "gnome-terminal", "xterm"} {
		if _, lookErr := exec.LookPath(term); lookErr == nil {
			if startErr := exec.CommandContext(ctx, term, "-e", "sh", "-c", script).Start(); startErr == nil {
				launched = true
			}
			break
		}
	}
	if !launched {
		return "", fmt.Errorf("cliproc: no terminal emulator available")
	}

	return waitForMarker(ctx, capturePath)
}

// waitForMarker polls the capture file until the exit marker appears or the
// context expires, then returns the output with the marker stripped.
func waitForMarker(ctx context.Context, path string) (string, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		out := string(data)
		idx := strings.LastIndex(out, exitMarker)
		if idx < 0 {
			continue
		}

		codeStr := strings.TrimSpace(out[idx+len(exitMarker):])
		out = out[:idx]
		if code, err := strconv.Atoi(codeStr); err == nil && code != 0 {
			return out, fmt.Errorf("cliproc: terminal command exited with status %d", code)
		}
		return out, nil
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
