// Package cliproc implements the CLI subprocess transport backend. Each
// execution launches a short-lived child process with captured output; the
// processes are mutually independent, so the backend needs no internal
// serialisation.
package cliproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/backend"
	"github.com/eugener/mithril/internal/tokencount"
)

// Config carries the provider settings for a CLI backend.
type Config struct {
	Name    string
	Command string
	Args    []string
	WorkDir string
	Env     map[string]string
	Timeout time.Duration

	// UsePTY allocates a pseudo-terminal for CLIs that refuse to run
	// without a TTY.
	UsePTY bool
	// ExternalTerminal runs the command in a separate terminal window and
	// captures output through a temp file. Only for explicit opt-in.
	ExternalTerminal bool
	// AutoOpenAuth opens the detected authentication URL in a browser when
	// the CLI reports it needs login.
	AutoOpenAuth bool
	// AuthKeywords extends the generic auth-required detection set with
	// provider-specific phrases.
	AuthKeywords []string
	// AuthCommand is a provider-specific command to run in a terminal when
	// re-authentication is needed (e.g. "mytool login").
	AuthCommand string
}

// Backend wraps a local executable as a provider.
type Backend struct {
	cfg Config
}

var _ backend.Backend = (*Backend)(nil)

// New creates a CLI Backend.
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg}
}

// Name returns the provider instance identifier.
func (b *Backend) Name() string { return b.cfg.Name }

// Kind returns the CLI transport kind.
func (b *Backend) Kind() gateway.TransportKind { return gateway.TransportCLI }

// ExecuteStream is unsupported; CLI output arrives all at once.
func (b *Backend) ExecuteStream(context.Context, *gateway.Request) (<-chan gateway.Chunk, error) {
	return nil, backend.ErrStreamingUnsupported
}

// Shutdown is a no-op: child processes are short-lived and reaped per call.
func (b *Backend) Shutdown() {}

// HealthCheck verifies the binary is present and executable. It never runs
// the binary: some CLIs have slow first-invocation auth flows.
func (b *Backend) HealthCheck(context.Context) error {
	path, err := b.resolveBinary()
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: stat %s: %w", b.cfg.Name, path, err)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s: %s is not executable", b.cfg.Name, path)
	}
	return nil
}

// Execute launches the CLI with the request message appended to the
// configured arguments and post-processes its output.
func (b *Backend) Execute(ctx context.Context, req *gateway.Request) *gateway.Result {
	start := time.Now()
	fail := func(err error) *gateway.Result {
		return &gateway.Result{Err: err, Latency: time.Since(start)}
	}

	bin, err := b.resolveBinary()
	if err != nil {
		return fail(err)
	}

	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	args := append(append([]string(nil), b.cfg.Args...), req.Message)
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = b.cfg.WorkDir
	cmd.Env = b.buildEnv()
	cmd.Stdin = nil

	var runErr error
	switch {
	case b.cfg.ExternalTerminal:
		var out string
		out, runErr = b.runInTerminal(ctx, bin, args)
		stdout.WriteString(out)
	case b.cfg.UsePTY:
		runErr = runWithPTY(cmd, &stdout)
	default:
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		runErr = cmd.Run()
	}

	combined := stdout.String()
	if stderr.Len() > 0 {
		combined += "\n" + stderr.String()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fail(fmt.Errorf("%s: command timed out: %w", b.cfg.Name, context.DeadlineExceeded))
		}
		return fail(fmt.Errorf("%s: command cancelled: %w", b.cfg.Name, context.Cause(ctx)))
	}

	// Auth detection runs before the exit-code check: many CLIs exit
	// non-zero when they need login, and the distinguished failure matters
	// more than the raw status.
	if hit := b.detectAuthRequired(ctx, combined); hit != nil {
		return &gateway.Result{
			Err:       fmt.Errorf("%s: authentication required", b.cfg.Name),
			Latency:   time.Since(start),
			RawOutput: combined,
			Metadata:  hit,
		}
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return fail(fmt.Errorf("%s: exit status %d: %s",
				b.cfg.Name, exitErr.ExitCode(), firstLines(combined, 5)))
		}
		return fail(fmt.Errorf("%s: run command: %w", b.cfg.Name, runErr))
	}

	text, thinking := cleanOutput(combined)
	in, out := tokencount.EstimateExchange(req.Message, text)

	return &gateway.Result{
		Success:   true,
		Text:      text,
		Thinking:  thinking,
		RawOutput: combined,
		Tokens:    in + out,
		Latency:   time.Since(start),
		Metadata:  map[string]any{"command": b.cfg.Command},
	}
}

// resolveBinary looks up the command via PATH, then a short list of
// well-known user/system binary directories.
func (b *Backend) resolveBinary() (string, error) {
	if path, err := exec.LookPath(b.cfg.Command); err == nil {
		return path, nil
	}

	home, _ := os.UserHomeDir()
	fallbacks := []string{
		filepath.Join(home, ".local", "bin"),
		filepath.Join(home, "bin"),
		"/usr/local/bin",
		"/opt/homebrew/bin",
	}
	for _, dir := range fallbacks {
		candidate := filepath.Join(dir, b.cfg.Command)
		if info, err := os.Stat(candidate); err == nil && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s: command %q not found", b.cfg.Name, b.cfg.Command)
}

// buildEnv returns the child environment: the parent's, the configured
// overrides, and the terminal-interactivity suppressors so the CLI does not
// attempt ANSI UI.
func (b *Backend) buildEnv() []string {
	env := os.Environ()
	for k, v := range b.cfg.Env {
		env = append(env, k+"="+v)
	}
	return append(env, "TERM=dumb", "NO_COLOR=1", "CI=1")
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
