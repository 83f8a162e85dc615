package cliproc

import (
	"context"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
)

// genericAuthIndicators are phrases that mean "log in first" across CLIs.
var genericAuthIndicators = []string{
	"authentication required",
	"auth required",
	"not logged in",
	"not authenticated",
	"please log in",
	"please login",
	"please sign in",
	"login required",
	"unauthorized",
	"invalid api key",
	"credentials expired",
	"token expired",
	"run login",
}

// authURLPattern matches login/authorization URLs printed by CLIs.
var authURLPattern = regexp.MustCompile(`https?://[^\s"']*(?:auth|login|oauth|sign-in|authorize)[^\s"']*`)

// detectAuthRequired scans CLI output for authentication-required patterns.
// On a hit it returns the auth metadata map (auth_required, auth_url,
// auth_terminal_opened); nil means no auth problem detected.
func (b *Backend) detectAuthRequired(ctx context.Context, output string) map[string]any {
	lower := strings.ToLower(output)

	hit := false
	for _, kw := range b.cfg.AuthKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			hit = true
			break
		}
	}
	if !hit {
		for _, kw := range genericAuthIndicators {
			if strings.Contains(lower, kw) {
				hit = true
				break
			}
		}
	}
	if !hit {
		return nil
	}

	meta := map[string]any{"auth_required": true}
	if url := authURLPattern.FindString(output); url != "" {
		meta["auth_url"] = url
		if b.cfg.AutoOpenAuth {
			openBrowser(ctx, url)
		}
	} else if b.cfg.AutoOpenAuth && b.cfg.AuthCommand != "" {
		if openTerminalCommand(ctx, b.cfg.AuthCommand) {
			meta["auth_terminal_opened"] = true
		}
	}
	return meta
}

// openBrowser opens url with the platform opener, best effort.
func openBrowser(ctx context.Context, url string) {
	for _, opener := range []string{"xdg-open", "open"} {
		if _, err := exec.LookPath(opener); err == nil {
			if err := exec.CommandContext(ctx, opener, url).Start(); err != nil {
				slog.Warn("open auth url failed", "opener", opener, "error", err)
			}
			return
		}
	}
	slog.Info("authentication required", "url", url)
}

// openTerminalCommand runs an interactive auth command in a new terminal
// window so the user can complete the login flow.
func openTerminalCommand(ctx context.Context, command string) bool {
	for _, term := range []string{"x-terminal-emulator", "gnome-terminal", "xterm"} {
		if _, err := exec.LookPath(term); err == nil {
			cmd := exec.CommandContext(ctx, term, "-e", "sh", "-c", command)
			if err := cmd.Start(); err != nil {
				slog.Warn("open auth terminal failed", "terminal", term, "error", err)
				return false
			}
			return true
		}
	}
	return false
}
