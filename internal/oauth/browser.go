package oauth

import (
	"net/url"
	"os/exec"
	"runtime"

	"github.com/cockroachdb/errors"
)

// browserLauncher starts the command that opens the browser.
// Tests replace it to avoid launching a real browser.
var browserLauncher = func(cmd *exec.Cmd) error {
	return cmd.Start()
}

// OpenBrowser opens the specified URL in the default web browser.
// It supports Linux, macOS, and Windows. Only http and https URLs are accepted.
func OpenBrowser(rawURL string) error {
	if rawURL == "" {
		return errors.New("URL cannot be empty")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrap(err, "invalid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.Newf("invalid URL scheme %q: only http and https are allowed", parsed.Scheme)
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux", "freebsd", "openbsd", "netbsd":
		cmd = exec.Command("xdg-open", rawURL)
	case "darwin":
		cmd = exec.Command("open", rawURL)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", rawURL)
	default:
		return errors.Newf("unsupported platform: %s", runtime.GOOS)
	}

	// The browser runs in the background; we never wait for it.
	if err := browserLauncher(cmd); err != nil {
		return errors.Wrap(err, "failed to open browser")
	}

	return nil
}
