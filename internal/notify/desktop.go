package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"sigrelay/internal/domain"
)

// Runner executes an external command.
type Runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Desktop raises a desktop notification for every event, titled with its
// prefix.
type Desktop struct {
	goos string
	run  Runner
}

func NewDesktop() *Desktop {
	return &Desktop{goos: runtime.GOOS, run: execRunner}
}

func (d *Desktop) Notify(ctx context.Context, ev domain.ClassifiedEvent) error {
	name, args, ok := d.command(ev.Prefix, ev.Summary)
	if !ok {
		return nil
	}
	return d.run(ctx, name, args...)
}

func (d *Desktop) command(title, body string) (string, []string, bool) {
	switch d.goos {
	case "darwin":
		script := fmt.Sprintf(`display notification "%s" with title "%s"`, appleScriptEscape(body), appleScriptEscape(title))
		return "osascript", []string{"-e", script}, true
	case "linux", "freebsd", "openbsd", "netbsd":
		return "notify-send", []string{"--app-name=sigrelay", title, body}, true
	}
	return "", nil, false
}

var appleScriptReplacer = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// appleScriptEscape quotes s for an AppleScript string literal, which only
// knows backslash escapes for itself and the double quote.
func appleScriptEscape(s string) string {
	return appleScriptReplacer.Replace(s)
}
