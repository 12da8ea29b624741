package notify

import (
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier sends desktop notifications
type DesktopNotifier struct {
	enabled bool
}

func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled}
}

func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}

	switch runtime.GOOS {
	case "darwin":
		return d.sendMacOS(n)
	case "linux":
		return d.sendLinux(n)
	default:
		return nil
	}
}

func (d *DesktopNotifier) sendMacOS(n Notification) error {
	// Title and message are interpolated into the script source, so
	// quotes and backslashes must not pass through.
	script := `display notification "` + escapeAppleScript(n.Message) +
		`" with title "` + escapeAppleScript(n.Title) + `"`
	return exec.Command("osascript", "-e", script).Run()
}

func (d *DesktopNotifier) sendLinux(n Notification) error {
	return exec.Command("notify-send", "-u", urgency(n.Level), n.Title, n.Message).Run()
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func urgency(l Level) string {
	switch l {
	case LevelError:
		return "critical"
	case LevelWarning:
		return "normal"
	default:
		return "low"
	}
}
