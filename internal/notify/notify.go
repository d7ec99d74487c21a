// Package notify delivers local desktop notifications.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"

	"go.uber.org/zap"

	"github.com/mksalih/salahguard/internal/domain"
)

// DesktopNotifier implements domain.Notifier via the platform's
// notification command, falling back to the log when none is available.
type DesktopNotifier struct {
	logger *zap.Logger
}

// NewDesktopNotifier creates a desktop notifier.
func NewDesktopNotifier(logger *zap.Logger) *DesktopNotifier {
	return &DesktopNotifier{logger: logger}
}

// Notify shows a local notification. The log line is written regardless
// so headless environments still surface the warning.
func (n *DesktopNotifier) Notify(title, body string) error {
	n.logger.Warn("user notification",
		zap.String("title", title),
		zap.String("body", body))

	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", body, title)
		return exec.Command("osascript", "-e", script).Run()
	case "linux":
		if _, err := exec.LookPath("notify-send"); err != nil {
			return nil // Headless; the log line is the notification.
		}
		return exec.Command("notify-send", title, body).Run()
	default:
		return nil
	}
}

// Ensure DesktopNotifier implements domain.Notifier.
var _ domain.Notifier = (*DesktopNotifier)(nil)
