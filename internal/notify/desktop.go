package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	appconfig "github.com/promowatch/promowatch/internal/config"
)

// DesktopChannel pops a local desktop notification by shelling out to a
// configured command, e.g. notify-send on Linux or osascript on macOS. The
// digest subject is appended as the final argument.
type DesktopChannel struct {
	command string
}

// NewDesktopChannel creates the desktop channel.
func NewDesktopChannel(cfg appconfig.DesktopConfig) *DesktopChannel {
	return &DesktopChannel{command: cfg.Command}
}

func (c *DesktopChannel) Name() string { return "desktop" }

// Send runs the notification command with the digest subject.
func (c *DesktopChannel) Send(ctx context.Context, digest *Digest) error {
	if strings.TrimSpace(c.command) == "" {
		return fmt.Errorf("no desktop command configured")
	}

	parts := strings.Fields(c.command)
	args := append(parts[1:], digest.Subject)

	cmd := exec.CommandContext(ctx, parts[0], args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("desktop command: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
