package delivery

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/user/nextmeeting/internal/types"
)

// Desktop shows notifications through notify-send.
type Desktop struct {
	command string
}

func NewDesktop() *Desktop {
	return &Desktop{command: "notify-send"}
}

func (d *Desktop) Name() string { return "desktop" }

func (d *Desktop) Send(ctx context.Context, n types.Notification) error {
	cmd := exec.CommandContext(ctx, d.command, desktopArgs(n)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", d.command, err, msg)
		}
		return fmt.Errorf("%s: %w", d.command, err)
	}
	return nil
}

func desktopArgs(n types.Notification) []string {
	args := []string{"--urgency", n.Urgency.String()}
	if n.AppName != "" {
		args = append(args, "--app-name", n.AppName)
	}
	if n.Icon != "" {
		args = append(args, "--icon", n.Icon)
	}
	if n.Expiry > 0 {
		args = append(args, "--expire-time", strconv.FormatInt(n.Expiry.Milliseconds(), 10))
	}
	return append(args, "--", n.Title, n.Body)
}
