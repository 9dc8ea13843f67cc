// Package notify delivers classified events to humans: the terminal, the
// desktop, chat webhooks and a Redis channel.
package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"sigrelay/internal/domain"
)

var (
	accent = lipgloss.Color("#00D4FF")
	green  = lipgloss.Color("#04B575")
)

// Console prints one line per event: "<prefix> / <summary>".
type Console struct {
	mu       sync.Mutex
	out      io.Writer
	received lipgloss.Style
	sent     lipgloss.Style
	color    bool
}

// NewConsole writes to out. Colors are used only when color is set and out
// is a terminal.
func NewConsole(out io.Writer, color bool) *Console {
	if f, ok := out.(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
		color = false
	}
	r := lipgloss.NewRenderer(out)
	return &Console{
		out:      out,
		received: r.NewStyle().Bold(true).Foreground(accent),
		sent:     r.NewStyle().Bold(true).Foreground(green),
		color:    color,
	}
}

func (c *Console) Notify(_ context.Context, ev domain.ClassifiedEvent) error {
	prefix := ev.Prefix
	if c.color {
		if ev.Direction == domain.Sent {
			prefix = c.sent.Render(prefix)
		} else {
			prefix = c.received.Render(prefix)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.out, "%s / %s\n", prefix, ev.Summary); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	return nil
}
