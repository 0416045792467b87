package notify

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// TerminalNotifier prints notifications to a terminal, colored by severity.
type TerminalNotifier struct {
	mu      sync.Mutex
	w       io.Writer
	enabled bool
}

// NewTerminalNotifier creates a terminal channel writing to w.
func NewTerminalNotifier(w io.Writer, colorEnabled bool) *TerminalNotifier {
	if !colorEnabled {
		color.NoColor = true
	}
	return &TerminalNotifier{w: w, enabled: w != nil}
}

func (tn *TerminalNotifier) Name() string    { return "terminal" }
func (tn *TerminalNotifier) IsEnabled() bool { return tn.enabled }

// Send writes one formatted block.
func (tn *TerminalNotifier) Send(_ context.Context, n Notification) error {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	_, err := io.WriteString(tn.w, FormatNotification(n)+"\n")
	return err
}

// FormatNotification renders a notification for the terminal.
func FormatNotification(n Notification) string {
	var indicator string
	c := color.New(color.FgWhite)
	switch n.Type {
	case NotificationEmergency:
		indicator = "🚨 EMERGENCY"
		c = color.New(color.FgRed, color.Bold)
	case NotificationStopLoss:
		indicator = "🛑 STOP-LOSS"
		c = color.New(color.FgRed)
	case NotificationDrawdown:
		indicator = "📉 DRAWDOWN"
		c = color.New(color.FgYellow)
	case NotificationError:
		indicator = "❌ ERROR"
		c = color.New(color.FgRed)
	default:
		indicator = "ℹ️  INFO"
	}
	if n.Severity == SeverityInfo && n.Type == NotificationDrawdown {
		c = color.New(color.FgGreen)
	}

	var sb strings.Builder
	sb.WriteString(c.Sprintf("[%s] %s", n.Timestamp.Format("15:04:05"), indicator))
	if n.Asset != "" {
		sb.WriteString(fmt.Sprintf(" | %s", n.Asset))
	}
	sb.WriteString(fmt.Sprintf(" | %s", n.Title))
	for _, line := range strings.Split(n.Message, "\n") {
		if line != "" {
			sb.WriteString("\n    → " + line)
		}
	}
	return sb.String()
}
