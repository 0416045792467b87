// Package notify delivers risk notifications to external channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"spot-trader/internal/config"
	"spot-trader/internal/risk"
	"spot-trader/pkg/utils"
)

// NotificationChannel defines the interface for a notification channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType
	Severity  Severity
	Title     string
	Message   string
	Asset     string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationDrawdown  NotificationType = "drawdown"
	NotificationStopLoss  NotificationType = "stop_loss"
	NotificationEmergency NotificationType = "emergency"
	NotificationError     NotificationType = "error"
	NotificationInfo      NotificationType = "info"
)

// Severity orders notifications for level filtering.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityWarning:
		return "warning"
	}
	return "info"
}

// NotificationLevel represents the notification level filter.
type NotificationLevel string

const (
	LevelAll          NotificationLevel = "all"
	LevelCriticalOnly NotificationLevel = "critical_only"
)

// MultiNotifier sends notifications to multiple channels.
type MultiNotifier struct {
	channels []NotificationChannel
	level    NotificationLevel
	mu       sync.RWMutex
}

// NewMultiNotifier creates a MultiNotifier with the webhook channel from cfg.
// Channels that need a network handshake, such as Telegram, are added by
// the caller with AddChannel.
func NewMultiNotifier(cfg config.NotificationConfig) *MultiNotifier {
	mn := &MultiNotifier{
		channels: make([]NotificationChannel, 0),
		level:    NotificationLevel(cfg.Level),
	}
	if mn.level == "" {
		mn.level = LevelAll
	}
	if cfg.Webhook.Enabled {
		mn.channels = append(mn.channels, NewWebhookNotifier(cfg.Webhook))
	}
	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

// Channels returns the names of enabled channels.
func (mn *MultiNotifier) Channels() []string {
	mn.mu.RLock()
	defer mn.mu.RUnlock()
	var names []string
	for _, ch := range mn.channels {
		if ch.IsEnabled() {
			names = append(names, ch.Name())
		}
	}
	return names
}

func (mn *MultiNotifier) shouldSend(n Notification) bool {
	if mn.level == LevelCriticalOnly {
		return n.Severity >= SeverityCritical
	}
	return true
}

// Send sends a notification to all enabled channels. A failing channel does
// not stop delivery to the others.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if !mn.shouldSend(n) {
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var err error
	for _, ch := range channels {
		if !ch.IsEnabled() {
			continue
		}
		if sendErr := ch.Send(ctx, n); sendErr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", ch.Name(), sendErr))
		}
	}
	return err
}

// ============================================================================
// Risk event formatting
// ============================================================================

// DrawdownNotification describes a drawdown state transition.
func DrawdownNotification(a risk.DrawdownAction, currency string) Notification {
	sev := SeverityWarning
	switch a.State {
	case risk.DrawdownEmergency:
		sev = SeverityCritical
	case risk.DrawdownNormal, risk.DrawdownRecovering:
		sev = SeverityInfo
	}
	return Notification{
		Type:     NotificationDrawdown,
		Severity: sev,
		Title:    fmt.Sprintf("Drawdown %s -> %s", a.Previous, a.State),
		Message: fmt.Sprintf("Drawdown: %s\nEquity: %s\nPeak: %s\nAction: %s\n%s",
			utils.FormatPercent(a.Drawdown),
			utils.FormatQuote(a.Equity, currency),
			utils.FormatQuote(a.PeakEquity, currency),
			a.Action,
			a.Reason),
		Data: map[string]interface{}{
			"state":    a.State,
			"previous": a.Previous,
			"drawdown": a.Drawdown,
			"equity":   a.Equity,
			"action":   a.Action,
		},
		Timestamp: a.Timestamp,
	}
}

// StopLossNotification describes a stop trigger or warning.
func StopLossNotification(e *risk.StopLossEvent, currency string) Notification {
	sev := SeverityCritical
	title := fmt.Sprintf("Stop-loss %s on %s", e.Type, e.Asset)
	if !e.Triggered() {
		sev = SeverityWarning
		title = fmt.Sprintf("Stop-loss warning on %s", e.Asset)
	}
	msg := fmt.Sprintf("Action: %s\nPrice: %s\nPnL: %s\n%s",
		e.Action,
		utils.FormatQuote(e.Price, currency),
		utils.FormatPercent(e.PnLPercent),
		e.Reason)
	if e.Action == risk.StopClosePartial {
		msg = fmt.Sprintf("Closing %s of position\n%s", utils.FormatPercent(e.ClosePercent), msg)
	}
	return Notification{
		Type:     NotificationStopLoss,
		Severity: sev,
		Title:    title,
		Message:  msg,
		Asset:    e.Asset,
		Data: map[string]interface{}{
			"type":        e.Type,
			"action":      e.Action,
			"price":       e.Price,
			"stop_price":  e.StopPrice,
			"pnl_percent": e.PnLPercent,
		},
		Timestamp: e.Timestamp,
	}
}

// EmergencyNotification summarizes an emergency close.
func EmergencyNotification(e *risk.EmergencyCloseEvent, currency string) Notification {
	status := "completed"
	if !e.Success {
		status = "finished with errors"
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Trigger: %s\n%s\n", e.TriggerType, e.Reason))
	sb.WriteString(fmt.Sprintf("Strategy: %s, %d batches\n", e.Strategy, len(e.Batches)))
	sb.WriteString(fmt.Sprintf("Equity: %s -> %s\n",
		utils.FormatQuote(e.Before.Equity, currency),
		utils.FormatQuote(e.After.Equity, currency)))
	sb.WriteString(fmt.Sprintf("Duration: %s", e.Duration.Round(time.Millisecond)))
	for _, msg := range e.Errors {
		sb.WriteString("\nError: " + msg)
	}

	return Notification{
		Type:     NotificationEmergency,
		Severity: SeverityCritical,
		Title:    "Emergency close " + status,
		Message:  sb.String(),
		Data: map[string]interface{}{
			"id":       e.ID,
			"trigger":  e.TriggerType,
			"strategy": e.Strategy,
			"success":  e.Success,
			"batches":  len(e.Batches),
			"errors":   len(e.Errors),
		},
		Timestamp: e.StartedAt,
	}
}

// ErrorNotification reports an engine error.
func ErrorNotification(asset string, err error, at time.Time) Notification {
	return Notification{
		Type:      NotificationError,
		Severity:  SeverityWarning,
		Title:     "Cycle error",
		Message:   err.Error(),
		Asset:     asset,
		Timestamp: at,
	}
}

// ============================================================================
// Channels
// ============================================================================

// WebhookNotifier sends notifications via HTTP webhook.
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(cfg config.WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the name of the notifier.
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// IsEnabled returns whether the notifier is enabled.
func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

// Send posts the notification as JSON.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	if !w.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"type":      n.Type,
		"severity":  n.Severity.String(),
		"title":     n.Title,
		"message":   n.Message,
		"asset":     n.Asset,
		"data":      n.Data,
		"timestamp": n.Timestamp.Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log channel.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (l *LogNotifier) Name() string    { return "log" }
func (l *LogNotifier) IsEnabled() bool { return true }

// Send logs the notification at a level matching its severity.
func (l *LogNotifier) Send(_ context.Context, n Notification) error {
	ev := l.logger.Info()
	switch n.Severity {
	case SeverityCritical:
		ev = l.logger.Error()
	case SeverityWarning:
		ev = l.logger.Warn()
	}
	ev.Str("type", string(n.Type)).
		Str("asset", n.Asset).
		Str("detail", n.Message).
		Msg(n.Title)
	return nil
}
