package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"spot-trader/internal/config"
	"spot-trader/internal/events"
	"spot-trader/internal/risk"
)

type recordingChannel struct {
	name string
	err  error
	got  []Notification
}

func (r *recordingChannel) Name() string    { return r.name }
func (r *recordingChannel) IsEnabled() bool { return true }
func (r *recordingChannel) Send(_ context.Context, n Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func TestMultiNotifier_FailingChannelDoesNotBlockOthers(t *testing.T) {
	mn := NewMultiNotifier(config.NotificationConfig{})
	bad1 := &recordingChannel{name: "bad1", err: errors.New("down")}
	good := &recordingChannel{name: "good"}
	bad2 := &recordingChannel{name: "bad2", err: errors.New("quota")}
	mn.AddChannel(bad1)
	mn.AddChannel(good)
	mn.AddChannel(bad2)

	err := mn.Send(context.Background(), Notification{Title: "x", Severity: SeverityCritical})
	if len(multierr.Errors(err)) != 2 {
		t.Errorf("errors = %v, want two", err)
	}
	if len(good.got) != 1 || good.got[0].Timestamp.IsZero() {
		t.Errorf("good channel got %+v", good.got)
	}
}

func TestMultiNotifier_CriticalOnly(t *testing.T) {
	mn := NewMultiNotifier(config.NotificationConfig{Level: string(LevelCriticalOnly)})
	ch := &recordingChannel{name: "c"}
	mn.AddChannel(ch)

	mn.Send(context.Background(), Notification{Severity: SeverityWarning})
	mn.Send(context.Background(), Notification{Severity: SeverityCritical})
	if len(ch.got) != 1 || ch.got[0].Severity != SeverityCritical {
		t.Errorf("delivered = %+v", ch.got)
	}
}

type fakeBot struct {
	sent []tgbotapi.MessageConfig
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func TestTelegramNotifier_SendsEscapedHTML(t *testing.T) {
	bot := &fakeBot{}
	tg := newTelegramNotifier(bot, 42)

	err := tg.Send(context.Background(), Notification{Title: "Stop <BTC>", Message: "P&L -15%"})
	if err != nil {
		t.Fatal(err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("sent %d messages", len(bot.sent))
	}
	m := bot.sent[0]
	if m.ChatID != 42 || m.ParseMode != tgbotapi.ModeHTML {
		t.Errorf("message = %+v", m)
	}
	if !strings.Contains(m.Text, "Stop &lt;BTC&gt;") || !strings.Contains(m.Text, "P&amp;L") {
		t.Errorf("text = %q", m.Text)
	}
}

func TestTelegramNotifier_DisabledWithoutToken(t *testing.T) {
	tg, err := NewTelegramNotifier(config.TelegramConfig{Enabled: true})
	if err != nil || tg.IsEnabled() {
		t.Errorf("notifier = %+v, %v; want disabled", tg, err)
	}
}

func TestSplitMessage(t *testing.T) {
	text := strings.Repeat("line of text\n", 100)
	parts := splitMessage(text, 100)
	if strings.Join(parts, "") != text {
		t.Error("split lost content")
	}
	for _, p := range parts {
		if len(p) > 100 {
			t.Errorf("part of %d bytes", len(p))
		}
	}

	long := strings.Repeat("x", 250)
	parts = splitMessage(long, 100)
	if len(parts) != 3 || strings.Join(parts, "") != long {
		t.Errorf("parts = %d", len(parts))
	}
}

func TestWebhookNotifier(t *testing.T) {
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(config.WebhookConfig{Enabled: true, URL: srv.URL})
	err := w.Send(context.Background(), Notification{Type: NotificationEmergency, Severity: SeverityCritical, Title: "closed", Timestamp: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if payload["type"] != "emergency" || payload["severity"] != "critical" {
		t.Errorf("payload = %v", payload)
	}
}

func TestListener_Notification(t *testing.T) {
	l := NewListener(NewMultiNotifier(config.NotificationConfig{}), "USDT", zerolog.Nop())
	now := time.Now()

	tests := []struct {
		name string
		ev   events.Event
		ok   bool
		sev  Severity
	}{
		{"unchanged drawdown skipped", events.DrawdownEvent(risk.DrawdownAction{State: risk.DrawdownWarning, Previous: risk.DrawdownWarning}), false, 0},
		{"emergency drawdown", events.DrawdownEvent(risk.DrawdownAction{State: risk.DrawdownEmergency, Previous: risk.DrawdownPaused, Changed: true}), true, SeverityCritical},
		{"recovery is info", events.DrawdownEvent(risk.DrawdownAction{State: risk.DrawdownRecovering, Previous: risk.DrawdownPaused, Changed: true}), true, SeverityInfo},
		{"stop trigger", events.StopLossEvent(&risk.StopLossEvent{Asset: "BTC", Type: risk.StopPercentage, Action: risk.StopCloseAll, Timestamp: now}), true, SeverityCritical},
		{"stop warning", events.StopLossEvent(&risk.StopLossEvent{Asset: "BTC", Action: risk.StopWarning, Timestamp: now}), true, SeverityWarning},
		{"emergency", events.EmergencyEvent(&risk.EmergencyCloseEvent{TriggerType: risk.TriggerManual, StartedAt: now}), true, SeverityCritical},
		{"cycle error", events.CycleErrorEvent("ETH", errors.New("timeout"), now), true, SeverityWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := l.Notification(tt.ev)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && n.Severity != tt.sev {
				t.Errorf("severity = %s, want %s", n.Severity, tt.sev)
			}
		})
	}
}

func TestTerminalNotifier(t *testing.T) {
	var buf bytes.Buffer
	tn := NewTerminalNotifier(&buf, false)
	tn.Send(context.Background(), StopLossNotification(&risk.StopLossEvent{
		Asset: "BTC", Type: risk.StopTrailing, Action: risk.StopCloseAll, Price: 103.5, Reason: "trailing stop hit", Timestamp: time.Now(),
	}, "USDT"))

	out := buf.String()
	if !strings.Contains(out, "STOP-LOSS | BTC") || !strings.Contains(out, "trailing stop hit") {
		t.Errorf("output = %q", out)
	}
}
