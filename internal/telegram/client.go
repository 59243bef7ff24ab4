// Package telegram notifies an emergency contact via the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/crashguard/internal/escalation"
	"github.com/rewired-gh/crashguard/internal/logger"
	"github.com/rewired-gh/crashguard/internal/models"
)

// Status is what the /status command reports.
type Status struct {
	Monitoring  bool
	State       string
	AccBaseline float64
	RotBaseline float64
	LastCrash   *models.CrashEvent
	CrashCount  int
	Escalation  *escalation.Snapshot
}

// StatusFunc supplies the current status on demand.
type StatusFunc func() Status

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	send           func(tgbotapi.Chattable) (tgbotapi.Message, error)
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		send:           bot.Send,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context, status StatusFunc) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message, status)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message, status StatusFunc) {
	var reply tgbotapi.MessageConfig
	switch msg.Command() {
	case "ping":
		reply = tgbotapi.NewMessage(msg.Chat.ID, "Pong")
	case "status":
		if status == nil {
			return
		}
		reply = tgbotapi.NewMessage(msg.Chat.ID, formatStatus(status()))
		reply.ParseMode = "MarkdownV2"
	default:
		return
	}
	if _, err := c.send(reply); err != nil {
		logger.Warn("Failed to answer /%s: %v", msg.Command(), err)
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendCrash tells the contact a crash was detected.
func (c *Client) SendCrash(event models.CrashEvent) error {
	return c.sendMarkdownV2(formatCrash(event))
}

// SendOutcome tells the contact how the escalation ended.
func (c *Client) SendOutcome(rec models.EscalationRecord) error {
	return c.sendMarkdownV2(formatOutcome(rec))
}

// CallActive forwards the call briefing so the contact knows help was called.
func (c *Client) CallActive(brief escalation.CallBrief) {
	c.sendAsync("call briefing", formatBrief("📞 *Emergency call placed*", brief))
}

// ManualDial asks the contact to call emergency services on the user's behalf.
func (c *Client) ManualDial(brief escalation.CallBrief) {
	c.sendAsync("manual dial prompt", formatBrief("🆘 *Automatic call failed: please call emergency services*", brief))
}

func (c *Client) sendAsync(what, text string) {
	go func() {
		if err := c.sendMarkdownV2(text); err != nil {
			logger.Error("Failed to send %s: %v", what, err)
		}
	}()
}

func formatCrash(e models.CrashEvent) string {
	var b strings.Builder
	b.WriteString("🚨 *Crash detected*\n\n")
	fmt.Fprintf(&b, "🕒 %s\n", escapeMarkdownV2(e.Timestamp.Format("2006-01-02 15:04:05")))
	fmt.Fprintf(&b, "⚠️ Severity: *%s*\n", escapeMarkdownV2(strings.ToUpper(string(e.Severity))))
	fmt.Fprintf(&b, "💥 Impact: %s\n", escapeMarkdownV2(fmt.Sprintf("%.2f g", e.Acceleration.Magnitude)))
	fmt.Fprintf(&b, "🔄 Rotation: %s\n", escapeMarkdownV2(fmt.Sprintf("%.0f °/s", e.Rotation.Magnitude)))
	b.WriteString(locationLine(e.Location))
	b.WriteString("\nEmergency services will be called unless the driver responds\\.")
	return b.String()
}

func formatOutcome(r models.EscalationRecord) string {
	var b strings.Builder
	switch r.Outcome {
	case models.OutcomeDismissed:
		b.WriteString("✅ *Alert dismissed*: the driver reported they are OK\\.\n")
	case models.OutcomeCalled:
		fmt.Fprintf(&b, "📞 *Emergency services called* \\(%s\\)\n", escapeMarkdownV2(string(r.Method)))
	case models.OutcomeManual:
		b.WriteString("🆘 *Automatic call failed*: manual dialing was requested\\.\n")
	default:
		fmt.Fprintf(&b, "ℹ️ Escalation ended: %s\n", escapeMarkdownV2(string(r.Outcome)))
	}
	fmt.Fprintf(&b, "Number: %s\n", escapeMarkdownV2(r.Number))
	fmt.Fprintf(&b, "Location: %s\n", escapeMarkdownV2(r.LocationLabel))
	fmt.Fprintf(&b, "Crash ID: `%s`", escapeMarkdownV2(r.CrashID))
	return b.String()
}

func formatBrief(title string, brief escalation.CallBrief) string {
	var b strings.Builder
	b.WriteString(title + "\n\n")
	fmt.Fprintf(&b, "☎️ Number: *%s*\n", escapeMarkdownV2(brief.Number))
	fmt.Fprintf(&b, "📌 %s\n", escapeMarkdownV2(brief.LocationLabel))
	b.WriteString(locationLine(brief.Location))
	fmt.Fprintf(&b, "⚠️ Severity: *%s*\n", escapeMarkdownV2(strings.ToUpper(string(brief.Severity))))
	fmt.Fprintf(&b, "💥 Impact: %s", escapeMarkdownV2(fmt.Sprintf("%.2f g", brief.ImpactG)))
	return b.String()
}

func formatStatus(s Status) string {
	var b strings.Builder
	if s.Monitoring {
		fmt.Fprintf(&b, "🟢 *Monitoring* \\(%s\\)\n", escapeMarkdownV2(s.State))
	} else {
		b.WriteString("⚪️ *Monitoring stopped*\n")
	}
	fmt.Fprintf(&b, "Baseline: %s\n", escapeMarkdownV2(fmt.Sprintf("%.2f g, %.0f °/s", s.AccBaseline, s.RotBaseline)))
	fmt.Fprintf(&b, "Crashes this session: %d\n", s.CrashCount)
	if s.LastCrash != nil {
		fmt.Fprintf(&b, "Last crash: %s \\(%s\\)\n",
			escapeMarkdownV2(s.LastCrash.Timestamp.Format("2006-01-02 15:04:05")),
			escapeMarkdownV2(string(s.LastCrash.Severity)))
	}
	if s.Escalation != nil {
		fmt.Fprintf(&b, "Escalation: %s, %ds left, number %s",
			escapeMarkdownV2(s.Escalation.State), s.Escalation.Remaining, escapeMarkdownV2(s.Escalation.Number))
	}
	return strings.TrimRight(b.String(), "\n")
}

func locationLine(loc *models.Location) string {
	if loc == nil {
		return "📍 Location unavailable\n"
	}
	coords := fmt.Sprintf("%.5f,%.5f", loc.Latitude, loc.Longitude)
	return fmt.Sprintf("📍 [%s](https://www.openstreetmap.org/?mlat=%.5f&mlon=%.5f#map=17/%.5f/%.5f)\n",
		escapeMarkdownV2(coords), loc.Latitude, loc.Longitude, loc.Latitude, loc.Longitude)
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
