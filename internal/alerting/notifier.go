package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Extreme is one end of a day's range.
type Extreme struct {
	Value     decimal.Decimal
	Timestamp time.Time
	Session   string
}

// Notification summarises one table's civil day.
type Notification struct {
	Table         string
	Date          string
	Timezone      *time.Location
	Lowest        *Extreme
	Highest       *Extreme
	AdditionalMsg string
}

// Spread returns highest minus lowest, or false when the day had no samples.
func (n Notification) Spread() (decimal.Decimal, bool) {
	if n.Lowest == nil || n.Highest == nil {
		return decimal.Decimal{}, false
	}
	return n.Highest.Value.Sub(n.Lowest.Value), true
}

// Notifier delivers a daily digest.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes digests through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "digest_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered digest.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false: %s", result.Description)
		}
	}

	n.logger.Info().Str("table", note.Table).Str("date", note.Date).Msg("digest sent (telegram)")
	return nil
}

// LogNotifier writes digests to the log. It is used when no chat is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "digest_log").Logger()}
}

// Notify logs the digest.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	evt := n.logger.Info().Str("table", note.Table).Str("date", note.Date)
	if note.Lowest != nil && note.Highest != nil {
		spread, _ := note.Spread()
		evt = evt.Str("lowest", note.Lowest.Value.String()).
			Time("lowest_at", note.Lowest.Timestamp).
			Str("highest", note.Highest.Value.String()).
			Time("highest_at", note.Highest.Timestamp).
			Str("spread", spread.String())
	}
	evt.Msg("daily digest")
	return nil
}

// RenderMessage formats a digest as plain text.
func RenderMessage(note Notification) string {
	loc := note.Timezone
	if loc == nil {
		loc = time.UTC
	}

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Daily range] %s\n", note.Table))
	builder.WriteString(fmt.Sprintf("Date: %s (%s)\n", note.Date, loc.String()))

	spread, ok := note.Spread()
	if !ok {
		builder.WriteString("No samples recorded.\n")
	} else {
		builder.WriteString(renderExtreme("Low", note.Lowest, loc))
		builder.WriteString(renderExtreme("High", note.Highest, loc))
		builder.WriteString(fmt.Sprintf("Spread: %s", spread.StringFixed(5)))
		if !note.Lowest.Value.IsZero() {
			pct := spread.Div(note.Lowest.Value).Mul(decimal.NewFromInt(100))
			builder.WriteString(fmt.Sprintf(" (%s%%)", pct.StringFixed(3)))
		}
		builder.WriteString("\n")
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

func renderExtreme(label string, e *Extreme, loc *time.Location) string {
	line := fmt.Sprintf("%s: %s at %s", label, e.Value.StringFixed(5), e.Timestamp.In(loc).Format("15:04:05 MST"))
	if e.Session != "" {
		line += fmt.Sprintf(" [%s]", e.Session)
	}
	return line + "\n"
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
