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

	"cvdwatcher/internal/storage"
)

// Notifier delivers one persisted alert.
type Notifier interface {
	Notify(ctx context.Context, alert storage.Alert) error
}

// TelegramNotifier pushes alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
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
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered alert text.
func (n *TelegramNotifier) Notify(ctx context.Context, alert storage.Alert) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(alert),
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
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Int64("alert_id", alert.ID).
		Str("symbol", alert.Symbol).
		Str("category", alert.Category).
		Msg("alert sent via telegram")
	return nil
}

// LogNotifier writes alerts to the log. It stands in when no channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a log-only notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, alert storage.Alert) error {
	n.logger.Info().Int64("alert_id", alert.ID).Str("symbol", alert.Symbol).Msg(RenderMessage(alert))
	return nil
}

// RenderMessage formats an alert as plain text.
func RenderMessage(alert storage.Alert) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s] %s\n", alert.Symbol, headline(alert.Category)))
	builder.WriteString(fmt.Sprintf("Bucket: %s UTC\n", alert.Bucket.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Price: %s (%+.2f%%)\n", alert.Price.String(), alert.PriceChangePct))
	builder.WriteString(fmt.Sprintf("CVD: %s (%+.2f%%)\n", alert.CVD.StringFixed(2), alert.CVDChangePct))
	builder.WriteString(fmt.Sprintf("OI: %+.2f%%\n", alert.OIChangePct))
	if alert.Detail != "" {
		builder.WriteString(alert.Detail)
	}
	return builder.String()
}

func headline(category string) string {
	switch category {
	case "strong_breakout":
		return "Strong breakout"
	case "accumulation":
		return "Accumulation"
	case "distribution_warning":
		return "Distribution warning"
	case "short_confirmation":
		return "Short confirmation"
	case "top_divergence":
		return "Top divergence"
	default:
		return category
	}
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
