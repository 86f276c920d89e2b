package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fundarb/internal/config"
)

// TelegramChannel sends notifications through the Telegram bot API
type TelegramChannel struct {
	cfg     config.TelegramConfig
	client  *http.Client
	apiBase string
}

// NewTelegramChannel creates a Telegram channel
func NewTelegramChannel(cfg config.TelegramConfig) *TelegramChannel {
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramChannel{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		apiBase: "https://api.telegram.org",
	}
}

// Name implements Channel
func (t *TelegramChannel) Name() string { return "telegram" }

// Send implements Channel
func (t *TelegramChannel) Send(ctx context.Context, level Level, title, message string) error {
	if !t.cfg.Enabled {
		return nil
	}
	// heartbeat notifications stay out of chat; they exist for log consumers
	if level == LevelDebug {
		return nil
	}

	text := fmt.Sprintf("%s %s\n%s", levelEmoji(level), title, message)
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.cfg.BotToken)
	form := url.Values{
		"chat_id": {t.cfg.ChatID},
		"text":    {text},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

func levelEmoji(level Level) string {
	switch level {
	case LevelCritical:
		return "🚨"
	case LevelWarning:
		return "⚠️"
	default:
		return "📊"
	}
}
