package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"fundarb/internal/config"
)

// EmailChannel sends notifications over SMTP. Only warning and critical
// notifications are mailed; routine pool updates would be noise.
type EmailChannel struct {
	cfg config.EmailConfig
}

// NewEmailChannel creates an email channel
func NewEmailChannel(cfg config.EmailConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg}
}

// Name implements Channel
func (e *EmailChannel) Name() string { return "email" }

// Send implements Channel
func (e *EmailChannel) Send(_ context.Context, level Level, title, message string) error {
	if !e.cfg.Enabled {
		return nil
	}
	if level != LevelWarning && level != LevelCritical {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", e.cfg.SMTPHost, e.cfg.SMTPPort)
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.SMTPHost)
	}

	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [%s] %s\r\n\r\n%s\r\n",
		e.cfg.From, strings.Join(e.cfg.To, ","), strings.ToUpper(string(level)), title, message)

	if err := smtp.SendMail(addr, auth, e.cfg.From, e.cfg.To, []byte(body)); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}
