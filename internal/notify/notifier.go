// Package notify delivers best-effort notifications about pool changes,
// trades and risk events. Channel failures are logged and swallowed; they
// never propagate to the trading path.
package notify

import (
	"context"
	"sync"

	"fundarb/internal/logger"
)

// Level grades notification urgency
type Level string

const (
	LevelDebug    Level = "debug" // heartbeat, nothing changed
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Notifier is the sink consumed by the strategy
type Notifier interface {
	Notify(ctx context.Context, level Level, title, message string)
}

// Channel is one concrete delivery mechanism
type Channel interface {
	Send(ctx context.Context, level Level, title, message string) error
	Name() string
}

// Manager fans a notification out to every registered channel
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	log      logger.Logger
}

// NewManager creates a notification manager
func NewManager(channels ...Channel) *Manager {
	return &Manager{
		channels: channels,
		log:      logger.WithField("component", "notify"),
	}
}

// AddChannel registers an additional channel
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// Notify sends to all channels, logging failures
func (m *Manager) Notify(ctx context.Context, level Level, title, message string) {
	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	if len(channels) == 0 {
		m.log.Debug("notification dropped, no channels configured", "title", title)
		return
	}
	for _, ch := range channels {
		if err := ch.Send(ctx, level, title, message); err != nil {
			m.log.Warn("notification delivery failed",
				"channel", ch.Name(), "title", title, "error", err)
		}
	}
}

// Nop is a Notifier that discards everything; used in tests
type Nop struct{}

// Notify implements Notifier
func (Nop) Notify(context.Context, Level, string, string) {}
