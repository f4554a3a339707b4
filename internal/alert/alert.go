// Package alert fans operator notifications out to the configured
// channels. Delivery is fire-and-forget: alerting must never block the
// trading path.
package alert

import (
	"context"
	"sync"
	"time"

	"stock_sentinel/internal/config"
	"stock_sentinel/internal/core"
)

// channelTimeout bounds one delivery attempt per channel.
const channelTimeout = 10 * time.Second

type AlertPayload struct {
	Level     core.AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// Manager implements core.IAlerter over a set of channels.
type Manager struct {
	channels []AlertChannel
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]AlertChannel, 0),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

// FromConfig builds a manager with the channels the config enables.
// Returns nil when alerting is disabled so callers keep their nil
// guard.
func FromConfig(cfg config.AlertsConfig, logger core.ILogger) *Manager {
	if !cfg.Enabled {
		return nil
	}
	m := NewManager(logger)
	if url := string(cfg.SlackWebhookURL); url != "" {
		m.AddChannel(NewSlackChannel(url))
	}
	if token := string(cfg.TelegramBotToken); token != "" && cfg.TelegramChatID != "" {
		m.AddChannel(NewTelegramChannel(token, cfg.TelegramChatID))
	}
	return m
}

func (m *Manager) AddChannel(ch AlertChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert delivers to every channel in its own goroutine. The parent
// context is deliberately not propagated: a stop-loss alert must
// survive the tick context that produced it.
func (m *Manager) Alert(_ context.Context, title, message string, level core.AlertLevel, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.logger.Info("Triggering alert", "title", title, "level", string(level))

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.channels {
		go func(c AlertChannel) {
			sendCtx, cancel := context.WithTimeout(context.Background(), channelTimeout)
			defer cancel()
			if err := c.Send(sendCtx, payload); err != nil {
				m.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
