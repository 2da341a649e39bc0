package orchestrator

import (
	"time"

	"application-lifecycle/internal/common/config"
	"application-lifecycle/internal/models"
)

type Config struct {
	DefaultTTL         time.Duration
	ChannelTTL         map[models.Channel]time.Duration
	ReferenceTTL       time.Duration
	MaxConflictRetries int
	// Retention is how long swept states are kept before Purge deletes them.
	Retention time.Duration
}

// ConfigFrom maps the lifecycle and store sections of the service config.
func ConfigFrom(cfg *config.Config) Config {
	channelTTL := make(map[models.Channel]time.Duration, len(cfg.Lifecycle.ChannelTTLHours))
	for ch, hours := range cfg.Lifecycle.ChannelTTLHours {
		channelTTL[models.Channel(ch)] = time.Duration(hours) * time.Hour
	}
	return Config{
		DefaultTTL:         time.Duration(cfg.Lifecycle.DefaultTTLHours) * time.Hour,
		ChannelTTL:         channelTTL,
		ReferenceTTL:       time.Duration(cfg.Lifecycle.ReferenceTTLDays) * 24 * time.Hour,
		MaxConflictRetries: cfg.Lifecycle.MaxConflictRetries,
		Retention:          time.Duration(cfg.Store.RetentionHours) * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 24 * time.Hour
	}
	if c.ChannelTTL == nil {
		c.ChannelTTL = map[models.Channel]time.Duration{models.ChannelWhatsApp: 7 * 24 * time.Hour}
	}
	if c.ReferenceTTL <= 0 {
		c.ReferenceTTL = 30 * 24 * time.Hour
	}
	if c.MaxConflictRetries < 1 {
		c.MaxConflictRetries = 3
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	return c
}

func (c Config) sessionTTL(ch models.Channel) time.Duration {
	if ttl, ok := c.ChannelTTL[ch]; ok && ttl > 0 {
		return ttl
	}
	return c.DefaultTTL
}
