// Package cache fronts the state store with Redis. It is a pure
// accelerator: every failure is logged and reported as a miss, and a
// Manager built with a nil client behaves as an always-empty cache.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/common/metrics"
	"application-lifecycle/internal/models"
)

const (
	keyspaceState     = "app_state"
	keyspaceUser      = "user_app"
	keyspaceReference = "ref_code"
)

type Config struct {
	Prefix        string
	StateTTL      time.Duration
	ValidationTTL time.Duration
}

type Manager struct {
	client *redis.Client
	config Config
	logger logger.Logger
}

func NewManager(client *redis.Client, config Config, log logger.Logger) *Manager {
	if config.Prefix == "" {
		config.Prefix = "bancozim"
	}
	if config.StateTTL <= 0 {
		config.StateTTL = time.Hour
	}
	if config.ValidationTTL <= 0 {
		config.ValidationTTL = 5 * time.Minute
	}
	return &Manager{
		client: client,
		config: config,
		logger: log.WithFields(map[string]interface{}{"component": "state-cache"}),
	}
}

func (m *Manager) Enabled() bool { return m.client != nil }

func (m *Manager) StateKey(sessionID string) string {
	return m.config.Prefix + ":" + keyspaceState + ":" + sessionID
}

// UserKey hashes the pair so raw phone numbers and emails never appear in
// key names.
func (m *Manager) UserKey(userIdentifier string, channel models.Channel) string {
	sum := md5.Sum([]byte(userIdentifier + ":" + string(channel)))
	return m.config.Prefix + ":" + keyspaceUser + ":" + hex.EncodeToString(sum[:])
}

func (m *Manager) ReferenceKey(code string) string {
	return m.config.Prefix + ":" + keyspaceReference + ":" + code
}

// GetState returns the cached state for a session, or nil on miss.
func (m *Manager) GetState(ctx context.Context, sessionID string) *models.ApplicationState {
	if m.client == nil {
		return nil
	}
	val, err := m.client.Get(ctx, m.StateKey(sessionID)).Result()
	if err != nil {
		m.miss(keyspaceState, sessionID, err)
		return nil
	}

	var st models.ApplicationState
	if err := json.Unmarshal([]byte(val), &st); err != nil {
		m.logger.Warn("Discarding undecodable cached state", map[string]interface{}{
			"sessionId": sessionID,
			"error":     err.Error(),
		})
		m.client.Del(ctx, m.StateKey(sessionID))
		metrics.CacheRequests.WithLabelValues(keyspaceState, "error").Inc()
		return nil
	}
	metrics.CacheRequests.WithLabelValues(keyspaceState, "hit").Inc()
	return &st
}

func (m *Manager) PutState(ctx context.Context, st *models.ApplicationState) {
	if m.client == nil || st == nil {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		m.logger.Warn("Failed to encode state for cache", map[string]interface{}{
			"sessionId": st.SessionID,
			"error":     err.Error(),
		})
		return
	}
	if err := m.client.Set(ctx, m.StateKey(st.SessionID), data, m.config.StateTTL).Err(); err != nil {
		m.logger.Warn("Failed to cache state", map[string]interface{}{
			"sessionId": st.SessionID,
			"error":     err.Error(),
		})
	}
}

// GetUserSession returns the session id last resolved for (user, channel).
func (m *Manager) GetUserSession(ctx context.Context, userIdentifier string, channel models.Channel) (string, bool) {
	if m.client == nil {
		return "", false
	}
	val, err := m.client.Get(ctx, m.UserKey(userIdentifier, channel)).Result()
	if err != nil {
		m.miss(keyspaceUser, string(channel), err)
		return "", false
	}
	metrics.CacheRequests.WithLabelValues(keyspaceUser, "hit").Inc()
	return val, true
}

func (m *Manager) PutUserSession(ctx context.Context, userIdentifier string, channel models.Channel, sessionID string) {
	if m.client == nil {
		return
	}
	if err := m.client.Set(ctx, m.UserKey(userIdentifier, channel), sessionID, m.config.StateTTL).Err(); err != nil {
		m.logger.Warn("Failed to cache user session", map[string]interface{}{
			"channel": channel,
			"error":   err.Error(),
		})
	}
}

// Invalidate drops the cached state for a session.
func (m *Manager) Invalidate(ctx context.Context, sessionID string) {
	m.del(ctx, m.StateKey(sessionID))
}

func (m *Manager) InvalidateUser(ctx context.Context, userIdentifier string, channel models.Channel) {
	m.del(ctx, m.UserKey(userIdentifier, channel))
}

// SetReferenceValid remembers a positive reference lookup for the
// validation TTL, capped at the reference's own expiry.
func (m *Manager) SetReferenceValid(ctx context.Context, code, sessionID string, until time.Time) {
	if m.client == nil {
		return
	}
	ttl := m.config.ValidationTTL
	if !until.IsZero() {
		if left := time.Until(until); left < ttl {
			ttl = left
		}
	}
	if ttl <= 0 {
		return
	}
	if err := m.client.Set(ctx, m.ReferenceKey(code), sessionID, ttl).Err(); err != nil {
		m.logger.Warn("Failed to cache reference validation", map[string]interface{}{
			"referenceCode": code,
			"error":         err.Error(),
		})
	}
}

// ReferenceSession returns the session a reference code validated against
// recently.
func (m *Manager) ReferenceSession(ctx context.Context, code string) (string, bool) {
	if m.client == nil {
		return "", false
	}
	val, err := m.client.Get(ctx, m.ReferenceKey(code)).Result()
	if err != nil {
		m.miss(keyspaceReference, code, err)
		return "", false
	}
	metrics.CacheRequests.WithLabelValues(keyspaceReference, "hit").Inc()
	return val, true
}

func (m *Manager) InvalidateReference(ctx context.Context, code string) {
	m.del(ctx, m.ReferenceKey(code))
}

func (m *Manager) Ping(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Ping(ctx).Err()
}

func (m *Manager) del(ctx context.Context, key string) {
	if m.client == nil {
		return
	}
	if err := m.client.Del(ctx, key).Err(); err != nil {
		m.logger.Warn("Failed to invalidate cache key", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

func (m *Manager) miss(keyspace, subject string, err error) {
	if errors.Is(err, redis.Nil) {
		metrics.CacheRequests.WithLabelValues(keyspace, "miss").Inc()
		return
	}
	metrics.CacheRequests.WithLabelValues(keyspace, "error").Inc()
	m.logger.Warn("Cache read failed, treating as miss", map[string]interface{}{
		"keyspace": keyspace,
		"subject":  subject,
		"error":    err.Error(),
	})
}
