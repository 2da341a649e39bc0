package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/models"
)

// ==========================
// Test Helpers
// ==========================

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func newTestManager(t *testing.T, client *redis.Client) *Manager {
	return NewManager(client, Config{
		Prefix:        "bancozim",
		StateTTL:      time.Hour,
		ValidationTTL: 5 * time.Minute,
	}, logger.NewTestLogger(t))
}

func sampleState() *models.ApplicationState {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &models.ApplicationState{
		ID:             "6f1c1f36-1111-4d8e-9a55-000000000001",
		SessionID:      "sess-1",
		Channel:        models.ChannelWhatsApp,
		UserIdentifier: "263771234567",
		CurrentStep:    "employer",
		FormData:       map[string]interface{}{"language": "en", "employer": "goz-ssb"},
		ExpiresAt:      now.Add(7 * 24 * time.Hour),
		Version:        3,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ==========================
// Key Layout
// ==========================

func TestManager_Keys(t *testing.T) {
	m := newTestManager(t, nil)

	assert.Equal(t, "bancozim:app_state:sess-1", m.StateKey("sess-1"))
	assert.Equal(t, "bancozim:ref_code:ZBAB12CD34", m.ReferenceKey("ZBAB12CD34"))

	key := m.UserKey("263771234567", models.ChannelWhatsApp)
	assert.Regexp(t, `^bancozim:user_app:[0-9a-f]{32}$`, key)
	assert.NotContains(t, key, "263771234567")
	assert.NotEqual(t, key, m.UserKey("263771234567", models.ChannelWeb))
}

// ==========================
// State Round Trip
// ==========================

func TestManager_StateRoundTrip(t *testing.T) {
	mr, client := setupRedis(t)
	m := newTestManager(t, client)
	ctx := context.Background()

	assert.Nil(t, m.GetState(ctx, "sess-1"))

	st := sampleState()
	m.PutState(ctx, st)

	assert.True(t, mr.Exists("bancozim:app_state:sess-1"))
	assert.Equal(t, time.Hour, mr.TTL("bancozim:app_state:sess-1"))

	got := m.GetState(ctx, "sess-1")
	require.NotNil(t, got)
	assert.Equal(t, st.SessionID, got.SessionID)
	assert.Equal(t, st.CurrentStep, got.CurrentStep)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, "goz-ssb", got.FormData["employer"])
	assert.True(t, st.ExpiresAt.Equal(got.ExpiresAt))

	m.Invalidate(ctx, "sess-1")
	assert.Nil(t, m.GetState(ctx, "sess-1"))
}

func TestManager_CorruptEntryIsDropped(t *testing.T) {
	mr, client := setupRedis(t)
	m := newTestManager(t, client)

	require.NoError(t, mr.Set("bancozim:app_state:sess-1", "{not json"))

	assert.Nil(t, m.GetState(context.Background(), "sess-1"))
	assert.False(t, mr.Exists("bancozim:app_state:sess-1"))
}

// ==========================
// User Index
// ==========================

func TestManager_UserSession(t *testing.T) {
	_, client := setupRedis(t)
	m := newTestManager(t, client)
	ctx := context.Background()

	_, ok := m.GetUserSession(ctx, "user@example.com", models.ChannelWeb)
	assert.False(t, ok)

	m.PutUserSession(ctx, "user@example.com", models.ChannelWeb, "sess-9")

	sid, ok := m.GetUserSession(ctx, "user@example.com", models.ChannelWeb)
	assert.True(t, ok)
	assert.Equal(t, "sess-9", sid)

	_, ok = m.GetUserSession(ctx, "user@example.com", models.ChannelWhatsApp)
	assert.False(t, ok)

	m.InvalidateUser(ctx, "user@example.com", models.ChannelWeb)
	_, ok = m.GetUserSession(ctx, "user@example.com", models.ChannelWeb)
	assert.False(t, ok)
}

// ==========================
// Reference Validation
// ==========================

func TestManager_ReferenceValidationTTL(t *testing.T) {
	mr, client := setupRedis(t)
	m := newTestManager(t, client)
	ctx := context.Background()

	m.SetReferenceValid(ctx, "ZBAB12CD34", "sess-1", time.Now().Add(30*24*time.Hour))
	assert.Equal(t, 5*time.Minute, mr.TTL("bancozim:ref_code:ZBAB12CD34"))

	sid, ok := m.ReferenceSession(ctx, "ZBAB12CD34")
	assert.True(t, ok)
	assert.Equal(t, "sess-1", sid)

	m.SetReferenceValid(ctx, "ZBEXPIRED1", "sess-2", time.Now().Add(-time.Minute))
	assert.False(t, mr.Exists("bancozim:ref_code:ZBEXPIRED1"))

	m.InvalidateReference(ctx, "ZBAB12CD34")
	_, ok = m.ReferenceSession(ctx, "ZBAB12CD34")
	assert.False(t, ok)
}

// ==========================
// Failure Handling
// ==========================

func TestManager_RedisErrorsAreMisses(t *testing.T) {
	client, redisMock := redismock.NewClientMock()
	m := newTestManager(t, client)
	ctx := context.Background()

	redisMock.ExpectGet("bancozim:app_state:sess-1").SetErr(errors.New("connection refused"))
	assert.Nil(t, m.GetState(ctx, "sess-1"))

	redisMock.ExpectGet(m.UserKey("u1", models.ChannelWeb)).SetErr(errors.New("connection refused"))
	_, ok := m.GetUserSession(ctx, "u1", models.ChannelWeb)
	assert.False(t, ok)

	redisMock.ExpectDel("bancozim:app_state:sess-1").SetErr(errors.New("connection refused"))
	assert.NotPanics(t, func() { m.Invalidate(ctx, "sess-1") })

	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestManager_NilClientIsAlwaysEmpty(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	assert.False(t, m.Enabled())
	m.PutState(ctx, sampleState())
	assert.Nil(t, m.GetState(ctx, "sess-1"))

	m.PutUserSession(ctx, "u1", models.ChannelWeb, "sess-1")
	_, ok := m.GetUserSession(ctx, "u1", models.ChannelWeb)
	assert.False(t, ok)

	m.Invalidate(ctx, "sess-1")
	assert.NoError(t, m.Ping(ctx))
}
