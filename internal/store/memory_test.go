package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"application-lifecycle/internal/models"
)

func newMemState(session, user string, channel models.Channel, createdAt time.Time) *models.ApplicationState {
	return &models.ApplicationState{
		ID:             "id-" + session,
		SessionID:      session,
		Channel:        channel,
		UserIdentifier: user,
		CurrentStep:    "language",
		FormData:       map[string]interface{}{"language": "en"},
		ExpiresAt:      createdAt.Add(24 * time.Hour),
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func TestMemoryStore_VersionCheck(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	st := newMemState("s1", "u1", models.ChannelWeb, fixedNow)
	require.NoError(t, m.Create(ctx, st, nil))

	first, _ := m.GetBySession(ctx, "s1")
	second, _ := m.GetBySession(ctx, "s1")

	first.CurrentStep = "intent"
	require.NoError(t, m.Update(ctx, first, 1, &models.Transition{FromStep: "language", ToStep: "intent"}))
	assert.Equal(t, int64(2), first.Version)

	second.CurrentStep = "employer"
	err := m.Update(ctx, second, 1, &models.Transition{FromStep: "language", ToStep: "employer"})
	assert.ErrorIs(t, err, ErrVersionConflict)

	stored, _ := m.GetBySession(ctx, "s1")
	assert.Equal(t, "intent", stored.CurrentStep)

	trs, _ := m.Transitions(ctx, "s1")
	require.Len(t, trs, 1)
	assert.Equal(t, "intent", trs[0].ToStep)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.Create(ctx, newMemState("s1", "u1", models.ChannelWeb, fixedNow), nil))

	got, _ := m.GetBySession(ctx, "s1")
	got.FormData["language"] = "sn"

	again, _ := m.GetBySession(ctx, "s1")
	assert.Equal(t, "en", again.FormData["language"])
}

func TestMemoryStore_TransitionsTotallyOrdered(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	st := newMemState("s1", "u1", models.ChannelWeb, fixedNow)
	require.NoError(t, m.Create(ctx, st, &models.Transition{FromStep: "new", ToStep: "language"}))

	steps := []string{"intent", "employer", "account"}
	prev := "language"
	for i, step := range steps {
		cur, _ := m.GetBySession(ctx, "s1")
		cur.CurrentStep = step
		require.NoError(t, m.Update(ctx, cur, int64(i+1), &models.Transition{FromStep: prev, ToStep: step}))
		prev = step
	}

	trs, _ := m.Transitions(ctx, "s1")
	require.Len(t, trs, 4)
	for i := 1; i < len(trs); i++ {
		assert.Greater(t, trs[i].Seq, trs[i-1].Seq)
		assert.Equal(t, trs[i-1].ToStep, trs[i].FromStep)
	}
}

func TestMemoryStore_CreateSupersedesSameUserChannel(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	require.NoError(t, m.Create(ctx, newMemState("old", "u1", models.ChannelWhatsApp, fixedNow), nil))
	require.NoError(t, m.Create(ctx, newMemState("web", "u1", models.ChannelWeb, fixedNow), nil))
	require.NoError(t, m.Create(ctx, newMemState("new", "u1", models.ChannelWhatsApp, fixedNow.Add(time.Minute)), nil))

	active, err := m.FindActiveByUserChannel(ctx, "u1", models.ChannelWhatsApp, fixedNow.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "new", active.SessionID)

	old, _ := m.GetBySession(ctx, "old")
	assert.NotNil(t, old.ExpiredAt)

	web, err := m.FindActiveByUserChannel(ctx, "u1", models.ChannelWeb, fixedNow.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "web", web.SessionID)
}

func TestMemoryStore_DuplicateSession(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.Create(ctx, newMemState("s1", "u1", models.ChannelWeb, fixedNow), nil))
	assert.ErrorIs(t, m.Create(ctx, newMemState("s1", "u2", models.ChannelWeb, fixedNow), nil), ErrDuplicateSession)
}

func TestMemoryStore_ExpireAndPurge(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	stale := newMemState("stale", "u1", models.ChannelWeb, fixedNow.Add(-48*time.Hour))
	fresh := newMemState("fresh", "u2", models.ChannelWeb, fixedNow)
	final := newMemState("final", "u3", models.ChannelWeb, fixedNow.Add(-48*time.Hour))
	final.ReferenceCode = "ZBREF0001"
	for _, st := range []*models.ApplicationState{stale, fresh, final} {
		require.NoError(t, m.Create(ctx, st, nil))
	}

	n, err := m.ExpireStale(ctx, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = m.FindActiveByUserChannel(ctx, "u1", models.ChannelWeb, fixedNow)
	assert.ErrorIs(t, err, ErrNotFound)

	swept, _ := m.GetBySession(ctx, "stale")
	assert.Equal(t, int64(2), swept.Version)

	purged, err := m.PurgeExpired(ctx, fixedNow.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = m.GetBySession(ctx, "stale")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetBySession(ctx, "final")
	assert.NoError(t, err)
}

func TestMemoryStore_ReferenceCodes(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	exp := fixedNow.Add(time.Hour)

	st := newMemState("s1", "u1", models.ChannelWeb, fixedNow)
	st.ReferenceCode = "63123456A12"
	st.ReferenceCodeExpiresAt = &exp
	require.NoError(t, m.Create(ctx, st, nil))

	inUse, _ := m.ReferenceCodeInUse(ctx, "63123456A12", "s2", fixedNow)
	assert.True(t, inUse)
	inUse, _ = m.ReferenceCodeInUse(ctx, "63123456A12", "s1", fixedNow)
	assert.False(t, inUse)
	inUse, _ = m.ReferenceCodeInUse(ctx, "63123456A12", "s2", exp.Add(time.Second))
	assert.False(t, inUse)

	got, err := m.GetByReferenceCode(ctx, "63123456A12")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
}
