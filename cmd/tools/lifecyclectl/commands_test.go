package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/models"
	"application-lifecycle/internal/orchestrator"
	"application-lifecycle/internal/search"
)

type fakeSweeper struct {
	expired, purged int64
	err             error
	purgeCalled     bool
}

func (f *fakeSweeper) ExpireSweep(context.Context, time.Time) (int64, error) {
	return f.expired, f.err
}

func (f *fakeSweeper) Purge(context.Context, time.Time) (int64, error) {
	f.purgeCalled = true
	return f.purged, nil
}

type fakeTimeline []models.Transition

func (f fakeTimeline) Timeline(_ context.Context, sessionID string) ([]models.Transition, error) {
	if len(f) == 0 {
		return nil, apperrors.NewNotFoundError("application state", sessionID)
	}
	return f, nil
}

type fakeSearcher struct {
	docs  []search.Document
	total int64
	got   search.Query
}

func (f *fakeSearcher) Search(_ context.Context, q search.Query) ([]search.Document, int64, error) {
	f.got = q
	return f.docs, f.total, nil
}

func TestRunSweep(t *testing.T) {
	s := &fakeSweeper{expired: 3, purged: 1}
	var out bytes.Buffer

	require.NoError(t, runSweep(context.Background(), &out, s, time.Now(), false))

	assert.Equal(t, "expired: 3\npurged: 1\n", out.String())
	assert.True(t, s.purgeCalled)
}

func TestRunSweep_NoPurge(t *testing.T) {
	s := &fakeSweeper{expired: 2}
	var out bytes.Buffer

	require.NoError(t, runSweep(context.Background(), &out, s, time.Now(), true))

	assert.Equal(t, "expired: 2\n", out.String())
	assert.False(t, s.purgeCalled)
}

func TestRunSweep_ExpireError(t *testing.T) {
	s := &fakeSweeper{err: errors.New("connection reset")}

	err := runSweep(context.Background(), &bytes.Buffer{}, s, time.Now(), false)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "expire")
	assert.False(t, s.purgeCalled)
}

func TestRunTimeline(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	trs := fakeTimeline{
		{Seq: 1, ToStep: "language", Channel: models.ChannelWeb, CreatedAt: at},
		{Seq: 2, FromStep: "language", ToStep: "intent", Channel: models.ChannelWeb, CreatedAt: at.Add(time.Minute)},
	}
	var out bytes.Buffer

	require.NoError(t, runTimeline(context.Background(), &out, trs, "web_1", false))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "SEQ"))
	assert.Contains(t, lines[1], "2026-03-01 09:30:00")
	assert.Contains(t, lines[1], "-")
	assert.Contains(t, lines[2], "intent")
}

func TestRunTimeline_JSON(t *testing.T) {
	trs := fakeTimeline{{Seq: 1, ToStep: "language", Channel: models.ChannelUSSD}}
	var out bytes.Buffer

	require.NoError(t, runTimeline(context.Background(), &out, trs, "ussd_1", true))

	assert.Contains(t, out.String(), `"toStep": "language"`)
	assert.Contains(t, out.String(), `"channel": "ussd"`)
}

func TestRunTimeline_UnknownSession(t *testing.T) {
	err := runTimeline(context.Background(), &bytes.Buffer{}, fakeTimeline{}, "missing", false)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRunStatus(t *testing.T) {
	s := &fakeSearcher{
		docs: []search.Document{
			{SessionID: "web_1", ReferenceCode: "ZB12AB34CD", Channel: "admin", FromStep: "awaiting_credit_check", ToStep: "approved_awaiting_delivery", At: time.Now()},
		},
		total: 7,
	}
	var out bytes.Buffer

	require.NoError(t, runStatus(context.Background(), &out, s, search.Query{ToStep: "approved_awaiting_delivery", Size: 1}))

	assert.Equal(t, "approved_awaiting_delivery", s.got.ToStep)
	assert.Contains(t, out.String(), "ZB12AB34CD")
	assert.True(t, strings.HasSuffix(out.String(), "1 of 7\n"))
}

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"migrate", "sweep", "timeline", "status", "sync"})
}

type fakeSync orchestrator.SyncReport

func (f *fakeSync) SyncStatus(context.Context, string, string) (*orchestrator.SyncReport, error) {
	r := orchestrator.SyncReport(*f)
	return &r, nil
}

func TestRunSync(t *testing.T) {
	at := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	c := &fakeSync{
		Status:   orchestrator.SyncNeedsSync,
		LastSync: &at,
		Inconsistencies: []orchestrator.Inconsistency{
			{Field: "language", First: "en", Second: "sn", Strategy: "prefer_latest"},
			{Field: "formResponses", First: map[string]interface{}{"firstName": "Rudo"}, Second: nil, Strategy: "merge"},
		},
	}
	var out bytes.Buffer

	require.NoError(t, runSync(context.Background(), &out, c, "web_abc", "wa_1"))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "status: needs_sync", lines[0])
	assert.Equal(t, "last sync: 2026-05-04 09:00:00", lines[1])
	assert.Contains(t, lines[2], "FIELD")
	assert.Contains(t, lines[2], "web_abc")
	assert.Equal(t, []string{"language", "en", "sn", "prefer_latest"}, strings.Fields(lines[3]))
	assert.Equal(t, []string{"formResponses", `{"firstName":"Rudo"}`, "-", "merge"}, strings.Fields(lines[4]))
}

func TestRunSync_Synchronized(t *testing.T) {
	c := &fakeSync{Status: orchestrator.SyncSynchronized}
	var out bytes.Buffer

	require.NoError(t, runSync(context.Background(), &out, c, "a", "b"))

	assert.Equal(t, "status: synchronized\n", out.String())
}
