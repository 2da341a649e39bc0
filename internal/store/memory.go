package store

import (
	"context"
	"sync"
	"time"

	"application-lifecycle/internal/formdata"
	"application-lifecycle/internal/models"
)

// MemoryStore is an in-process Store for local runs (store.driver=memory)
// and tests. It keeps the same version and ordering guarantees as the
// Postgres store; every value crossing its boundary is deep-copied.
type MemoryStore struct {
	mu          sync.Mutex
	states      map[string]*models.ApplicationState // by session id
	transitions map[string][]models.Transition      // by state id
	seq         int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:      make(map[string]*models.ApplicationState),
		transitions: make(map[string][]models.Transition),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Create(_ context.Context, state *models.ApplicationState, opening *models.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.states[state.SessionID]; exists {
		return ErrDuplicateSession
	}

	for _, other := range m.states {
		if other.UserIdentifier == state.UserIdentifier && other.Channel == state.Channel &&
			other.ExpiredAt == nil && other.ExpiresAt.After(state.CreatedAt) && other.ReferenceCode == "" {
			at := state.CreatedAt
			other.ExpiredAt = &at
			other.UpdatedAt = at
			other.Version++
		}
	}

	state.Version = 1
	m.states[state.SessionID] = copyState(state)
	if opening != nil {
		m.appendLocked(state.ID, state.SessionID, opening)
	}
	return nil
}

func (m *MemoryStore) GetBySession(_ context.Context, sessionID string) (*models.ApplicationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyState(st), nil
}

func (m *MemoryStore) FindActiveByUserChannel(_ context.Context, userIdentifier string, channel models.Channel, now time.Time) (*models.ApplicationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *models.ApplicationState
	for _, st := range m.states {
		if st.UserIdentifier != userIdentifier || st.Channel != channel || st.IsExpiredAt(now) {
			continue
		}
		if best == nil || st.UpdatedAt.After(best.UpdatedAt) {
			best = st
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return copyState(best), nil
}

func (m *MemoryStore) GetByReferenceCode(_ context.Context, code string) (*models.ApplicationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *models.ApplicationState
	for _, st := range m.states {
		if st.ReferenceCode == code && (best == nil || st.UpdatedAt.After(best.UpdatedAt)) {
			best = st
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return copyState(best), nil
}

func (m *MemoryStore) ReferenceCodeInUse(_ context.Context, code, excludeSessionID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, st := range m.states {
		if st.SessionID != excludeSessionID && st.ReferenceCode == code && st.ReferenceValidAt(now) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Update(_ context.Context, state *models.ApplicationState, expectedVersion int64, tr *models.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.states[state.SessionID]
	if !ok || current.ID != state.ID || current.Version != expectedVersion {
		return ErrVersionConflict
	}

	next := copyState(state)
	next.Version = expectedVersion + 1
	next.CreatedAt = current.CreatedAt
	m.states[state.SessionID] = next
	if tr != nil {
		m.appendLocked(state.ID, state.SessionID, tr)
	}
	state.Version = next.Version
	return nil
}

func (m *MemoryStore) Transitions(_ context.Context, sessionID string) ([]models.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[sessionID]
	if !ok {
		return nil, nil
	}
	src := m.transitions[st.ID]
	out := make([]models.Transition, len(src))
	for i, tr := range src {
		tr.TransitionData = formdata.Clone(tr.TransitionData)
		out[i] = tr
	}
	return out, nil
}

func (m *MemoryStore) ExpireStale(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, st := range m.states {
		if st.ExpiredAt == nil && st.ReferenceCode == "" && st.ExpiresAt.Before(now) {
			at := now
			st.ExpiredAt = &at
			st.UpdatedAt = now
			st.Version++
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) PurgeExpired(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for sid, st := range m.states {
		if st.ExpiredAt != nil && st.ExpiredAt.Before(before) {
			delete(m.states, sid)
			delete(m.transitions, st.ID)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) appendLocked(stateID, sessionID string, tr *models.Transition) {
	m.seq++
	tr.Seq = m.seq
	tr.StateID = stateID
	tr.SessionID = sessionID

	stored := *tr
	stored.TransitionData = formdata.Clone(tr.TransitionData)
	m.transitions[stateID] = append(m.transitions[stateID], stored)
}

func copyState(st *models.ApplicationState) *models.ApplicationState {
	cp := *st
	cp.FormData = formdata.Clone(st.FormData)
	cp.Metadata = formdata.Clone(st.Metadata)
	if st.ReferenceCodeExpiresAt != nil {
		t := *st.ReferenceCodeExpiresAt
		cp.ReferenceCodeExpiresAt = &t
	}
	if st.ExpiredAt != nil {
		t := *st.ExpiredAt
		cp.ExpiredAt = &t
	}
	return &cp
}
