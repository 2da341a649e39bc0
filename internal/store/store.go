// Package store persists application states and their transition timeline.
// It is the source of truth; every write goes through a version check so a
// commit computed from a stale read is rejected instead of applied.
package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"time"

	"github.com/lib/pq"

	"application-lifecycle/internal/models"
)

var (
	ErrNotFound         = errors.New("STATE_NOT_FOUND")
	ErrVersionConflict  = errors.New("VERSION_CONFLICT")
	ErrDuplicateSession = errors.New("DUPLICATE_SESSION")
)

// Store is implemented by PostgresStore and MemoryStore.
type Store interface {
	// Create inserts a new state at version 1 together with its opening
	// transition. Older active states of the same user on the same channel
	// are superseded (soft-expired) in the same unit of work.
	Create(ctx context.Context, state *models.ApplicationState, opening *models.Transition) error

	GetBySession(ctx context.Context, sessionID string) (*models.ApplicationState, error)

	// FindActiveByUserChannel returns the most recently updated state that is
	// neither expired nor swept at now.
	FindActiveByUserChannel(ctx context.Context, userIdentifier string, channel models.Channel, now time.Time) (*models.ApplicationState, error)

	GetByReferenceCode(ctx context.Context, code string) (*models.ApplicationState, error)

	// ReferenceCodeInUse reports whether another session holds a still-valid
	// reference code equal to code.
	ReferenceCodeInUse(ctx context.Context, code, excludeSessionID string, now time.Time) (bool, error)

	// Update writes state if its stored version still equals expectedVersion,
	// appending tr (when non-nil) in the same transaction. On success
	// state.Version is advanced and tr.Seq assigned. A stale version yields
	// ErrVersionConflict and nothing is written.
	Update(ctx context.Context, state *models.ApplicationState, expectedVersion int64, tr *models.Transition) error

	// Transitions returns a session's timeline in commit order.
	Transitions(ctx context.Context, sessionID string) ([]models.Transition, error)

	// ExpireStale marks unfinalized states whose expires_at is before now.
	ExpireStale(ctx context.Context, now time.Time) (int64, error)

	// PurgeExpired deletes states swept before the cutoff.
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
}

// IsTransient reports store failures worth retrying: dropped connections,
// deadlocks and serialization failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return true
		}
		return pqErr.Code.Class() == "08"
	}
	return false
}
