package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/models"
)

const stateColumns = `id, session_id, channel, user_identifier, current_step, form_data, metadata,
	application_id, reference_code, reference_code_expires_at, expires_at, expired_at,
	version, created_at, updated_at`

// PostgresStore is the durable Store backed by lib/pq.
type PostgresStore struct {
	db     *sql.DB
	logger logger.Logger
}

func NewPostgresStore(db *sql.DB, log logger.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "postgres-store"}),
	}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Create(ctx context.Context, state *models.ApplicationState, opening *models.Transition) error {
	formJSON, metaJSON, err := encodeDocuments(state)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	superseded, err := tx.ExecContext(ctx, `
		UPDATE application_states
		SET expired_at = $1, updated_at = $1, version = version + 1
		WHERE user_identifier = $2 AND channel = $3
		  AND expired_at IS NULL AND expires_at > $1 AND reference_code IS NULL`,
		state.CreatedAt, state.UserIdentifier, string(state.Channel),
	)
	if err != nil {
		return fmt.Errorf("supersede previous states: %w", err)
	}
	if n, _ := superseded.RowsAffected(); n > 0 {
		s.logger.Info("Superseded active states", map[string]interface{}{
			"sessionId": state.SessionID,
			"channel":   state.Channel,
			"count":     n,
		})
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO application_states (
			id, session_id, channel, user_identifier, current_step, form_data, metadata,
			expires_at, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $10)`,
		state.ID, state.SessionID, string(state.Channel), state.UserIdentifier, state.CurrentStep,
		formJSON, metaJSON, state.ExpiresAt, state.CreatedAt, state.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateSession
		}
		return fmt.Errorf("insert state: %w", err)
	}

	if opening != nil {
		if err := insertTransition(ctx, tx, state.ID, opening); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	state.Version = 1
	return nil
}

func (s *PostgresStore) GetBySession(ctx context.Context, sessionID string) (*models.ApplicationState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM application_states WHERE session_id = $1`, sessionID)
	return scanState(row)
}

func (s *PostgresStore) FindActiveByUserChannel(ctx context.Context, userIdentifier string, channel models.Channel, now time.Time) (*models.ApplicationState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM application_states
		WHERE user_identifier = $1 AND channel = $2 AND expired_at IS NULL AND expires_at > $3
		ORDER BY updated_at DESC LIMIT 1`,
		userIdentifier, string(channel), now)
	return scanState(row)
}

func (s *PostgresStore) GetByReferenceCode(ctx context.Context, code string) (*models.ApplicationState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM application_states
		WHERE reference_code = $1 ORDER BY updated_at DESC LIMIT 1`, code)
	return scanState(row)
}

func (s *PostgresStore) ReferenceCodeInUse(ctx context.Context, code, excludeSessionID string, now time.Time) (bool, error) {
	var inUse bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(
		SELECT 1 FROM application_states
		WHERE reference_code = $1 AND session_id <> $2
		  AND (reference_code_expires_at IS NULL OR reference_code_expires_at > $3))`,
		code, excludeSessionID, now,
	).Scan(&inUse)
	if err != nil {
		return false, fmt.Errorf("check reference code: %w", err)
	}
	return inUse, nil
}

func (s *PostgresStore) Update(ctx context.Context, state *models.ApplicationState, expectedVersion int64, tr *models.Transition) error {
	formJSON, metaJSON, err := encodeDocuments(state)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE application_states SET
			current_step = $1, form_data = $2, metadata = $3,
			application_id = $4, reference_code = $5, reference_code_expires_at = $6,
			expires_at = $7, expired_at = $8, version = version + 1, updated_at = $9
		WHERE id = $10 AND version = $11`,
		state.CurrentStep, formJSON, metaJSON,
		nullString(state.ApplicationID), nullString(state.ReferenceCode), state.ReferenceCodeExpiresAt,
		state.ExpiresAt, state.ExpiredAt, state.UpdatedAt,
		state.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}

	if tr != nil {
		if err := insertTransition(ctx, tx, state.ID, tr); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	state.Version = expectedVersion + 1
	return nil
}

func (s *PostgresStore) Transitions(ctx context.Context, sessionID string) ([]models.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.seq, t.state_id, s.session_id, t.from_step, t.to_step, t.channel, t.transition_data, t.created_at
		FROM application_state_transitions t
		JOIN application_states s ON s.id = t.state_id
		WHERE s.session_id = $1
		ORDER BY t.seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []models.Transition
	for rows.Next() {
		var (
			tr      models.Transition
			channel string
			data    []byte
		)
		if err := rows.Scan(&tr.Seq, &tr.StateID, &tr.SessionID, &tr.FromStep, &tr.ToStep, &channel, &data, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.Channel = models.Channel(channel)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &tr.TransitionData); err != nil {
				return nil, fmt.Errorf("decode transition data: %w", err)
			}
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE application_states
		SET expired_at = $1, updated_at = $1, version = version + 1
		WHERE expires_at < $1 AND expired_at IS NULL AND reference_code IS NULL`, now)
	if err != nil {
		return 0, fmt.Errorf("expire stale states: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM application_states
		WHERE expired_at IS NOT NULL AND expired_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge expired states: %w", err)
	}
	return res.RowsAffected()
}

func insertTransition(ctx context.Context, tx *sql.Tx, stateID string, tr *models.Transition) error {
	data, err := json.Marshal(nonNil(tr.TransitionData))
	if err != nil {
		return fmt.Errorf("encode transition data: %w", err)
	}
	tr.StateID = stateID

	err = tx.QueryRowContext(ctx, `
		INSERT INTO application_state_transitions (state_id, from_step, to_step, channel, transition_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq`,
		stateID, tr.FromStep, tr.ToStep, string(tr.Channel), data, tr.CreatedAt,
	).Scan(&tr.Seq)
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanState(row rowScanner) (*models.ApplicationState, error) {
	var (
		st                     models.ApplicationState
		channel                string
		formJSON, metaJSON     []byte
		applicationID, refCode sql.NullString
		refExpires, expiredAt  sql.NullTime
	)

	err := row.Scan(
		&st.ID, &st.SessionID, &channel, &st.UserIdentifier, &st.CurrentStep, &formJSON, &metaJSON,
		&applicationID, &refCode, &refExpires, &st.ExpiresAt, &expiredAt,
		&st.Version, &st.CreatedAt, &st.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan state: %w", err)
	}

	st.Channel = models.Channel(channel)
	st.ApplicationID = applicationID.String
	st.ReferenceCode = refCode.String
	if refExpires.Valid {
		t := refExpires.Time
		st.ReferenceCodeExpiresAt = &t
	}
	if expiredAt.Valid {
		t := expiredAt.Time
		st.ExpiredAt = &t
	}
	if err := json.Unmarshal(formJSON, &st.FormData); err != nil {
		return nil, fmt.Errorf("decode form_data: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &st.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &st, nil
}

func encodeDocuments(state *models.ApplicationState) ([]byte, []byte, error) {
	formJSON, err := json.Marshal(nonNil(state.FormData))
	if err != nil {
		return nil, nil, fmt.Errorf("encode form_data: %w", err)
	}
	metaJSON, err := json.Marshal(nonNil(state.Metadata))
	if err != nil {
		return nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	return formJSON, metaJSON, nil
}

func nonNil(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
