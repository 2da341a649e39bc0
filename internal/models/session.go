package models

import "time"

// ApplicationState is one applicant's progress through the application flow
// on one channel. It is the aggregate root of the lifecycle; only the
// orchestrator writes it.
type ApplicationState struct {
	ID                     string                 `json:"id" db:"id"`
	SessionID              string                 `json:"sessionId" db:"session_id"`
	Channel                Channel                `json:"channel" db:"channel"`
	UserIdentifier         string                 `json:"userIdentifier" db:"user_identifier"`
	CurrentStep            string                 `json:"currentStep" db:"current_step"`
	FormData               map[string]interface{} `json:"formData" db:"form_data"`
	Metadata               map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	ApplicationID          string                 `json:"applicationId,omitempty" db:"application_id"`
	ReferenceCode          string                 `json:"referenceCode,omitempty" db:"reference_code"`
	ReferenceCodeExpiresAt *time.Time             `json:"referenceCodeExpiresAt,omitempty" db:"reference_code_expires_at"`
	ExpiresAt              time.Time              `json:"expiresAt" db:"expires_at"`
	ExpiredAt              *time.Time             `json:"expiredAt,omitempty" db:"expired_at"`
	Version                int64                  `json:"version" db:"version"`
	CreatedAt              time.Time              `json:"createdAt" db:"created_at"`
	UpdatedAt              time.Time              `json:"updatedAt" db:"updated_at"`
}

// IsExpiredAt reports whether the session is no longer active at now, either
// because its TTL passed or because the sweep already marked it.
func (s *ApplicationState) IsExpiredAt(now time.Time) bool {
	return s.ExpiredAt != nil || !now.Before(s.ExpiresAt)
}

// LiveAt reports whether the record can still be acted on at now. A
// finalized application outlives its session TTL and only leaves through
// the sweep; a conversation ends with its session.
func (s *ApplicationState) LiveAt(now time.Time) bool {
	if s.ExpiredAt != nil {
		return false
	}
	return s.IsFinalized() || now.Before(s.ExpiresAt)
}

// IsFinalized reports whether the state has been turned into an application.
func (s *ApplicationState) IsFinalized() bool {
	return s.ReferenceCode != ""
}

// ReferenceValidAt reports whether the reference code is usable at now. A
// reference without an expiry never expires.
func (s *ApplicationState) ReferenceValidAt(now time.Time) bool {
	if s.ReferenceCode == "" {
		return false
	}
	return s.ReferenceCodeExpiresAt == nil || now.Before(*s.ReferenceCodeExpiresAt)
}

// Transition is one append-only entry of a state's timeline. Seq is assigned
// by the store at commit and totally orders a session's transitions.
type Transition struct {
	Seq            int64                  `json:"seq" db:"seq"`
	StateID        string                 `json:"stateId" db:"state_id"`
	SessionID      string                 `json:"sessionId" db:"session_id"`
	FromStep       string                 `json:"fromStep" db:"from_step"`
	ToStep         string                 `json:"toStep" db:"to_step"`
	Channel        Channel                `json:"channel" db:"channel"`
	TransitionData map[string]interface{} `json:"transitionData,omitempty" db:"transition_data"`
	CreatedAt      time.Time              `json:"createdAt" db:"created_at"`
}
