package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	apperrors "application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/common/metrics"
	"application-lifecycle/internal/formdata"
	"application-lifecycle/internal/models"
	"application-lifecycle/internal/statemachine/conversation"
	"application-lifecycle/internal/store"
)

const (
	sessionIDAlphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	sessionIDRandomLength = 20
	maxSessionIDLength    = 255

	resumeExtendWithin = 5 * 24 * time.Hour
	resumeExtendDays   = 30

	SyncSynchronized = "synchronized"
	SyncNeedsSync    = "needs_sync"
	SyncNotLinked    = "not_linked"
)

var (
	sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	nonDigits        = regexp.MustCompile(`[^0-9]`)

	// syncedFields are the answers compared by SyncStatus.
	syncedFields = []string{
		"language", "intent", "employer", "hasAccount",
		"selectedCategory", "selectedBusiness", "selectedScale",
		"formResponses",
	}
)

// GenerateSessionID returns <channel>_ followed by 20 random alphanumerics.
func GenerateSessionID(channel models.Channel) (string, error) {
	if ch, err := models.ParseChannel(string(channel)); err != nil || !ch.IsClientFacing() {
		return "", apperrors.NewValidationError("channel", "must be one of web, whatsapp, ussd, mobile_app")
	}
	suffix, err := randomString(sessionIDAlphabet, sessionIDRandomLength)
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return string(channel) + "_" + suffix, nil
}

func validSessionID(sid string) bool {
	return len(sid) <= maxSessionIDLength && sessionIDPattern.MatchString(sid)
}

// ==========================
// Linking
// ==========================

type LinkRequest struct {
	PrimarySessionID   string
	SecondarySessionID string
	Channel            models.Channel // channel of the secondary session
	UserIdentifier     string         // owner of the secondary session
}

type LinkResult struct {
	Primary   *models.ApplicationState
	Secondary *models.ApplicationState
	// Created is true when the link opened the secondary session.
	Created bool
}

// LinkSessions joins an open conversation to a session on another channel.
// A missing secondary is created at the primary's step with a copy of its
// answers; an existing one is synchronized with it. Each session keeps its
// own channel, owner and step.
func (s *Service) LinkSessions(ctx context.Context, req LinkRequest) (*LinkResult, error) {
	user := SanitizeUserIdentifier(req.UserIdentifier)

	var verrs []apperrors.ValidationError
	if strings.TrimSpace(req.PrimarySessionID) == "" {
		verrs = append(verrs, *apperrors.NewValidationError("primary_session_id", "is required"))
	}
	if !validSessionID(req.SecondarySessionID) {
		verrs = append(verrs, *apperrors.NewValidationError("secondary_session_id", "must match ^[a-zA-Z0-9_-]+$ with at most 255 characters"))
	} else if req.SecondarySessionID == req.PrimarySessionID {
		verrs = append(verrs, *apperrors.NewValidationError("secondary_session_id", "must differ from the primary session"))
	}
	if user == "" {
		verrs = append(verrs, *apperrors.NewValidationError("user_identifier", "is required"))
	}
	if ch, err := models.ParseChannel(string(req.Channel)); err != nil || !ch.IsClientFacing() {
		verrs = append(verrs, *apperrors.NewValidationError("channel", "must be one of web, whatsapp, ussd, mobile_app"))
	}
	if len(verrs) > 0 {
		return nil, &apperrors.ValidationErrors{Errors: verrs}
	}

	primary, err := s.ResolveBySession(ctx, req.PrimarySessionID)
	if err != nil {
		return nil, err
	}
	if err := linkable(primary, "primary_session_id"); err != nil {
		return nil, err
	}
	if primary.Channel == req.Channel {
		return nil, apperrors.NewValidationError("channel", "a linked session must be on another channel than its primary")
	}

	secondary, err := s.store.GetBySession(ctx, req.SecondarySessionID)
	if errors.Is(err, store.ErrNotFound) {
		created, cerr := s.createLinked(ctx, primary, req.SecondarySessionID, req.Channel, user)
		if !errors.Is(cerr, store.ErrDuplicateSession) {
			if cerr != nil {
				return nil, cerr
			}
			return &LinkResult{Primary: primary, Secondary: created, Created: true}, nil
		}
		secondary, err = s.store.GetBySession(ctx, req.SecondarySessionID)
	}
	if err != nil {
		return nil, s.storeError("load application state", req.SecondarySessionID, err)
	}

	if !secondary.LiveAt(s.now()) {
		return nil, stateNotFound(req.SecondarySessionID)
	}
	if secondary.Channel != req.Channel || secondary.UserIdentifier != user {
		return nil, apperrors.NewValidationError("secondary_session_id", "session belongs to a different user or channel")
	}
	if err := linkable(secondary, "secondary_session_id"); err != nil {
		return nil, err
	}

	p, sec, err := s.synchronize(ctx, primary, secondary)
	if err != nil {
		return nil, err
	}
	return &LinkResult{Primary: p, Secondary: sec}, nil
}

// linkable rejects finalized applications and finished conversations.
func linkable(st *models.ApplicationState, field string) error {
	if st.IsFinalized() {
		return apperrors.NewValidationError(field, "finalized applications cannot be linked")
	}
	step, err := conversation.Parse(st.CurrentStep)
	if err != nil || step.IsTerminal() {
		return apperrors.NewValidationError(field, "only open conversations can be linked")
	}
	return nil
}

func (s *Service) createLinked(ctx context.Context, primary *models.ApplicationState, sessionID string, channel models.Channel, user string) (*models.ApplicationState, error) {
	now := s.now()

	var previous string
	if prior, err := s.store.FindActiveByUserChannel(ctx, user, channel, now); err == nil {
		previous = prior.SessionID
	}

	form := formdata.Clone(primary.FormData)
	if form == nil {
		form = map[string]interface{}{}
	}
	st := &models.ApplicationState{
		ID:             s.newID(),
		SessionID:      sessionID,
		Channel:        channel,
		UserIdentifier: user,
		CurrentStep:    primary.CurrentStep,
		FormData:       form,
		Metadata: formdata.Merge(primary.Metadata, map[string]interface{}{
			"linked_to": primary.SessionID,
			"platform":  string(channel),
		}),
		ExpiresAt: now.Add(s.config.sessionTTL(channel)),
		CreatedAt: now,
		UpdatedAt: now,
	}

	var opening *models.Transition
	if st.CurrentStep != string(conversation.New) {
		opening = &models.Transition{
			FromStep: string(conversation.New),
			ToStep:   st.CurrentStep,
			Channel:  channel,
			TransitionData: map[string]interface{}{
				"vocabulary": VocabularyConversation,
				"opening":    true,
				"linked_to":  primary.SessionID,
			},
			CreatedAt: now,
		}
	}

	if err := s.store.Create(ctx, st, opening); err != nil {
		if errors.Is(err, store.ErrDuplicateSession) {
			return nil, err
		}
		return nil, apperrors.NewQueryExecutionFailedError("create linked application state", err)
	}

	if previous != "" && previous != st.SessionID {
		s.cache.Invalidate(ctx, previous)
	}
	s.refreshCache(ctx, st)
	metrics.ChannelLinks.WithLabelValues("created").Inc()

	s.logger.Info("Opened linked session", map[string]interface{}{
		"sessionId": st.SessionID,
		"linkedTo":  primary.SessionID,
		"channel":   st.Channel,
		"step":      st.CurrentStep,
	})
	return st, nil
}

// synchronize writes the union of both sessions' answers into each of them.
// The session with more answers (then the more recently updated one) wins
// conflicting keys. Steps are left alone: every channel moves its own
// conversation through the flow table.
func (s *Service) synchronize(ctx context.Context, first, second *models.ApplicationState) (*models.ApplicationState, *models.ApplicationState, error) {
	leader, follower := leading(first, second)
	now := s.now()

	form := formdata.Merge(follower.FormData, leader.FormData)
	meta := formdata.Merge(formdata.Merge(follower.Metadata, leader.Metadata), map[string]interface{}{
		"last_sync":   now.Format(time.RFC3339Nano),
		"sync_source": string(leader.Channel),
	})

	synced := make([]*models.ApplicationState, 2)
	pairs := [][2]*models.ApplicationState{{first, second}, {second, first}}
	for i, pair := range pairs {
		self, other := pair[0], pair[1]
		next, _, err := s.mutate(ctx, self.SessionID, loadActive, func(cur *models.ApplicationState) (*models.ApplicationState, *models.Transition, error) {
			if err := linkable(cur, "session_id"); err != nil {
				return nil, nil, err
			}
			next := copyState(cur)
			next.FormData = formdata.Merge(cur.FormData, form)
			next.Metadata = formdata.Merge(formdata.Merge(cur.Metadata, meta), map[string]interface{}{
				"platform":       string(cur.Channel),
				"linked_session": other.SessionID,
			})
			next.UpdatedAt = s.now()
			return next, nil, nil
		})
		if err != nil {
			return nil, nil, err
		}
		synced[i] = next
	}

	metrics.ChannelLinks.WithLabelValues("synchronized").Inc()
	s.logger.Info("Synchronized linked sessions", map[string]interface{}{
		"leader":       leader.SessionID,
		"follower":     follower.SessionID,
		"mergedFields": len(form),
	})
	return synced[0], synced[1], nil
}

func leading(a, b *models.ApplicationState) (leader, follower *models.ApplicationState) {
	if len(a.FormData) != len(b.FormData) {
		if len(a.FormData) > len(b.FormData) {
			return a, b
		}
		return b, a
	}
	if a.UpdatedAt.After(b.UpdatedAt) {
		return a, b
	}
	return b, a
}

// MergeStates folds the secondary session's answers into the primary one.
// The primary wins conflicting keys and records merged_from; the secondary
// is not modified.
func (s *Service) MergeStates(ctx context.Context, primarySessionID, secondarySessionID string) (*models.ApplicationState, error) {
	if strings.TrimSpace(primarySessionID) == "" {
		return nil, apperrors.NewValidationError("primary_session_id", "is required")
	}
	if strings.TrimSpace(secondarySessionID) == "" || secondarySessionID == primarySessionID {
		return nil, apperrors.NewValidationError("secondary_session_id", "must name another session")
	}

	secondary, err := s.ResolveBySession(ctx, secondarySessionID)
	if err != nil {
		return nil, err
	}
	if err := linkable(secondary, "secondary_session_id"); err != nil {
		return nil, err
	}

	next, _, err := s.mutate(ctx, primarySessionID, loadActive, func(cur *models.ApplicationState) (*models.ApplicationState, *models.Transition, error) {
		if err := linkable(cur, "primary_session_id"); err != nil {
			return nil, nil, err
		}
		now := s.now()
		next := copyState(cur)
		next.FormData = formdata.Merge(secondary.FormData, cur.FormData)
		next.Metadata = formdata.Merge(formdata.Merge(secondary.Metadata, cur.Metadata), map[string]interface{}{
			"merged_from": secondary.SessionID,
			"last_sync":   now.Format(time.RFC3339Nano),
		})
		next.UpdatedAt = now
		return next, nil, nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ChannelLinks.WithLabelValues("merged").Inc()
	s.logger.Info("Merged application states", map[string]interface{}{
		"sessionId":  next.SessionID,
		"mergedFrom": secondary.SessionID,
	})
	return next, nil
}

// ==========================
// Channel switching
// ==========================

type SwitchRequest struct {
	SessionID string
	Channel   models.Channel // whatsapp or web
	// PhoneNumber identifies the WhatsApp session; required for whatsapp.
	PhoneNumber string
	// TargetSessionID names the web session. A fresh id is generated when
	// empty.
	TargetSessionID string
}

// SwitchChannel carries an open conversation over to WhatsApp or the web.
// The WhatsApp session is whatsapp_<digits> owned by the phone number; a web
// session is owned by its own session id.
func (s *Service) SwitchChannel(ctx context.Context, req SwitchRequest) (*LinkResult, error) {
	link := LinkRequest{PrimarySessionID: req.SessionID, Channel: req.Channel}

	switch req.Channel {
	case models.ChannelWhatsApp:
		phone := nonDigits.ReplaceAllString(req.PhoneNumber, "")
		if phone == "" {
			return nil, apperrors.NewValidationError("phone_number", "is required to switch to whatsapp")
		}
		link.SecondarySessionID = "whatsapp_" + phone
		link.UserIdentifier = phone
	case models.ChannelWeb:
		sid := strings.TrimSpace(req.TargetSessionID)
		if sid == "" {
			generated, err := GenerateSessionID(models.ChannelWeb)
			if err != nil {
				return nil, err
			}
			sid = generated
		}
		link.SecondarySessionID = sid
		link.UserIdentifier = sid
	default:
		return nil, apperrors.NewValidationError("channel", "can only switch to whatsapp or web")
	}

	res, err := s.LinkSessions(ctx, link)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Switched channel", map[string]interface{}{
		"from":    res.Primary.SessionID,
		"to":      res.Secondary.SessionID,
		"channel": req.Channel,
		"step":    res.Secondary.CurrentStep,
		"created": res.Created,
	})
	return res, nil
}

// ==========================
// Sync status
// ==========================

type Inconsistency struct {
	Field    string      `json:"field"`
	First    interface{} `json:"first"`
	Second   interface{} `json:"second"`
	Strategy string      `json:"strategy"`
}

type SyncReport struct {
	Status          string          `json:"status"`
	Inconsistencies []Inconsistency `json:"inconsistencies"`
	LastSync        *time.Time      `json:"last_sync,omitempty"`
	FirstUpdatedAt  time.Time       `json:"first_updated_at"`
	SecondUpdatedAt time.Time       `json:"second_updated_at"`
}

// SyncStatus compares the synced answers of two sessions. A session that
// cannot be resolved yields not_linked rather than an error.
func (s *Service) SyncStatus(ctx context.Context, firstSessionID, secondSessionID string) (*SyncReport, error) {
	first, err := s.syncPeer(ctx, firstSessionID)
	if err != nil {
		return nil, err
	}
	second, err := s.syncPeer(ctx, secondSessionID)
	if err != nil {
		return nil, err
	}
	if first == nil || second == nil {
		return &SyncReport{Status: SyncNotLinked, Inconsistencies: []Inconsistency{}}, nil
	}

	report := &SyncReport{
		Status:          SyncSynchronized,
		Inconsistencies: []Inconsistency{},
		LastSync:        lastSync(first, second),
		FirstUpdatedAt:  first.UpdatedAt,
		SecondUpdatedAt: second.UpdatedAt,
	}
	for _, field := range syncedFields {
		a, b := first.FormData[field], second.FormData[field]
		if reflect.DeepEqual(a, b) {
			continue
		}
		report.Inconsistencies = append(report.Inconsistencies, Inconsistency{
			Field:    field,
			First:    a,
			Second:   b,
			Strategy: resolutionStrategy(field),
		})
	}
	if len(report.Inconsistencies) > 0 {
		report.Status = SyncNeedsSync
	}
	return report, nil
}

func (s *Service) syncPeer(ctx context.Context, sessionID string) (*models.ApplicationState, error) {
	st, err := s.ResolveBySession(ctx, sessionID)
	if apperrors.IsNotFound(err) {
		return nil, nil
	}
	return st, err
}

func resolutionStrategy(field string) string {
	switch field {
	case "formResponses":
		return "merge"
	case "selectedCategory", "selectedBusiness", "selectedScale":
		return "prefer_complete"
	default:
		return "prefer_latest"
	}
}

func lastSync(states ...*models.ApplicationState) *time.Time {
	var latest *time.Time
	for _, st := range states {
		raw, _ := st.Metadata["last_sync"].(string)
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			continue
		}
		if latest == nil || t.After(*latest) {
			latest = &t
		}
	}
	return latest
}

// ==========================
// Resume codes
// ==========================

// ResumeCode returns a finalized application with the reference code it is
// resumed by. A reference with fewer than five days left, or already lapsed,
// is pushed to thirty days from now. Unfinalized conversations have no code
// yet and yield IncompleteApplicationError. Codes are resolved with
// LookupReference.
func (s *Service) ResumeCode(ctx context.Context, sessionID string) (*models.ApplicationState, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperrors.NewValidationError("session_id", "is required")
	}

	var extended bool
	st, _, err := s.mutate(ctx, sessionID, loadActive, func(cur *models.ApplicationState) (*models.ApplicationState, *models.Transition, error) {
		extended = false
		if !cur.IsFinalized() {
			return nil, nil, &apperrors.IncompleteApplicationError{SessionID: cur.SessionID, CurrentStep: cur.CurrentStep}
		}
		now := s.now()
		if cur.ReferenceCodeExpiresAt == nil || cur.ReferenceCodeExpiresAt.Sub(now) >= resumeExtendWithin {
			return nil, nil, nil
		}
		expires := now.AddDate(0, 0, resumeExtendDays)
		next := copyState(cur)
		next.ReferenceCodeExpiresAt = &expires
		next.UpdatedAt = now
		extended = true
		return next, nil, nil
	})
	if err != nil {
		return nil, err
	}

	if extended {
		s.cache.InvalidateReference(ctx, st.ReferenceCode)
		s.logger.Info("Extended reference code on resume", map[string]interface{}{
			"sessionId": st.SessionID,
			"expiresAt": st.ReferenceCodeExpiresAt.Format(time.RFC3339),
		})
	}
	return st, nil
}
