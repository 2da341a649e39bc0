// Package orchestrator is the only writer of application states. It resolves
// states through the cache, validates every step change against the
// conversation flow or the loan decision graph, commits through the store's
// version check and runs the post-commit hooks.
package orchestrator

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"application-lifecycle/internal/cache"
	apperrors "application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/common/metrics"
	"application-lifecycle/internal/common/observability"
	"application-lifecycle/internal/formdata"
	"application-lifecycle/internal/models"
	"application-lifecycle/internal/statemachine/conversation"
	"application-lifecycle/internal/statemachine/decision"
	"application-lifecycle/internal/store"
)

const (
	VocabularyConversation = "conversation"
	VocabularyDecision     = "decision"

	maxUserIdentifierLength = 255
	maxReferenceExtension   = 365
)

var userIdentifierStrip = regexp.MustCompile(`[^a-zA-Z0-9@._+-]`)

// SanitizeUserIdentifier drops every character outside [a-zA-Z0-9@._+-] and
// truncates to 255 bytes.
func SanitizeUserIdentifier(raw string) string {
	s := userIdentifierStrip.ReplaceAllString(raw, "")
	if len(s) > maxUserIdentifierLength {
		s = s[:maxUserIdentifierLength]
	}
	return s
}

type Service struct {
	store   store.Store
	cache   *cache.Manager
	hooks   []Hook
	config  Config
	logger  logger.Logger
	obs     *observability.Observability
	now     func() time.Time
	newID   func() string
	backoff time.Duration
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

func WithObservability(o *observability.Observability) Option {
	return func(s *Service) { s.obs = o }
}

// WithRetryBackoff sets the base pause between conflict retries; the n-th
// retry waits n times the base.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *Service) { s.backoff = d }
}

func NewService(st store.Store, c *cache.Manager, cfg Config, log logger.Logger, opts ...Option) *Service {
	if c == nil {
		c = cache.NewManager(nil, cache.Config{}, log)
	}
	s := &Service{
		store:   st,
		cache:   c,
		config:  cfg.withDefaults(),
		logger:  log.WithFields(map[string]interface{}{"component": "orchestrator"}),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		backoff: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ==========================
// Requests
// ==========================

type TransitionRequest struct {
	SessionID      string
	ToStep         string
	Channel        models.Channel // defaults to the state's own channel
	FormPatch      map[string]interface{}
	MetadataPatch  map[string]interface{}
	TransitionData map[string]interface{}
}

// DetailsUpdate changes form data or metadata without moving the step. No
// transition is recorded and no hooks run.
type DetailsUpdate struct {
	FormPatch     map[string]interface{}
	MetadataPatch map[string]interface{}
	RefreshExpiry bool
}

type SaveRequest struct {
	SessionID      string
	Channel        models.Channel
	UserIdentifier string
	CurrentStep    string
	FormData       map[string]interface{}
	Metadata       map[string]interface{}
}

type Resumption struct {
	State     *models.ApplicationState
	CanResume bool
	ExpiresIn int64 // seconds
}

// ==========================
// Resolution
// ==========================

// ResolveBySession returns the live state for a session. Swept states and
// conversations past their TTL are reported as not found; finalized
// applications stay reachable until the reference sweep retires them.
func (s *Service) ResolveBySession(ctx context.Context, sessionID string) (*models.ApplicationState, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperrors.NewValidationError("session_id", "is required")
	}
	now := s.now()

	if st := s.cache.GetState(ctx, sessionID); st != nil {
		if st.LiveAt(now) {
			return st, nil
		}
		s.cache.Invalidate(ctx, sessionID)
		return nil, stateNotFound(sessionID)
	}

	st, err := s.store.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, s.storeError("load application state", sessionID, err)
	}
	if !st.LiveAt(now) {
		return nil, stateNotFound(sessionID)
	}
	s.cache.PutState(ctx, st)
	return st, nil
}

// ResolveByUserChannel returns the user's live state on one channel. States
// on other channels are never returned.
func (s *Service) ResolveByUserChannel(ctx context.Context, userIdentifier string, channel models.Channel) (*models.ApplicationState, error) {
	user := SanitizeUserIdentifier(userIdentifier)
	if user == "" {
		return nil, apperrors.NewValidationError("user_identifier", "is required")
	}
	if _, err := models.ParseChannel(string(channel)); err != nil {
		return nil, apperrors.NewValidationError("channel", err.Error())
	}

	if sid, ok := s.cache.GetUserSession(ctx, user, channel); ok {
		st, err := s.ResolveBySession(ctx, sid)
		if err == nil && st.Channel == channel && st.UserIdentifier == user && !st.IsExpiredAt(s.now()) {
			return st, nil
		}
		s.cache.InvalidateUser(ctx, user, channel)
	}

	st, err := s.store.FindActiveByUserChannel(ctx, user, channel, s.now())
	if err != nil {
		return nil, s.storeError("find active application state", string(channel), err)
	}
	s.cache.PutState(ctx, st)
	s.cache.PutUserSession(ctx, user, channel, st.SessionID)
	return st, nil
}

// RetrieveState resolves the user's live state on a channel and reports
// whether the client can pick it up again.
func (s *Service) RetrieveState(ctx context.Context, userIdentifier string, channel models.Channel) (*Resumption, error) {
	st, err := s.ResolveByUserChannel(ctx, userIdentifier, channel)
	if err != nil {
		return nil, err
	}
	expiresIn := int64(st.ExpiresAt.Sub(s.now()).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	return &Resumption{
		State:     st,
		CanResume: canResume(st.CurrentStep),
		ExpiresIn: expiresIn,
	}, nil
}

func canResume(step string) bool {
	if c, err := conversation.Parse(step); err == nil {
		return !c.IsTerminal()
	}
	if d, err := decision.Parse(step); err == nil {
		return !d.IsFinal()
	}
	return false
}

// ==========================
// Mutations
// ==========================

// ApplyTransition moves a state to req.ToStep. Decision statuses are checked
// against the decision graph, conversation steps against the flow table
// evaluated over the merged form data. A conversation target equal to the
// current step saves the patches in place.
func (s *Service) ApplyTransition(ctx context.Context, req TransitionRequest) (*models.ApplicationState, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, apperrors.NewValidationError("session_id", "is required")
	}
	if strings.TrimSpace(req.ToStep) == "" {
		return nil, apperrors.NewValidationError("to_step", "is required")
	}

	start := s.now()
	ctx, span := s.obs.StartSpan(ctx, "orchestrator.ApplyTransition",
		attribute.String("session_id", req.SessionID),
		attribute.String("to", req.ToStep),
	)
	defer span.End()

	var change models.StatusChange
	next, tr, err := s.mutate(ctx, req.SessionID, loadActive, func(cur *models.ApplicationState) (*models.ApplicationState, *models.Transition, error) {
		n, t, c, err := s.planTransition(cur, req)
		change = c
		return n, t, err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if tr != nil {
		s.committed(ctx, next, tr, change, start)
	}
	return next, nil
}

func (s *Service) planTransition(cur *models.ApplicationState, req TransitionRequest) (*models.ApplicationState, *models.Transition, models.StatusChange, error) {
	now := s.now()
	to := req.ToStep
	channel := req.Channel
	if channel == "" {
		channel = cur.Channel
	}
	merged := formdata.Merge(cur.FormData, formdata.Sanitize(req.FormPatch))

	var vocabulary string
	switch {
	case decision.IsStatus(to):
		vocabulary = VocabularyDecision
		from, err := decision.Parse(cur.CurrentStep)
		if err != nil {
			return nil, nil, models.StatusChange{}, s.illegal(vocabulary, cur.CurrentStep, to, nil)
		}
		if err := decision.ValidateTransition(from, decision.Status(to)); err != nil {
			metrics.IllegalTransitions.WithLabelValues(vocabulary, cur.CurrentStep, to).Inc()
			return nil, nil, models.StatusChange{}, err
		}

	case conversation.IsStep(to):
		vocabulary = VocabularyConversation
		if channel != cur.Channel {
			return nil, nil, models.StatusChange{}, apperrors.NewValidationError("channel", "session belongs to channel "+string(cur.Channel))
		}
		from, err := conversation.Parse(cur.CurrentStep)
		if err != nil {
			return nil, nil, models.StatusChange{}, s.illegal(vocabulary, cur.CurrentStep, to, nil)
		}
		if conversation.Step(to) != from {
			next := Successors(from, formdata.NewView(merged))
			legal := false
			allowed := make([]string, 0, len(next))
			for _, step := range next {
				allowed = append(allowed, string(step))
				legal = legal || step == conversation.Step(to)
			}
			if !legal {
				return nil, nil, models.StatusChange{}, s.illegal(vocabulary, cur.CurrentStep, to, allowed)
			}
		}

	default:
		return nil, nil, models.StatusChange{}, apperrors.NewValidationError("to_step", "unknown step "+to)
	}

	next := copyState(cur)
	next.FormData = merged
	next.Metadata = formdata.Merge(cur.Metadata, req.MetadataPatch)
	next.UpdatedAt = now
	if vocabulary == VocabularyConversation && !cur.IsFinalized() {
		next.ExpiresAt = now.Add(s.config.sessionTTL(cur.Channel))
	}
	if to == cur.CurrentStep {
		return next, nil, models.StatusChange{}, nil
	}

	next.CurrentStep = to
	data := formdata.Clone(req.TransitionData)
	if data == nil {
		data = map[string]interface{}{}
	}
	data["vocabulary"] = vocabulary

	tr := &models.Transition{
		FromStep:       cur.CurrentStep,
		ToStep:         to,
		Channel:        channel,
		TransitionData: data,
		CreatedAt:      now,
	}
	change := models.StatusChange{
		Old:        cur.CurrentStep,
		New:        to,
		Vocabulary: vocabulary,
		Channel:    channel,
		Data:       data,
		At:         now,
	}
	return next, tr, change, nil
}

// UpdateDetails merges form data and metadata into a live state without
// changing its step.
func (s *Service) UpdateDetails(ctx context.Context, sessionID string, upd DetailsUpdate) (*models.ApplicationState, error) {
	next, _, err := s.mutate(ctx, sessionID, loadActive, func(cur *models.ApplicationState) (*models.ApplicationState, *models.Transition, error) {
		now := s.now()
		next := copyState(cur)
		next.FormData = formdata.Merge(cur.FormData, formdata.Sanitize(upd.FormPatch))
		next.Metadata = formdata.Merge(cur.Metadata, upd.MetadataPatch)
		next.UpdatedAt = now
		if upd.RefreshExpiry && !cur.IsFinalized() {
			next.ExpiresAt = now.Add(s.config.sessionTTL(cur.Channel))
		}
		return next, nil, nil
	})
	return next, err
}

// SaveState is the channel-facing upsert: it creates the state on first
// contact, saves in place when the step is unchanged and otherwise applies
// the step change as a transition.
func (s *Service) SaveState(ctx context.Context, req SaveRequest) (*models.ApplicationState, error) {
	user := SanitizeUserIdentifier(req.UserIdentifier)

	var verrs []apperrors.ValidationError
	if strings.TrimSpace(req.SessionID) == "" {
		verrs = append(verrs, *apperrors.NewValidationError("session_id", "is required"))
	}
	if user == "" {
		verrs = append(verrs, *apperrors.NewValidationError("user_identifier", "is required"))
	}
	if ch, err := models.ParseChannel(string(req.Channel)); err != nil || !ch.IsClientFacing() {
		verrs = append(verrs, *apperrors.NewValidationError("channel", "must be one of web, whatsapp, ussd, mobile_app"))
	}
	step, err := conversation.Parse(req.CurrentStep)
	if err != nil {
		verrs = append(verrs, *apperrors.NewValidationError("current_step", err.Error()))
	}
	if len(verrs) > 0 {
		return nil, &apperrors.ValidationErrors{Errors: verrs}
	}

	existing, err := s.store.GetBySession(ctx, req.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		created, cerr := s.create(ctx, req, user, step)
		if !errors.Is(cerr, store.ErrDuplicateSession) {
			return created, cerr
		}
		// Lost a create race on the same session; continue as an update.
		existing, err = s.store.GetBySession(ctx, req.SessionID)
	}
	if err != nil {
		return nil, s.storeError("load application state", req.SessionID, err)
	}

	if existing.IsExpiredAt(s.now()) {
		return nil, stateNotFound(req.SessionID)
	}
	if existing.Channel != req.Channel || existing.UserIdentifier != user {
		return nil, apperrors.NewValidationError("session_id", "session belongs to a different user or channel")
	}

	if string(step) == existing.CurrentStep {
		return s.UpdateDetails(ctx, req.SessionID, DetailsUpdate{
			FormPatch:     req.FormData,
			MetadataPatch: req.Metadata,
			RefreshExpiry: true,
		})
	}
	return s.ApplyTransition(ctx, TransitionRequest{
		SessionID:     req.SessionID,
		ToStep:        string(step),
		Channel:       req.Channel,
		FormPatch:     req.FormData,
		MetadataPatch: req.Metadata,
	})
}

func (s *Service) create(ctx context.Context, req SaveRequest, user string, step conversation.Step) (*models.ApplicationState, error) {
	if !step.IsEntry() {
		return nil, apperrors.NewValidationError("current_step", "a new session must start at new, language or microbiz_main_menu")
	}
	now := s.now()

	var previous string
	if prior, err := s.store.FindActiveByUserChannel(ctx, user, req.Channel, now); err == nil {
		previous = prior.SessionID
	}

	form := formdata.Sanitize(req.FormData)
	if form == nil {
		form = map[string]interface{}{}
	}
	st := &models.ApplicationState{
		ID:             s.newID(),
		SessionID:      req.SessionID,
		Channel:        req.Channel,
		UserIdentifier: user,
		CurrentStep:    string(step),
		FormData:       form,
		Metadata:       formdata.Clone(req.Metadata),
		ExpiresAt:      now.Add(s.config.sessionTTL(req.Channel)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var opening *models.Transition
	if step != conversation.New {
		opening = &models.Transition{
			FromStep: string(conversation.New),
			ToStep:   string(step),
			Channel:  req.Channel,
			TransitionData: map[string]interface{}{
				"vocabulary": VocabularyConversation,
				"opening":    true,
			},
			CreatedAt: now,
		}
	}

	if err := s.store.Create(ctx, st, opening); err != nil {
		if errors.Is(err, store.ErrDuplicateSession) {
			return nil, err
		}
		return nil, apperrors.NewQueryExecutionFailedError("create application state", err)
	}

	if previous != "" && previous != st.SessionID {
		s.cache.Invalidate(ctx, previous)
	}
	s.refreshCache(ctx, st)

	s.logger.Info("Created application state", map[string]interface{}{
		"sessionId": st.SessionID,
		"channel":   st.Channel,
		"step":      st.CurrentStep,
	})
	return st, nil
}

// CreateFinalApplication turns a completed conversation into a submitted
// application with an application id and a reference code. Calling it again
// on a finalized state returns the existing result.
func (s *Service) CreateFinalApplication(ctx context.Context, sessionID string) (*models.Application, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperrors.NewValidationError("session_id", "is required")
	}
	start := s.now()

	var change models.StatusChange
	st, tr, err := s.mutate(ctx, sessionID, loadActive, func(cur *models.ApplicationState) (*models.ApplicationState, *models.Transition, error) {
		if cur.IsFinalized() {
			return nil, nil, nil
		}
		if cur.CurrentStep != string(conversation.Completed) {
			return nil, nil, &apperrors.IncompleteApplicationError{SessionID: cur.SessionID, CurrentStep: cur.CurrentStep}
		}

		code, err := s.chooseReference(ctx, cur.SessionID, formdata.NewView(cur.FormData))
		if err != nil {
			return nil, nil, apperrors.NewQueryExecutionFailedError("assign reference code", err)
		}

		now := s.now()
		refExpires := now.Add(s.config.ReferenceTTL)
		next := copyState(cur)
		next.ApplicationID = s.newID()
		next.ReferenceCode = code
		next.ReferenceCodeExpiresAt = &refExpires
		next.CurrentStep = string(decision.Submitted)
		next.UpdatedAt = now
		next.Metadata = formdata.Merge(cur.Metadata, map[string]interface{}{
			"finalized_at": now.Format(time.RFC3339Nano),
		})

		data := map[string]interface{}{
			"vocabulary":     VocabularyDecision,
			"application_id": next.ApplicationID,
			"reference_code": code,
		}
		change = models.StatusChange{
			Old:        cur.CurrentStep,
			New:        next.CurrentStep,
			Vocabulary: VocabularyDecision,
			Channel:    cur.Channel,
			Data:       data,
			At:         now,
		}
		return next, &models.Transition{
			FromStep:       cur.CurrentStep,
			ToStep:         next.CurrentStep,
			Channel:        cur.Channel,
			TransitionData: data,
			CreatedAt:      now,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if tr != nil {
		metrics.ApplicationsFinalized.WithLabelValues(string(st.Channel)).Inc()
		if st.ReferenceCodeExpiresAt != nil {
			s.cache.SetReferenceValid(ctx, st.ReferenceCode, st.SessionID, *st.ReferenceCodeExpiresAt)
		}
		s.committed(ctx, st, tr, change, start)
	}
	return applicationOf(st), nil
}

func applicationOf(st *models.ApplicationState) *models.Application {
	app := &models.Application{
		ApplicationID: st.ApplicationID,
		SessionID:     st.SessionID,
		ReferenceCode: st.ReferenceCode,
		CreatedAt:     st.UpdatedAt,
	}
	if st.ReferenceCodeExpiresAt != nil {
		app.ReferenceCodeExpiresAt = *st.ReferenceCodeExpiresAt
	}
	if raw, ok := st.Metadata["finalized_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			app.CreatedAt = t
		}
	}
	return app
}

// Cancel is the administrative override: any non-final decision status may
// move to cancelled, outside the decision graph.
func (s *Service) Cancel(ctx context.Context, sessionID, reason string) (*models.ApplicationState, error) {
	start := s.now()
	var change models.StatusChange
	next, tr, err := s.mutate(ctx, sessionID, loadActive, func(cur *models.ApplicationState) (*models.ApplicationState, *models.Transition, error) {
		from, err := decision.Parse(cur.CurrentStep)
		if err != nil || !from.CanCancel() {
			return nil, nil, s.illegal(VocabularyDecision, cur.CurrentStep, string(decision.Cancelled), nil)
		}

		now := s.now()
		data := map[string]interface{}{
			"vocabulary": VocabularyDecision,
			"override":   true,
			"reason":     reason,
		}
		next := copyState(cur)
		next.CurrentStep = string(decision.Cancelled)
		next.UpdatedAt = now
		change = models.StatusChange{
			Old:        cur.CurrentStep,
			New:        next.CurrentStep,
			Vocabulary: VocabularyDecision,
			Channel:    models.ChannelAdmin,
			Data:       data,
			At:         now,
		}
		return next, &models.Transition{
			FromStep:       cur.CurrentStep,
			ToStep:         next.CurrentStep,
			Channel:        models.ChannelAdmin,
			TransitionData: data,
			CreatedAt:      now,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.committed(ctx, next, tr, change, start)
	return next, nil
}

// ==========================
// Reference codes
// ==========================

// LookupReference returns the state holding a reference code. Codes past
// their own expiry yield ExpiredReferenceError.
func (s *Service) LookupReference(ctx context.Context, code string) (*models.ApplicationState, error) {
	code = NormalizeReference(code)
	if code == "" {
		return nil, apperrors.NewValidationError("reference_code", "is required")
	}
	now := s.now()

	if sid, ok := s.cache.ReferenceSession(ctx, code); ok {
		st, err := s.ResolveBySession(ctx, sid)
		if err == nil && st.ReferenceCode == code && st.ReferenceValidAt(now) {
			return st, nil
		}
		s.cache.InvalidateReference(ctx, code)
	}

	st, err := s.store.GetByReferenceCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NewNotFoundError("reference code", code)
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("lookup reference code", err)
	}
	if !st.ReferenceValidAt(now) {
		var expired time.Time
		if st.ReferenceCodeExpiresAt != nil {
			expired = *st.ReferenceCodeExpiresAt
		}
		return nil, &apperrors.ExpiredReferenceError{ReferenceCode: code, ExpiredAt: expired}
	}

	var until time.Time
	if st.ReferenceCodeExpiresAt != nil {
		until = *st.ReferenceCodeExpiresAt
	}
	s.cache.SetReferenceValid(ctx, code, st.SessionID, until)
	return st, nil
}

// ExtendReference pushes a reference's expiry by days, counted from the
// later of now and its current expiry. Lapsed references can be revived.
func (s *Service) ExtendReference(ctx context.Context, code string, days int) (*models.ApplicationState, error) {
	if days < 1 || days > maxReferenceExtension {
		return nil, apperrors.NewValidationError("days", "must be between 1 and 365")
	}
	code = NormalizeReference(code)
	if code == "" {
		return nil, apperrors.NewValidationError("reference_code", "is required")
	}

	found, err := s.store.GetByReferenceCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NewNotFoundError("reference code", code)
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("lookup reference code", err)
	}

	next, _, err := s.mutate(ctx, found.SessionID, loadLapsed, func(cur *models.ApplicationState) (*models.ApplicationState, *models.Transition, error) {
		if cur.ReferenceCode != code {
			return nil, nil, apperrors.NewNotFoundError("reference code", code)
		}
		now := s.now()
		base := now
		if cur.ReferenceCodeExpiresAt != nil && cur.ReferenceCodeExpiresAt.After(now) {
			base = *cur.ReferenceCodeExpiresAt
		}
		expires := base.AddDate(0, 0, days)

		next := copyState(cur)
		next.ReferenceCodeExpiresAt = &expires
		next.UpdatedAt = now
		return next, nil, nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.InvalidateReference(ctx, code)
	s.logger.Info("Extended reference code", map[string]interface{}{
		"sessionId": next.SessionID,
		"days":      days,
		"expiresAt": next.ReferenceCodeExpiresAt.Format(time.RFC3339),
	})
	return next, nil
}

// ==========================
// Timeline and housekeeping
// ==========================

// Timeline returns a session's transitions in commit order. It is available
// for swept states too, until they are purged.
func (s *Service) Timeline(ctx context.Context, sessionID string) ([]models.Transition, error) {
	if _, err := s.store.GetBySession(ctx, sessionID); err != nil {
		return nil, s.storeError("load application state", sessionID, err)
	}
	trs, err := s.store.Transitions(ctx, sessionID)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("load transitions", err)
	}
	return trs, nil
}

// ExpireSweep soft-expires unfinalized states whose TTL passed before now.
func (s *Service) ExpireSweep(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.store.ExpireStale(ctx, now)
	if err != nil {
		return 0, apperrors.NewQueryExecutionFailedError("expire stale states", err)
	}
	metrics.SweepRuns.WithLabelValues("expired").Add(float64(n))
	if n > 0 {
		s.logger.Info("Expired stale application states", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Purge deletes states swept longer than the retention window ago.
func (s *Service) Purge(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.store.PurgeExpired(ctx, now.Add(-s.config.Retention))
	if err != nil {
		return 0, apperrors.NewQueryExecutionFailedError("purge expired states", err)
	}
	metrics.SweepRuns.WithLabelValues("purged").Add(float64(n))
	if n > 0 {
		s.logger.Info("Purged expired application states", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Ping checks the store. The cache is optional and not part of readiness.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ==========================
// Commit machinery
// ==========================

type loadMode int

const (
	loadActive loadMode = iota
	// loadLapsed accepts states past their TTL but not swept ones.
	loadLapsed
)

// planFunc derives the next state from the current one. A nil state means
// there is nothing to commit and the current state is returned as is.
type planFunc func(cur *models.ApplicationState) (*models.ApplicationState, *models.Transition, error)

// mutate runs load, plan and versioned commit, re-running all three on a
// version conflict or a transient store error up to MaxConflictRetries times.
func (s *Service) mutate(ctx context.Context, sessionID string, mode loadMode, plan planFunc) (*models.ApplicationState, *models.Transition, error) {
	var lastErr error
	for attempt := 1; attempt <= s.config.MaxConflictRetries; attempt++ {
		cur, err := s.load(ctx, sessionID, mode, attempt > 1)
		if err != nil {
			return nil, nil, err
		}

		next, tr, err := plan(cur)
		if err != nil {
			return nil, nil, err
		}
		if next == nil {
			return cur, nil, nil
		}

		err = s.store.Update(ctx, next, cur.Version, tr)
		if err == nil {
			s.refreshCache(ctx, next)
			return next, tr, nil
		}

		switch {
		case errors.Is(err, store.ErrVersionConflict):
			metrics.ConcurrencyConflicts.Inc()
			lastErr = &apperrors.ConcurrencyConflictError{SessionID: sessionID, Attempts: attempt}
		case store.IsTransient(err):
			lastErr = apperrors.NewQueryExecutionFailedError("update application state", err)
		default:
			return nil, nil, apperrors.NewQueryExecutionFailedError("update application state", err)
		}

		s.cache.Invalidate(ctx, sessionID)
		s.logger.Warn("State update not applied, retrying", map[string]interface{}{
			"sessionId": sessionID,
			"attempt":   attempt,
			"error":     err.Error(),
		})
		if err := s.pause(ctx, attempt); err != nil {
			return nil, nil, err
		}
	}
	return nil, nil, lastErr
}

func (s *Service) load(ctx context.Context, sessionID string, mode loadMode, fresh bool) (*models.ApplicationState, error) {
	var st *models.ApplicationState
	if !fresh {
		st = s.cache.GetState(ctx, sessionID)
	}
	if st == nil {
		got, err := s.store.GetBySession(ctx, sessionID)
		if err != nil {
			return nil, s.storeError("load application state", sessionID, err)
		}
		st = got
	}

	if st.ExpiredAt != nil || (mode == loadActive && !st.LiveAt(s.now())) {
		return nil, stateNotFound(sessionID)
	}
	return st, nil
}

func (s *Service) pause(ctx context.Context, attempt int) error {
	if s.backoff <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(time.Duration(attempt) * s.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// refreshCache drops and rewrites both cache keys of a committed state.
func (s *Service) refreshCache(ctx context.Context, st *models.ApplicationState) {
	s.cache.Invalidate(ctx, st.SessionID)
	s.cache.InvalidateUser(ctx, st.UserIdentifier, st.Channel)
	now := s.now()
	if !st.LiveAt(now) {
		return
	}
	s.cache.PutState(ctx, st)
	if !st.IsExpiredAt(now) {
		s.cache.PutUserSession(ctx, st.UserIdentifier, st.Channel, st.SessionID)
	}
}

func (s *Service) committed(ctx context.Context, st *models.ApplicationState, tr *models.Transition, change models.StatusChange, start time.Time) {
	metrics.TransitionsTotal.WithLabelValues(change.Vocabulary, string(tr.Channel), tr.ToStep).Inc()
	s.obs.RecordTransition(ctx, change.Vocabulary, string(tr.Channel), tr.ToStep, s.now().Sub(start))
	s.logger.Info("Applied transition", map[string]interface{}{
		"sessionId": st.SessionID,
		"from":      tr.FromStep,
		"to":        tr.ToStep,
		"channel":   tr.Channel,
		"seq":       tr.Seq,
		"version":   st.Version,
	})
	s.runHooks(ctx, st, change)
}

func (s *Service) illegal(vocabulary, from, to string, allowed []string) error {
	metrics.IllegalTransitions.WithLabelValues(vocabulary, from, to).Inc()
	return apperrors.NewIllegalTransitionError(from, to, allowed)
}

func (s *Service) storeError(op, key string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return stateNotFound(key)
	}
	return apperrors.NewQueryExecutionFailedError(op, err)
}

func stateNotFound(key string) error {
	return apperrors.NewNotFoundError("application state", key)
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
