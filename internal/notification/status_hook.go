package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/common/metrics"
	"application-lifecycle/internal/formdata"
	"application-lifecycle/internal/models"
	"application-lifecycle/internal/orchestrator"
	"application-lifecycle/internal/statemachine/conversation"
	"application-lifecycle/internal/statemachine/decision"
)

const (
	ChannelSMS       = "sms"
	ChannelEmail     = "email"
	ChannelWebSocket = "websocket"

	defaultHistoryLimit = 15
)

// Dispatcher is notified of every committed status change. Delivery is best
// effort; the returned error is only logged by the caller.
type Dispatcher interface {
	Notify(ctx context.Context, state *models.ApplicationState, change models.StatusChange) error
}

type Config struct {
	SMSEnabled       bool
	EmailEnabled     bool
	WebSocketEnabled bool
	HistoryLimit     int
}

// StatusHook is the post-commit hook that notifies the applicant of a status
// change and appends it to metadata.notifications.
type StatusHook struct {
	config  Config
	updater orchestrator.DetailsUpdater
	sms     SMSSender
	email   EmailSender
	hub     *Hub
	logger  logger.Logger
	now     func() time.Time
}

// NewStatusHook wires the senders; a nil sender or hub disables that channel.
func NewStatusHook(cfg Config, updater orchestrator.DetailsUpdater, sms SMSSender, email EmailSender, hub *Hub, log logger.Logger) *StatusHook {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	return &StatusHook{
		config:  cfg,
		updater: updater,
		sms:     sms,
		email:   email,
		hub:     hub,
		logger:  log.WithFields(map[string]interface{}{"hook": "status-notification"}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (h *StatusHook) Name() string { return "status-notification" }

func (h *StatusHook) AfterCommit(ctx context.Context, state *models.ApplicationState, change models.StatusChange) error {
	return h.Notify(ctx, state, change)
}

// Notify sends the change over every enabled channel and records it. A
// failed channel does not stop the others or the history entry.
func (h *StatusHook) Notify(ctx context.Context, state *models.ApplicationState, change models.StatusChange) error {
	view := formdata.NewView(state.FormData)
	n := Compose(state, change, h.now())

	var errs []error
	if shouldMessage(change) {
		name := view.ApplicantName()

		if phone := view.Phone(); h.config.SMSEnabled && h.sms != nil && phone != "" {
			body := fmt.Sprintf("Dear %s, %s Ref: %s", name, n.Message, referenceOf(state))
			if _, err := h.sms.Send(ctx, phone, body); err != nil {
				errs = append(errs, err)
				h.failed(ChannelSMS, state, err)
			} else {
				metrics.NotificationsSent.WithLabelValues(ChannelSMS, "sent").Inc()
				n.Channels = append(n.Channels, ChannelSMS)
			}
		}

		if addr := view.Email(); h.config.EmailEnabled && h.email != nil && addr != "" {
			body := fmt.Sprintf("Dear %s,\n\n%s\n\nReference: %s\n", name, n.Message, referenceOf(state))
			if _, err := h.email.SendEmail(ctx, addr, n.Title, body); err != nil {
				errs = append(errs, err)
				h.failed(ChannelEmail, state, err)
			} else {
				metrics.NotificationsSent.WithLabelValues(ChannelEmail, "sent").Inc()
				n.Channels = append(n.Channels, ChannelEmail)
			}
		}
	}

	if h.config.WebSocketEnabled && h.hub != nil {
		if h.hub.Publish(state.SessionID, Event{SessionID: state.SessionID, Notification: n, Version: state.Version}) > 0 {
			n.Channels = append(n.Channels, ChannelWebSocket)
		}
	}

	if err := h.record(ctx, state, n); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Event is the websocket payload for one status change.
type Event struct {
	SessionID    string              `json:"session_id"`
	Version      int64               `json:"version"`
	Notification models.Notification `json:"notification"`
}

func (h *StatusHook) failed(channel string, state *models.ApplicationState, err error) {
	metrics.NotificationsSent.WithLabelValues(channel, "failed").Inc()
	h.logger.WithError(err).Warn("Notification not delivered", map[string]interface{}{
		"channel":   channel,
		"sessionId": state.SessionID,
	})
}

// record appends n to metadata.notifications, keeping the newest entries up
// to the history limit.
func (h *StatusHook) record(ctx context.Context, state *models.ApplicationState, n models.Notification) error {
	entry, err := toDocument(n)
	if err != nil {
		return err
	}

	var history []interface{}
	if prior, ok := state.Metadata["notifications"].([]interface{}); ok {
		history = append(history, prior...)
	}
	history = append(history, entry)
	if len(history) > h.config.HistoryLimit {
		history = history[len(history)-h.config.HistoryLimit:]
	}

	_, err = h.updater.UpdateDetails(ctx, state.SessionID, orchestrator.DetailsUpdate{
		MetadataPatch: map[string]interface{}{"notifications": history},
	})
	return err
}

func toDocument(n models.Notification) (map[string]interface{}, error) {
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	return doc, nil
}

// shouldMessage limits SMS and email to decision changes and the end of the
// conversation; intermediate conversation steps only reach the websocket.
func shouldMessage(change models.StatusChange) bool {
	return change.Vocabulary == orchestrator.VocabularyDecision || change.New == string(conversation.Completed)
}

func referenceOf(state *models.ApplicationState) string {
	if state.ReferenceCode != "" {
		return state.ReferenceCode
	}
	return state.SessionID
}

// Compose builds the history entry for a change. Decision statuses carry
// their contractual message; conversation steps are described by label.
func Compose(state *models.ApplicationState, change models.StatusChange, at time.Time) models.Notification {
	n := models.Notification{
		ID:       "notif_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:13],
		Type:     "info",
		Title:    "Status Update",
		Priority: "low",
		StatusChange: map[string]string{
			"from": change.Old,
			"to":   change.New,
		},
		Timestamp: at.Format(time.RFC3339),
	}
	ref := referenceOf(state)

	if status, err := decision.Parse(change.New); err == nil {
		n.Message = status.Message()
		switch {
		case status == decision.Approved || status == decision.CreditCheckGoodApproved || status == decision.ApprovedAwaitingDelivery:
			n.Type = "success"
			n.Title = "Application Approved!"
		case isRejection(status):
			n.Type = "error"
			n.Title = "Application Update"
		case status.RequiresUserAction():
			n.Title = "Action Required"
		}

		switch {
		case status.IsFinal() || status.RequiresUserAction() || status == decision.ApprovedAwaitingDelivery:
			n.Priority = "high"
		case status == decision.AwaitingCreditCheck || status == decision.Submitted:
			n.Priority = "medium"
		}

		n.Actions = actionsFor(status, ref)
		return n
	}

	n.Message = fmt.Sprintf("Your application status has been updated from %s to %s.", describe(change.Old), describe(change.New))
	if change.New == string(conversation.Completed) {
		n.Type = "success"
		n.Title = "Application Complete"
		n.Priority = "high"
	}
	return n
}

func describe(step string) string {
	if s, err := conversation.Parse(step); err == nil {
		return s.Describe()
	}
	return step
}

func isRejection(s decision.Status) bool {
	switch s {
	case decision.CreditCheckPoorRejected, decision.SalaryNotRegularRejected, decision.InsufficientSalaryRejected,
		decision.BlacklistReportDeclined, decision.PeriodAdjustmentDeclined, decision.Rejected:
		return true
	}
	return false
}

func actionsFor(s decision.Status, ref string) []models.NotificationAction {
	switch {
	case s.AllowsDeliveryTracking():
		return []models.NotificationAction{
			{Type: "link", Label: "Track Delivery", URL: "/delivery/tracking?ref=" + ref},
		}
	case isRejection(s):
		return []models.NotificationAction{
			{Type: "link", Label: "View Feedback", URL: "/application/status?ref=" + ref},
			{Type: "link", Label: "Start New Application", URL: "/application"},
		}
	case s.RequiresUserAction():
		return []models.NotificationAction{
			{Type: "link", Label: "Respond", URL: "/application/status?ref=" + ref},
		}
	}
	return nil
}
