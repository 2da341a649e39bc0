package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	apperrors "application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/common/validation"
	"application-lifecycle/internal/models"
	"application-lifecycle/internal/orchestrator"
)

const maxBodyBytes = 1 << 20

var errMalformedBody = errors.New("malformed JSON body")

type errorBody struct {
	Success bool                     `json:"success"`
	Message string                   `json:"message"`
	Error   *apperrors.StandardError `json:"error,omitempty"`
}

type saveStateRequest struct {
	SessionID      string                 `json:"session_id"`
	Channel        string                 `json:"channel"`
	UserIdentifier string                 `json:"user_identifier"`
	CurrentStep    string                 `json:"current_step"`
	FormData       map[string]interface{} `json:"form_data"`
	Metadata       map[string]interface{} `json:"metadata"`
}

type retrieveStateRequest struct {
	User    string `json:"user"`
	Channel string `json:"channel"`
}

type createApplicationRequest struct {
	SessionID string `json:"session_id"`
}

type transitionRequest struct {
	ToStep   string                 `json:"to_step"`
	Channel  string                 `json:"channel"`
	FormData map[string]interface{} `json:"form_data"`
	Metadata map[string]interface{} `json:"metadata"`
	Data     map[string]interface{} `json:"data"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type extendRequest struct {
	Days int `json:"days"`
}

type linkRequest struct {
	SecondarySessionID string `json:"secondary_session_id"`
	Channel            string `json:"channel"`
	UserIdentifier     string `json:"user_identifier"`
}

type mergeRequest struct {
	SecondarySessionID string `json:"secondary_session_id"`
}

type switchRequest struct {
	Channel         string `json:"channel"`
	PhoneNumber     string `json:"phone_number"`
	TargetSessionID string `json:"target_session_id"`
}

type newSessionRequest struct {
	Channel string `json:"channel"`
}

// decode reads a JSON object, validates it against the named schema and
// fills dst. Malformed bodies and schema failures are answered here.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, schema string, dst interface{}) bool {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.fail(w, http.StatusBadRequest, errMalformedBody)
		return false
	}

	var doc map[string]interface{}
	if len(strings.TrimSpace(string(raw))) == 0 {
		doc = map[string]interface{}{}
	} else if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		s.fail(w, http.StatusBadRequest, errMalformedBody)
		return false
	}

	if err := validation.Named(schema).Validate(doc); err != nil {
		s.respondError(w, err)
		return false
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, dst); err != nil {
			s.fail(w, http.StatusBadRequest, errMalformedBody)
			return false
		}
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Success: false, Message: err.Error()})
}

// respondError maps a lifecycle error onto its HTTP status.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	std := apperrors.ToStandardError(err)

	message := std.Message
	switch {
	case status >= http.StatusInternalServerError:
		s.logger.WithError(err).Error("Request failed", map[string]interface{}{"code": string(std.Code)})
		message = "Internal server error"
	case status == http.StatusUnprocessableEntity:
		message = "The given data was invalid."
	}
	writeJSON(w, status, errorBody{Success: false, Message: message, Error: std})
}

func (s *Server) handleSaveState(w http.ResponseWriter, r *http.Request) {
	var req saveStateRequest
	if !s.decode(w, r, "save_state", &req) {
		return
	}

	st, err := s.svc.SaveState(r.Context(), orchestrator.SaveRequest{
		SessionID:      req.SessionID,
		Channel:        models.Channel(req.Channel),
		UserIdentifier: req.UserIdentifier,
		CurrentStep:    req.CurrentStep,
		FormData:       req.FormData,
		Metadata:       withClientMetadata(req.Metadata, r),
	})
	if err != nil {
		s.respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"state_id":   st.ID,
		"expires_at": st.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func withClientMetadata(meta map[string]interface{}, r *http.Request) map[string]interface{} {
	out := make(map[string]interface{}, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	if _, ok := out["ip_address"]; !ok {
		out["ip_address"] = clientIP(r)
	}
	if _, ok := out["user_agent"]; !ok && r.UserAgent() != "" {
		out["user_agent"] = r.UserAgent()
	}
	return out
}

func (s *Server) handleRetrieveState(w http.ResponseWriter, r *http.Request) {
	var req retrieveStateRequest
	if !s.decode(w, r, "retrieve_state", &req) {
		return
	}
	channel := models.Channel(req.Channel)
	if channel == "" {
		channel = models.ChannelWeb
	}

	res, err := s.svc.RetrieveState(r.Context(), req.User, channel)
	if apperrors.IsNotFound(err) {
		writeJSON(w, http.StatusNotFound, errorBody{Success: false, Message: "No active state found"})
		return
	}
	if err != nil {
		s.respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"session_id":   res.State.SessionID,
		"current_step": res.State.CurrentStep,
		"form_data":    res.State.FormData,
		"can_resume":   res.CanResume,
		"expires_in":   res.ExpiresIn,
	})
}

func (s *Server) handleCreateApplication(w http.ResponseWriter, r *http.Request) {
	var req createApplicationRequest
	if !s.decode(w, r, "create_application", &req) {
		return
	}

	app, err := s.svc.CreateFinalApplication(r.Context(), req.SessionID)
	if err != nil {
		s.respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"application_id": app.ApplicationID,
		"reference_code": app.ReferenceCode,
		"created_at":     app.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.ResolveBySession(r.Context(), mux.Vars(r)["session_id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "state": st})
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !s.decode(w, r, "transition", &req) {
		return
	}

	st, err := s.svc.ApplyTransition(r.Context(), orchestrator.TransitionRequest{
		SessionID:      mux.Vars(r)["session_id"],
		ToStep:         req.ToStep,
		Channel:        models.Channel(req.Channel),
		FormPatch:      req.FormData,
		MetadataPatch:  req.Metadata,
		TransitionData: req.Data,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "state": st})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !s.decode(w, r, "cancel", &req) {
		return
	}

	st, err := s.svc.Cancel(r.Context(), mux.Vars(r)["session_id"], req.Reason)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "state": st})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["session_id"]
	trs, err := s.svc.Timeline(r.Context(), sid)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"session_id":  sid,
		"transitions": trs,
	})
}

func (s *Server) handleLookupReference(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.LookupReference(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, referenceBody(st))
}

func (s *Server) handleExtendReference(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if !s.decode(w, r, "extend_reference", &req) {
		return
	}

	st, err := s.svc.ExtendReference(r.Context(), mux.Vars(r)["code"], req.Days)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, referenceBody(st))
}

func referenceBody(st *models.ApplicationState) map[string]interface{} {
	body := map[string]interface{}{
		"success":        true,
		"session_id":     st.SessionID,
		"application_id": st.ApplicationID,
		"reference_code": st.ReferenceCode,
		"current_step":   st.CurrentStep,
	}
	if st.ReferenceCodeExpiresAt != nil {
		body["expires_at"] = st.ReferenceCodeExpiresAt.UTC().Format(time.RFC3339)
	}
	return body
}

func (s *Server) handleResumeCode(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.ResumeCode(r.Context(), mux.Vars(r)["session_id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, referenceBody(st))
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if !s.decode(w, r, "link", &req) {
		return
	}

	res, err := s.svc.LinkSessions(r.Context(), orchestrator.LinkRequest{
		PrimarySessionID:   mux.Vars(r)["session_id"],
		SecondarySessionID: req.SecondarySessionID,
		Channel:            models.Channel(req.Channel),
		UserIdentifier:     req.UserIdentifier,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, linkBody(res))
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if !s.decode(w, r, "merge", &req) {
		return
	}

	st, err := s.svc.MergeStates(r.Context(), mux.Vars(r)["session_id"], req.SecondarySessionID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "state": st})
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if !s.decode(w, r, "switch_channel", &req) {
		return
	}

	res, err := s.svc.SwitchChannel(r.Context(), orchestrator.SwitchRequest{
		SessionID:       mux.Vars(r)["session_id"],
		Channel:         models.Channel(req.Channel),
		PhoneNumber:     req.PhoneNumber,
		TargetSessionID: req.TargetSessionID,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, linkBody(res))
}

func linkBody(res *orchestrator.LinkResult) map[string]interface{} {
	return map[string]interface{}{
		"success":      true,
		"created":      res.Created,
		"session_id":   res.Secondary.SessionID,
		"current_step": res.Secondary.CurrentStep,
		"primary":      res.Primary,
		"secondary":    res.Secondary,
	}
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	report, err := s.svc.SyncStatus(r.Context(), vars["session_id"], vars["other_session_id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":               true,
		"status":                report.Status,
		"inconsistencies_count": len(report.Inconsistencies),
		"report":                report,
	})
}

func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	var req newSessionRequest
	if !s.decode(w, r, "new_session", &req) {
		return
	}

	sid, err := orchestrator.GenerateSessionID(models.Channel(req.Channel))
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "session_id": sid})
}

// handleStream upgrades to a websocket carrying the session's status events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Success: false, Message: "Status streaming is disabled"})
		return
	}
	sid := mux.Vars(r)["session_id"]
	if _, err := s.svc.ResolveBySession(r.Context(), sid); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.hub.Serve(w, r, sid); err != nil {
		s.logger.Warn("Websocket upgrade failed", map[string]interface{}{
			"sessionId": sid,
			"error":     err.Error(),
		})
	}
}
