// internal/workers/decision/apply-underwriting-result/handler_test.go
package applyunderwritingresult

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/models"
	"application-lifecycle/internal/orchestrator"
	"application-lifecycle/internal/statemachine/decision"
	"application-lifecycle/internal/store"
)

func newTestHandler(t *testing.T) (*Handler, *store.MemoryStore) {
	t.Helper()
	log := logger.NewTestLogger(t)
	st := store.NewMemoryStore()
	svc := orchestrator.NewService(st, nil, orchestrator.Config{}, log, orchestrator.WithRetryBackoff(0))
	return NewHandler(LoadConfig(), svc, log), st
}

func seedState(t *testing.T, st *store.MemoryStore, sid, step string) {
	t.Helper()
	now := time.Now().UTC()
	expires := now.Add(30 * 24 * time.Hour)
	require.NoError(t, st.Create(context.Background(), &models.ApplicationState{
		ID:                     uuid.NewString(),
		SessionID:              sid,
		Channel:                models.ChannelWeb,
		UserIdentifier:         "user-" + sid,
		CurrentStep:            step,
		FormData:               map[string]interface{}{},
		ApplicationID:          uuid.NewString(),
		ReferenceCode:          "ZBTEST0002",
		ReferenceCodeExpiresAt: &expires,
		ExpiresAt:              expires,
		CreatedAt:              now,
		UpdatedAt:              now,
	}, nil))
}

func TestPathFor(t *testing.T) {
	tests := []struct {
		name      string
		checkType string
		status    string
		reason    string
		want      []decision.Status
		wantErr   bool
	}{
		{name: "fcb good", checkType: "FCB", status: "A", want: []decision.Status{decision.CreditCheckGoodApproved}},
		{name: "fcb poor", checkType: "fcb", status: "b", want: []decision.Status{decision.CreditCheckPoorRejected, decision.AwaitingBlacklistReportDecision}},
		{name: "fcb pending", checkType: "FCB", status: "P"},
		{name: "ssb success", checkType: "SSB", status: "S", want: []decision.Status{decision.ApprovedAwaitingDelivery}},
		{name: "ssb irregular salary", checkType: "SSB", status: "F", want: []decision.Status{decision.SalaryNotRegularRejected}},
		{name: "ssb insufficient salary", checkType: "SSB", status: "F", reason: "insufficient_salary", want: []decision.Status{decision.InsufficientSalaryRejected, decision.AwaitingPeriodAdjustment}},
		{name: "ssb pending", checkType: "SSB", status: "P"},
		{name: "unknown type", checkType: "XYZ", status: "A", wantErr: true},
		{name: "unknown status", checkType: "SSB", status: "A", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PathFor(tt.checkType, tt.status, tt.reason)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, apperrors.ErrCodeInvalidJobPayload, apperrors.ToStandardError(err).Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandler_Execute_GoodCreditApproves(t *testing.T) {
	handler, st := newTestHandler(t)
	seedState(t, st, "web_1", "awaiting_credit_check")

	output, err := handler.Execute(context.Background(), &Input{
		SessionID:   "web_1",
		CheckType:   "FCB",
		CheckStatus: "A",
		CheckResult: map[string]interface{}{"score": 712},
	})

	require.NoError(t, err)
	assert.True(t, output.Applied)
	assert.Equal(t, "credit_check_good_approved", output.Status)
	assert.Equal(t, int64(2), output.Version)

	state, err := st.GetBySession(context.Background(), "web_1")
	require.NoError(t, err)
	underwriting, ok := state.Metadata["underwriting"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "FCB", underwriting["check_type"])
	assert.Equal(t, "A", underwriting["check_status"])
}

func TestHandler_Execute_PoorCreditMovesToBlacklistDecision(t *testing.T) {
	handler, st := newTestHandler(t)
	seedState(t, st, "web_1", "awaiting_credit_check")

	output, err := handler.Execute(context.Background(), &Input{SessionID: "web_1", CheckType: "FCB", CheckStatus: "B"})

	require.NoError(t, err)
	assert.Equal(t, "awaiting_blacklist_report_decision", output.Status)
	assert.Equal(t, []string{"credit_check_poor_rejected", "awaiting_blacklist_report_decision"}, output.Path)

	trs, err := st.Transitions(context.Background(), "web_1")
	require.NoError(t, err)
	require.Len(t, trs, 2)
	assert.Equal(t, "credit_check_poor_rejected", trs[0].ToStep)
	assert.Equal(t, "awaiting_blacklist_report_decision", trs[1].ToStep)
}

func TestHandler_Execute_InsufficientSalaryAfterResubmission(t *testing.T) {
	handler, st := newTestHandler(t)
	seedState(t, st, "web_1", "period_adjusted_resubmitted")

	output, err := handler.Execute(context.Background(), &Input{
		SessionID:   "web_1",
		CheckType:   "SSB",
		CheckStatus: "F",
		Reason:      "insufficient_salary",
	})

	require.NoError(t, err)
	assert.Equal(t, "awaiting_period_adjustment_decision", output.Status)
}

func TestHandler_Execute_PendingLeavesStateAlone(t *testing.T) {
	handler, st := newTestHandler(t)
	seedState(t, st, "web_1", "awaiting_credit_check")

	output, err := handler.Execute(context.Background(), &Input{SessionID: "web_1", CheckType: "SSB", CheckStatus: "P"})

	require.NoError(t, err)
	assert.False(t, output.Applied)
	assert.Equal(t, "awaiting_credit_check", output.Status)
	assert.Equal(t, int64(1), output.Version)
}

func TestHandler_Execute_RedeliveryResumesPath(t *testing.T) {
	handler, st := newTestHandler(t)
	seedState(t, st, "web_1", "credit_check_poor_rejected")

	output, err := handler.Execute(context.Background(), &Input{SessionID: "web_1", CheckType: "FCB", CheckStatus: "B"})
	require.NoError(t, err)
	assert.Equal(t, "awaiting_blacklist_report_decision", output.Status)
	assert.True(t, output.Applied)

	again, err := handler.Execute(context.Background(), &Input{SessionID: "web_1", CheckType: "FCB", CheckStatus: "B"})
	require.NoError(t, err)
	assert.Equal(t, output.Version, again.Version)
	assert.False(t, again.Applied)
	assert.Equal(t, "awaiting_blacklist_report_decision", again.Status)

	trs, err := st.Transitions(context.Background(), "web_1")
	require.NoError(t, err)
	assert.Len(t, trs, 1)
}

func TestHandler_Execute_IllegalFromSubmitted(t *testing.T) {
	handler, st := newTestHandler(t)
	seedState(t, st, "web_1", "submitted")

	_, err := handler.Execute(context.Background(), &Input{SessionID: "web_1", CheckType: "SSB", CheckStatus: "S"})
	assert.True(t, apperrors.IsIllegalTransition(err))
}

func TestHandler_Execute_UnknownSession(t *testing.T) {
	handler, _ := newTestHandler(t)

	_, err := handler.Execute(context.Background(), &Input{SessionID: "missing", CheckType: "FCB", CheckStatus: "A"})
	assert.True(t, apperrors.IsNotFound(err))
}
