// internal/workers/decision/start-credit-check/handler.go
package startcreditcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	"application-lifecycle/internal/common/camunda"
	apperrors "application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/common/metrics"
	"application-lifecycle/internal/models"
	"application-lifecycle/internal/orchestrator"
	"application-lifecycle/internal/statemachine/decision"
)

const (
	TaskType = "start-credit-check"
)

// Lifecycle is the part of the orchestrator this worker drives.
type Lifecycle interface {
	ResolveBySession(ctx context.Context, sessionID string) (*models.ApplicationState, error)
	ApplyTransition(ctx context.Context, req orchestrator.TransitionRequest) (*models.ApplicationState, error)
}

type Handler struct {
	config    *Config
	lifecycle Lifecycle
	errors    *apperrors.ErrorHandler
	logger    logger.Logger
}

func NewHandler(config *Config, lifecycle Lifecycle, log logger.Logger) *Handler {
	if config == nil {
		config = LoadConfig()
	}
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:    config,
		lifecycle: lifecycle,
		errors:    apperrors.NewErrorHandler(log),
		logger:    log,
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	var input Input
	if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
		h.fail(ctx, client, job, apperrors.NewInvalidJobPayloadError(fmt.Sprintf("parse input: %v", err)))
		return
	}

	output, err := h.execute(ctx, &input, job.Key)
	if err != nil {
		h.fail(ctx, client, job, err)
		return
	}

	if err := camunda.CompleteJob(ctx, client, job, output); err != nil {
		h.logger.WithError(err).Error("failed to complete job", map[string]interface{}{"jobKey": job.Key})
		return
	}
	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	h.logger.Info("job completed successfully", map[string]interface{}{
		"jobKey":    job.Key,
		"sessionId": output.SessionID,
	})
}

// execute moves a submitted application into the credit check queue. A
// redelivered job finding the state already queued completes unchanged.
func (h *Handler) execute(ctx context.Context, input *Input, jobKey int64) (*Output, error) {
	sid := strings.TrimSpace(input.SessionID)
	if sid == "" {
		return nil, apperrors.NewInvalidJobPayloadError("session_id is required")
	}

	st, err := h.lifecycle.ResolveBySession(ctx, sid)
	if err != nil {
		return nil, err
	}

	if st.CurrentStep != string(decision.AwaitingCreditCheck) {
		st, err = h.lifecycle.ApplyTransition(ctx, orchestrator.TransitionRequest{
			SessionID: sid,
			ToStep:    string(decision.AwaitingCreditCheck),
			Channel:   models.ChannelAdmin,
			TransitionData: map[string]interface{}{
				"source":  "zeebe",
				"job_key": strconv.FormatInt(jobKey, 10),
			},
		})
		if err != nil {
			return nil, err
		}
	}

	return &Output{
		SessionID:     st.SessionID,
		Status:        st.CurrentStep,
		ReferenceCode: st.ReferenceCode,
		Version:       st.Version,
	}, nil
}

func (h *Handler) fail(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(apperrors.ToStandardError(err).Code)).Inc()
	h.errors.HandleJobError(ctx, client, job, err)
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input, 0)
}
