// internal/workers/decision/apply-underwriting-result/handler.go
package applyunderwritingresult

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
	TaskType = "apply-underwriting-result"

	CheckFCB = "FCB"
	CheckSSB = "SSB"

	reasonInsufficientSalary = "insufficient_salary"
)

type Lifecycle interface {
	ResolveBySession(ctx context.Context, sessionID string) (*models.ApplicationState, error)
	ApplyTransition(ctx context.Context, req orchestrator.TransitionRequest) (*models.ApplicationState, error)
}

// outcome maps one (check type, status) verdict to the statuses it moves
// the application through. A nil path means the verdict is still pending.
type outcome func(reason string) []decision.Status

var outcomes = map[string]map[string]outcome{
	CheckFCB: {
		"A": fixed(decision.CreditCheckGoodApproved),
		"B": fixed(decision.CreditCheckPoorRejected, decision.AwaitingBlacklistReportDecision),
		"P": fixed(),
	},
	CheckSSB: {
		"S": fixed(decision.ApprovedAwaitingDelivery),
		"F": func(reason string) []decision.Status {
			if strings.EqualFold(strings.TrimSpace(reason), reasonInsufficientSalary) {
				return []decision.Status{decision.InsufficientSalaryRejected, decision.AwaitingPeriodAdjustment}
			}
			return []decision.Status{decision.SalaryNotRegularRejected}
		},
		"P": fixed(),
	},
}

func fixed(path ...decision.Status) outcome {
	return func(string) []decision.Status { return path }
}

// PathFor returns the statuses a verdict leads through, in order.
func PathFor(checkType, checkStatus, reason string) ([]decision.Status, error) {
	byStatus, ok := outcomes[strings.ToUpper(strings.TrimSpace(checkType))]
	if !ok {
		return nil, apperrors.NewInvalidJobPayloadError(fmt.Sprintf("unknown check_type %q", checkType))
	}
	fn, ok := byStatus[strings.ToUpper(strings.TrimSpace(checkStatus))]
	if !ok {
		return nil, apperrors.NewInvalidJobPayloadError(fmt.Sprintf("unknown check_status %q for %s", checkStatus, checkType))
	}
	return fn(reason), nil
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
		"jobKey":  job.Key,
		"applied": output.Applied,
		"status":  output.Status,
	})
}

func (h *Handler) execute(ctx context.Context, input *Input, jobKey int64) (*Output, error) {
	sid := strings.TrimSpace(input.SessionID)
	if sid == "" {
		return nil, apperrors.NewInvalidJobPayloadError("session_id is required")
	}
	path, err := PathFor(input.CheckType, input.CheckStatus, input.Reason)
	if err != nil {
		return nil, err
	}

	st, err := h.lifecycle.ResolveBySession(ctx, sid)
	if err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return &Output{SessionID: sid, Applied: false, Status: st.CurrentStep, Version: st.Version}, nil
	}

	// A redelivered job resumes after the last status already reached.
	remaining := path
	for i, status := range path {
		if st.CurrentStep == string(status) {
			remaining = path[i+1:]
		}
	}

	check := map[string]interface{}{
		"check_type":   strings.ToUpper(input.CheckType),
		"check_status": strings.ToUpper(input.CheckStatus),
	}
	if input.Reason != "" {
		check["reason"] = input.Reason
	}
	if input.CheckResult != nil {
		check["check_result"] = input.CheckResult
	}

	for i, status := range remaining {
		req := orchestrator.TransitionRequest{
			SessionID: sid,
			ToStep:    string(status),
			Channel:   models.ChannelAdmin,
			TransitionData: map[string]interface{}{
				"source":       "zeebe",
				"job_key":      strconv.FormatInt(jobKey, 10),
				"check_type":   check["check_type"],
				"check_status": check["check_status"],
			},
		}
		if i == 0 {
			req.MetadataPatch = map[string]interface{}{"underwriting": check}
		}
		st, err = h.lifecycle.ApplyTransition(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	// Applied is false when a redelivered job finds the whole path done.
	out := &Output{SessionID: sid, Applied: len(remaining) > 0, Status: st.CurrentStep, Version: st.Version}
	for _, status := range path {
		out.Path = append(out.Path, string(status))
	}
	return out, nil
}

func (h *Handler) fail(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(apperrors.ToStandardError(err).Code)).Inc()
	h.errors.HandleJobError(ctx, client, job, err)
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input, 0)
}
