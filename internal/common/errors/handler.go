package errors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const maxRetryBackoff = 30 * time.Second

// ErrorHandler turns a failed job into either a retried failure (technical
// errors) or a thrown BPMN error (business outcomes such as an illegal
// transition) so the process model can route it.
type ErrorHandler struct {
	logger Logger
}

type Logger interface {
	Error(msg string, fields map[string]interface{})
}

func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// jobFailure is what HandleJobError sends back to the engine.
type jobFailure struct {
	throw   bool
	retries int32
	backoff time.Duration
	err     *BPMNError
}

// planFailure decides between failing with retries and throwing. The
// engine's remaining retry count is only ever lowered, and the backoff
// doubles as the remaining budget shrinks.
func planFailure(remaining int32, err error) jobFailure {
	bpmnErr := ConvertToBPMNError(ToStandardError(err))
	if bpmnErr.Retries <= 0 || remaining <= 0 {
		return jobFailure{throw: true, err: bpmnErr}
	}

	retries := remaining - 1
	if int(retries) > bpmnErr.Retries {
		retries = int32(bpmnErr.Retries)
	}
	spent := bpmnErr.Retries - int(retries)
	backoff := time.Second << uint(spent)
	if backoff > maxRetryBackoff || backoff <= 0 {
		backoff = maxRetryBackoff
	}
	return jobFailure{retries: retries, backoff: backoff, err: bpmnErr}
}

func (h *ErrorHandler) HandleJobError(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	stdErr := ToStandardError(err)
	plan := planFailure(job.Retries, stdErr)
	h.logError(job, stdErr, plan)

	vars, _ := json.Marshal(plan.err.ToErrorVariables())

	var sendErr error
	if plan.throw {
		cmd := client.NewThrowErrorCommand().
			JobKey(job.Key).
			ErrorCode(plan.err.Code).
			ErrorMessage(plan.err.Message)
		if withVars, verr := cmd.VariablesFromString(string(vars)); verr == nil {
			_, sendErr = withVars.Send(ctx)
		} else {
			_, sendErr = cmd.Send(ctx)
		}
	} else {
		cmd := client.NewFailJobCommand().
			JobKey(job.Key).
			Retries(plan.retries).
			ErrorMessage(plan.err.Message).
			RetryBackoff(plan.backoff)
		if withVars, verr := cmd.VariablesFromString(string(vars)); verr == nil {
			_, sendErr = withVars.Send(ctx)
		} else {
			_, sendErr = cmd.Send(ctx)
		}
	}
	if sendErr != nil {
		// the job times out and is redelivered
		h.logger.Error("failed to report job failure", map[string]interface{}{
			"jobKey": job.Key,
			"throw":  plan.throw,
			"error":  sendErr.Error(),
		})
	}
}

func (h *ErrorHandler) logError(job entities.Job, stdErr *StandardError, plan jobFailure) {
	h.logger.Error("Job failed", map[string]interface{}{
		"jobKey":           job.Key,
		"jobType":          job.Type,
		"errorCode":        string(stdErr.Code),
		"message":          plan.err.Message,
		"details":          stdErr.Details,
		"throw":            plan.throw,
		"retriesLeft":      plan.retries,
		"retryBackoff":     plan.backoff.String(),
		"errorCategory":    GetErrorCategory(stdErr.Code),
		"workflowInstance": job.ProcessInstanceKey,
	})
}
