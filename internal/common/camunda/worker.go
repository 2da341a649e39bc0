// internal/common/camunda/worker.go
package camunda

import (
	"context"
	"fmt"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"

	"application-lifecycle/internal/common/config"
	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/common/metrics"
)

const completeAttempts = 3

// JobHandler completes or fails the job itself.
type JobHandler interface {
	Handle(client worker.JobClient, job entities.Job)
}

type Worker struct {
	worker   worker.JobWorker
	logger   logger.Logger
	taskType string
}

// StartWorker opens a job worker for taskType. It returns nil when the
// worker is disabled in config.
func StartWorker(client zbc.Client, taskType string, wcfg config.WorkerConfig, handler JobHandler, log logger.Logger) *Worker {
	log = log.WithFields(map[string]interface{}{"taskType": taskType})
	if !wcfg.Enabled {
		log.Info("worker disabled", nil)
		return nil
	}

	maxJobs := wcfg.MaxJobsActive
	if maxJobs <= 0 {
		maxJobs = 5
	}
	timeout := time.Duration(wcfg.Timeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	jw := client.NewJobWorker().
		JobType(taskType).
		Handler(func(jc worker.JobClient, job entities.Job) {
			start := time.Now()
			metrics.WorkerJobsActive.WithLabelValues(taskType).Inc()
			defer func() {
				metrics.WorkerJobsActive.WithLabelValues(taskType).Dec()
				metrics.WorkerJobDuration.WithLabelValues(taskType).Observe(time.Since(start).Seconds())
			}()
			handler.Handle(jc, job)
		}).
		MaxJobsActive(maxJobs).
		Timeout(timeout).
		Open()

	log.Info("worker started", map[string]interface{}{
		"maxJobsActive": maxJobs,
		"timeoutMs":     timeout.Milliseconds(),
	})
	return &Worker{worker: jw, logger: log, taskType: taskType}
}

func (w *Worker) Stop() {
	w.logger.Info("stopping worker", nil)
	w.worker.Close()
	w.worker.AwaitClose()
}

// CompleteJob sends the completion with variables, retrying transient
// gateway errors a few times with a doubling delay.
func CompleteJob(ctx context.Context, client worker.JobClient, job entities.Job, variables interface{}) error {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(variables)
	if err != nil {
		return fmt.Errorf("encode job variables: %w", err)
	}

	delay := 200 * time.Millisecond
	for attempt := 1; ; attempt++ {
		_, err = cmd.Send(ctx)
		if err == nil || !IsRetryable(err) || attempt == completeAttempts {
			break
		}
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return fmt.Errorf("complete job %d: %w", job.Key, err)
	}
	return nil
}
