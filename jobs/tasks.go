package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeExecuteCommand is the task type for dispatching an accepted
	// command to the executor.
	TaskTypeExecuteCommand = "command:execute"
)

// ExecuteCommandPayload carries an accepted command to the executor. It is
// enqueued only after the command reached executed; nothing the executor
// does can change the governance outcome.
type ExecuteCommandPayload struct {
	CommandID   string `json:"command_id"`
	CommandText string `json:"command_text"`
}

// NewExecuteCommandTask constructs an Asynq task.
func NewExecuteCommandTask(payload ExecuteCommandPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeExecuteCommand, data), nil
}

// CompletionReporter receives the executor's asynchronous completion report.
type CompletionReporter interface {
	ReportExecution(ctx context.Context, commandID string, at time.Time) error
}

// NewExecuteCommandHandler builds the worker-side handler. The sandboxed
// execution itself lives outside this service; the handler stands in for
// the dispatch boundary and reports completion back.
func NewExecuteCommandHandler(reporter CompletionReporter, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ExecuteCommandPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if logger != nil {
			logger.Info("dispatching command to executor",
				slog.String("command_id", payload.CommandID),
				slog.String("command_text", payload.CommandText))
		}
		if reporter != nil {
			if err := reporter.ReportExecution(ctx, payload.CommandID, time.Now()); err != nil {
				return err
			}
		}
		return nil
	}
}
