package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type stubReporter struct {
	reported []string
	fail     bool
}

func (s *stubReporter) ReportExecution(ctx context.Context, commandID string, at time.Time) error {
	if s.fail {
		return errors.New("report failed")
	}
	s.reported = append(s.reported, commandID)
	return nil
}

func TestNewExecuteCommandTaskPayload(t *testing.T) {
	task, err := NewExecuteCommandTask(ExecuteCommandPayload{CommandID: "c1", CommandText: "ls -la"})
	require.NoError(t, err)
	require.Equal(t, TaskTypeExecuteCommand, task.Type())

	var payload ExecuteCommandPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, "c1", payload.CommandID)
	require.Equal(t, "ls -la", payload.CommandText)
}

func TestExecuteCommandHandlerReportsCompletion(t *testing.T) {
	reporter := &stubReporter{}
	handler := NewExecuteCommandHandler(reporter, nil)

	task, err := NewExecuteCommandTask(ExecuteCommandPayload{CommandID: "c1", CommandText: "ls"})
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), task))
	require.Equal(t, []string{"c1"}, reporter.reported)
}

func TestExecuteCommandHandlerSkipsBadPayload(t *testing.T) {
	handler := NewExecuteCommandHandler(&stubReporter{}, nil)
	bad := asynq.NewTask(TaskTypeExecuteCommand, []byte("{not json"))
	err := handler(context.Background(), bad)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestExecuteCommandHandlerPropagatesReportError(t *testing.T) {
	handler := NewExecuteCommandHandler(&stubReporter{fail: true}, nil)
	task, err := NewExecuteCommandTask(ExecuteCommandPayload{CommandID: "c1"})
	require.NoError(t, err)
	require.Error(t, handler(context.Background(), task))
}
