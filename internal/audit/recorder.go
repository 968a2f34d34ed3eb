package audit

import (
	"context"
	"errors"
	"log/slog"
)

// Store persists entries. Implemented by Repository and by in-memory fakes.
type Store interface {
	Insert(ctx context.Context, entry Entry) error
	List(ctx context.Context, limit, offset int) ([]Entry, int, error)
}

// Monitor receives recorder failure signals for operational alerting.
type Monitor interface {
	AuditFailure()
}

// Recorder appends audit entries. Failures never block or roll back the
// state transition being described; they are logged and counted instead.
type Recorder struct {
	store   Store
	logger  *slog.Logger
	monitor Monitor
}

// NewRecorder constructs a Recorder.
func NewRecorder(store Store, logger *slog.Logger, monitor Monitor) *Recorder {
	return &Recorder{store: store, logger: logger, monitor: monitor}
}

// Record appends one entry. Callers treat it as fire-and-forget.
func (r *Recorder) Record(ctx context.Context, action Action, actorID string, details map[string]any) {
	if r == nil || r.store == nil {
		return
	}
	err := r.insert(ctx, Entry{Action: action, ActorID: actorID, Details: details})
	if err == nil {
		return
	}
	if r.monitor != nil {
		r.monitor.AuditFailure()
	}
	if r.logger != nil {
		r.logger.Error("record audit entry",
			slog.String("action", string(action)),
			slog.Any("error", err))
	}
}

func (r *Recorder) insert(ctx context.Context, entry Entry) error {
	if entry.Action == "" {
		return errors.New("audit: action required")
	}
	return r.store.Insert(ctx, entry)
}
