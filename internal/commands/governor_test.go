package commands

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unbound-ops/unbound/internal/audit"
	"github.com/unbound-ops/unbound/internal/rules"
	"github.com/unbound-ops/unbound/internal/shared"
	"github.com/unbound-ops/unbound/internal/users"
)

type memCommandRepo struct {
	mu        sync.Mutex
	commands  map[string]Command
	approvals map[string][]Approval
}

func newMemCommandRepo() *memCommandRepo {
	return &memCommandRepo{
		commands:  make(map[string]Command),
		approvals: make(map[string][]Approval),
	}
}

func (m *memCommandRepo) Create(ctx context.Context, cmd Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}
	m.commands[cmd.ID] = cmd
	return nil
}

func (m *memCommandRepo) Get(ctx context.Context, id string) (Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[id]
	if !ok {
		return Command{}, ErrNotFound
	}
	cmd.Approvals = append([]Approval(nil), m.approvals[id]...)
	return cmd, nil
}

func (m *memCommandRepo) List(ctx context.Context, userID string, limit, offset int) ([]Command, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Command
	for _, cmd := range m.commands {
		if userID == "" || cmd.UserID == userID {
			all = append(all, cmd)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

func (m *memCommandRepo) ListAwaiting(ctx context.Context) ([]Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Command
	for _, cmd := range m.commands {
		if cmd.Status == StatusAwaitingApproval {
			out = append(out, cmd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memCommandRepo) UpdateStatusIf(ctx context.Context, id string, expected, next Status, reason string, executedAt *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[id]
	if !ok {
		return false, ErrNotFound
	}
	if cmd.Status != expected {
		return false, nil
	}
	cmd.Status = next
	if reason != "" {
		cmd.Reason = reason
	}
	if executedAt != nil {
		cmd.ExecutedAt = executedAt
	}
	m.commands[id] = cmd
	return true, nil
}

func (m *memCommandRepo) InsertApproval(ctx context.Context, approval Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.approvals[approval.CommandID] {
		if a.ApproverID == approval.ApproverID {
			return ErrDuplicateApprover
		}
	}
	if approval.CreatedAt.IsZero() {
		approval.CreatedAt = time.Now()
	}
	m.approvals[approval.CommandID] = append(m.approvals[approval.CommandID], approval)
	return nil
}

func (m *memCommandRepo) CountApprovals(ctx context.Context, commandID string, decision Decision) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.approvals[commandID] {
		if a.Decision == decision {
			n++
		}
	}
	return n, nil
}

func (m *memCommandRepo) MarkExecutionReported(ctx context.Context, id string, at time.Time) error {
	return nil
}

type memLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	debits   int
}

func newMemLedger(balances map[string]int64) *memLedger {
	return &memLedger{balances: balances}
}

func (m *memLedger) Debit(ctx context.Context, userID string, amount int64) (int64, error) {
	return m.Adjust(ctx, userID, -amount)
}

func (m *memLedger) Adjust(ctx context.Context, userID string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, ok := m.balances[userID]
	if !ok {
		return 0, users.ErrNotFound
	}
	if balance+delta < 0 {
		return 0, users.ErrInsufficientCredits
	}
	if delta < 0 {
		m.debits++
	}
	m.balances[userID] = balance + delta
	return balance + delta, nil
}

func (m *memLedger) balance(userID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID]
}

func (m *memLedger) debitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debits
}

type fixedRules struct {
	snap *rules.Snapshot
}

func (f fixedRules) Snapshot(ctx context.Context) (*rules.Snapshot, error) {
	return f.snap, nil
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Action
}

func (r *recordingAudit) Record(ctx context.Context, action audit.Action, actorID string, details map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, action)
}

func (r *recordingAudit) has(action audit.Action) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.entries {
		if a == action {
			return true
		}
	}
	return false
}

type recordingDispatcher struct {
	mu       sync.Mutex
	enqueued []string
}

func (d *recordingDispatcher) EnqueueExecute(ctx context.Context, commandID, commandText string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enqueued = append(d.enqueued, commandID)
	return nil
}

type env struct {
	repo       *memCommandRepo
	ledger     *memLedger
	auditor    *recordingAudit
	dispatcher *recordingDispatcher
	governor   *Governor
}

func newEnv(t *testing.T, stored []rules.Rule, balances map[string]int64, cfg Config) *env {
	t.Helper()
	snap, err := rules.BuildSnapshot(stored)
	require.NoError(t, err)
	e := &env{
		repo:       newMemCommandRepo(),
		ledger:     newMemLedger(balances),
		auditor:    &recordingAudit{},
		dispatcher: &recordingDispatcher{},
	}
	e.governor = NewGovernor(e.repo, fixedRules{snap: snap}, e.ledger, e.auditor, e.dispatcher, nil, nil, cfg)
	return e
}

func businessHours() *rules.TimeRestrictions {
	return &rules.TimeRestrictions{
		Days:      []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		StartHour: 9,
		EndHour:   18,
	}
}

func TestSubmitAutoAcceptExecutes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []rules.Rule{
		{ID: "allow-ls", Pattern: `^(ls|pwd)\b`, Action: rules.ActionAutoAccept, Priority: 10, ApprovalThreshold: 1},
	}, map[string]int64{"alice": 5}, Config{CommandCost: 1})

	result, err := e.governor.Submit(ctx, "alice", "ls -la")
	require.NoError(t, err)
	require.Equal(t, StatusExecuted, result.Command.Status)
	require.NotNil(t, result.Command.ExecutedAt)
	require.NotNil(t, result.NewBalance)
	require.EqualValues(t, 4, *result.NewBalance)
	require.EqualValues(t, 4, e.ledger.balance("alice"))
	require.Equal(t, []string{result.Command.ID}, e.dispatcher.enqueued)
	require.True(t, e.auditor.has(audit.ActionCommandSubmitted))
	require.True(t, e.auditor.has(audit.ActionCommandExecuted))

	stored, err := e.repo.Get(ctx, result.Command.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExecuted, stored.Status)
}

func TestSubmitAutoRejectBlocks(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []rules.Rule{
		{ID: "block-rm", Pattern: `rm\s+-rf`, Action: rules.ActionAutoReject, Priority: 100, ApprovalThreshold: 1},
	}, map[string]int64{"alice": 5}, Config{CommandCost: 1})

	result, err := e.governor.Submit(ctx, "alice", "rm -rf /var/data")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, result.Command.Status)
	require.Equal(t, ReasonBlockedByRule, result.Command.Reason)
	require.Nil(t, result.NewBalance)
	require.EqualValues(t, 5, e.ledger.balance("alice"))
	require.Empty(t, e.dispatcher.enqueued)
	require.True(t, e.auditor.has(audit.ActionCommandRejected))
}

func TestSubmitRequireApprovalQueues(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []rules.Rule{
		{ID: "gate-sudo", Pattern: `^sudo\s`, Action: rules.ActionRequireApproval, Priority: 50, ApprovalThreshold: 2},
	}, map[string]int64{"alice": 5}, Config{CommandCost: 1})

	result, err := e.governor.Submit(ctx, "alice", "sudo apt update")
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingApproval, result.Command.Status)
	require.Equal(t, 2, result.Command.Threshold)
	require.False(t, result.Command.Escalated)
	require.EqualValues(t, 5, e.ledger.balance("alice"))

	awaiting, err := e.governor.ListAwaiting(ctx)
	require.NoError(t, err)
	require.Len(t, awaiting, 1)
}

func TestSubmitOutsideWindowEscalates(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []rules.Rule{
		{ID: "allow-ls", Pattern: `^ls\b`, Action: rules.ActionAutoAccept, Priority: 10, ApprovalThreshold: 1, TimeRestrictions: businessHours()},
	}, map[string]int64{"alice": 5}, Config{CommandCost: 1})

	saturday := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)
	e.governor.WithClock(func() time.Time { return saturday })

	result, err := e.governor.Submit(ctx, "alice", "ls -la")
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingApproval, result.Command.Status)
	require.Equal(t, 1, result.Command.Threshold)
	require.True(t, result.Command.Escalated)
	require.EqualValues(t, 5, e.ledger.balance("alice"))
	require.True(t, e.auditor.has(audit.ActionCommandEscalated))

	// Inside the window the same rule executes directly.
	monday := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	e.governor.WithClock(func() time.Time { return monday })
	result, err = e.governor.Submit(ctx, "alice", "ls -la")
	require.NoError(t, err)
	require.Equal(t, StatusExecuted, result.Command.Status)
}

func TestSubmitUnmatchedFallsToDefault(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, map[string]int64{"alice": 5}, Config{DefaultThreshold: 1, CommandCost: 1})

	result, err := e.governor.Submit(ctx, "alice", "terraform apply")
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingApproval, result.Command.Status)
	require.Equal(t, 1, result.Command.Threshold)
	require.Empty(t, result.Command.MatchedRuleID)
}

func TestSubmitInsufficientCreditsRejects(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []rules.Rule{
		{ID: "allow-all", Pattern: `.`, Action: rules.ActionAutoAccept, Priority: 1, ApprovalThreshold: 1},
	}, map[string]int64{"alice": 0}, Config{CommandCost: 1})

	result, err := e.governor.Submit(ctx, "alice", "ls")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, result.Command.Status)
	require.Equal(t, ReasonInsufficientCredits, result.Command.Reason)
	require.EqualValues(t, 0, e.ledger.balance("alice"))
	require.Empty(t, e.dispatcher.enqueued)
}

func TestSubmitBlankTextRejected(t *testing.T) {
	e := newEnv(t, nil, map[string]int64{"alice": 5}, Config{})
	_, err := e.governor.Submit(context.Background(), "alice", "   ")
	require.ErrorIs(t, err, ErrValidation)
}

func TestResubmitOnlyRejectedCommands(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []rules.Rule{
		{ID: "block-rm", Pattern: `rm\s+-rf`, Action: rules.ActionAutoReject, Priority: 100, ApprovalThreshold: 1},
	}, map[string]int64{"alice": 5}, Config{CommandCost: 1})

	first, err := e.governor.Submit(ctx, "alice", "rm -rf /tmp/cache")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, first.Command.Status)

	owner := shared.Identity{UserID: "alice", Role: shared.RoleMember}
	second, err := e.governor.Resubmit(ctx, owner, first.Command.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.Command.ID, second.Command.ID)
	require.Equal(t, StatusRejected, second.Command.Status)

	// The original command stays terminal and untouched.
	stored, err := e.repo.Get(ctx, first.Command.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, stored.Status)

	_, err = e.governor.Resubmit(ctx, shared.Identity{UserID: "mallory"}, first.Command.ID)
	require.ErrorIs(t, err, shared.ErrForbidden)

	_, err = e.governor.Resubmit(ctx, owner, second.Command.ID)
	require.NoError(t, err)

	executed, err := newExecutedCommand(ctx, e)
	require.NoError(t, err)
	_, err = e.governor.Resubmit(ctx, shared.Identity{UserID: "admin", Role: shared.RoleAdmin}, executed.ID)
	require.ErrorIs(t, err, ErrValidation)
}

func newExecutedCommand(ctx context.Context, e *env) (Command, error) {
	cmd := Command{ID: "executed-1", UserID: "alice", Text: "ls", Status: StatusExecuted}
	if err := e.repo.Create(ctx, cmd); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func TestGetEnforcesOwnership(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, map[string]int64{"alice": 5}, Config{})

	result, err := e.governor.Submit(ctx, "alice", "ls")
	require.NoError(t, err)

	_, err = e.governor.Get(ctx, shared.Identity{UserID: "alice"}, result.Command.ID)
	require.NoError(t, err)

	_, err = e.governor.Get(ctx, shared.Identity{UserID: "bob"}, result.Command.ID)
	require.ErrorIs(t, err, shared.ErrForbidden)

	_, err = e.governor.Get(ctx, shared.Identity{UserID: "root", Role: shared.RoleAdmin}, result.Command.ID)
	require.NoError(t, err)
}

func TestListScopesToOwnerUnlessAdmin(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, map[string]int64{"alice": 5, "bob": 5}, Config{})

	_, err := e.governor.Submit(ctx, "alice", "ls")
	require.NoError(t, err)
	_, err = e.governor.Submit(ctx, "bob", "pwd")
	require.NoError(t, err)

	mine, total, err := e.governor.List(ctx, shared.Identity{UserID: "alice"}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, mine, 1)
	require.Equal(t, "alice", mine[0].UserID)

	all, total, err := e.governor.List(ctx, shared.Identity{UserID: "root", Role: shared.RoleAdmin}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, all, 2)
}
