package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"bitbucket.org/mmdatafocus/clearance_backend/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type setPipeline struct {
	leader, cashier, operator models.WorkerRef
}

func seedSetPipeline(t *testing.T, env *testEnv) setPipeline {
	p := setPipeline{
		leader:   testutil.Worker(t, env.DB, "Lin"),
		cashier:  testutil.Worker(t, env.DB, "Cho"),
		operator: testutil.Worker(t, env.DB, "Oak"),
	}
	testutil.BindBrand(t, env.DB, p.leader, models.StageLeader, 9)
	testutil.BindBranch(t, env.DB, p.cashier, models.StageCashier, 5)
	testutil.BindBrand(t, env.DB, p.operator, models.StageOperator, 9)
	return p
}

func TestCreate_InitialStatusByType(t *testing.T) {
	env := newTestEnv(t, EngineOptions{})
	ctx := context.Background()

	set := env.create(t, models.RequestTypeSet, 5, 9, nil)
	assert.Equal(t, models.RequestStatusPendingLeaderReview, set.Status)
	normal := env.create(t, models.RequestTypeNormal, 5, 9, nil)
	assert.Equal(t, models.RequestStatusPendingStage1, normal.Status)

	assert.Empty(t, env.entries(t, set.ID), "creation is not an audit entry")
	timer, err := env.Engine.Reminders.Timer(ctx, normal.ID)
	require.NoError(t, err)
	require.NotNil(t, timer)
	assert.Equal(t, 0, timer.FiredCount)

	_, err = env.Engine.Create(ctx, &models.NewRequest{Type: "OTHER", BranchId: 5, BrandId: 9, CreatedBy: 1}, "")
	assert.Error(t, err)
}

func TestCreate_IdempotencyKey(t *testing.T) {
	env := newTestEnv(t, EngineOptions{})
	ctx := context.Background()
	in := &models.NewRequest{Type: models.RequestTypeNormal, BranchId: 5, BrandId: 9, CreatedBy: 3, Amount: decimal.NewFromInt(10)}

	first, err := env.Engine.Create(ctx, in, "key-1")
	require.NoError(t, err)
	again, err := env.Engine.Create(ctx, in, "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	other, err := env.Engine.Create(ctx, in, "key-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	var n int64
	require.NoError(t, env.DB.Model(&models.Request{}).Count(&n).Error)
	assert.EqualValues(t, 2, n)
}

func TestCreate_RetryFinishesAfterSnapshotFailure(t *testing.T) {
	env := newTestEnv(t, EngineOptions{})
	ctx := context.Background()
	p := seedSetPipeline(t, env)
	store := newMemSnapshotStore(env.DB)
	store.failSaves = 1
	env.Engine.Snapshots = store

	original := snap(row("INV-1", 1, 1500))
	in := &models.NewRequest{Type: models.RequestTypeSet, BranchId: 5, BrandId: 9, CreatedBy: 999, Amount: decimal.NewFromInt(1500), Original: &original}
	_, err := env.Engine.Create(ctx, in, "k1")
	require.Error(t, err)

	req, err := env.Engine.Create(ctx, in, "k1")
	require.NoError(t, err)

	got, err := store.LoadOriginal(ctx, req.ID)
	require.NoError(t, err, "the retry stores the original")
	assert.Len(t, got.Rows, 1)
	timer, err := env.Engine.Reminders.Timer(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, timer)
	assert.Equal(t, 0, timer.FiredCount)
	reloaded := env.reload(t, req.ID)
	require.NotNil(t, reloaded.CurrentApproverId)
	assert.Equal(t, p.leader.ID, *reloaded.CurrentApproverId)

	var n int64
	require.NoError(t, env.DB.Model(&models.Request{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)

	// A later replay keeps the running timer.
	env.Clock.Advance(15 * time.Minute)
	env.Engine.Reminders.Poll(ctx)
	_, err = env.Engine.Create(ctx, in, "k1")
	require.NoError(t, err)
	timer, err = env.Engine.Reminders.Timer(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, timer)
	assert.Equal(t, 1, timer.FiredCount)
}

func TestCreate_OriginalCommitsWithRequest(t *testing.T) {
	env := newTestEnv(t, EngineOptions{})
	ctx := context.Background()
	original := snap(row("INV-1", 1, 100))
	req, err := env.Engine.Create(ctx, &models.NewRequest{
		Type: models.RequestTypeSet, BranchId: 5, BrandId: 9, CreatedBy: 999, Original: &original,
	}, "k2")
	require.NoError(t, err)

	rs, err := models.GetRequestSnapshot(ctx, env.DB, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "create", rs.Source)
	assert.True(t, decimal.NewFromInt(100).Equal(rs.Total))
}

func TestSubmit_ReadsOriginalWithoutHoldingLock(t *testing.T) {
	env := newTestEnv(t, EngineOptions{})
	ctx := context.Background()
	p := seedSetPipeline(t, env)
	store := newMemSnapshotStore(env.DB)
	env.Engine.Snapshots = store

	original := snap(row("INV-1", 1, 100))
	req := env.create(t, models.RequestTypeSet, 5, 9, &original)
	_, err := env.Engine.Approve(ctx, req.ID, models.RequestStatusPendingLeaderReview, p.leader.ID)
	require.NoError(t, err)

	res, err := env.Engine.Submit(ctx, req.ID, models.RequestStatusPendingStage1, p.cashier.ID, snap(row("INV-1", 1, 100)))
	require.NoError(t, err)
	assert.False(t, res.Reversed)
	require.NotNil(t, res.Divergence)
	assert.True(t, res.Divergence.Identical)

	require.NotEmpty(t, store.lockedOnLoad)
	for _, locked := range store.lockedOnLoad {
		assert.False(t, locked)
	}
}

func TestSubmit_SetDivergenceReversesToLeader(t *testing.T) {
	env := newTestEnv(t, EngineOptions{})
	ctx := context.Background()
	p := seedSetPipeline(t, env)
	original := snap(row("INV-1", 1, 500), row("INV-2", 1, 500))

	req := env.create(t, models.RequestTypeSet, 5, 9, &original)
	require.Equal(t, p.leader.ID, *req.CurrentApproverId)

	_, err := env.Engine.Approve(ctx, req.ID, models.RequestStatusPendingLeaderReview, p.leader.ID)
	require.NoError(t, err)
	assert.Equal(t, p.cashier.ID, *env.reload(t, req.ID).CurrentApproverId)

	// Two fires so the re-arm is visible.
	env.Clock.Advance(env.Engine.Reminders.Interval)
	env.Engine.Reminders.Poll(ctx)

	submitted := snap(row("INV-1", 1, 500), row("INV-2", 1, 450))
	res, err := env.Engine.Submit(ctx, req.ID, models.RequestStatusPendingStage1, p.cashier.ID, submitted)
	require.NoError(t, err)
	assert.True(t, res.Reversed)
	require.NotNil(t, res.Divergence)
	assert.True(t, res.Divergence.TotalDelta.Equal(decimal.NewFromInt(50)))

	cur := env.reload(t, req.ID)
	assert.Equal(t, models.RequestStatusPendingLeaderReview, cur.Status)
	require.NotNil(t, cur.CurrentApproverId)
	assert.Equal(t, p.leader.ID, *cur.CurrentApproverId, "leader group picks the request up again")
	require.NotNil(t, cur.Submitted)
	assert.True(t, cur.SubmittedTotal.Equal(decimal.NewFromInt(950)))

	entries := env.entries(t, req.ID)
	require.Len(t, entries, 2)
	rev := entries[1]
	assert.Equal(t, models.LogActionReversed, rev.Action)
	assert.Equal(t, models.RequestStatusPendingStage1, rev.FromStatus)
	assert.Equal(t, models.RequestStatusPendingLeaderReview, rev.ToStatus)
	var payload ReversalPayload
	require.NoError(t, json.Unmarshal([]byte(rev.Payload), &payload))
	assert.Equal(t, 1, payload.ReversalNumber)
	assert.Equal(t, "(1st reversal)", payload.Label)
	assert.Len(t, payload.Original.Rows, 2)
	assert.Len(t, payload.Submitted.Rows, 2)

	timer, err := env.Engine.Reminders.Timer(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, timer)
	assert.Equal(t, 0, timer.FiredCount)

	assert.Len(t, env.Notifier.filter(models.NoticeKindReversal, 999), 1)

	sum, err := env.Engine.Summary(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ReversalCount)
	assert.Equal(t, "(1st reversal)", sum.ReversalLabel)
	assert.Empty(t, sum.ApprovedBy, "approvals before a reversal are void")

	// Second round: leader approves again, cashier submits another mismatch.
	_, err = env.Engine.Approve(ctx, req.ID, models.RequestStatusPendingLeaderReview, p.leader.ID)
	require.NoError(t, err)
	sum, err = env.Engine.Summary(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Lin"}, sum.ApprovedBy)
	assert.Contains(t, sum.Text(), "already approved by Lin")

	_, err = env.Engine.Submit(ctx, req.ID, models.RequestStatusPendingStage1, p.cashier.ID, snap(row("INV-1", 1, 1)))
	require.NoError(t, err)
	sum, err = env.Engine.Summary(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.ReversalCount)
	assert.Equal(t, "(2nd reversal)", sum.ReversalLabel)
}

func TestSubmit_NormalDivergenceMarksDebt(t *testing.T) {
	env := newTestEnv(t, EngineOptions{})
	ctx := context.Background()
	p := seedSetPipeline(t, env)
	original := snap(row("INV-1", 1, 500))
	req := env.create(t, models.RequestTypeNormal, 5, 9, &original)

	res, err := env.Engine.Submit(ctx, req.ID, models.RequestStatusPendingStage1, p.cashier.ID, snap(row("INV-1", 1, 300)))
	require.NoError(t, err)
	assert.True(t, res.Reversed)

	cur := env.reload(t, req.ID)
	assert.Equal(t, models.RequestStatusDebtMarked, cur.Status)
	assert.Nil(t, cur.CurrentStage)
	entries := env.entries(t, req.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, models.LogActionDebtMarked, entries[0].Action)

	timer, err := env.Engine.Reminders.Timer(ctx, req.ID)
	require.NoError(t, err)
	assert.Nil(t, timer, "terminal requests are disarmed")
}

func TestSubmit_ZeroSumDifferenceApprovesWithFlag(t *testing.T) {
	env := newTestEnv(t, EngineOptions{})
	ctx := context.Background()
	p := seedSetPipeline(t, env)
	original := snap(row("INV-1", 1, 500))
	req := env.create(t, models.RequestTypeNormal, 5, 9, &original)

	res, err := env.Engine.Submit(ctx, req.ID, models.RequestStatusPendingStage1, p.cashier.ID, snap(row("INV-1", 4, 500)))
	require.NoError(t, err)
	assert.False(t, res.Reversed)
	assert.False(t, res.Divergence.Identical)

	cur := env.reload(t, req.ID)
	assert.Equal(t, models.RequestStatusStage1Approved, cur.Status)
	require.NotNil(t, cur.CurrentApproverId)
	assert.Equal(t, p.operator.ID, *cur.CurrentApproverId)

	entries := env.entries(t, req.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, models.LogActionFlagged, entries[0].Action)
	assert.Equal(t, models.LogActionApproved, entries[1].Action)
}

func TestSubmit_WithoutOriginalActsAsApprove(t *testing.T) {
	env := newTestEnv(t, EngineOptions{})
	ctx := context.Background()
	p := seedSetPipeline(t, env)
	req := env.create(t, models.RequestTypeNormal, 5, 9, nil)

	res, err := env.Engine.Submit(ctx, req.ID, models.RequestStatusPendingStage1, p.cashier.ID, snap(row("INV-1", 1, 10)))
	require.NoError(t, err)
	assert.Nil(t, res.Divergence)
	assert.Equal(t, models.RequestStatusStage1Approved, res.Transition.To)

	_, err = env.Engine.Submit(ctx, req.ID, models.RequestStatusStage1Approved, p.operator.ID, models.Snapshot{Rows: []models.SnapshotRow{{Label: "no key"}}})
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestSubmit_RefusedAtLeaderReview(t *testing.T) {
	env := newTestEnv(t, EngineOptions{})
	ctx := context.Background()
	p := seedSetPipeline(t, env)
	req := env.create(t, models.RequestTypeSet, 5, 9, nil)

	_, err := env.Engine.Submit(ctx, req.ID, models.RequestStatusPendingLeaderReview, p.leader.ID, snap(row("A", 1, 1)))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.False(t, env.reload(t, req.ID).IsLocked())
}

func TestEngine_TerminalTransitionDisarmsReminder(t *testing.T) {
	env := newTestEnv(t, EngineOptions{})
	ctx := context.Background()
	p := seedSetPipeline(t, env)
	req := env.create(t, models.RequestTypeNormal, 5, 9, nil)

	_, err := env.Engine.Reject(ctx, req.ID, models.RequestStatusPendingStage1, p.cashier.ID)
	require.NoError(t, err)
	timer, err := env.Engine.Reminders.Timer(ctx, req.ID)
	require.NoError(t, err)
	assert.Nil(t, timer)

	_, err = env.Engine.Cancel(ctx, req.ID, models.RequestStatusRejected, req.CreatedBy)
	assert.ErrorIs(t, err, ErrAlreadyFinal)
}

func TestReversalLabel(t *testing.T) {
	tests := map[int]string{
		0:   "",
		1:   "(1st reversal)",
		2:   "(2nd reversal)",
		3:   "(3rd reversal)",
		4:   "(4th reversal)",
		11:  "(11th reversal)",
		12:  "(12th reversal)",
		13:  "(13th reversal)",
		21:  "(21st reversal)",
		102: "(102nd reversal)",
	}
	for n, want := range tests {
		assert.Equal(t, want, ReversalLabel(n), "n=%d", n)
	}
}

// Scenario A end to end: two cashiers on the branch, a brand-bound operator
// whose submission is 500 short.
func TestScenarioA_OperatorDivergenceReversesToLeader(t *testing.T) {
	env := newTestEnv(t, EngineOptions{})
	ctx := context.Background()
	leader := testutil.Worker(t, env.DB, "Lin")
	cashierA := testutil.Worker(t, env.DB, "cashier A")
	cashierB := testutil.Worker(t, env.DB, "cashier B")
	operator := testutil.Worker(t, env.DB, "Oak")
	testutil.BindBrand(t, env.DB, leader, models.StageLeader, 9)
	testutil.BindBranch(t, env.DB, cashierA, models.StageCashier, 5)
	testutil.BindBranch(t, env.DB, cashierB, models.StageCashier, 5)
	testutil.BindBrand(t, env.DB, operator, models.StageOperator, 9)

	original := snap(row("INV-1", 1, 1500), row("INV-2", 1, 500))
	req := env.create(t, models.RequestTypeSet, 5, 9, &original)
	_, err := env.Engine.Approve(ctx, req.ID, models.RequestStatusPendingLeaderReview, leader.ID)
	require.NoError(t, err)
	require.Equal(t, cashierA.ID, *env.reload(t, req.ID).CurrentApproverId)

	_, err = env.Engine.Approve(ctx, req.ID, models.RequestStatusPendingStage1, cashierA.ID)
	require.NoError(t, err)
	cur := env.reload(t, req.ID)
	require.Equal(t, models.RequestStatusStage1Approved, cur.Status)
	require.Equal(t, operator.ID, *cur.CurrentApproverId)

	res, err := env.Engine.Submit(ctx, req.ID, models.RequestStatusStage1Approved, operator.ID, snap(row("INV-1", 1, 1500)))
	require.NoError(t, err)
	assert.True(t, res.Reversed)
	assert.True(t, res.Divergence.TotalDelta.Equal(decimal.NewFromInt(500)))

	cur = env.reload(t, req.ID)
	assert.Equal(t, models.RequestStatusPendingLeaderReview, cur.Status)
	sum, err := env.Engine.Summary(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ReversalCount)
	require.NotNil(t, sum.Reminder)
	assert.Equal(t, 0, sum.Reminder.FiredCount)
}
