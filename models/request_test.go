package models_test

import (
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/clearance_backend/config"
	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"bitbucket.org/mmdatafocus/clearance_backend/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRequest(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		in      models.NewRequest
		status  models.RequestStatus
		stage   models.Stage
		wantErr bool
	}{
		{"normal", models.NewRequest{Type: models.RequestTypeNormal, BranchId: 1, BrandId: 2, CreatedBy: 3}, models.RequestStatusPendingStage1, models.StageCashier, false},
		{"set", models.NewRequest{Type: models.RequestTypeSet, BranchId: 1, BrandId: 2, CreatedBy: 3}, models.RequestStatusPendingLeaderReview, models.StageLeader, false},
		{"bad type", models.NewRequest{Type: "BULK", BranchId: 1, BrandId: 2, CreatedBy: 3}, "", "", true},
		{"no branch", models.NewRequest{Type: models.RequestTypeNormal, BrandId: 2, CreatedBy: 3}, "", "", true},
		{"no creator", models.NewRequest{Type: models.RequestTypeNormal, BranchId: 1, BrandId: 2}, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := models.CreateRequest(ctx, db, &tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.status, req.Status)
			require.NotNil(t, req.CurrentStage)
			assert.Equal(t, tt.stage, *req.CurrentStage)
			assert.NotEmpty(t, req.Uid)
			assert.Nil(t, req.CurrentApproverId)
		})
	}
}

func TestAssignApprover_SkipsLockedOrMovedRequests(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	w := models.WorkerRef{ID: 42, Name: "w"}

	req := testutil.Request(t, db, models.RequestTypeNormal, models.RequestStatusPendingStage1, 1, 2)
	require.NoError(t, db.Model(&models.Request{}).Where("id = ?", req.ID).Update("lock_holder_id", 7).Error)
	ok, err := models.AssignApprover(ctx, db, req, models.StageCashier, &w)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.Model(&models.Request{}).Where("id = ?", req.ID).Update("lock_holder_id", nil).Error)
	ok, err = models.AssignApprover(ctx, db, req, models.StageOperator, &w)
	require.NoError(t, err)
	assert.False(t, ok, "stage moved on")

	ok, err = models.AssignApprover(ctx, db, req, models.StageCashier, &w)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NotNil(t, req.CurrentApproverId)
	assert.Equal(t, 42, *req.CurrentApproverId)

	seq, err := models.LastAssignmentSeq(ctx, db, models.StageCashier, []int{42, 43})
	require.NoError(t, err)
	assert.Contains(t, seq, 42)
	assert.NotContains(t, seq, 43)

	ok, err = models.AssignApprover(ctx, db, req, models.StageCashier, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, req.CurrentApproverId)
}

func TestAssignmentRecords_AppendOnly(t *testing.T) {
	db := testutil.OpenDB(t)
	require.NoError(t, db.Create(&models.AssignmentRecord{RequestId: 1, WorkerId: 2, Stage: models.StageCashier}).Error)
	err := db.Model(&models.AssignmentRecord{}).Where("request_id = ?", 1).Update("worker_id", 3).Error
	assert.ErrorIs(t, err, config.ErrAppendOnly)
	err = db.Where("request_id = ?", 1).Delete(&models.AssignmentRecord{}).Error
	assert.ErrorIs(t, err, config.ErrAppendOnly)
}

func TestListAndCountOpenRequests(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	first := testutil.Request(t, db, models.RequestTypeNormal, models.RequestStatusPendingStage1, 1, 2)
	testutil.Request(t, db, models.RequestTypeNormal, models.RequestStatusPendingStage1, 3, 2)
	testutil.Request(t, db, models.RequestTypeNormal, models.RequestStatusPendingStage2, 1, 2)
	testutil.Request(t, db, models.RequestTypeNormal, models.RequestStatusCancelled, 1, 2)

	stage := models.StageCashier
	got, err := models.ListOpenRequests(ctx, db, models.RequestFilter{Stage: &stage, BranchId: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	scoped, err := models.ListOpenRequests(ctx, db, first.ScopeFilter(models.StageCashier))
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, first.ID, scoped[0].ID)

	leader := first.ScopeFilter(models.StageLeader)
	assert.Equal(t, models.StageLeader, *leader.Stage)
	assert.Equal(t, 2, leader.BrandId)
	assert.Zero(t, leader.BranchId)

	n, err := models.CountOpenRequests(ctx, db, models.RequestFilter{BrandId: 2, Unassigned: true})
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestStatusHelpers(t *testing.T) {
	for _, s := range models.OpenStatuses {
		_, ok := s.Stage()
		assert.True(t, ok, s)
		assert.False(t, s.IsTerminal(), s)
	}
	for _, s := range models.TerminalStatuses {
		_, ok := s.Stage()
		assert.False(t, ok, s)
		assert.False(t, s.IsOpen(), s)
	}
	s, err := models.ParseRequestStatus(" pending_stage1 ")
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusPendingStage1, s)
	_, err = models.ParseRequestStatus("DONE")
	assert.Error(t, err)

	a, err := models.ParseAction("Approve")
	require.NoError(t, err)
	assert.Equal(t, models.ActionApprove, a)
	_, err = models.ParseAction("escalate")
	assert.Error(t, err)
}

func TestSnapshotTotalAndValidate(t *testing.T) {
	s := models.Snapshot{Rows: []models.SnapshotRow{
		{Key: "a", Amount: decimal.RequireFromString("10.25")},
		{Key: "b", Amount: decimal.RequireFromString("-0.25")},
	}}
	assert.True(t, s.Total().Equal(decimal.NewFromInt(10)))
	require.NoError(t, s.Validate())
	s.Rows = append(s.Rows, models.SnapshotRow{Label: "keyless"})
	assert.Error(t, s.Validate())
}
