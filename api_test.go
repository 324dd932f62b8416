package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"bitbucket.org/mmdatafocus/clearance_backend/directory"
	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"bitbucket.org/mmdatafocus/clearance_backend/notify"
	"bitbucket.org/mmdatafocus/clearance_backend/snapshot"
	"bitbucket.org/mmdatafocus/clearance_backend/testutil"
	"bitbucket.org/mmdatafocus/clearance_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type apiEnv struct {
	db     *gorm.DB
	router *gin.Engine
	ready  *atomic.Bool
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db := testutil.OpenDB(t)
	engine := workflow.NewEngine(db, directory.New(db), &directory.CheckpointTable{DB: db},
		notify.FanOut{notify.NewOutboxNotifier(db)}, snapshot.NewGormStore(db),
		workflow.NewMemorySchedulerState(), logger, workflow.EngineOptions{})

	ready := &atomic.Bool{}
	ready.Store(true)
	return &apiEnv{
		db:     db,
		router: newRouter(&api{engine: engine, logger: logger}, ready, logger, nil),
		ready:  ready,
	}
}

func (e *apiEnv) do(t *testing.T, method, path string, actor int, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if actor > 0 {
		req.Header.Set(headerActorId, strconv.Itoa(actor))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (e *apiEnv) createRequest(t *testing.T, actor int, body gin.H) int {
	t.Helper()
	w := e.do(t, http.MethodPost, "/requests", actor, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return int(decode(t, w)["id"].(float64))
}

func TestAPI_HealthAndReadiness(t *testing.T) {
	env := newAPIEnv(t)
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodGet, "/healthz", 0, nil).Code)

	env.ready.Store(false)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/requests/1", 1, nil).Code)
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodGet, "/healthz", 0, nil).Code)
}

func TestAPI_ActorHeaderRequired(t *testing.T) {
	env := newAPIEnv(t)
	w := env.do(t, http.MethodGet, "/requests/1", 0, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = env.do(t, http.MethodGet, "/requests/1", 0, nil, headerActorId, "abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_CreateApproveAndConflicts(t *testing.T) {
	env := newAPIEnv(t)
	cashier := testutil.Worker(t, env.db, "Cho")
	testutil.BindBranch(t, env.db, cashier, models.StageCashier, 5)

	id := env.createRequest(t, 3, gin.H{"type": "NORMAL", "branch_id": 5, "brand_id": 9, "amount": "120.50"})

	w := env.do(t, http.MethodGet, "/requests/"+strconv.Itoa(id), 3, nil)
	require.Equal(t, http.StatusOK, w.Code)
	sum := decode(t, w)["summary"].(map[string]any)
	req := sum["request"].(map[string]any)
	assert.Equal(t, "PENDING_STAGE1", req["status"])
	assert.EqualValues(t, cashier.ID, req["current_approver_id"])
	assert.EqualValues(t, 3, req["created_by"])

	path := "/requests/" + strconv.Itoa(id)
	w = env.do(t, http.MethodPost, path+"/approve", 4242, gin.H{"expected_status": "PENDING_STAGE1"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, path+"/approve", cashier.ID, gin.H{"expected_status": "PENDING_STAGE1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "STAGE1_APPROVED", body["to"])

	// Second click on the stale card.
	w = env.do(t, http.MethodPost, path+"/approve", cashier.ID, gin.H{"expected_status": "PENDING_STAGE1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, true, decode(t, w)["retryable"])

	// Creator cancels; afterwards the request is final.
	w = env.do(t, http.MethodPost, path+"/cancel", 3, gin.H{"expected_status": "STAGE1_APPROVED"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = env.do(t, http.MethodPost, path+"/reject", cashier.ID, gin.H{"expected_status": "CANCELLED"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, false, decode(t, w)["retryable"])
}

func TestAPI_LockedRequestIs423(t *testing.T) {
	env := newAPIEnv(t)
	cashier := testutil.Worker(t, env.db, "Cho")
	testutil.BindBranch(t, env.db, cashier, models.StageCashier, 5)
	id := env.createRequest(t, 3, gin.H{"type": "NORMAL", "branch_id": 5, "brand_id": 9})

	locks := workflow.NewLockManager(env.db, logrus.New())
	lock, err := locks.TryAcquire(context.Background(), id, 77)
	require.NoError(t, err)
	require.NotNil(t, lock)

	w := env.do(t, http.MethodPost, "/requests/"+strconv.Itoa(id)+"/approve", cashier.ID, gin.H{"expected_status": "PENDING_STAGE1"})
	assert.Equal(t, http.StatusLocked, w.Code)
	assert.Equal(t, true, decode(t, w)["retryable"])
}

func TestAPI_CreateValidationAndIdempotency(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodPost, "/requests", 3, gin.H{"type": "BULK", "branch_id": 5, "brand_id": 9})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body := gin.H{"type": "SET", "branch_id": 5, "brand_id": 9}
	first := env.do(t, http.MethodPost, "/requests", 3, body, headerIdempotency, "abc")
	require.Equal(t, http.StatusCreated, first.Code)
	again := env.do(t, http.MethodPost, "/requests", 3, body, headerIdempotency, "abc")
	require.Equal(t, http.StatusCreated, again.Code)
	assert.Equal(t, decode(t, first)["id"], decode(t, again)["id"])
}

func TestAPI_CreatorComesFromActorHeader(t *testing.T) {
	env := newAPIEnv(t)

	id := env.createRequest(t, 3, gin.H{"type": "NORMAL", "branch_id": 5, "brand_id": 9, "created_by": 77})
	w := env.do(t, http.MethodGet, "/requests/"+strconv.Itoa(id), 3, nil)
	require.Equal(t, http.StatusOK, w.Code)
	req := decode(t, w)["summary"].(map[string]any)["request"].(map[string]any)
	assert.EqualValues(t, 3, req["created_by"])

	path := "/requests/" + strconv.Itoa(id) + "/cancel"
	w = env.do(t, http.MethodPost, path, 77, gin.H{"expected_status": "PENDING_STAGE1"})
	assert.Equal(t, http.StatusForbidden, w.Code, "a body creator gains no cancel right")
	w = env.do(t, http.MethodPost, path, 3, gin.H{"expected_status": "PENDING_STAGE1"})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAPI_SubmitReversesSetRequest(t *testing.T) {
	env := newAPIEnv(t)
	leader := testutil.Worker(t, env.db, "Lin")
	cashier := testutil.Worker(t, env.db, "Cho")
	testutil.BindBrand(t, env.db, leader, models.StageLeader, 9)
	testutil.BindBranch(t, env.db, cashier, models.StageCashier, 5)

	id := env.createRequest(t, 3, gin.H{
		"type": "SET", "branch_id": 5, "brand_id": 9,
		"original": gin.H{"rows": []gin.H{{"key": "INV-1", "amount": "100"}}},
	})
	path := "/requests/" + strconv.Itoa(id)

	w := env.do(t, http.MethodPost, path+"/submit", leader.ID, gin.H{
		"expected_status": "PENDING_LEADER_REVIEW",
		"snapshot":        gin.H{"rows": []gin.H{{"key": "INV-1", "amount": "100"}}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "leader review approves, it does not submit")

	w = env.do(t, http.MethodPost, path+"/approve", leader.ID, gin.H{"expected_status": "PENDING_LEADER_REVIEW"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, path+"/submit", cashier.ID, gin.H{
		"expected_status": "PENDING_STAGE1",
		"snapshot":        gin.H{"rows": []gin.H{{"key": "INV-1", "amount": "80"}}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["reversed"])
	assert.Equal(t, "PENDING_LEADER_REVIEW", body["to"])
	div := body["divergence"].(map[string]any)
	assert.Equal(t, "20", div["total_delta"])

	w = env.do(t, http.MethodGet, path, 3, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w)["text"], "(1st reversal)")
}

func TestAPI_ReassignAndNotFound(t *testing.T) {
	env := newAPIEnv(t)
	w := env.do(t, http.MethodPost, "/requests/999/reassign", 1, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	id := env.createRequest(t, 3, gin.H{"type": "NORMAL", "branch_id": 5, "brand_id": 9})
	w = env.do(t, http.MethodPost, "/requests/"+strconv.Itoa(id)+"/reassign", 1, nil)
	assert.Equal(t, http.StatusAccepted, w.Code, "nobody eligible: the request stays parked")

	cashier := testutil.Worker(t, env.db, "Cho")
	testutil.BindBranch(t, env.db, cashier, models.StageCashier, 5)
	w = env.do(t, http.MethodPost, "/requests/"+strconv.Itoa(id)+"/reassign", 1, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["changed"])
	assert.EqualValues(t, cashier.ID, body["approver"].(map[string]any)["id"])
}

func TestAPI_ReplayNotice(t *testing.T) {
	env := newAPIEnv(t)
	rec := models.NoticeOutbox{Recipient: 1, Kind: models.NoticeKindReminder, PublishStatus: models.OutboxPublishStatusDead}
	require.NoError(t, env.db.Create(&rec).Error)

	w := env.do(t, http.MethodPost, "/internal/ops/notices/replay", 0, gin.H{"record_id": rec.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got models.NoticeOutbox
	require.NoError(t, env.db.First(&got, rec.ID).Error)
	assert.Equal(t, models.OutboxPublishStatusFailed, got.PublishStatus)
	assert.NotNil(t, got.NextAttemptAt)

	require.NoError(t, env.db.Model(&got).Update("publish_status", models.OutboxPublishStatusSent).Error)
	w = env.do(t, http.MethodPost, "/internal/ops/notices/replay", 0, gin.H{"record_id": rec.ID})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{workflow.ErrStatusMismatch, http.StatusConflict},
		{workflow.ErrLockContention, http.StatusLocked},
		{workflow.ErrNotEligible, http.StatusForbidden},
		{workflow.ErrNoEligibleWorkers, http.StatusAccepted},
		{workflow.ErrAlreadyFinal, http.StatusConflict},
		{workflow.ErrRequestNotFound, http.StatusNotFound},
		{workflow.ErrInvalidSnapshot, http.StatusUnprocessableEntity},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
