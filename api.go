package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/clearance_backend/config"
	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"bitbucket.org/mmdatafocus/clearance_backend/utils"
	"bitbucket.org/mmdatafocus/clearance_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	headerActorId       = "X-Actor-Id"
	headerActorName     = "X-Actor-Name"
	headerIdempotency   = "Idempotency-Key"
	headerCorrelationId = "x-correlation-id"
)

type api struct {
	engine *workflow.Engine
	logger *logrus.Logger
}

type actionRequest struct {
	ExpectedStatus string `json:"expected_status" validate:"required"`
}

type submitRequest struct {
	ExpectedStatus string          `json:"expected_status" validate:"required"`
	Snapshot       models.Snapshot `json:"snapshot"`
}

type noticeReplayRequest struct {
	RecordId int `json:"record_id" validate:"required,gt=0"`
}

// registerRoutes mounts the request API on r. Authentication happens upstream;
// the acting worker arrives in X-Actor-Id.
func registerRoutes(r gin.IRouter, a *api) {
	g := r.Group("/requests", actorMiddleware())
	g.POST("", a.createRequest)
	g.GET("/:id", a.getRequest)
	g.POST("/:id/approve", a.actionHandler(models.ActionApprove))
	g.POST("/:id/reject", a.actionHandler(models.ActionReject))
	g.POST("/:id/cancel", a.actionHandler(models.ActionCancel))
	g.POST("/:id/submit", a.submit)
	g.POST("/:id/reassign", a.reassign)

	// Ops tooling: requeue a notice the dispatcher gave up on.
	r.POST("/internal/ops/notices/replay", a.replayNotice)
}

func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader(headerCorrelationId)
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Header(headerCorrelationId, cid)
		c.Next()
	}
}

func actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(headerActorId))
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "X-Actor-Id header is required"})
			return
		}
		actorId, err := strconv.Atoi(raw)
		if err != nil || actorId <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid X-Actor-Id"})
			return
		}
		ctx := utils.SetActorIdInContext(c.Request.Context(), actorId)
		if name := strings.TrimSpace(c.GetHeader(headerActorName)); name != "" {
			ctx = utils.SetActorNameInContext(ctx, name)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func actorId(c *gin.Context) int {
	id, _ := utils.GetActorIdFromContext(c.Request.Context())
	return id
}

func requestId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
		return 0, false
	}
	return id, true
}

func (a *api) createRequest(c *gin.Context) {
	var in models.NewRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	// The creator is whoever the gateway authenticated; a body value is ignored.
	in.CreatedBy = actorId(c)
	if err := utils.ValidateStruct(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req, err := a.engine.Create(c.Request.Context(), &in, strings.TrimSpace(c.GetHeader(headerIdempotency)))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (a *api) getRequest(c *gin.Context) {
	id, ok := requestId(c)
	if !ok {
		return
	}
	sum, err := a.engine.Summary(c.Request.Context(), id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"summary": sum,
		"text":    sum.Text(),
	})
}

func (a *api) actionHandler(action models.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestId(c)
		if !ok {
			return
		}
		var in actionRequest
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		expected, err := models.ParseRequestStatus(in.ExpectedStatus)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		t, err := a.engine.Act(c.Request.Context(), id, expected, actorId(c), action)
		if err != nil {
			a.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, transitionBody(t))
	}
}

func (a *api) submit(c *gin.Context) {
	id, ok := requestId(c)
	if !ok {
		return
	}
	var in submitRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	expected, err := models.ParseRequestStatus(in.ExpectedStatus)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := a.engine.Submit(c.Request.Context(), id, expected, actorId(c), in.Snapshot)
	if err != nil {
		a.writeError(c, err)
		return
	}
	body := transitionBody(res.Transition)
	body["reversed"] = res.Reversed
	if res.Divergence != nil {
		body["divergence"] = res.Divergence
	}
	c.JSON(http.StatusOK, body)
}

func (a *api) reassign(c *gin.Context) {
	id, ok := requestId(c)
	if !ok {
		return
	}
	asg, err := a.engine.Reassign(c.Request.Context(), id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id": id,
		"stage":      asg.Stage,
		"approver":   asg.Worker,
		"changed":    asg.Changed,
	})
}

func (a *api) replayNotice(c *gin.Context) {
	var in noticeReplayRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := utils.ValidateStruct(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	now := time.Now().UTC()
	res := a.engine.DB.WithContext(c.Request.Context()).
		Model(&models.NoticeOutbox{}).
		Where("id = ? AND publish_status IN ?", in.RecordId, []string{models.OutboxPublishStatusDead, models.OutboxPublishStatusFailed}).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusFailed,
			"next_attempt_at":    &now,
			"locked_at":          nil,
			"locked_by":          nil,
			"last_publish_error": nil,
		})
	if res.Error != nil {
		a.writeError(c, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no dead or failed notice with that id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"record_id":       in.RecordId,
		"publish_status":  models.OutboxPublishStatusFailed,
		"next_attempt_at": now.Format(time.RFC3339Nano),
	})
}

func transitionBody(t *workflow.Transition) gin.H {
	body := gin.H{
		"request_id": t.Request.ID,
		"from":       t.From,
		"to":         t.To,
		"stage":      t.Stage,
		"entries":    t.Entries,
	}
	if t.NextStage != nil {
		body["next_stage"] = *t.NextStage
	}
	return body
}

// statusFor maps workflow errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrRequestNotFound), errors.Is(err, workflow.ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrStatusMismatch), errors.Is(err, workflow.ErrAlreadyFinal),
		errors.Is(err, workflow.ErrIdempotencyInProgress):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrLockContention):
		return http.StatusLocked
	case errors.Is(err, workflow.ErrNotEligible):
		return http.StatusForbidden
	case errors.Is(err, workflow.ErrNoEligibleWorkers):
		return http.StatusAccepted
	case errors.Is(err, workflow.ErrInvalidTransition), errors.Is(err, workflow.ErrInvalidSnapshot):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		config.LogError(a.logger, "api.go", c.HandlerName(), c.Request.URL.Path, nil, err)
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{
		"error":     err.Error(),
		"retryable": workflow.IsRetryable(err),
	})
}
