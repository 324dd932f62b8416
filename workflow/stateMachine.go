package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"bitbucket.org/mmdatafocus/clearance_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EligibilityChecker answers whether an actor may act on a request at a stage.
type EligibilityChecker interface {
	IsEligible(ctx context.Context, req *models.Request, stage models.Stage, actorId int) (bool, error)
}

// CheckpointPolicy lists the supervisor levels (1, 2) inserted for a brand.
type CheckpointPolicy interface {
	SupervisorLevels(ctx context.Context, brandId int) ([]int, error)
}

// StaticCheckpoints applies the same supervisor levels to every brand.
type StaticCheckpoints []int

func (s StaticCheckpoints) SupervisorLevels(ctx context.Context, brandId int) ([]int, error) {
	return s, nil
}

// StateMachine validates and applies status transitions. A transition updates
// the status, resets the current approver, appends the audit entries and
// releases the lock in one store transaction.
type StateMachine struct {
	DB          *gorm.DB
	Locks       *LockManager
	Eligibility EligibilityChecker
	Checkpoints CheckpointPolicy
	Logger      *logrus.Logger
}

// Transition describes a committed status change.
type Transition struct {
	Request   *models.Request
	ActorId   int
	From      models.RequestStatus
	To        models.RequestStatus
	Stage     models.Stage
	NextStage *models.Stage
	Entries   []*models.ApprovalLogEntry
}

// transitionPlan is what a step decided to do with a locked request.
type transitionPlan struct {
	To      models.RequestStatus
	Entries []*models.ApprovalLogEntry
	Updates map[string]interface{}
}

type planFunc func(ctx context.Context, req *models.Request, stage models.Stage) (*transitionPlan, error)

// step is one guarded unit of work on a request.
type step struct {
	Name string
	Plan planFunc
	// AllowCreator lets the request's creator act even when not eligible for the stage.
	AllowCreator bool
}

// ApplyTransition moves the request one step for action, provided its status
// still equals expected, nobody else holds its lock and the actor is eligible.
func (sm *StateMachine) ApplyTransition(ctx context.Context, requestId int, expected models.RequestStatus, actorId int, action models.Action) (models.RequestStatus, error) {
	t, err := sm.apply(ctx, requestId, expected, actorId, sm.actionStep(action))
	if err != nil {
		return "", err
	}
	return t.To, nil
}

func (sm *StateMachine) actionStep(action models.Action) step {
	return step{
		Name: string(action),
		Plan: func(ctx context.Context, req *models.Request, stage models.Stage) (*transitionPlan, error) {
			return sm.planAction(ctx, req, stage, action)
		},
		AllowCreator: action == models.ActionCancel,
	}
}

func (sm *StateMachine) planAction(ctx context.Context, req *models.Request, stage models.Stage, action models.Action) (*transitionPlan, error) {
	var (
		to        models.RequestStatus
		logAction models.LogAction
	)
	switch action {
	case models.ActionApprove:
		next, err := sm.NextStatus(ctx, req)
		if err != nil {
			return nil, err
		}
		to, logAction = next, models.LogActionApproved
	case models.ActionReject:
		to, logAction = models.RequestStatusRejected, models.LogActionRejected
	case models.ActionCancel:
		to, logAction = models.RequestStatusCancelled, models.LogActionCancelled
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	return &transitionPlan{
		To:      to,
		Entries: []*models.ApprovalLogEntry{{Action: logAction, Stage: stage}},
	}, nil
}

// NextStatus is the status an approval moves req to.
func (sm *StateMachine) NextStatus(ctx context.Context, req *models.Request) (models.RequestStatus, error) {
	switch req.Status {
	case models.RequestStatusPendingLeaderReview:
		return models.RequestStatusPendingStage1, nil
	case models.RequestStatusPendingStage1:
		return models.RequestStatusStage1Approved, nil
	case models.RequestStatusStage1Approved:
		return models.RequestStatusPendingStage2, nil
	case models.RequestStatusPendingStage2, models.RequestStatusPendingSupervisor1:
		levels, err := sm.supervisorLevels(ctx, req.BrandId)
		if err != nil {
			return "", err
		}
		if req.Status == models.RequestStatusPendingStage2 && containsInt(levels, 1) {
			return models.RequestStatusPendingSupervisor1, nil
		}
		if containsInt(levels, 2) {
			return models.RequestStatusPendingSupervisor2, nil
		}
		return models.RequestStatusStage2Approved, nil
	case models.RequestStatusPendingSupervisor2:
		return models.RequestStatusStage2Approved, nil
	case models.RequestStatusStage2Approved:
		return models.RequestStatusFinalApproved, nil
	}
	return "", fmt.Errorf("%w: no approval step from %s", ErrInvalidTransition, req.Status)
}

func (sm *StateMachine) supervisorLevels(ctx context.Context, brandId int) ([]int, error) {
	if sm.Checkpoints == nil {
		return nil, nil
	}
	return sm.Checkpoints.SupervisorLevels(ctx, brandId)
}

// apply runs the guarded sequence: precondition checks, lock, plan, one
// atomic store update. The lock is released on every path once acquired.
func (sm *StateMachine) apply(ctx context.Context, requestId int, expected models.RequestStatus, actorId int, s step) (*Transition, error) {
	req, err := models.GetRequest(ctx, sm.DB, requestId)
	if err != nil {
		return nil, fmt.Errorf("request %d: %w", requestId, err)
	}
	if req.Status.IsTerminal() {
		return nil, fmt.Errorf("request %d is %s: %w", requestId, req.Status, ErrAlreadyFinal)
	}
	if req.Status != expected {
		return nil, fmt.Errorf("request %d is %s, expected %s: %w", requestId, req.Status, expected, ErrStatusMismatch)
	}
	stage, ok := req.Status.Stage()
	if !ok {
		return nil, fmt.Errorf("%w: status %s has no stage", ErrInvalidTransition, req.Status)
	}
	if err := sm.authorize(ctx, req, stage, actorId, s.AllowCreator); err != nil {
		return nil, err
	}

	actorName, _ := utils.GetActorNameFromContext(ctx)
	if actorName == "" {
		var names []string
		if err := sm.DB.WithContext(ctx).Model(&models.Worker{}).Where("id = ?", actorId).Pluck("name", &names).Error; err != nil {
			return nil, err
		}
		if len(names) > 0 {
			actorName = names[0]
		}
	}

	// Nothing between here and the commit leaves the request store.
	lock, err := sm.Locks.TryAcquire(ctx, requestId, actorId)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, fmt.Errorf("request %d: %w", requestId, ErrLockContention)
	}
	defer sm.Locks.releaseQuietly(ctx, lock)

	// Re-read under the lock: the status may have moved between the first read and the CAS.
	req, err = models.GetRequest(ctx, sm.DB, requestId)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return nil, fmt.Errorf("request %d is %s: %w", requestId, req.Status, ErrAlreadyFinal)
	}
	if req.Status != expected {
		return nil, fmt.Errorf("request %d is %s, expected %s: %w", requestId, req.Status, expected, ErrStatusMismatch)
	}

	plan, err := s.Plan(ctx, req, stage)
	if err != nil {
		return nil, err
	}

	t := &Transition{
		ActorId: actorId,
		From:    req.Status,
		To:      plan.To,
		Stage:   stage,
	}
	values := lockClearedValues()
	values["status"] = plan.To
	values["current_approver_id"] = nil
	values["assigned_at"] = nil
	if next, ok := plan.To.Stage(); ok && !plan.To.IsTerminal() {
		t.NextStage = &next
		values["current_stage"] = next
	} else {
		values["current_stage"] = nil
	}
	for k, v := range plan.Updates {
		values[k] = v
	}

	for _, e := range plan.Entries {
		e.RequestId = requestId
		e.ActorId = actorId
		e.ActorName = actorName
		e.FromStatus = t.From
		if e.ToStatus == "" {
			e.ToStatus = t.To
		}
		if e.Stage == "" {
			e.Stage = stage
		}
	}

	err = sm.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Request{}).
			Where("id = ? AND status = ? AND lock_token = ?", requestId, expected, lock.Token).
			Updates(values)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("request %d moved during transition: %w", requestId, ErrStatusMismatch)
		}
		return models.AppendLogEntries(tx, plan.Entries)
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	req.Status = t.To
	req.CurrentStage = t.NextStage
	req.CurrentApproverId = nil
	req.AssignedAt = nil
	req.LockHolderId = nil
	req.LockToken = nil
	req.LockedAt = nil
	req.UpdatedAt = now
	t.Request = req
	t.Entries = plan.Entries

	if sm.Logger != nil {
		sm.Logger.WithFields(logrus.Fields{
			"field":      "StateMachine",
			"request_id": requestId,
			"actor_id":   actorId,
			"step":       s.Name,
			"from":       t.From,
			"to":         t.To,
		}).Info("request transitioned")
	}
	return t, nil
}

func (sm *StateMachine) authorize(ctx context.Context, req *models.Request, stage models.Stage, actorId int, allowCreator bool) error {
	if allowCreator && actorId == req.CreatedBy {
		return nil
	}
	if sm.Eligibility == nil {
		return fmt.Errorf("request %d: %w", req.ID, ErrNotEligible)
	}
	ok, err := sm.Eligibility.IsEligible(ctx, req, stage, actorId)
	if err != nil {
		if errors.Is(err, ErrNoEligibleWorkers) {
			return fmt.Errorf("request %d: %w", req.ID, ErrNotEligible)
		}
		return err
	}
	if !ok {
		return fmt.Errorf("actor %d at %s of request %d: %w", actorId, stage, req.ID, ErrNotEligible)
	}
	return nil
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
