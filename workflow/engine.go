package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"bitbucket.org/mmdatafocus/clearance_backend/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Notifier delivers notices to workers. Failures never fail a transition.
type Notifier interface {
	Notify(ctx context.Context, notice models.Notice) error
}

// SnapshotStore holds the original (expected) dataset of each request.
type SnapshotStore interface {
	LoadOriginal(ctx context.Context, requestId int) (models.Snapshot, error)
	SaveOriginal(ctx context.Context, requestId int, snap models.Snapshot, source string) error
}

// TxSnapshotStore saves originals inside the caller's store transaction, so a
// request and its original commit together.
type TxSnapshotStore interface {
	SaveOriginalTx(ctx context.Context, tx *gorm.DB, requestId int, snap models.Snapshot, source string) error
}

type EngineOptions struct {
	ReminderInterval     time.Duration
	ReminderMaxCount     int
	ReminderPollInterval time.Duration
	// FallbackRecipient receives "nobody eligible" alerts. Zero disables them.
	FallbackRecipient int
	Locker            *redislock.Client
}

// Engine is the entry point used by every request handler. Each operation is
// one guarded transition followed by the post-commit steps: reminder re-arm or
// disarm, approver re-resolution, notices and draining of parked requests.
type Engine struct {
	DB        *gorm.DB
	Locks     *LockManager
	Machine   *StateMachine
	Assignor  *ApproverAssignor
	Reversals *ReversalController
	Reminders *ReminderScheduler
	Notifier  Notifier
	Snapshots SnapshotStore
	Logger    *logrus.Logger

	FallbackRecipient int
	tracer            trace.Tracer
}

func NewEngine(db *gorm.DB, dir WorkerDirectory, checkpoints CheckpointPolicy, notifier Notifier, snapshots SnapshotStore, state SchedulerState, logger *logrus.Logger, opts EngineOptions) *Engine {
	locks := NewLockManager(db, logger)
	assignor := &ApproverAssignor{DB: db, Directory: dir, Logger: logger}
	reminders := NewReminderScheduler(db, state, assignor, notifier, logger)
	if opts.ReminderInterval > 0 {
		reminders.Interval = opts.ReminderInterval
	}
	if opts.ReminderMaxCount > 0 {
		reminders.MaxCount = opts.ReminderMaxCount
	}
	if opts.ReminderPollInterval > 0 {
		reminders.PollInterval = opts.ReminderPollInterval
		if reminders.Interval > opts.ReminderPollInterval {
			reminders.DedupWindow = reminders.Interval - opts.ReminderPollInterval
		}
	}
	reminders.Locker = opts.Locker

	return &Engine{
		DB:    db,
		Locks: locks,
		Machine: &StateMachine{
			DB:          db,
			Locks:       locks,
			Eligibility: assignor,
			Checkpoints: checkpoints,
			Logger:      logger,
		},
		Assignor:          assignor,
		Reversals:         &ReversalController{DB: db},
		Reminders:         reminders,
		Notifier:          notifier,
		Snapshots:         snapshots,
		Logger:            logger,
		FallbackRecipient: opts.FallbackRecipient,
		tracer:            otel.Tracer("clearance_backend/workflow"),
	}
}

func (e *Engine) startSpan(ctx context.Context, name string, requestId int) (context.Context, trace.Span) {
	tracer := e.tracer
	if tracer == nil {
		tracer = otel.Tracer("clearance_backend/workflow")
	}
	ctx, span := tracer.Start(ctx, "Engine."+name)
	if requestId > 0 {
		span.SetAttributes(attribute.Int("request.id", requestId))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Create inserts a request at its initial status, stores its original
// snapshot, arms its reminder and assigns the first approver. A non-empty
// idemKey makes retries of the same create return the first result; a retry
// also finishes whatever post-create step the first attempt did not reach.
func (e *Engine) Create(ctx context.Context, input *models.NewRequest, idemKey string) (req *models.Request, err error) {
	ctx, span := e.startSpan(ctx, "Create", 0)
	defer func() { endSpan(span, err) }()

	if input.Original != nil {
		if verr := input.Original.Validate(); verr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, verr)
		}
	}
	txStore, snapshotInTx := e.Snapshots.(TxSnapshotStore)
	insert := func(tx *gorm.DB) (*models.Request, error) {
		r, err := models.CreateRequest(ctx, tx, input)
		if err != nil {
			return nil, err
		}
		if input.Original != nil && snapshotInTx {
			if err := txStore.SaveOriginalTx(ctx, tx, r.ID, *input.Original, "create"); err != nil {
				return nil, err
			}
		}
		return r, nil
	}

	replayed := false
	if idemKey != "" {
		scope := fmt.Sprintf("actor:%d", input.CreatedBy)
		req, replayed, err = withIdempotency(ctx, e.DB, scope, "create_request", idemKey, insert)
	} else {
		err = e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var terr error
			req, terr = insert(tx)
			return terr
		})
	}
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("request.id", req.ID), attribute.Bool("request.replayed", replayed))
	if replayed && !req.Status.IsOpen() {
		return req, nil
	}

	if input.Original != nil && e.Snapshots != nil && !snapshotInTx {
		if err := e.ensureOriginal(ctx, req.ID, *input.Original, replayed); err != nil {
			return req, err
		}
	}
	if err := e.armUnlessArmed(ctx, req.ID, replayed); err != nil {
		e.logError("Create", req.ID, err)
	}
	if !replayed || req.CurrentApproverId == nil {
		if _, err := e.assignAndNotify(ctx, req); err != nil && !errors.Is(err, ErrNoEligibleWorkers) {
			e.logError("Create", req.ID, err)
		}
	}
	return req, nil
}

// ensureOriginal saves the original unless a replayed create already stored it.
func (e *Engine) ensureOriginal(ctx context.Context, requestId int, original models.Snapshot, replayed bool) error {
	if replayed {
		_, err := e.Snapshots.LoadOriginal(ctx, requestId)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrSnapshotNotFound) {
			return err
		}
	}
	return e.Snapshots.SaveOriginal(ctx, requestId, original, "create")
}

// armUnlessArmed keeps the fire count of a timer armed by an earlier attempt.
func (e *Engine) armUnlessArmed(ctx context.Context, requestId int, replayed bool) error {
	if replayed {
		t, err := e.Reminders.Timer(ctx, requestId)
		if err != nil || t != nil {
			return err
		}
	}
	return e.Reminders.Arm(ctx, requestId)
}

func (e *Engine) Approve(ctx context.Context, requestId int, expected models.RequestStatus, actorId int) (*Transition, error) {
	return e.act(ctx, requestId, expected, actorId, models.ActionApprove)
}

func (e *Engine) Reject(ctx context.Context, requestId int, expected models.RequestStatus, actorId int) (*Transition, error) {
	return e.act(ctx, requestId, expected, actorId, models.ActionReject)
}

// Cancel is allowed to the eligible worker of the stage and to the request's creator.
func (e *Engine) Cancel(ctx context.Context, requestId int, expected models.RequestStatus, actorId int) (*Transition, error) {
	return e.act(ctx, requestId, expected, actorId, models.ActionCancel)
}

// Act dispatches a parsed action.
func (e *Engine) Act(ctx context.Context, requestId int, expected models.RequestStatus, actorId int, action models.Action) (*Transition, error) {
	return e.act(ctx, requestId, expected, actorId, action)
}

func (e *Engine) act(ctx context.Context, requestId int, expected models.RequestStatus, actorId int, action models.Action) (t *Transition, err error) {
	ctx, span := e.startSpan(ctx, string(action), requestId)
	defer func() { endSpan(span, err) }()

	t, err = e.Machine.apply(ctx, requestId, expected, actorId, e.Machine.actionStep(action))
	if err != nil {
		return nil, err
	}
	e.afterTransition(ctx, t)
	return t, nil
}

type SubmitResult struct {
	Transition *Transition
	Divergence *DivergenceResult
	Reversed   bool
}

// Submit records the reconciliation dataset for the current stage. Without an
// original snapshot it behaves like Approve. Otherwise the datasets are
// compared: a material difference reverses the request (SET back to leader
// review, NORMAL to DEBT_MARKED); an immaterial one approves with a flagged
// entry in the audit trail.
func (e *Engine) Submit(ctx context.Context, requestId int, expected models.RequestStatus, actorId int, submitted models.Snapshot) (res *SubmitResult, err error) {
	ctx, span := e.startSpan(ctx, "Submit", requestId)
	defer func() { endSpan(span, err) }()

	if verr := submitted.Validate(); verr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, verr)
	}
	// Originals never change after create, so they are read before the lock.
	original, hasOriginal, err := e.loadOriginal(ctx, requestId)
	if err != nil {
		return nil, err
	}
	res = &SubmitResult{}
	s := step{
		Name: "submit",
		Plan: func(ctx context.Context, req *models.Request, stage models.Stage) (*transitionPlan, error) {
			if stage == models.StageLeader {
				return nil, fmt.Errorf("%w: nothing to submit at leader review", ErrInvalidTransition)
			}
			plan, err := e.planSubmit(ctx, req, stage, original, hasOriginal, submitted, res)
			if err != nil {
				return nil, err
			}
			b, err := json.Marshal(submitted)
			if err != nil {
				return nil, err
			}
			if plan.Updates == nil {
				plan.Updates = map[string]interface{}{}
			}
			plan.Updates["submitted"] = string(b)
			plan.Updates["submitted_total"] = submitted.Total()
			return plan, nil
		},
	}

	t, err := e.Machine.apply(ctx, requestId, expected, actorId, s)
	if err != nil {
		return nil, err
	}
	t.Request.Submitted = &submitted
	t.Request.SubmittedTotal = submitted.Total()
	res.Transition = t
	e.afterTransition(ctx, t)
	return res, nil
}

func (e *Engine) loadOriginal(ctx context.Context, requestId int) (models.Snapshot, bool, error) {
	if e.Snapshots == nil {
		return models.Snapshot{}, false, nil
	}
	snap, err := e.Snapshots.LoadOriginal(ctx, requestId)
	switch {
	case err == nil:
		return snap, true, nil
	case errors.Is(err, ErrSnapshotNotFound):
		return models.Snapshot{}, false, nil
	}
	return models.Snapshot{}, false, err
}

func (e *Engine) planSubmit(ctx context.Context, req *models.Request, stage models.Stage, original models.Snapshot, hasOriginal bool, submitted models.Snapshot, res *SubmitResult) (*transitionPlan, error) {
	approve, err := e.Machine.planAction(ctx, req, stage, models.ActionApprove)
	if err != nil {
		return nil, err
	}
	if !hasOriginal {
		return approve, nil
	}

	result := Compare(original, submitted)
	res.Divergence = &result
	if result.IsMaterial() {
		res.Reversed = true
		return e.Reversals.Plan(ctx, req, stage, result, original, submitted)
	}
	if !result.Identical {
		flagged := &models.ApprovalLogEntry{Action: models.LogActionFlagged, Stage: stage, ToStatus: req.Status}
		if err := flagged.SetPayload(result); err != nil {
			return nil, err
		}
		approve.Entries = append([]*models.ApprovalLogEntry{flagged}, approve.Entries...)
		if e.Logger != nil {
			e.Logger.WithFields(logrus.Fields{
				"field":       "Engine",
				"request_id":  req.ID,
				"differences": len(result.Differences),
			}).Warn("submission differs from original without amount change")
		}
	}
	return approve, nil
}

// Reassign re-resolves the approver of an open request, for example after
// directory bindings changed.
func (e *Engine) Reassign(ctx context.Context, requestId int) (asg *Assignment, err error) {
	ctx, span := e.startSpan(ctx, "Reassign", requestId)
	defer func() { endSpan(span, err) }()

	req, err := models.GetRequest(ctx, e.DB, requestId)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return nil, fmt.Errorf("request %d is %s: %w", requestId, req.Status, ErrAlreadyFinal)
	}
	if req.IsLocked() {
		return nil, fmt.Errorf("request %d: %w", requestId, ErrLockContention)
	}
	return e.assignAndNotify(ctx, req)
}

// afterTransition runs once the transition committed. Failures are logged;
// the transition itself stands.
func (e *Engine) afterTransition(ctx context.Context, t *Transition) {
	req := t.Request
	if req.Status.IsTerminal() {
		if err := e.Reminders.Disarm(ctx, req.ID); err != nil {
			e.logError("afterTransition", req.ID, err)
		}
	} else {
		if err := e.Reminders.Arm(ctx, req.ID); err != nil {
			e.logError("afterTransition", req.ID, err)
		}
		if _, err := e.assignAndNotify(ctx, req); err != nil && !errors.Is(err, ErrNoEligibleWorkers) {
			e.logError("afterTransition", req.ID, err)
		}
	}

	for _, entry := range t.Entries {
		if entry.Action == models.LogActionReversed || entry.Action == models.LogActionDebtMarked {
			e.notifyReversal(ctx, req, entry)
		}
	}

	drained, err := e.Assignor.Drain(ctx, req.BranchId, req.BrandId)
	if err != nil {
		e.logError("afterTransition", req.ID, err)
	}
	for _, d := range drained {
		e.notifyAssignment(ctx, d.Request, d.Assignment)
	}
}

func (e *Engine) assignAndNotify(ctx context.Context, req *models.Request) (*Assignment, error) {
	asg, err := e.Assignor.Assign(ctx, req)
	if errors.Is(err, ErrNoEligibleWorkers) {
		if e.FallbackRecipient > 0 {
			stage, _ := req.Status.Stage()
			e.notify(ctx, models.Notice{
				Recipient: e.FallbackRecipient,
				Kind:      models.NoticeKindUnassigned,
				RequestId: req.ID,
				Status:    req.Status,
				Stage:     stage,
				Text:      fmt.Sprintf("Request #%d waits at %s with no eligible worker.", req.ID, stage),
				At:        time.Now().UTC(),
			})
		}
		return asg, err
	}
	if err != nil {
		return nil, err
	}
	e.notifyAssignment(ctx, req, asg)
	return asg, nil
}

func (e *Engine) notifyAssignment(ctx context.Context, req *models.Request, asg *Assignment) {
	if asg == nil || !asg.Changed || asg.Worker == nil {
		return
	}
	e.notify(ctx, models.Notice{
		Recipient: asg.Worker.ID,
		Kind:      models.NoticeKindAssignment,
		RequestId: req.ID,
		Status:    req.Status,
		Stage:     asg.Stage,
		Text:      fmt.Sprintf("Request #%d is waiting for your approval.", req.ID),
		At:        time.Now().UTC(),
	})
}

func (e *Engine) notifyReversal(ctx context.Context, req *models.Request, entry *models.ApprovalLogEntry) {
	var p ReversalPayload
	_ = json.Unmarshal([]byte(entry.Payload), &p)
	text := fmt.Sprintf("Request #%d was sent back to leader review %s: difference %s.", req.ID, p.Label, p.Divergence.TotalDelta.String())
	if entry.Action == models.LogActionDebtMarked {
		text = fmt.Sprintf("Request #%d was marked as debt: difference %s.", req.ID, p.Divergence.TotalDelta.String())
	}
	e.notify(ctx, models.Notice{
		Recipient: req.CreatedBy,
		Kind:      models.NoticeKindReversal,
		RequestId: req.ID,
		Status:    req.Status,
		Text:      text,
		At:        time.Now().UTC(),
	})
}

func (e *Engine) notify(ctx context.Context, n models.Notice) {
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.Notify(ctx, n); err != nil && e.Logger != nil {
		e.Logger.WithFields(logrus.Fields{
			"field":      "Engine",
			"request_id": n.RequestId,
			"recipient":  n.Recipient,
			"kind":       n.Kind,
		}).Warn("notify failed: " + err.Error())
	}
}

func (e *Engine) logError(funcName string, requestId int, err error) {
	if e.Logger == nil {
		return
	}
	e.Logger.WithFields(logrus.Fields{
		"field":      "Engine",
		"func":       funcName,
		"request_id": requestId,
	}).Error(err.Error())
}

// RequestSummary is the read model behind the chat card of a request.
type RequestSummary struct {
	Request       *models.Request            `json:"request"`
	ApprovedBy    []string                   `json:"approved_by"`
	ReversalCount int                        `json:"reversal_count"`
	ReversalLabel string                     `json:"reversal_label,omitempty"`
	Reminder      *ReminderTimer             `json:"reminder,omitempty"`
	Entries       []*models.ApprovalLogEntry `json:"entries"`
}

// Text renders e.g. "#12 PENDING_STAGE2 (2nd reversal), already approved by Ann, Bo".
func (s *RequestSummary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s", s.Request.ID, s.Request.Status)
	if s.ReversalLabel != "" {
		b.WriteString(" " + s.ReversalLabel)
	}
	if len(s.ApprovedBy) > 0 {
		b.WriteString(", already approved by " + strings.Join(s.ApprovedBy, ", "))
	}
	return b.String()
}

func (e *Engine) Summary(ctx context.Context, requestId int) (sum *RequestSummary, err error) {
	ctx, span := e.startSpan(ctx, "Summary", requestId)
	defer func() { endSpan(span, err) }()

	req, err := models.GetRequest(ctx, e.DB, requestId)
	if err != nil {
		return nil, err
	}
	entries, err := models.ListLogEntries(ctx, e.DB, requestId)
	if err != nil {
		return nil, err
	}
	sum = &RequestSummary{Request: req, Entries: entries}

	// Approvals before the latest reversal no longer count.
	var names []string
	for _, entry := range entries {
		switch entry.Action {
		case models.LogActionReversed:
			sum.ReversalCount++
			names = nil
		case models.LogActionApproved:
			name := entry.ActorName
			if name == "" {
				name = fmt.Sprintf("#%d", entry.ActorId)
			}
			names = append(names, name)
		}
	}
	sum.ApprovedBy = utils.UniqueSlice(names)
	sum.ReversalLabel = ReversalLabel(sum.ReversalCount)

	if sum.Reminder, err = e.Reminders.Timer(ctx, requestId); err != nil {
		return nil, err
	}
	return sum, nil
}
