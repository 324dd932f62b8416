package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ReminderScheduler nags approvers about requests that sit in an open status.
//
// Each open request has at most one timer. Every interval the timer fires one
// tick: each recipient gets a single count-only notice covering all of their
// outstanding requests, unless they were already reminded within the interval.
// A timer disarms itself after MaxCount ticks or once the request leaves the
// open statuses. Firing never changes a request's status.
type ReminderScheduler struct {
	DB       *gorm.DB
	State    SchedulerState
	Assignor *ApproverAssignor
	Notifier Notifier
	// Locker serializes Poll across replicas sharing a Redis state. Nil skips it.
	Locker *redislock.Client
	Logger *logrus.Logger
	Now    func() time.Time

	Interval     time.Duration
	MaxCount     int
	PollInterval time.Duration
	// DedupWindow defaults to Interval. Poll jitter can make two ticks land a
	// little closer than Interval, so production shortens it by PollInterval.
	DedupWindow time.Duration
}

func NewReminderScheduler(db *gorm.DB, state SchedulerState, assignor *ApproverAssignor, notifier Notifier, logger *logrus.Logger) *ReminderScheduler {
	return &ReminderScheduler{
		DB:           db,
		State:        state,
		Assignor:     assignor,
		Notifier:     notifier,
		Logger:       logger,
		Interval:     15 * time.Minute,
		MaxCount:     3,
		PollInterval: 30 * time.Second,
	}
}

const reminderPollLockKey = "lock:clearance:reminder-poll"

func (s *ReminderScheduler) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *ReminderScheduler) dedupWindow() time.Duration {
	if s.DedupWindow > 0 {
		return s.DedupWindow
	}
	return s.Interval
}

// Arm (re)starts the request's timer with a zero fire count.
func (s *ReminderScheduler) Arm(ctx context.Context, requestId int) error {
	now := s.now()
	return s.State.SaveTimer(ctx, &ReminderTimer{
		RequestId: requestId,
		NextFire:  now.Add(s.Interval),
		MaxCount:  s.MaxCount,
		ArmedAt:   now,
		ArmId:     uuid.NewString(),
	})
}

// Disarm stops the request's timer. Disarming an unarmed request is a no-op.
func (s *ReminderScheduler) Disarm(ctx context.Context, requestId int) error {
	existed, err := s.State.DeleteTimer(ctx, requestId)
	if err != nil {
		return err
	}
	if existed && s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":      "ReminderScheduler",
			"request_id": requestId,
		}).Debug("reminder disarmed")
	}
	return nil
}

// Timer returns the request's armed timer, nil when unarmed.
func (s *ReminderScheduler) Timer(ctx context.Context, requestId int) (*ReminderTimer, error) {
	return s.State.LoadTimer(ctx, requestId)
}

// ArmOpen arms every open request that has no timer yet. Run it at startup
// when the state does not outlive the process.
func (s *ReminderScheduler) ArmOpen(ctx context.Context) (int, error) {
	open, err := models.ListOpenRequests(ctx, s.DB, models.RequestFilter{})
	if err != nil {
		return 0, err
	}
	armed := 0
	for _, r := range open {
		t, err := s.State.LoadTimer(ctx, r.ID)
		if err != nil {
			return armed, err
		}
		if t != nil {
			continue
		}
		if err := s.Arm(ctx, r.ID); err != nil {
			return armed, err
		}
		armed++
	}
	return armed, nil
}

// CheckAndFire runs one tick for the request if its timer is due. It reports
// whether a tick fired. A timer re-armed or disarmed while the tick ran is
// left as the transition wrote it.
func (s *ReminderScheduler) CheckAndFire(ctx context.Context, requestId int) (bool, error) {
	t, err := s.State.LoadTimer(ctx, requestId)
	if err != nil || t == nil {
		return false, err
	}
	req, err := models.GetRequest(ctx, s.DB, requestId)
	if errors.Is(err, models.ErrRequestNotFound) {
		return false, s.Disarm(ctx, requestId)
	}
	if err != nil {
		return false, err
	}
	if t.FiredCount >= t.MaxCount || !req.Status.IsOpen() {
		return false, s.replace(ctx, t.ArmId, requestId, nil)
	}
	now := s.now()
	if now.Before(t.NextFire) {
		return false, nil
	}

	recipients, err := s.Assignor.Recipients(ctx, req)
	if err != nil {
		return false, err
	}
	for _, r := range recipients {
		if err := s.remind(ctx, req, r, now); err != nil {
			s.logError(req.ID, "remind", err)
		}
	}

	next := *t
	next.FiredCount++
	next.NextFire = t.NextFire.Add(s.Interval)
	if !next.NextFire.After(now) {
		next.NextFire = now.Add(s.Interval)
	}
	if next.FiredCount >= next.MaxCount {
		return true, s.replace(ctx, t.ArmId, requestId, nil)
	}
	return true, s.replace(ctx, t.ArmId, requestId, &next)
}

func (s *ReminderScheduler) replace(ctx context.Context, armId string, requestId int, next *ReminderTimer) error {
	swapped, err := s.State.ReplaceTimer(ctx, requestId, armId, next)
	if err != nil {
		return err
	}
	if !swapped && s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":      "ReminderScheduler",
			"request_id": requestId,
		}).Debug("timer changed during tick; keeping the newer one")
	}
	return nil
}

func (s *ReminderScheduler) remind(ctx context.Context, req *models.Request, recipient models.WorkerRef, now time.Time) error {
	last, ok, err := s.State.LastNotified(ctx, recipient.ID)
	if err != nil {
		return err
	}
	if ok && now.Sub(last) < s.dedupWindow() {
		return nil
	}
	n, err := s.outstandingFor(ctx, req, recipient.ID)
	if err != nil {
		return err
	}
	stage, _ := req.Status.Stage()
	notice := models.Notice{
		Recipient: recipient.ID,
		Kind:      models.NoticeKindReminder,
		RequestId: req.ID,
		Status:    req.Status,
		Stage:     stage,
		OpenCount: n,
		Text:      fmt.Sprintf("You have %d request(s) waiting for your approval.", n),
		At:        now,
	}
	if err := s.Notifier.Notify(ctx, notice); err != nil {
		return err
	}
	return s.State.MarkNotified(ctx, recipient.ID, now, s.Interval)
}

// outstandingFor counts the recipient's assigned open requests plus, for a
// group reminder, the unassigned requests waiting in the same stage and scope.
func (s *ReminderScheduler) outstandingFor(ctx context.Context, req *models.Request, recipient int) (int, error) {
	n, err := s.Assignor.Directory.OpenAssignmentCount(ctx, recipient)
	if err != nil {
		return 0, err
	}
	if req.CurrentApproverId == nil {
		stage, _ := req.Status.Stage()
		f := req.ScopeFilter(stage)
		f.Unassigned = true
		parked, err := models.CountOpenRequests(ctx, s.DB, f)
		if err != nil {
			return 0, err
		}
		n += int(parked)
	}
	if n < 1 {
		n = 1
	}
	return n, nil
}

// Poll fires every due timer once.
func (s *ReminderScheduler) Poll(ctx context.Context) {
	if s.Locker != nil {
		lock, err := s.Locker.Obtain(ctx, reminderPollLockKey, s.PollInterval, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return
		}
		if err != nil {
			s.logError(0, "Poll", err)
		} else {
			defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()
		}
	}

	ids, err := s.State.DueTimers(ctx, s.now())
	if err != nil {
		s.logError(0, "Poll", err)
		return
	}
	for _, id := range ids {
		if _, err := s.CheckAndFire(ctx, id); err != nil {
			s.logError(id, "CheckAndFire", err)
		}
	}
}

// Run polls until ctx is done.
func (s *ReminderScheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.PollInterval):
		}
	}
}

func (s *ReminderScheduler) logError(requestId int, funcName string, err error) {
	if s.Logger == nil {
		return
	}
	s.Logger.WithFields(logrus.Fields{
		"field":      "ReminderScheduler",
		"func":       funcName,
		"request_id": requestId,
	}).Error(err.Error())
}
