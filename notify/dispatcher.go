package notify

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Dispatcher publishes queued notices. Several dispatchers may poll the same
// table: a row is claimed with a conditional update, so only one of them
// publishes it. Rows stuck in PROCESSING are reclaimed after LockTimeout.
type Dispatcher struct {
	DB           *gorm.DB
	Publisher    Publisher
	Logger       *logrus.Logger
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	Now            func() time.Time
}

func NewDispatcher(db *gorm.DB, publisher Publisher, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		DB:             db,
		Publisher:      publisher,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce publishes one batch and returns how many rows it sent.
func (d *Dispatcher) DispatchOnce(ctx context.Context) int {
	if d.DB == nil || d.Publisher == nil {
		return 0
	}
	now := d.now()
	staleBefore := now.Add(-d.LockTimeout)

	var candidates []models.NoticeOutbox
	err := d.DB.WithContext(ctx).
		Where(`
			(publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
			OR
			(publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?)
		`, []string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}, now, models.OutboxPublishStatusProcessing, staleBefore).
		Order("id ASC").
		Limit(d.BatchSize).
		Find(&candidates).Error
	if err != nil {
		d.logError(0, "DispatchOnce", err)
		return 0
	}

	sent := 0
	for _, rec := range candidates {
		if d.MaxAttempts > 0 && rec.PublishAttempts >= d.MaxAttempts {
			d.markDead(ctx, rec.ID, fmt.Sprintf("max publish attempts exceeded (%d)", d.MaxAttempts))
			continue
		}
		claimed, err := d.claim(ctx, rec, now, staleBefore)
		if err != nil {
			d.logError(rec.ID, "claim", err)
			continue
		}
		if !claimed {
			continue
		}
		attempt := rec.PublishAttempts + 1
		msgId, pubErr := d.Publisher.Publish(ctx, rec)
		if pubErr != nil {
			d.markFailed(ctx, rec.ID, pubErr, attempt)
			continue
		}
		d.markSent(ctx, rec.ID, msgId)
		sent++
	}
	return sent
}

// claim moves the row to PROCESSING unless another dispatcher got there first.
func (d *Dispatcher) claim(ctx context.Context, rec models.NoticeOutbox, now, staleBefore time.Time) (bool, error) {
	q := d.DB.WithContext(ctx).Model(&models.NoticeOutbox{}).
		Where("id = ? AND publish_status = ? AND publish_attempts = ?", rec.ID, rec.PublishStatus, rec.PublishAttempts)
	if rec.PublishStatus == models.OutboxPublishStatusProcessing {
		q = q.Where("locked_at <= ?", staleBefore)
	}
	res := q.Updates(map[string]interface{}{
		"publish_status":     models.OutboxPublishStatusProcessing,
		"locked_at":          &now,
		"locked_by":          &d.DispatcherID,
		"publish_attempts":   gorm.Expr("publish_attempts + 1"),
		"last_publish_error": nil,
		"next_attempt_at":    nil,
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (d *Dispatcher) markSent(ctx context.Context, id int, msgId string) {
	now := d.now()
	err := d.DB.WithContext(ctx).Model(&models.NoticeOutbox{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"publish_status":  models.OutboxPublishStatusSent,
			"published_at":    &now,
			"message_id":      &msgId,
			"locked_at":       nil,
			"locked_by":       nil,
			"next_attempt_at": nil,
		}).Error
	if err != nil {
		d.logError(id, "markSent", err)
	}
}

func (d *Dispatcher) markDead(ctx context.Context, id int, msg string) {
	err := d.DB.WithContext(ctx).Model(&models.NoticeOutbox{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusDead,
			"last_publish_error": &msg,
			"next_attempt_at":    nil,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error
	if err != nil {
		d.logError(id, "markDead", err)
	}
}

func (d *Dispatcher) markFailed(ctx context.Context, id int, err error, attempt int) {
	msg := err.Error()
	if d.MaxAttempts > 0 && attempt >= d.MaxAttempts {
		d.markDead(ctx, id, msg)
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":     "Dispatcher",
				"record_id": id,
				"attempt":   attempt,
			}).Error("notice moved to DEAD after max attempts: " + msg)
		}
		return
	}

	next := d.now().Add(Backoff(d.InitialBackoff, attempt))
	uerr := d.DB.WithContext(ctx).Model(&models.NoticeOutbox{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusFailed,
			"last_publish_error": &msg,
			"next_attempt_at":    &next,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error
	if uerr != nil {
		d.logError(id, "markFailed", uerr)
	}
	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":           "Dispatcher",
			"record_id":       id,
			"attempt":         attempt,
			"next_attempt_at": next.Format(time.RFC3339Nano),
		}).Error("notice publish failed: " + msg)
	}
}

// Backoff doubles initial per attempt, capped at ten minutes.
func Backoff(initial time.Duration, attempt int) time.Duration {
	backoff := initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return backoff
}

func (d *Dispatcher) logError(id int, funcName string, err error) {
	if d.Logger == nil {
		return
	}
	d.Logger.WithFields(logrus.Fields{
		"field":     "Dispatcher",
		"func":      funcName,
		"record_id": id,
	}).Error(err.Error())
}
