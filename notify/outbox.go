package notify

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"bitbucket.org/mmdatafocus/clearance_backend/utils"
	"gorm.io/gorm"
)

// OutboxNotifier queues notices in notice_outboxes for the Dispatcher.
type OutboxNotifier struct {
	DB *gorm.DB
}

func NewOutboxNotifier(db *gorm.DB) *OutboxNotifier {
	return &OutboxNotifier{DB: db}
}

func (n *OutboxNotifier) Notify(ctx context.Context, notice models.Notice) error {
	if notice.At.IsZero() {
		notice.At = time.Now().UTC()
	}
	body, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	rec := models.NoticeOutbox{
		Recipient:     notice.Recipient,
		Kind:          notice.Kind,
		RequestId:     notice.RequestId,
		Body:          body,
		PublishStatus: models.OutboxPublishStatusPending,
		CorrelationId: correlationId,
	}
	return n.DB.WithContext(ctx).Create(&rec).Error
}
