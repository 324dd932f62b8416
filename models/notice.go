package models

import "time"

type NoticeKind string

const (
	// NoticeKindReminder is a count-only batch of a recipient's outstanding requests.
	NoticeKindReminder   NoticeKind = "reminder"
	NoticeKindAssignment NoticeKind = "assignment"
	// NoticeKindUnassigned goes to the fallback channel when nobody is eligible.
	NoticeKindUnassigned NoticeKind = "unassigned"
	NoticeKindReversal   NoticeKind = "reversal"
)

// Notice is what the workflow hands to a Notifier. Rendering belongs to the chat layer.
type Notice struct {
	Recipient int           `json:"recipient"`
	Kind      NoticeKind    `json:"kind"`
	RequestId int           `json:"request_id,omitempty"`
	Status    RequestStatus `json:"status,omitempty"`
	Stage     Stage         `json:"stage,omitempty"`
	OpenCount int           `json:"open_count,omitempty"`
	Text      string        `json:"text,omitempty"`
	At        time.Time     `json:"at"`
}

// Outbox publish statuses for NoticeOutbox.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// NoticeOutbox holds notices until the dispatcher publishes them.
type NoticeOutbox struct {
	ID               int        `gorm:"primary_key;index:idx_notice_dispatch,priority:3" json:"id"`
	Recipient        int        `gorm:"not null;index" json:"recipient"`
	Kind             NoticeKind `gorm:"size:20;not null" json:"kind"`
	RequestId        int        `gorm:"index" json:"request_id"`
	Body             []byte     `gorm:"type:blob" json:"body"`
	PublishStatus    string     `gorm:"size:20;not null;default:'PENDING';index:idx_notice_dispatch,priority:1" json:"publish_status"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index:idx_notice_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	PublishedAt      *time.Time `json:"published_at"`
	MessageId        *string    `gorm:"size:255" json:"message_id"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
