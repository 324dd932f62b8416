package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrAuditImmutable = errors.New("approval log entries are immutable")

// ApprovalLogEntry is the append-only audit trail of a request.
type ApprovalLogEntry struct {
	ID         int           `gorm:"primary_key" json:"id"`
	RequestId  int           `gorm:"not null;index:idx_log_request_action,priority:1" json:"request_id"`
	ActorId    int           `gorm:"not null;index" json:"actor_id"`
	ActorName  string        `gorm:"size:100" json:"actor_name"`
	Action     LogAction     `gorm:"size:20;not null;index:idx_log_request_action,priority:2" json:"action"`
	Stage      Stage         `gorm:"size:20" json:"stage"`
	FromStatus RequestStatus `gorm:"size:40;not null" json:"from_status"`
	ToStatus   RequestStatus `gorm:"size:40;not null" json:"to_status"`
	Payload    string        `gorm:"type:text" json:"payload"`
	CreatedAt  time.Time     `gorm:"autoCreateTime" json:"created_at"`
}

func (e *ApprovalLogEntry) BeforeUpdate(tx *gorm.DB) error {
	return ErrAuditImmutable
}

func (e *ApprovalLogEntry) BeforeDelete(tx *gorm.DB) error {
	return ErrAuditImmutable
}

// SetPayload stores v as the JSON payload snapshot of the entry.
func (e *ApprovalLogEntry) SetPayload(v interface{}) error {
	if v == nil {
		e.Payload = ""
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.Payload = string(b)
	return nil
}

func AppendLogEntries(tx *gorm.DB, entries []*ApprovalLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return tx.Create(entries).Error
}

func ListLogEntries(ctx context.Context, db *gorm.DB, requestId int) ([]*ApprovalLogEntry, error) {
	var out []*ApprovalLogEntry
	err := db.WithContext(ctx).
		Where("request_id = ?", requestId).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

func CountLogEntries(ctx context.Context, db *gorm.DB, requestId int, action LogAction) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&ApprovalLogEntry{}).
		Where("request_id = ? AND action = ?", requestId, action).
		Count(&n).Error
	return n, err
}

// AssignmentRecord is the append-only history of approver assignments.
type AssignmentRecord struct {
	ID         int       `gorm:"primary_key" json:"id"`
	RequestId  int       `gorm:"not null;index" json:"request_id"`
	WorkerId   int       `gorm:"not null;index:idx_assign_worker_stage,priority:1" json:"worker_id"`
	Stage      Stage     `gorm:"size:20;not null;index:idx_assign_worker_stage,priority:2" json:"stage"`
	BranchId   int       `gorm:"not null" json:"branch_id"`
	BrandId    int       `gorm:"not null" json:"brand_id"`
	AssignedAt time.Time `gorm:"not null;index" json:"assigned_at"`
}

// LastAssignmentSeq returns, per worker, the id of their latest assignment at stage.
// Ids grow monotonically, so a lower value means assigned longer ago.
// Workers never assigned at the stage are absent from the map.
func LastAssignmentSeq(ctx context.Context, db *gorm.DB, stage Stage, workerIds []int) (map[int]int, error) {
	out := make(map[int]int, len(workerIds))
	if len(workerIds) == 0 {
		return out, nil
	}
	var rows []struct {
		WorkerId int
		LastId   int
	}
	err := db.WithContext(ctx).Model(&AssignmentRecord{}).
		Select("worker_id, MAX(id) AS last_id").
		Where("stage = ? AND worker_id IN ?", stage, workerIds).
		Group("worker_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.WorkerId] = r.LastId
	}
	return out, nil
}
