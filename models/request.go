package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/clearance_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrRequestNotFound = errors.New("request not found")

// Request is one debt clearance case routed through the approval pipeline.
type Request struct {
	ID                int             `gorm:"primary_key" json:"id"`
	Uid               string          `gorm:"size:36;not null;uniqueIndex" json:"uid"`
	Type              RequestType     `gorm:"size:10;not null" json:"type"`
	BranchId          int             `gorm:"not null;index:idx_request_branch,priority:1" json:"branch_id"`
	BrandId           int             `gorm:"not null;index:idx_request_brand,priority:1" json:"brand_id"`
	UnitId            int             `gorm:"index" json:"unit_id"`
	Amount            decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Status            RequestStatus   `gorm:"size:40;not null;index;index:idx_request_branch,priority:2;index:idx_request_brand,priority:2" json:"status"`
	CurrentApproverId *int            `gorm:"index" json:"current_approver_id"`
	CurrentStage      *Stage          `gorm:"size:20" json:"current_stage"`
	AssignedAt        *time.Time      `json:"assigned_at"`
	LockHolderId      *int            `json:"lock_holder_id"`
	LockToken         *string         `gorm:"size:36" json:"-"`
	LockedAt          *time.Time      `json:"locked_at"`
	Submitted         *Snapshot       `gorm:"serializer:json;type:text" json:"submitted"`
	SubmittedTotal    decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"submitted_total"`
	Note              string          `gorm:"type:text" json:"note"`
	CreatedBy         int             `gorm:"not null" json:"created_by"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewRequest struct {
	Type      RequestType     `json:"type" validate:"required,oneof=NORMAL SET"`
	BranchId  int             `json:"branch_id" validate:"required,gt=0"`
	BrandId   int             `json:"brand_id" validate:"required,gt=0"`
	UnitId    int             `json:"unit_id"`
	Amount    decimal.Decimal `json:"amount"`
	Note      string          `json:"note" validate:"max=2000"`
	CreatedBy int             `json:"created_by" validate:"required,gt=0"`
	Original  *Snapshot       `json:"original"`
}

// InitialStatus is where a freshly created request starts.
func (t RequestType) InitialStatus() RequestStatus {
	if t == RequestTypeSet {
		return RequestStatusPendingLeaderReview
	}
	return RequestStatusPendingStage1
}

// IsLocked reports whether some actor is mid-transition on the request.
func (r *Request) IsLocked() bool {
	return r.LockHolderId != nil
}

// ScopeFilter selects the open requests at stage in r's branch, or in its
// brand for brand-bound stages.
func (r *Request) ScopeFilter(stage Stage) RequestFilter {
	f := RequestFilter{Stage: &stage}
	if stage.BindsToBranch() {
		f.BranchId = r.BranchId
	} else {
		f.BrandId = r.BrandId
	}
	return f
}

func GetRequest(ctx context.Context, db *gorm.DB, id int) (*Request, error) {
	var r Request
	err := db.WithContext(ctx).Where("id = ?", id).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRequest validates input and inserts the request at its initial status.
// Original is not stored here; it belongs to the SnapshotStore.
func CreateRequest(ctx context.Context, db *gorm.DB, input *NewRequest) (*Request, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	status := input.Type.InitialStatus()
	stage, _ := status.Stage()
	req := Request{
		Uid:          uuid.NewString(),
		Type:         input.Type,
		BranchId:     input.BranchId,
		BrandId:      input.BrandId,
		UnitId:       input.UnitId,
		Amount:       input.Amount,
		Status:       status,
		CurrentStage: &stage,
		Note:         input.Note,
		CreatedBy:    input.CreatedBy,
	}
	if err := db.WithContext(ctx).Create(&req).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

// RequestFilter narrows open-request queries used by reminder batching and queue draining.
type RequestFilter struct {
	Stage      *Stage
	BranchId   int
	BrandId    int
	ApproverId *int
	Unassigned bool
}

func (f RequestFilter) apply(q *gorm.DB) *gorm.DB {
	q = q.Where("status IN ?", OpenStatuses)
	if f.Stage != nil {
		q = q.Where("current_stage = ?", *f.Stage)
	}
	if f.BranchId > 0 {
		q = q.Where("branch_id = ?", f.BranchId)
	}
	if f.BrandId > 0 {
		q = q.Where("brand_id = ?", f.BrandId)
	}
	if f.ApproverId != nil {
		q = q.Where("current_approver_id = ?", *f.ApproverId)
	}
	if f.Unassigned {
		q = q.Where("current_approver_id IS NULL")
	}
	return q
}

func ListOpenRequests(ctx context.Context, db *gorm.DB, f RequestFilter) ([]*Request, error) {
	var out []*Request
	err := f.apply(db.WithContext(ctx).Model(&Request{})).Order("id ASC").Find(&out).Error
	return out, err
}

func CountOpenRequests(ctx context.Context, db *gorm.DB, f RequestFilter) (int64, error) {
	var n int64
	err := f.apply(db.WithContext(ctx).Model(&Request{})).Count(&n).Error
	return n, err
}

// AssignApprover sets the current approver when the request still sits at the
// stage it was resolved for and nobody holds its lock. It reports whether the
// row changed hands.
func AssignApprover(ctx context.Context, db *gorm.DB, req *Request, stage Stage, worker *WorkerRef) (bool, error) {
	now := time.Now().UTC()
	values := map[string]interface{}{
		"current_approver_id": nil,
		"assigned_at":         nil,
	}
	if worker != nil {
		values["current_approver_id"] = worker.ID
		values["assigned_at"] = &now
	}
	var assigned bool
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Request{}).
			Where("id = ? AND status = ? AND current_stage = ? AND lock_holder_id IS NULL", req.ID, req.Status, stage).
			Updates(values)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		assigned = true
		if worker == nil {
			return nil
		}
		return tx.Create(&AssignmentRecord{
			RequestId:  req.ID,
			WorkerId:   worker.ID,
			Stage:      stage,
			BranchId:   req.BranchId,
			BrandId:    req.BrandId,
			AssignedAt: now,
		}).Error
	})
	if err != nil {
		return false, err
	}
	if assigned {
		if worker != nil {
			req.CurrentApproverId = &worker.ID
			req.AssignedAt = &now
		} else {
			req.CurrentApproverId = nil
			req.AssignedAt = nil
		}
	}
	return assigned, nil
}
