package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/clearance_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SnapshotRow is one line of a reconciliation dataset. Key is stable across
// resubmissions (item code, invoice number, ...), position is not.
type SnapshotRow struct {
	Key      string          `json:"key" validate:"required"`
	Label    string          `json:"label"`
	Quantity decimal.Decimal `json:"quantity"`
	Amount   decimal.Decimal `json:"amount"`
}

type Snapshot struct {
	Rows []SnapshotRow `json:"rows" validate:"dive"`
}

func (s Snapshot) Total() decimal.Decimal {
	total := decimal.Zero
	for _, r := range s.Rows {
		total = total.Add(r.Amount)
	}
	return total
}

func (s Snapshot) Validate() error {
	if err := utils.ValidateStruct(&s); err != nil {
		return err
	}
	return nil
}

// RequestSnapshot stores the original (expected) dataset of a request.
type RequestSnapshot struct {
	ID        int             `gorm:"primary_key" json:"id"`
	RequestId int             `gorm:"uniqueIndex;not null" json:"request_id"`
	Snapshot  Snapshot        `gorm:"serializer:json;type:text" json:"snapshot"`
	Total     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"total"`
	Source    string          `gorm:"size:255" json:"source"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

var ErrSnapshotNotFound = errors.New("snapshot not found")

func GetRequestSnapshot(ctx context.Context, db *gorm.DB, requestId int) (*RequestSnapshot, error) {
	var rs RequestSnapshot
	err := db.WithContext(ctx).Where("request_id = ?", requestId).First(&rs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

// SaveRequestSnapshot inserts or replaces the original snapshot of a request.
func SaveRequestSnapshot(ctx context.Context, db *gorm.DB, requestId int, snap Snapshot, source string) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	rs := RequestSnapshot{
		RequestId: requestId,
		Snapshot:  snap,
		Total:     snap.Total(),
		Source:    source,
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"snapshot", "total", "source", "updated_at"}),
	}).Create(&rs).Error
}
