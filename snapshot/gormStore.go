// Package snapshot stores and loads the original reconciliation dataset of a
// request.
package snapshot

import (
	"context"

	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"gorm.io/gorm"
)

// GormStore keeps originals in the request_snapshots table.
type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

func (s *GormStore) LoadOriginal(ctx context.Context, requestId int) (models.Snapshot, error) {
	rs, err := models.GetRequestSnapshot(ctx, s.DB, requestId)
	if err != nil {
		return models.Snapshot{}, err
	}
	return rs.Snapshot, nil
}

func (s *GormStore) SaveOriginal(ctx context.Context, requestId int, snap models.Snapshot, source string) error {
	return models.SaveRequestSnapshot(ctx, s.DB, requestId, snap, source)
}

// SaveOriginalTx writes the original with tx so it commits with the request row.
func (s *GormStore) SaveOriginalTx(ctx context.Context, tx *gorm.DB, requestId int, snap models.Snapshot, source string) error {
	return models.SaveRequestSnapshot(ctx, tx, requestId, snap, source)
}
