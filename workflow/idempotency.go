package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"gorm.io/gorm"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// withIdempotency runs create inside one transaction together with the
// idempotency row. A replay of a committed key returns the request created the
// first time; create is not run again.
func withIdempotency(ctx context.Context, db *gorm.DB, scope, operation, key string, create func(tx *gorm.DB) (*models.Request, error)) (*models.Request, bool, error) {
	var created *models.Request
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.IdempotencyKey{
			Scope:     scope,
			Operation: operation,
			IdemKey:   key,
			Status:    models.IdempotencyStatusStarted,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		req, err := create(tx)
		if err != nil {
			return err
		}
		created = req
		return tx.Model(&models.IdempotencyKey{}).
			Where("id = ?", row.ID).
			Updates(map[string]interface{}{
				"status":     models.IdempotencyStatusSucceeded,
				"request_id": req.ID,
			}).Error
	})
	if err == nil {
		return created, false, nil
	}
	if !models.IsDuplicateKeyErr(err) {
		return nil, false, err
	}

	existing, gerr := models.GetIdempotencyKey(ctx, db, scope, operation, key)
	if gerr != nil {
		return nil, false, gerr
	}
	if existing.Status != models.IdempotencyStatusSucceeded || existing.RequestId == 0 {
		return nil, false, ErrIdempotencyInProgress
	}
	req, gerr := models.GetRequest(ctx, db, existing.RequestId)
	if gerr != nil {
		return nil, false, fmt.Errorf("idempotent replay of %s: %w", key, gerr)
	}
	return req, true, nil
}
