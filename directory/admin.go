package directory

import (
	"context"
	"errors"
	"strings"

	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func CreateWorker(ctx context.Context, db *gorm.DB, name string) (*models.Worker, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("worker name is required")
	}
	active := true
	w := models.Worker{Name: name, IsActive: &active}
	if err := db.WithContext(ctx).Create(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

func SetWorkerActive(ctx context.Context, db *gorm.DB, workerId int, active bool) error {
	return db.WithContext(ctx).Model(&models.Worker{}).
		Where("id = ?", workerId).
		Update("is_active", active).Error
}

// BindBranch is idempotent: binding twice keeps one row.
func BindBranch(ctx context.Context, db *gorm.DB, workerId int, stage models.Stage, branchId int) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.WorkerBranchBinding{WorkerId: workerId, Stage: stage, BranchId: branchId}).Error
}

func BindBrand(ctx context.Context, db *gorm.DB, workerId int, stage models.Stage, brandId int) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.WorkerBrandBinding{WorkerId: workerId, Stage: stage, BrandId: brandId}).Error
}

func GrantStage(ctx context.Context, db *gorm.DB, workerId int, stage models.Stage) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.WorkerStageGrant{WorkerId: workerId, Stage: stage}).Error
}

func RevokeBranch(ctx context.Context, db *gorm.DB, workerId int, stage models.Stage, branchId int) error {
	return db.WithContext(ctx).
		Where("worker_id = ? AND stage = ? AND branch_id = ?", workerId, stage, branchId).
		Delete(&models.WorkerBranchBinding{}).Error
}

func AddCheckpoint(ctx context.Context, db *gorm.DB, brandId, level int) error {
	if level != 1 && level != 2 {
		return errors.New("supervisor level must be 1 or 2")
	}
	active := true
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.SupervisorCheckpoint{BrandId: brandId, Level: level, IsActive: &active}).Error
}
