package directory

import (
	"context"

	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"gorm.io/gorm"
)

// BranchSource reads per-branch bindings; only branch-bound stages use it.
type BranchSource struct {
	DB *gorm.DB
}

func (s *BranchSource) Name() string { return "branch_bindings" }

func (s *BranchSource) WorkerIds(ctx context.Context, stage models.Stage, branchId, brandId int) ([]int, error) {
	if !stage.BindsToBranch() || branchId <= 0 {
		return nil, nil
	}
	var ids []int
	err := s.DB.WithContext(ctx).Model(&models.WorkerBranchBinding{}).
		Where("stage = ? AND branch_id = ?", stage, branchId).
		Order("worker_id ASC").
		Pluck("worker_id", &ids).Error
	return ids, err
}

// BrandSource reads per-brand bindings for every stage that is not branch-bound.
type BrandSource struct {
	DB *gorm.DB
}

func (s *BrandSource) Name() string { return "brand_bindings" }

func (s *BrandSource) WorkerIds(ctx context.Context, stage models.Stage, branchId, brandId int) ([]int, error) {
	if stage.BindsToBranch() || brandId <= 0 {
		return nil, nil
	}
	var ids []int
	err := s.DB.WithContext(ctx).Model(&models.WorkerBrandBinding{}).
		Where("stage = ? AND brand_id = ?", stage, brandId).
		Order("worker_id ASC").
		Pluck("worker_id", &ids).Error
	return ids, err
}

// GrantSource reads "handles all" grants.
type GrantSource struct {
	DB *gorm.DB
}

func (s *GrantSource) Name() string { return "stage_grants" }

func (s *GrantSource) WorkerIds(ctx context.Context, stage models.Stage, branchId, brandId int) ([]int, error) {
	var ids []int
	err := s.DB.WithContext(ctx).Model(&models.WorkerStageGrant{}).
		Where("stage = ?", stage).
		Order("worker_id ASC").
		Pluck("worker_id", &ids).Error
	return ids, err
}
