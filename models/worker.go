package models

import "time"

// WorkerRef identifies a human approver. The workflow never owns worker records;
// it only passes references around.
type WorkerRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Worker is owned by the directory tables below.
type Worker struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	ChatId    string    `gorm:"size:100;index" json:"chat_id"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (w Worker) Ref() WorkerRef {
	return WorkerRef{ID: w.ID, Name: w.Name}
}

// WorkerBranchBinding grants a worker a stage for one branch.
type WorkerBranchBinding struct {
	ID        int       `gorm:"primary_key" json:"id"`
	WorkerId  int       `gorm:"not null;uniqueIndex:uniq_worker_branch_stage" json:"worker_id"`
	Stage     Stage     `gorm:"size:20;not null;uniqueIndex:uniq_worker_branch_stage;index:idx_branch_stage,priority:2" json:"stage"`
	BranchId  int       `gorm:"not null;uniqueIndex:uniq_worker_branch_stage;index:idx_branch_stage,priority:1" json:"branch_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// WorkerBrandBinding grants a worker a stage for one brand.
type WorkerBrandBinding struct {
	ID        int       `gorm:"primary_key" json:"id"`
	WorkerId  int       `gorm:"not null;uniqueIndex:uniq_worker_brand_stage" json:"worker_id"`
	Stage     Stage     `gorm:"size:20;not null;uniqueIndex:uniq_worker_brand_stage;index:idx_brand_stage,priority:2" json:"stage"`
	BrandId   int       `gorm:"not null;uniqueIndex:uniq_worker_brand_stage;index:idx_brand_stage,priority:1" json:"brand_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// WorkerStageGrant is a "handles all" grant: the worker is eligible for the
// stage regardless of branch or brand.
type WorkerStageGrant struct {
	ID        int       `gorm:"primary_key" json:"id"`
	WorkerId  int       `gorm:"not null;uniqueIndex:uniq_worker_stage" json:"worker_id"`
	Stage     Stage     `gorm:"size:20;not null;uniqueIndex:uniq_worker_stage" json:"stage"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// SupervisorCheckpoint inserts a supervisor level for one brand (BrandId 0 = every brand).
type SupervisorCheckpoint struct {
	ID        int       `gorm:"primary_key" json:"id"`
	BrandId   int       `gorm:"not null;uniqueIndex:uniq_brand_level" json:"brand_id"`
	Level     int       `gorm:"not null;uniqueIndex:uniq_brand_level" json:"level"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
