package models

import (
	"gorm.io/gorm"
)

// AllModels lists every table owned by this service, in creation order.
func AllModels() []interface{} {
	return []interface{}{
		&Request{}, &ApprovalLogEntry{}, &AssignmentRecord{}, &RequestSnapshot{},
		&Worker{}, &WorkerBranchBinding{}, &WorkerBrandBinding{}, &WorkerStageGrant{}, &SupervisorCheckpoint{},
		&NoticeOutbox{}, &IdempotencyKey{},
	}
}

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}
