// Package testutil provides a throwaway sqlite-backed GORM database and
// fixtures for package tests.
package testutil

import (
	"context"
	"fmt"
	"testing"

	"bitbucket.org/mmdatafocus/clearance_backend/config"
	"bitbucket.org/mmdatafocus/clearance_backend/directory"
	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDB returns a migrated in-memory database private to the test.
//
// The pool is pinned to one connection: goroutines racing on the store
// serialize per statement, the way row locks serialize them on MySQL.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Use(config.NewAppendOnlyPlugin(config.AppendOnlyTables...)))
	require.NoError(t, models.MigrateTable(db))
	return db
}

// Worker creates an active worker.
func Worker(t testing.TB, db *gorm.DB, name string) models.WorkerRef {
	t.Helper()
	w, err := directory.CreateWorker(context.Background(), db, name)
	require.NoError(t, err)
	return w.Ref()
}

func BindBranch(t testing.TB, db *gorm.DB, w models.WorkerRef, stage models.Stage, branchId int) {
	t.Helper()
	require.NoError(t, directory.BindBranch(context.Background(), db, w.ID, stage, branchId))
}

func BindBrand(t testing.TB, db *gorm.DB, w models.WorkerRef, stage models.Stage, brandId int) {
	t.Helper()
	require.NoError(t, directory.BindBrand(context.Background(), db, w.ID, stage, brandId))
}

func Grant(t testing.TB, db *gorm.DB, w models.WorkerRef, stage models.Stage) {
	t.Helper()
	require.NoError(t, directory.GrantStage(context.Background(), db, w.ID, stage))
}

// Request inserts a request directly at status, bypassing the engine.
func Request(t testing.TB, db *gorm.DB, typ models.RequestType, status models.RequestStatus, branchId, brandId int) *models.Request {
	t.Helper()
	req := &models.Request{
		Uid:       uuid.NewString(),
		Type:      typ,
		BranchId:  branchId,
		BrandId:   brandId,
		Status:    status,
		CreatedBy: 1,
	}
	if stage, ok := status.Stage(); ok {
		req.CurrentStage = &stage
	}
	require.NoError(t, db.Create(req).Error)
	return req
}
