package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// LockManager is the per-request mutual exclusion shared by every request handler.
//
// The lock lives on the request row and is taken with a conditional update
// (compare-and-swap), so it holds across goroutines and across processes.
// There is no expiry: a holder that crashes leaves the request locked until
// someone runs cmd/request-unlock.
type LockManager struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Now    func() time.Time
}

func NewLockManager(db *gorm.DB, logger *logrus.Logger) *LockManager {
	return &LockManager{DB: db, Logger: logger}
}

func (m *LockManager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// Lock is a held request lock. Token identifies this particular acquisition.
type Lock struct {
	RequestId int
	HolderId  int
	Token     string
	At        time.Time
}

// TryAcquire takes the lock when it is free or already held by actorId.
// It returns (nil, nil) when somebody else holds it.
func (m *LockManager) TryAcquire(ctx context.Context, requestId, actorId int) (*Lock, error) {
	lock := &Lock{
		RequestId: requestId,
		HolderId:  actorId,
		Token:     uuid.NewString(),
		At:        m.now(),
	}
	res := m.DB.WithContext(ctx).Model(&models.Request{}).
		Where("id = ? AND (lock_holder_id IS NULL OR lock_holder_id = ?)", requestId, actorId).
		Updates(map[string]interface{}{
			"lock_holder_id": actorId,
			"lock_token":     lock.Token,
			"locked_at":      lock.At,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return lock, nil
}

// Release clears the lock only if it is still this acquisition's. A transition
// clears the lock itself on commit, after which another actor may already hold a
// fresh one.
func (m *LockManager) Release(ctx context.Context, lock *Lock) error {
	return m.DB.WithContext(ctx).Model(&models.Request{}).
		Where("id = ? AND lock_token = ?", lock.RequestId, lock.Token).
		Updates(lockClearedValues()).Error
}

// ForceRelease clears whatever lock the request carries. It backs the manual
// unlock tool for holders that died mid-transition.
func (m *LockManager) ForceRelease(ctx context.Context, requestId int) (bool, error) {
	res := m.DB.WithContext(ctx).Model(&models.Request{}).
		Where("id = ? AND lock_holder_id IS NOT NULL", requestId).
		Updates(lockClearedValues())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// releaseQuietly runs on the deferred path; the caller's context may already be done.
func (m *LockManager) releaseQuietly(ctx context.Context, lock *Lock) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := m.Release(ctx, lock); err != nil && m.Logger != nil {
		m.Logger.WithFields(logrus.Fields{
			"field":      "LockManager",
			"request_id": lock.RequestId,
		}).Error("failed to release request lock: " + err.Error())
	}
}

// Holder reports who holds the lock, if anyone.
func (m *LockManager) Holder(ctx context.Context, requestId int) (*Lock, error) {
	req, err := models.GetRequest(ctx, m.DB, requestId)
	if err != nil {
		return nil, err
	}
	if req.LockHolderId == nil {
		return nil, nil
	}
	l := &Lock{RequestId: req.ID, HolderId: *req.LockHolderId}
	if req.LockToken != nil {
		l.Token = *req.LockToken
	}
	if req.LockedAt != nil {
		l.At = *req.LockedAt
	}
	return l, nil
}

func lockClearedValues() map[string]interface{} {
	return map[string]interface{}{
		"lock_holder_id": nil,
		"lock_token":     nil,
		"locked_at":      nil,
	}
}
