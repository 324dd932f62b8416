package models

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
)

// IdempotencyKey makes client retries of a create safe.
// Unique constraint: (scope, operation, idem_key).
type IdempotencyKey struct {
	ID        int               `gorm:"primary_key" json:"id"`
	Scope     string            `gorm:"size:64;not null;index:uniq_idem,unique" json:"scope"`
	Operation string            `gorm:"size:100;not null;index:uniq_idem,unique" json:"operation"`
	IdemKey   string            `gorm:"size:255;not null;index:uniq_idem,unique" json:"idem_key"`
	Status    IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	RequestId int               `gorm:"not null;default:0" json:"request_id"`
	CreatedAt time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsDuplicateKeyErr recognizes unique violations from MySQL and from drivers
// whose errors GORM translates.
func IsDuplicateKeyErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func GetIdempotencyKey(ctx context.Context, db *gorm.DB, scope, operation, key string) (*IdempotencyKey, error) {
	var k IdempotencyKey
	err := db.WithContext(ctx).
		Where("scope = ? AND operation = ? AND idem_key = ?", scope, operation, key).
		First(&k).Error
	if err != nil {
		return nil, err
	}
	return &k, nil
}
