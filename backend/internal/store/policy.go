package store

import (
	"context"
	"errors"
	"time"

	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"syncServer/backend/internal/gate"
)

// Document 文档元数据（外部 CRUD 服务写入，这里只读）。
type Document struct {
	ID        string `gorm:"primaryKey;size:64"`
	OwnerID   uint64
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Document) TableName() string { return "documents" }

// DocumentPermission (user, document) -> 授权级别。
type DocumentPermission struct {
	DocumentID string `gorm:"primaryKey;size:64"`
	UserID     uint64 `gorm:"primaryKey"`
	Level      string `gorm:"size:16"` // "read" | "write"
}

func (DocumentPermission) TableName() string { return "document_permissions" }

// GormPolicy 基于 MySQL 的 gate.Policy 实现：owner 恒为 write，其余查授权表。
type GormPolicy struct{ db *gorm.DB }

func NewGormPolicy(db *gorm.DB) *GormPolicy {
	return &GormPolicy{db: db}
}

// OpenGorm 在同一个 DSN 上打开 gorm 会话（与 database/sql 的状态存储共用库）。
func OpenGorm(dsn string) (*gorm.DB, error) {
	return gorm.Open(gormmysql.Open(dsn), &gorm.Config{})
}

func (p *GormPolicy) PermissionFor(ctx context.Context, userID uint64, documentID string) (gate.Permission, error) {
	var doc Document
	err := p.db.WithContext(ctx).Select("id", "owner_id").First(&doc, "id = ?", documentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return gate.PermissionNone, nil
		}
		return gate.PermissionNone, err
	}
	if doc.OwnerID == userID {
		return gate.PermissionWrite, nil
	}

	var perm DocumentPermission
	err = p.db.WithContext(ctx).First(&perm, "document_id = ? AND user_id = ?", documentID, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return gate.PermissionNone, nil
		}
		return gate.PermissionNone, err
	}
	switch perm.Level {
	case "write":
		return gate.PermissionWrite, nil
	case "read":
		return gate.PermissionRead, nil
	default:
		return gate.PermissionNone, nil
	}
}
