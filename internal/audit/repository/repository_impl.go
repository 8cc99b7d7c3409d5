package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/tablepay/internal/audit/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Insert appends entry. Audit rows are never updated.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	if entry.Metadata == nil {
		entry.Metadata = datatypes.JSONMap{}
	}
	return db.WithContext(ctx).Create(entry).Error
}

// List returns up to filter.Limit+1 rows, newest first, so the caller can
// tell whether another page exists.
func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.AuditLog, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.AuditLog{}).
		Scopes(byRestaurant(filter), byColumns(filter), byWindow(filter), afterCursor(filter.Cursor)).
		Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	var logs []*domain.AuditLog
	if err := stmt.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func byRestaurant(filter domain.ListFilter) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		if filter.RestaurantID == 0 {
			return tx
		}
		return tx.Where("restaurant_id = ?", filter.RestaurantID)
	}
}

func byColumns(filter domain.ListFilter) func(*gorm.DB) *gorm.DB {
	equals := []struct{ column, value string }{
		{"action", filter.Action},
		{"target_type", filter.TargetType},
		{"target_id", filter.TargetID},
		{"actor_type", filter.ActorType},
	}
	return func(tx *gorm.DB) *gorm.DB {
		for _, eq := range equals {
			if value := strings.TrimSpace(eq.value); value != "" {
				tx = tx.Where(eq.column+" = ?", value)
			}
		}
		return tx
	}
}

func byWindow(filter domain.ListFilter) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		if filter.StartAt != nil {
			tx = tx.Where("created_at >= ?", filter.StartAt.UTC())
		}
		if filter.EndAt != nil {
			tx = tx.Where("created_at <= ?", filter.EndAt.UTC())
		}
		return tx
	}
}

func afterCursor(cursor *domain.AuditCursor) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		if cursor == nil {
			return tx
		}
		return tx.Where("(created_at < ? OR (created_at = ? AND id < ?))", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
}
