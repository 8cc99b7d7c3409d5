package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tablepay/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ActorType string

const (
	ActorTypeUser      ActorType = "user"
	ActorTypeSystem    ActorType = "system"
	ActorTypeScheduler ActorType = "scheduler"
	ActorTypeGateway   ActorType = "gateway"
)

// AuditLog is one append-only record of a ledger state change.
type AuditLog struct {
	ID           snowflake.ID      `json:"id" gorm:"primaryKey"`
	RestaurantID *snowflake.ID     `json:"restaurant_id,omitempty" gorm:"column:restaurant_id"`
	ActorType    string            `json:"actor_type"`
	ActorID      *string           `json:"actor_id,omitempty"`
	Action       string            `json:"action"`
	TargetType   string            `json:"target_type"`
	TargetID     *string           `json:"target_id,omitempty"`
	Metadata     datatypes.JSONMap `json:"metadata"`
	IPAddress    *string           `json:"ip_address,omitempty"`
	UserAgent    *string           `json:"user_agent,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	RestaurantID snowflake.ID
	Action       string
	TargetType   string
	TargetID     string
	ActorType    string
	StartAt      *time.Time
	EndAt        *time.Time
	Cursor       *AuditCursor
	Limit        int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}

type ListAuditLogRequest struct {
	pagination.Pagination
	Action     string     `form:"action"`
	TargetType string     `form:"target_type"`
	TargetID   string     `form:"target_id"`
	ActorType  string     `form:"actor_type"`
	StartAt    *time.Time `form:"start_at" time_format:"2006-01-02T15:04:05Z07:00"`
	EndAt      *time.Time `form:"end_at" time_format:"2006-01-02T15:04:05Z07:00"`
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

// Service writes audit records. Callers treat a write failure as non-fatal
// once the ledger change itself has committed.
type Service interface {
	AuditLog(ctx context.Context, restaurantID *snowflake.ID, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

var (
	ErrInvalidRestaurant = errors.New("invalid_restaurant")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	ErrInvalidTimeRange    = errors.New("invalid_time_range")
	ErrInvalidAction       = errors.New("invalid_action")
)
