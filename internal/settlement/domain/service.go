package domain

import (
	"context"
	"io"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListRequest struct {
	From   string `form:"from"`
	To     string `form:"to"`
	Status string `form:"status"`
}

type Statement struct {
	FileName string
	Content  io.Reader
}

// Service aggregates payments into daily settlements. Methods taking a *gorm.DB
// run inside the caller's transaction.
type Service interface {
	BusinessDate(t time.Time) string
	RecordSuccess(ctx context.Context, tx *gorm.DB, restaurantID snowflake.ID, businessDate string, items []SuccessItem) (int, error)
	Rollback(ctx context.Context, tx *gorm.DB, items []RollbackItem, incrementRefunds bool) error
	RecordDiscount(ctx context.Context, tx *gorm.DB, restaurantID snowflake.ID, businessDate string, amount int64) error

	GetDaily(ctx context.Context, businessDate string) (*Settlement, error)
	List(ctx context.Context, req ListRequest) ([]Settlement, error)
	RecordCashCount(ctx context.Context, businessDate string, counted int64) (*Settlement, error)
	CloseDay(ctx context.Context, businessDate string) (*Settlement, error)
	ClosePastDays(ctx context.Context, limit int) (int, error)
	Verify(ctx context.Context, restaurantID snowflake.ID, businessDate string) (*VerifyResult, error)
	Statement(ctx context.Context, businessDate string) (*Statement, error)
}
