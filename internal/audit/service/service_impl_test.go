package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/tablepay/internal/audit/domain"
	"github.com/smallbiznis/tablepay/internal/audit/repository"
	auditcontext "github.com/smallbiznis/tablepay/internal/auditcontext"
	"github.com/smallbiznis/tablepay/internal/clock"
	"github.com/smallbiznis/tablepay/internal/orgcontext"
	"github.com/smallbiznis/tablepay/internal/testutil"
	"github.com/smallbiznis/tablepay/pkg/db/pagination"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupAuditTest(t *testing.T) (*Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	db := testutil.OpenDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testutil.Node(t),
		Repo:  repository.Provide(),
		Clock: clk,
	}).(*Service)
	return svc, db, clk
}

func TestAuditLogResolvesContextAndMasksSecrets(t *testing.T) {
	svc, db, _ := setupAuditTest(t)

	ctx := orgcontext.WithRestaurantID(context.Background(), snowflake.ID(42))
	ctx = auditcontext.WithActor(ctx, "user", "ops-7")
	ctx = auditcontext.WithRequestID(ctx, "req-1")

	targetID := "99"
	err := svc.AuditLog(ctx, nil, "", nil, "payout.mark_paid", "revenue_share", &targetID, map[string]any{
		"transfer_reference": "utr_1234567890",
		"amount":             int64(500),
	})
	require.NoError(t, err)

	var stored auditdomain.AuditLog
	require.NoError(t, db.First(&stored).Error)
	require.NotNil(t, stored.RestaurantID)
	require.Equal(t, snowflake.ID(42), *stored.RestaurantID)
	require.Equal(t, "user", stored.ActorType)
	require.Equal(t, "ops-7", *stored.ActorID)
	require.Equal(t, "utr_****7890", stored.Metadata["transfer_reference"])
	require.Equal(t, "req-1", stored.Metadata["request_id"])
}

func TestAuditLogRejectsEmptyAction(t *testing.T) {
	svc, _, _ := setupAuditTest(t)
	err := svc.AuditLog(context.Background(), nil, "", nil, " ", "bill", nil, nil)
	require.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	svc, _, clk := setupAuditTest(t)
	ctx := orgcontext.WithRestaurantID(context.Background(), snowflake.ID(7))

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.AuditLog(ctx, nil, "system", nil, fmt.Sprintf("bill.step_%d", i), "bill", nil, nil))
		clk.Advance(time.Minute)
	}
	other := orgcontext.WithRestaurantID(context.Background(), snowflake.ID(8))
	require.NoError(t, svc.AuditLog(other, nil, "system", nil, "bill.close", "bill", nil, nil))

	req := auditdomain.ListAuditLogRequest{}
	req.PageSize = 2
	first, err := svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 2)
	require.True(t, first.HasMore)
	require.Equal(t, "bill.step_2", first.AuditLogs[0].Action)

	req.PageToken = first.NextPageToken
	second, err := svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, second.AuditLogs, 1)
	require.False(t, second.HasMore)
	require.Equal(t, "bill.step_0", second.AuditLogs[0].Action)
}

func TestListRequiresRestaurant(t *testing.T) {
	svc, _, _ := setupAuditTest(t)
	_, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	require.ErrorIs(t, err, auditdomain.ErrInvalidRestaurant)

	_, err = svc.List(orgcontext.WithRestaurantID(context.Background(), 1), auditdomain.ListAuditLogRequest{Pagination: pagination.Pagination{PageToken: "%%%"}})
	require.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)
}
