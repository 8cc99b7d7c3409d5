package migration

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestSQLiteStatementsSkipComments(t *testing.T) {
	stmts := SQLiteStatements()
	require.NotEmpty(t, stmts)
	for _, stmt := range stmts {
		require.False(t, strings.HasPrefix(stmt, "--"))
	}
}

func TestApplySQLiteSchemaIsRepeatable(t *testing.T) {
	dsn := fmt.Sprintf("file:migration_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, ApplySQLiteSchema(conn))
	require.NoError(t, ApplySQLiteSchema(conn))

	for _, table := range []string{"bills", "payments", "refunds", "settlements", "revenue_shares", "gateway_events", "audit_logs"} {
		require.True(t, conn.Migrator().HasTable(table), table)
	}

	require.NoError(t, conn.Exec(`INSERT INTO settlements (id, restaurant_id, business_date, created_at, updated_at) VALUES (1, 7, '2024-01-01', ?, ?)`, time.Now(), time.Now()).Error)
	err = conn.Exec(`INSERT INTO settlements (id, restaurant_id, business_date, created_at, updated_at) VALUES (2, 7, '2024-01-01', ?, ?)`, time.Now(), time.Now()).Error
	require.Error(t, err)
}

func TestApplySQLiteSchemaRejectsNil(t *testing.T) {
	require.Error(t, ApplySQLiteSchema(nil))
}
