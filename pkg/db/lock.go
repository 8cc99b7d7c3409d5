package db

import "gorm.io/gorm"

// ForUpdate appends a row lock clause on dialects that support it.
// SQLite serializes writers at the database level and rejects FOR UPDATE.
func ForUpdate(tx *gorm.DB, query string) string {
	if supportsRowLocks(tx) {
		return query + " FOR UPDATE"
	}
	return query
}

// ForUpdateSkipLocked is ForUpdate for batch claims where contended rows are left to other workers.
func ForUpdateSkipLocked(tx *gorm.DB, query string) string {
	if supportsRowLocks(tx) {
		return query + " FOR UPDATE SKIP LOCKED"
	}
	return query
}

func supportsRowLocks(tx *gorm.DB) bool {
	return tx != nil && tx.Dialector != nil && tx.Dialector.Name() == "postgres"
}
