// Package testutil provides test helpers for setting up in-memory databases
// with the audit plugin installed and making assertions on audit errors.
package testutil

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	fieldaudit "github.com/dimagi/field-audit"
)

// SetupTestDB creates an in-memory SQLite database with the audit_events
// table and the given models migrated, and the plugin installed when one is
// provided.
func SetupTestDB(t *testing.T, plugin *fieldaudit.Plugin, models ...any) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	if plugin != nil {
		if err := db.Use(plugin); err != nil {
			t.Fatalf("failed to install audit plugin: %v", err)
		}
	}

	migrate := append([]any{&fieldaudit.AuditEvent{}}, models...)
	if err := db.AutoMigrate(migrate...); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return db
}

// TeardownTestDB closes the underlying database connection.
func TeardownTestDB(t *testing.T, db *gorm.DB) {
	t.Helper()

	sqlDB, err := db.DB()
	if err != nil {
		t.Errorf("failed to get underlying DB for teardown: %v", err)
		return
	}
	if err := sqlDB.Close(); err != nil {
		t.Errorf("failed to close test database: %v", err)
	}
}
