package testutil

import (
	"errors"
	"testing"

	"gorm.io/gorm"

	fieldaudit "github.com/dimagi/field-audit"
)

// AssertAuditError checks that err is an *AuditError with the expected code.
func AssertAuditError(t *testing.T, err error, expectedCode string) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected AuditError with code %q, got nil", expectedCode)
	}

	var auditErr *fieldaudit.AuditError
	if !errors.As(err, &auditErr) {
		t.Fatalf("expected *AuditError, got %T: %v", err, err)
	}

	if auditErr.Code != expectedCode {
		t.Errorf("expected error code %q, got %q (message: %s)", expectedCode, auditErr.Code, auditErr.Message)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// CountEvents returns the number of audit events currently stored.
func CountEvents(t *testing.T, db *gorm.DB) int64 {
	t.Helper()

	var count int64
	if err := db.Model(&fieldaudit.AuditEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count audit events: %v", err)
	}
	return count
}
