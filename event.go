package fieldaudit

import (
	"time"

	"gorm.io/gorm"

	"github.com/dimagi/field-audit/internal/uuid"
)

// nowUTC is the timezone-aware clock used for event timestamps. Overridable
// in tests.
var nowUTC = func() time.Time { return time.Now().UTC() }

// AuditEvent is one immutable audit record. Exactly one event is written per
// audited operation (or one per row for bulk and bootstrap operations),
// inserted in the same transaction as the write it documents. The library
// provides no update or delete path for events.
//
// Events reference their subject by class path and primary key value rather
// than by foreign key, so a deleted row's audit trail remains queryable.
type AuditEvent struct {
	ID              string         `gorm:"type:uuid;primaryKey" json:"id"`
	EventDate       time.Time      `gorm:"index;not null" json:"event_date"`
	ObjectClassPath string         `gorm:"size:255;index;not null" json:"object_class_path"`
	ObjectPK        string         `gorm:"column:object_pk;index" json:"object_pk"`
	ChangeContext   map[string]any `gorm:"serializer:json;type:text;not null" json:"change_context"`
	IsCreate        bool           `gorm:"not null;default:false" json:"is_create"`
	IsDelete        bool           `gorm:"not null;default:false;check:chk_audit_events_create_delete,NOT (is_create AND is_delete)" json:"is_delete"`
	IsBootstrap     bool           `gorm:"not null;default:false" json:"is_bootstrap"`
	Delta           Delta          `gorm:"serializer:json;type:text;not null" json:"delta"`
}

// TableName implements the GORM table name convention.
func (AuditEvent) TableName() string { return "audit_events" }

// BeforeCreate assigns a time-ordered ID and the event timestamp.
func (e *AuditEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New()
	}
	if e.EventDate.IsZero() {
		e.EventDate = nowUTC()
	}
	return nil
}

// EventQueries provides convenience queries over the audit trail, the
// counterpart of a model manager. The returned *gorm.DB values are ordinary
// query builders and compose with further conditions.
type EventQueries struct {
	db *gorm.DB
}

// Events returns query helpers for audit events on db.
func Events(db *gorm.DB) *EventQueries {
	return &EventQueries{db: db}
}

// ByClassPath scopes to events for one audited type.
func (q *EventQueries) ByClassPath(classPath string) *gorm.DB {
	return q.db.Model(&AuditEvent{}).Where("object_class_path = ?", classPath)
}

// ForObject scopes to the full trail of a single instance, including events
// recorded before the instance was deleted.
func (q *EventQueries) ForObject(classPath string, pk any) (*gorm.DB, error) {
	encoded, err := encodePK(DefaultEncoder{}, pk)
	if err != nil {
		return nil, err
	}
	return q.ByClassPath(classPath).Where("object_pk = ?", encoded), nil
}

// CreatesAndBootstraps scopes to initial-state events (creation or bootstrap
// markers) for one audited type. Used by bootstrap top-up gap detection.
func (q *EventQueries) CreatesAndBootstraps(classPath string) *gorm.DB {
	return q.ByClassPath(classPath).Where("is_create OR is_bootstrap")
}

// ByTypeAndUsername scopes to events whose change context carries the given
// user type and username. JSON key lookup syntax differs per dialect.
func (q *EventQueries) ByTypeAndUsername(userType, username string) *gorm.DB {
	if q.db.Dialector.Name() == "postgres" {
		return q.db.Model(&AuditEvent{}).
			Where("change_context->>'user_type' = ? AND change_context->>'username' = ?", userType, username)
	}
	return q.db.Model(&AuditEvent{}).
		Where("json_extract(change_context, '$.user_type') = ? AND json_extract(change_context, '$.username') = ?", userType, username)
}

// ByRequestUser scopes to events attributed to an authenticated request user.
func (q *EventQueries) ByRequestUser(username string) *gorm.DB {
	return q.ByTypeAndUsername(UserTypeRequest, username)
}

// ByTTYUser scopes to events attributed to a login session owner.
func (q *EventQueries) ByTTYUser(username string) *gorm.DB {
	return q.ByTypeAndUsername(UserTypeTTY, username)
}

// ByProcessUser scopes to events attributed to the process owner.
func (q *EventQueries) ByProcessUser(username string) *gorm.DB {
	return q.ByTypeAndUsername(UserTypeProcess, username)
}

// BySystemUser scopes to events attributed to either system-level user type.
func (q *EventQueries) BySystemUser(username string) *gorm.DB {
	if q.db.Dialector.Name() == "postgres" {
		return q.db.Model(&AuditEvent{}).
			Where("change_context->>'user_type' IN ? AND change_context->>'username' = ?",
				[]string{UserTypeTTY, UserTypeProcess}, username)
	}
	return q.db.Model(&AuditEvent{}).
		Where("json_extract(change_context, '$.user_type') IN ? AND json_extract(change_context, '$.username') = ?",
			[]string{UserTypeTTY, UserTypeProcess}, username)
}
