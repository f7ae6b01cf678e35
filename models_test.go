package fieldaudit_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"gorm.io/gorm"

	fieldaudit "github.com/dimagi/field-audit"
)

// Flight is the basic audited model used across tests.
type Flight struct {
	ID          uint `gorm:"primaryKey"`
	Tail        string
	Destination string
	DepartedAt  *time.Time
	Crew        []CrewMember `gorm:"many2many:flight_crew"`
}

// CrewMember is the association target for Flight.Crew.
type CrewMember struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

// Aircraft opts into special (bulk) write auditing.
type Aircraft struct {
	ID       uint `gorm:"primaryKey"`
	Tail     string
	Grounded bool
}

// AuditedBulkWrites marks Aircraft's bulk entry points as audit-aware.
func (Aircraft) AuditedBulkWrites() {}

// staticAuditor resolves a fixed change context, keeping tests independent of
// the process environment.
type staticAuditor struct {
	changeContext map[string]any
}

func (a staticAuditor) ChangeContext(context.Context) map[string]any {
	return a.changeContext
}

func testConfig() fieldaudit.Config {
	return fieldaudit.Config{
		Auditors: []fieldaudit.Auditor{
			staticAuditor{changeContext: map[string]any{
				"user_type": fieldaudit.UserTypeProcess,
				"username":  "testrunner",
			}},
		},
	}
}

// newFlightPlugin returns a plugin with Flight registered on Tail,
// Destination, and the Crew association.
func newFlightPlugin(t *testing.T) *fieldaudit.Plugin {
	t.Helper()
	plugin := fieldaudit.New(testConfig())
	if err := plugin.Register(&Flight{}, []string{"Tail", "Destination", "Crew"}); err != nil {
		t.Fatalf("failed to register Flight: %v", err)
	}
	return plugin
}

// newAircraftPlugin returns a plugin with Aircraft registered for special
// writes on Tail and Grounded.
func newAircraftPlugin(t *testing.T) *fieldaudit.Plugin {
	t.Helper()
	plugin := fieldaudit.New(testConfig())
	err := plugin.Register(&Aircraft{}, []string{"Tail", "Grounded"}, fieldaudit.WithSpecialWrites())
	if err != nil {
		t.Fatalf("failed to register Aircraft: %v", err)
	}
	return plugin
}

// allEvents returns every stored audit event ordered by insertion. The id
// tiebreak matters: ids are only time-ordered across milliseconds, and test
// events land closer together than that.
func allEvents(t *testing.T, db *gorm.DB) []fieldaudit.AuditEvent {
	t.Helper()
	var events []fieldaudit.AuditEvent
	if err := db.Order("event_date, id").Find(&events).Error; err != nil {
		t.Fatalf("failed to load audit events: %v", err)
	}
	return events
}

// lastEvent returns the most recently inserted audit event.
func lastEvent(t *testing.T, db *gorm.DB) fieldaudit.AuditEvent {
	t.Helper()
	events := allEvents(t, db)
	if len(events) == 0 {
		t.Fatal("expected at least one audit event")
	}
	return events[len(events)-1]
}

func assertDiffNew(t *testing.T, diff fieldaudit.FieldDiff, want any) {
	t.Helper()
	if !diff.NewSet {
		t.Fatal("expected \"new\" to be recorded")
	}
	if diff.OldSet {
		t.Errorf("expected \"old\" to be absent, got %v", diff.Old)
	}
	if !equalJSON(diff.New, want) {
		t.Errorf("expected new value %v, got %v", want, diff.New)
	}
}

func assertDiffOld(t *testing.T, diff fieldaudit.FieldDiff, want any) {
	t.Helper()
	if !diff.OldSet {
		t.Fatal("expected \"old\" to be recorded")
	}
	if diff.NewSet {
		t.Errorf("expected \"new\" to be absent, got %v", diff.New)
	}
	if !equalJSON(diff.Old, want) {
		t.Errorf("expected old value %v, got %v", want, diff.Old)
	}
}

func assertDiffChange(t *testing.T, diff fieldaudit.FieldDiff, wantOld, wantNew any) {
	t.Helper()
	if !diff.OldSet || !diff.NewSet {
		t.Fatalf("expected both old and new to be recorded, got %+v", diff)
	}
	if !equalJSON(diff.Old, wantOld) {
		t.Errorf("expected old value %v, got %v", wantOld, diff.Old)
	}
	if !equalJSON(diff.New, wantNew) {
		t.Errorf("expected new value %v, got %v", wantNew, diff.New)
	}
}

// equalJSON compares values by their JSON form, smoothing over numeric type
// differences between in-memory values and values read back from SQLite.
func equalJSON(a, b any) bool {
	aJSON, errA := json.Marshal(a)
	bJSON, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(aJSON) == string(bJSON)
}
