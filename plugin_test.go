package fieldaudit_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"gorm.io/gorm"

	fieldaudit "github.com/dimagi/field-audit"
	"github.com/dimagi/field-audit/internal/testutil"
)

func TestAuditCreate(t *testing.T) {
	t.Run("single_instance", func(t *testing.T) {
		plugin := newFlightPlugin(t)
		db := testutil.SetupTestDB(t, plugin, &Flight{}, &CrewMember{})
		defer testutil.TeardownTestDB(t, db)

		flight := Flight{Tail: "N100", Destination: "SFO"}
		testutil.AssertNoError(t, db.Create(&flight).Error)

		event := lastEvent(t, db)
		if !event.IsCreate || event.IsDelete || event.IsBootstrap {
			t.Errorf("expected a create event, got %+v", event)
		}
		if len(event.Delta) != 3 {
			t.Fatalf("expected all three audited fields in delta, got %v", event.Delta)
		}
		assertDiffNew(t, event.Delta["Tail"], "N100")
		assertDiffNew(t, event.Delta["Destination"], "SFO")
		assertDiffNew(t, event.Delta["Crew"], []any{})
	})

	t.Run("primary_key_reconciled", func(t *testing.T) {
		plugin := newFlightPlugin(t)
		db := testutil.SetupTestDB(t, plugin, &Flight{}, &CrewMember{})
		defer testutil.TeardownTestDB(t, db)

		flight := Flight{Tail: "N100"}
		testutil.AssertNoError(t, db.Create(&flight).Error)

		event := lastEvent(t, db)
		if event.ObjectPK != "1" {
			t.Errorf("expected object_pk 1, got %q", event.ObjectPK)
		}
	})

	t.Run("change_context_recorded", func(t *testing.T) {
		plugin := newFlightPlugin(t)
		db := testutil.SetupTestDB(t, plugin, &Flight{}, &CrewMember{})
		defer testutil.TeardownTestDB(t, db)

		testutil.AssertNoError(t, db.Create(&Flight{Tail: "N100"}).Error)

		event := lastEvent(t, db)
		if event.ChangeContext["username"] != "testrunner" {
			t.Errorf("expected change context username testrunner, got %v", event.ChangeContext)
		}
	})

	t.Run("unregistered_model_skipped", func(t *testing.T) {
		plugin := newFlightPlugin(t)
		db := testutil.SetupTestDB(t, plugin, &Flight{}, &CrewMember{})
		defer testutil.TeardownTestDB(t, db)

		testutil.AssertNoError(t, db.Create(&CrewMember{Name: "Ada"}).Error)

		if count := testutil.CountEvents(t, db); count != 0 {
			t.Errorf("expected no audit events for unregistered model, got %d", count)
		}
	})
}

func TestAuditUpdate(t *testing.T) {
	t.Run("only_changed_fields", func(t *testing.T) {
		plugin := newFlightPlugin(t)
		db := testutil.SetupTestDB(t, plugin, &Flight{}, &CrewMember{})
		defer testutil.TeardownTestDB(t, db)

		flight := Flight{Tail: "N100", Destination: "SFO"}
		testutil.AssertNoError(t, db.Create(&flight).Error)

		flight.Tail = "N200"
		testutil.AssertNoError(t, db.Save(&flight).Error)

		event := lastEvent(t, db)
		if event.IsCreate || event.IsDelete {
			t.Errorf("expected a plain update event, got %+v", event)
		}
		if len(event.Delta) != 1 {
			t.Fatalf("expected only the changed field in delta, got %v", event.Delta)
		}
		assertDiffChange(t, event.Delta["Tail"], "N100", "N200")
	})

	t.Run("map_updates", func(t *testing.T) {
		plugin := newFlightPlugin(t)
		db := testutil.SetupTestDB(t, plugin, &Flight{}, &CrewMember{})
		defer testutil.TeardownTestDB(t, db)

		flight := Flight{Tail: "N100", Destination: "SFO"}
		testutil.AssertNoError(t, db.Create(&flight).Error)

		err := db.Model(&flight).Updates(map[string]any{"Destination": "LAX"}).Error
		testutil.AssertNoError(t, err)

		event := lastEvent(t, db)
		if len(event.Delta) != 1 {
			t.Fatalf("expected only Destination in delta, got %v", event.Delta)
		}
		assertDiffChange(t, event.Delta["Destination"], "SFO", "LAX")
	})

	t.Run("noop_save_still_recorded", func(t *testing.T) {
		plugin := newFlightPlugin(t)
		db := testutil.SetupTestDB(t, plugin, &Flight{}, &CrewMember{})
		defer testutil.TeardownTestDB(t, db)

		flight := Flight{Tail: "N100"}
		testutil.AssertNoError(t, db.Create(&flight).Error)
		testutil.AssertNoError(t, db.Save(&flight).Error)

		events := allEvents(t, db)
		if len(events) != 2 {
			t.Fatalf("expected create plus empty update event, got %d", len(events))
		}
		if len(events[1].Delta) != 0 {
			t.Errorf("expected empty delta for no-op save, got %v", events[1].Delta)
		}
	})

	t.Run("noop_save_skipped_when_configured", func(t *testing.T) {
		cfg := testConfig()
		cfg.SkipEmptySaves = true
		plugin := fieldaudit.New(cfg)
		testutil.AssertNoError(t, plugin.Register(&Flight{}, []string{"Tail"}))
		db := testutil.SetupTestDB(t, plugin, &Flight{}, &CrewMember{})
		defer testutil.TeardownTestDB(t, db)

		flight := Flight{Tail: "N100"}
		testutil.AssertNoError(t, db.Create(&flight).Error)
		testutil.AssertNoError(t, db.Save(&flight).Error)

		if count := testutil.CountEvents(t, db); count != 1 {
			t.Errorf("expected only the create event, got %d", count)
		}
	})
}

func TestAuditDelete(t *testing.T) {
	plugin := newFlightPlugin(t)
	db := testutil.SetupTestDB(t, plugin, &Flight{}, &CrewMember{})
	defer testutil.TeardownTestDB(t, db)

	flight := Flight{Tail: "N100", Destination: "SFO"}
	testutil.AssertNoError(t, db.Create(&flight).Error)
	testutil.AssertNoError(t, db.Delete(&flight).Error)

	event := lastEvent(t, db)
	if !event.IsDelete || event.IsCreate {
		t.Fatalf("expected a delete event, got %+v", event)
	}
	assertDiffOld(t, event.Delta["Tail"], "N100")
	assertDiffOld(t, event.Delta["Destination"], "SFO")
	if event.ObjectPK != "1" {
		t.Errorf("expected object_pk to survive deletion, got %q", event.ObjectPK)
	}
}

func TestAuditTrailSurvivesDeletion(t *testing.T) {
	plugin := newFlightPlugin(t)
	db := testutil.SetupTestDB(t, plugin, &Flight{}, &CrewMember{})
	defer testutil.TeardownTestDB(t, db)

	flight := Flight{Tail: "N100"}
	testutil.AssertNoError(t, db.Create(&flight).Error)
	testutil.AssertNoError(t, db.Delete(&flight).Error)

	reg := plugin.Registry().LookupModel(&Flight{})
	query, err := fieldaudit.Events(db).ForObject(reg.ClassPath, flight.ID)
	testutil.AssertNoError(t, err)

	var count int64
	testutil.AssertNoError(t, query.Count(&count).Error)
	if count != 2 {
		t.Errorf("expected create and delete events to remain queryable, got %d", count)
	}
}

// failingService aborts every create audit, simulating a persistence failure
// of the audit insert.
type failingService struct {
	fieldaudit.Service
}

var errAuditBoom = errors.New("audit insert failed")

func (s failingService) AuditCreate(*gorm.DB, *fieldaudit.Registration, reflect.Value) error {
	return errAuditBoom
}

func TestAtomicity(t *testing.T) {
	cfg := testConfig()
	base := fieldaudit.New(cfg)
	cfg.Service = failingService{Service: base.Service()}
	plugin := fieldaudit.New(cfg)
	testutil.AssertNoError(t, plugin.Register(&Flight{}, []string{"Tail"}))
	db := testutil.SetupTestDB(t, plugin, &Flight{}, &CrewMember{})
	defer testutil.TeardownTestDB(t, db)

	err := db.Create(&Flight{Tail: "N100"}).Error
	if !errors.Is(err, errAuditBoom) {
		t.Fatalf("expected the audit failure to propagate, got %v", err)
	}

	var flights int64
	testutil.AssertNoError(t, db.Model(&Flight{}).Count(&flights).Error)
	if flights != 0 {
		t.Errorf("expected the business write to roll back, found %d rows", flights)
	}
	if count := testutil.CountEvents(t, db); count != 0 {
		t.Errorf("expected no audit events, got %d", count)
	}
}

// failingUpdateService aborts every update audit, leaving creates intact.
type failingUpdateService struct {
	fieldaudit.Service
}

var errUpdateAuditBoom = errors.New("update audit insert failed")

func (s failingUpdateService) AuditUpdate(*gorm.DB, *fieldaudit.Registration, any, map[string]any, map[string]any) error {
	return errUpdateAuditBoom
}

func TestAtomicityOnUpdate(t *testing.T) {
	cfg := testConfig()
	base := fieldaudit.New(cfg)
	cfg.Service = failingUpdateService{Service: base.Service()}
	plugin := fieldaudit.New(cfg)
	testutil.AssertNoError(t, plugin.Register(&Flight{}, []string{"Tail"}))
	db := testutil.SetupTestDB(t, plugin, &Flight{}, &CrewMember{})
	defer testutil.TeardownTestDB(t, db)

	flight := Flight{Tail: "N100"}
	testutil.AssertNoError(t, db.Create(&flight).Error)

	flight.Tail = "N200"
	err := db.Save(&flight).Error
	if !errors.Is(err, errUpdateAuditBoom) {
		t.Fatalf("expected the audit failure to propagate, got %v", err)
	}

	var stored Flight
	testutil.AssertNoError(t, db.First(&stored, flight.ID).Error)
	if stored.Tail != "N100" {
		t.Errorf("expected the update rolled back, stored tail %q", stored.Tail)
	}
}

// failingDeleteService aborts every delete audit, leaving other writes intact.
type failingDeleteService struct {
	fieldaudit.Service
}

var errDeleteAuditBoom = errors.New("delete audit insert failed")

func (s failingDeleteService) AuditDelete(*gorm.DB, *fieldaudit.Registration, any, map[string]any) error {
	return errDeleteAuditBoom
}

func TestAtomicityOnDelete(t *testing.T) {
	cfg := testConfig()
	base := fieldaudit.New(cfg)
	cfg.Service = failingDeleteService{Service: base.Service()}
	plugin := fieldaudit.New(cfg)
	testutil.AssertNoError(t, plugin.Register(&Flight{}, []string{"Tail"}))
	db := testutil.SetupTestDB(t, plugin, &Flight{}, &CrewMember{})
	defer testutil.TeardownTestDB(t, db)

	flight := Flight{Tail: "N100"}
	testutil.AssertNoError(t, db.Create(&flight).Error)

	err := db.Delete(&flight).Error
	if !errors.Is(err, errDeleteAuditBoom) {
		t.Fatalf("expected the audit failure to propagate, got %v", err)
	}

	var flights int64
	testutil.AssertNoError(t, db.Model(&Flight{}).Count(&flights).Error)
	if flights != 1 {
		t.Errorf("expected the delete rolled back, found %d rows", flights)
	}
}

func TestAuditDisabled(t *testing.T) {
	t.Run("config_disabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.Disabled = true
		plugin := fieldaudit.New(cfg)
		testutil.AssertNoError(t, plugin.Register(&Flight{}, []string{"Tail"}))
		db := testutil.SetupTestDB(t, plugin, &Flight{}, &CrewMember{})
		defer testutil.TeardownTestDB(t, db)

		testutil.AssertNoError(t, db.Create(&Flight{Tail: "N100"}).Error)

		if count := testutil.CountEvents(t, db); count != 0 {
			t.Errorf("expected no events while disabled, got %d", count)
		}
	})

	t.Run("context_disable_overrides", func(t *testing.T) {
		plugin := newFlightPlugin(t)
		db := testutil.SetupTestDB(t, plugin, &Flight{}, &CrewMember{})
		defer testutil.TeardownTestDB(t, db)

		ctx := fieldaudit.WithAuditDisabled(context.Background())
		testutil.AssertNoError(t, db.WithContext(ctx).Create(&Flight{Tail: "N100"}).Error)

		if count := testutil.CountEvents(t, db); count != 0 {
			t.Errorf("expected no events for disabled context, got %d", count)
		}
	})

	t.Run("context_enable_overrides", func(t *testing.T) {
		cfg := testConfig()
		cfg.Disabled = true
		plugin := fieldaudit.New(cfg)
		testutil.AssertNoError(t, plugin.Register(&Flight{}, []string{"Tail"}))
		db := testutil.SetupTestDB(t, plugin, &Flight{}, &CrewMember{})
		defer testutil.TeardownTestDB(t, db)

		ctx := fieldaudit.WithAuditEnabled(context.Background())
		testutil.AssertNoError(t, db.WithContext(ctx).Create(&Flight{Tail: "N100"}).Error)

		if count := testutil.CountEvents(t, db); count != 1 {
			t.Errorf("expected one event for force-enabled context, got %d", count)
		}
	})
}

func TestActorUnresolved(t *testing.T) {
	cfg := fieldaudit.Config{
		Auditors: []fieldaudit.Auditor{
			staticAuditor{}, // declines every dispatch
		},
	}
	plugin := fieldaudit.New(cfg)
	testutil.AssertNoError(t, plugin.Register(&Flight{}, []string{"Tail"}))
	db := testutil.SetupTestDB(t, plugin, &Flight{}, &CrewMember{})
	defer testutil.TeardownTestDB(t, db)

	err := db.Create(&Flight{Tail: "N100"}).Error
	testutil.AssertAuditError(t, err, "ACTOR_UNRESOLVED")

	var flights int64
	testutil.AssertNoError(t, db.Model(&Flight{}).Count(&flights).Error)
	if flights != 0 {
		t.Errorf("expected the write rolled back with the unresolved actor, found %d rows", flights)
	}
}

func TestValueRedactionHook(t *testing.T) {
	cfg := testConfig()
	plugin := fieldaudit.New(cfg)
	service := plugin.Service().(*fieldaudit.DefaultService)
	service.Values = func(ctx context.Context, reg *fieldaudit.Registration, rv reflect.Value, field string) (any, error) {
		if field == "Tail" {
			return "[redacted]", nil
		}
		return reg.Value(ctx, rv, field)
	}
	testutil.AssertNoError(t, plugin.Register(&Flight{}, []string{"Tail", "Destination"}))
	db := testutil.SetupTestDB(t, plugin, &Flight{}, &CrewMember{})
	defer testutil.TeardownTestDB(t, db)

	testutil.AssertNoError(t, db.Create(&Flight{Tail: "N100", Destination: "SFO"}).Error)

	event := lastEvent(t, db)
	assertDiffNew(t, event.Delta["Tail"], "[redacted]")
	assertDiffNew(t, event.Delta["Destination"], "SFO")
}

func TestAuditFieldChangesDeprecated(t *testing.T) {
	plugin := newFlightPlugin(t)
	db := testutil.SetupTestDB(t, plugin, &Flight{}, &CrewMember{})
	defer testutil.TeardownTestDB(t, db)

	flight := Flight{Tail: "N100"}
	ctx := fieldaudit.WithAuditDisabled(context.Background())
	testutil.AssertNoError(t, db.WithContext(ctx).Create(&flight).Error)

	err := plugin.AuditFieldChanges(db, &flight, nil, true, false)
	testutil.AssertNoError(t, err)

	event := lastEvent(t, db)
	if !event.IsCreate {
		t.Errorf("expected a create event from the compat entry point, got %+v", event)
	}
}
