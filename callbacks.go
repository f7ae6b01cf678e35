package fieldaudit

import (
	"errors"
	"reflect"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Instance-state keys used to hand pre-write snapshots from before- to
// after-callbacks within one statement.
const (
	priorStateKey  = "field_audit:prior"
	deleteStateKey = "field_audit:deleted"
)

type updateState struct {
	pk    any
	prior map[string]any
}

type deletedRow struct {
	pk     any
	values map[string]any
}

// afterCreate emits one CREATE event per inserted row. It runs inside GORM's
// default per-operation transaction, after primary keys are populated, so the
// event insert commits or rolls back atomically with the business write.
func (p *Plugin) afterCreate(db *gorm.DB) {
	if db.Error != nil || db.Statement.Schema == nil {
		return
	}
	reg := p.registry.Lookup(db.Statement.Schema.ModelType)
	if reg == nil || !p.enabled(db.Statement.Context) {
		return
	}

	rv := db.Statement.ReflectValue
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if reg.SpecialWrites {
			action, ok := auditActionFrom(db.Statement.Context)
			if !ok {
				_ = db.AddError(ErrMissingAuditAction)
				return
			}
			if action == ActionIgnore {
				return
			}
		}
		for i := 0; i < rv.Len(); i++ {
			if err := p.service.AuditCreate(db, reg, reflect.Indirect(rv.Index(i))); err != nil {
				_ = db.AddError(err)
				return
			}
		}
	case reflect.Struct:
		if err := p.service.AuditCreate(db, reg, rv); err != nil {
			_ = db.AddError(err)
		}
	}
}

// beforeUpdate captures the stored values of the audited fields before the
// write. Statements that do not target a single instance by primary key are
// bulk updates and only subject to directive enforcement.
func (p *Plugin) beforeUpdate(db *gorm.DB) {
	if db.Error != nil || db.Statement.Schema == nil {
		return
	}
	reg := p.registry.Lookup(db.Statement.Schema.ModelType)
	if reg == nil || !p.enabled(db.Statement.Context) {
		return
	}

	rv := db.Statement.ReflectValue
	if rv.Kind() != reflect.Struct {
		p.enforceBulkUpdate(db, reg)
		return
	}
	pk, ok := reg.PrimaryKey(db.Statement.Context, rv)
	if !ok {
		p.enforceBulkUpdate(db, reg)
		return
	}

	prior, err := p.fetchPrior(db, reg, pk)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Row does not exist yet; GORM will update zero rows.
			return
		}
		_ = db.AddError(err)
		return
	}
	db.InstanceSet(priorStateKey, updateState{pk: pk, prior: prior})
}

// afterUpdate computes the delta between the captured snapshot and the
// post-write state and emits one UPDATE event, still inside the statement's
// transaction.
func (p *Plugin) afterUpdate(db *gorm.DB) {
	if db.Error != nil {
		return
	}
	raw, ok := db.InstanceGet(priorStateKey)
	if !ok {
		return
	}
	state := raw.(updateState)
	reg := p.registry.Lookup(db.Statement.Schema.ModelType)
	if reg == nil {
		return
	}

	current, err := p.currentValues(db, reg, state.prior)
	if err != nil {
		_ = db.AddError(err)
		return
	}
	if err := p.service.AuditUpdate(db, reg, state.pk, state.prior, current); err != nil {
		_ = db.AddError(err)
	}
}

// beforeDelete captures audited values from the in-memory instance (no
// re-fetch needed, the values are already loaded) or, for bulk deletes with
// an AUDIT directive, fetches the matched rows before they disappear.
func (p *Plugin) beforeDelete(db *gorm.DB) {
	if db.Error != nil || db.Statement.Schema == nil {
		return
	}
	reg := p.registry.Lookup(db.Statement.Schema.ModelType)
	if reg == nil || !p.enabled(db.Statement.Context) {
		return
	}

	rv := db.Statement.ReflectValue
	if rv.Kind() == reflect.Struct {
		if pk, ok := reg.PrimaryKey(db.Statement.Context, rv); ok {
			values, err := defaultInstanceValues(db.Statement.Context, reg, rv)
			if err != nil {
				_ = db.AddError(err)
				return
			}
			db.InstanceSet(deleteStateKey, []deletedRow{{pk: pk, values: values}})
			return
		}
	}

	// Bulk delete.
	if !reg.SpecialWrites {
		return
	}
	action, ok := auditActionFrom(db.Statement.Context)
	if !ok {
		_ = db.AddError(ErrMissingAuditAction)
		return
	}
	if action == ActionIgnore {
		return
	}
	rows, err := p.matchedRows(db, reg)
	if err != nil {
		_ = db.AddError(err)
		return
	}
	db.InstanceSet(deleteStateKey, rows)
}

// afterDelete emits one DELETE event per captured row.
func (p *Plugin) afterDelete(db *gorm.DB) {
	if db.Error != nil {
		return
	}
	raw, ok := db.InstanceGet(deleteStateKey)
	if !ok {
		return
	}
	reg := p.registry.Lookup(db.Statement.Schema.ModelType)
	if reg == nil {
		return
	}
	for _, row := range raw.([]deletedRow) {
		if err := p.service.AuditDelete(db, reg, row.pk, row.values); err != nil {
			_ = db.AddError(err)
			return
		}
	}
}

// enforceBulkUpdate applies the directive contract for predicate updates on
// special-write models. Plain models pass through unaudited, matching the
// behavior of bulk writes before opting in.
func (p *Plugin) enforceBulkUpdate(db *gorm.DB, reg *Registration) {
	if !reg.SpecialWrites {
		return
	}
	action, ok := auditActionFrom(db.Statement.Context)
	if !ok {
		_ = db.AddError(ErrMissingAuditAction)
		return
	}
	if action == ActionAudit {
		// Known gap carried over deliberately, not a transient condition.
		_ = db.AddError(ErrBulkUpdateUnimplemented)
	}
}

// fetchPrior reads the audited columns of one row by primary key, using the
// statement's connection so the read happens inside the same transaction.
func (p *Plugin) fetchPrior(db *gorm.DB, reg *Registration, pk any) (map[string]any, error) {
	stmt := db.Statement
	columns := make([]string, 0, len(reg.Fields))
	for _, name := range reg.Fields {
		if reg.IsRelation(name) {
			continue
		}
		if field, ok := stmt.Schema.FieldsByName[name]; ok {
			columns = append(columns, field.DBName)
		}
	}

	dest := reflect.New(stmt.Schema.ModelType)
	tx := db.Session(&gorm.Session{NewDB: true})
	if len(columns) > 0 {
		tx = tx.Select(columns)
	}
	pkField := stmt.Schema.PrioritizedPrimaryField
	if err := tx.Where(pkField.DBName+" = ?", pk).Take(dest.Interface()).Error; err != nil {
		return nil, err
	}
	return defaultInstanceValues(stmt.Context, reg, dest.Elem())
}

// currentValues derives the post-write audited values. For map-based updates
// only the assigned fields change relative to the snapshot; for struct
// destinations (Save and friends) the instance carries the full state.
func (p *Plugin) currentValues(db *gorm.DB, reg *Registration, prior map[string]any) (map[string]any, error) {
	stmt := db.Statement
	if assignments, ok := stmt.Dest.(map[string]any); ok {
		current := make(map[string]any, len(prior))
		for name, value := range prior {
			current[name] = value
		}
		for _, name := range reg.Fields {
			if reg.IsRelation(name) {
				continue
			}
			if value, ok := assignments[name]; ok {
				current[name] = value
				continue
			}
			if field, ok := stmt.Schema.FieldsByName[name]; ok {
				if value, ok := assignments[field.DBName]; ok {
					current[name] = value
				}
			}
		}
		return current, nil
	}
	return defaultInstanceValues(stmt.Context, reg, stmt.ReflectValue)
}

// matchedRows fetches the rows a bulk delete is about to remove, carrying the
// statement's WHERE conditions over to the pre-delete read.
func (p *Plugin) matchedRows(db *gorm.DB, reg *Registration) ([]deletedRow, error) {
	stmt := db.Statement
	slicePtr := reflect.New(reflect.SliceOf(stmt.Schema.ModelType))

	tx := db.Session(&gorm.Session{NewDB: true})
	if c, ok := stmt.Clauses["WHERE"]; ok {
		if where, ok := c.Expression.(clause.Where); ok {
			tx = tx.Clauses(clause.Where{Exprs: where.Exprs})
		}
	}
	if err := tx.Find(slicePtr.Interface()).Error; err != nil {
		return nil, err
	}

	slice := slicePtr.Elem()
	rows := make([]deletedRow, 0, slice.Len())
	for i := 0; i < slice.Len(); i++ {
		rv := slice.Index(i)
		values, err := defaultInstanceValues(stmt.Context, reg, rv)
		if err != nil {
			return nil, err
		}
		pk, _ := reg.PrimaryKey(stmt.Context, rv)
		rows = append(rows, deletedRow{pk: pk, values: values})
	}
	return rows, nil
}
