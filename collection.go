package fieldaudit

import (
	"context"

	"gorm.io/gorm"
)

// AuditAction is the caller-supplied directive required on bulk writes once
// special-write auditing is enabled for a model. The zero value is invalid:
// auditing is never silently skipped by accident.
type AuditAction int

const (
	// ActionAudit produces audit events for every affected row.
	ActionAudit AuditAction = iota + 1
	// ActionIgnore intentionally skips auditing for the call.
	ActionIgnore
)

// String returns the directive name.
func (a AuditAction) String() string {
	switch a {
	case ActionAudit:
		return "AUDIT"
	case ActionIgnore:
		return "IGNORE"
	default:
		return "UNSET"
	}
}

func (a AuditAction) valid() bool {
	return a == ActionAudit || a == ActionIgnore
}

// Collection is the audit-aware bulk write entry point for one registered
// model, the counterpart of a default manager with auditing support. Every
// method requires an explicit AuditAction.
type Collection struct {
	plugin *Plugin
	db     *gorm.DB
	model  any
	reg    *Registration
}

// Collection returns the audit-aware bulk entry point for model. The model
// must be registered with WithSpecialWrites.
func (p *Plugin) Collection(db *gorm.DB, model any) (*Collection, error) {
	reg := p.registry.LookupModel(model)
	if reg == nil {
		return nil, ErrNotRegistered
	}
	if !reg.SpecialWrites {
		return nil, ErrSpecialWritesUnsupported
	}
	return &Collection{plugin: p, db: db, model: model, reg: reg}, nil
}

// CreateMany inserts rows in bulk. With ActionAudit one CREATE event is
// emitted per created row, using the supplied values (primary keys are
// reconciled after insert); with ActionIgnore no events are emitted.
func (c *Collection) CreateMany(ctx context.Context, rows any, action AuditAction) error {
	if !action.valid() {
		return ErrMissingAuditAction
	}
	return c.session(ctx, action).Create(rows).Error
}

// UpdateMany applies values to every row matching conds. Auditing bulk
// updates is not implemented: ActionAudit fails with
// ErrBulkUpdateUnimplemented, ActionIgnore performs the update unaudited.
func (c *Collection) UpdateMany(ctx context.Context, values map[string]any, action AuditAction, conds ...any) (int64, error) {
	if !action.valid() {
		return 0, ErrMissingAuditAction
	}
	if action == ActionAudit {
		return 0, ErrBulkUpdateUnimplemented
	}
	tx := c.where(c.session(ctx, action), conds).Updates(values)
	return tx.RowsAffected, tx.Error
}

// DeleteMany removes every row matching conds. With ActionAudit the matched
// rows' audited values are fetched before deletion and one DELETE event is
// emitted per row, all within the same transaction as the delete.
func (c *Collection) DeleteMany(ctx context.Context, action AuditAction, conds ...any) (int64, error) {
	if !action.valid() {
		return 0, ErrMissingAuditAction
	}
	tx := c.where(c.session(ctx, action), conds).Delete(c.reg.New())
	return tx.RowsAffected, tx.Error
}

func (c *Collection) session(ctx context.Context, action AuditAction) *gorm.DB {
	return c.db.WithContext(WithAuditAction(ctx, action)).Model(c.reg.New())
}

func (c *Collection) where(tx *gorm.DB, conds []any) *gorm.DB {
	if len(conds) == 0 {
		return tx
	}
	return tx.Where(conds[0], conds[1:]...)
}
