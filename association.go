package fieldaudit

import (
	"context"
	"fmt"
	"reflect"

	"gorm.io/gorm"
)

// Association is the audit-aware mutator for an audited many2many field.
// Each mutation computes the membership delta against the stored member set
// and emits one event immediately, in the same transaction as the mutation —
// not deferred to the next save of the owner.
type Association struct {
	plugin *Plugin
	db     *gorm.DB
	owner  any
	field  string
	reg    *Registration
}

// Association returns the audit-aware mutator for one many2many field on a
// registered, persisted owner instance.
func (p *Plugin) Association(db *gorm.DB, owner any, field string) (*Association, error) {
	reg := p.registry.LookupModel(owner)
	if reg == nil {
		return nil, ErrNotRegistered
	}
	if !reg.IsRelation(field) {
		if _, scalar := reg.fields[field]; scalar {
			return nil, ErrNotAssociation
		}
		return nil, WithMessage(ErrUnknownField, fmt.Sprintf("field %q is not audited", field))
	}
	return &Association{plugin: p, db: db, owner: owner, field: field, reg: reg}, nil
}

// Append adds members and records an "add" delta for the new ones.
func (a *Association) Append(ctx context.Context, values ...any) error {
	return a.mutate(ctx, func(assoc *gorm.Association) error {
		return assoc.Append(values...)
	})
}

// Remove removes members and records a "remove" delta for the dropped ones.
func (a *Association) Remove(ctx context.Context, values ...any) error {
	return a.mutate(ctx, func(assoc *gorm.Association) error {
		return assoc.Delete(values...)
	})
}

// Replace sets the membership and records the symmetric difference against
// the prior member set; empty add/remove keys are omitted.
func (a *Association) Replace(ctx context.Context, values ...any) error {
	return a.mutate(ctx, func(assoc *gorm.Association) error {
		return assoc.Replace(values...)
	})
}

// Clear removes all members and records the full prior membership as removed.
func (a *Association) Clear(ctx context.Context) error {
	return a.mutate(ctx, func(assoc *gorm.Association) error {
		return assoc.Clear()
	})
}

func (a *Association) mutate(ctx context.Context, op func(*gorm.Association) error) error {
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !a.plugin.enabled(ctx) {
			return op(tx.Model(a.owner).Association(a.field))
		}

		prior, err := associationMemberPKs(tx, a.reg, a.owner, a.field)
		if err != nil {
			return err
		}
		if err := op(tx.Model(a.owner).Association(a.field)); err != nil {
			return err
		}
		next, err := associationMemberPKs(tx, a.reg, a.owner, a.field)
		if err != nil {
			return err
		}

		added, removed := memberDiff(prior, next)
		pk, _ := a.reg.PrimaryKey(ctx, reflect.Indirect(reflect.ValueOf(a.owner)))
		return a.plugin.service.AuditAssociation(tx, a.reg, pk, a.field, added, removed)
	})
}

// associationMemberPKs returns the primary keys of the current stored members
// of an audited many2many field.
func associationMemberPKs(tx *gorm.DB, reg *Registration, owner any, field string) ([]any, error) {
	rel, ok := reg.relations[field]
	if !ok {
		return nil, ErrNotAssociation
	}

	related := reflect.New(reflect.SliceOf(rel.FieldSchema.ModelType))
	if err := tx.Session(&gorm.Session{NewDB: true}).Model(owner).
		Association(field).Find(related.Interface()); err != nil {
		return nil, err
	}

	ctx := tx.Statement.Context
	pkField := rel.FieldSchema.PrioritizedPrimaryField
	slice := related.Elem()
	pks := make([]any, 0, slice.Len())
	for i := 0; i < slice.Len(); i++ {
		pk, _ := pkField.ValueOf(ctx, slice.Index(i))
		pks = append(pks, pk)
	}
	return pks, nil
}
