package fieldaudit

import (
	"context"
	"reflect"

	"gorm.io/gorm"

	"github.com/dimagi/field-audit/internal/logger"
)

// Service is the policy point that turns "a write of some kind happened to an
// audited instance" into a persisted AuditEvent. Host applications may
// substitute their own implementation via Config.Service; the interception
// layer never assumes more than this interface.
//
// All methods receive the transaction the business write runs in, so a failed
// event insert propagates and rolls the whole operation back.
type Service interface {
	AuditCreate(tx *gorm.DB, reg *Registration, rv reflect.Value) error
	AuditUpdate(tx *gorm.DB, reg *Registration, pk any, prior, current map[string]any) error
	AuditDelete(tx *gorm.DB, reg *Registration, pk any, oldValues map[string]any) error
	AuditAssociation(tx *gorm.DB, reg *Registration, pk any, field string, added, removed []any) error

	// ResolveActor resolves the change context for one operation. Chain
	// resolution may shell out or hit ambient state, so callers resolve
	// once per operation, never once per field or per row. Nil means no
	// auditor could resolve one, which callers surface as
	// ErrActorUnresolved.
	ResolveActor(ctx context.Context) map[string]any

	// BootstrapEvent builds (without persisting) a synthetic initial-state
	// event for an existing row. It never skips on an empty delta.
	BootstrapEvent(tx *gorm.DB, reg *Registration, rv reflect.Value, fields []string, changeContext map[string]any) (*AuditEvent, error)
}

// FieldValuer extracts the audited representation of one field from a model
// instance. Replacing it on DefaultService is the hook for redacting or
// re-deriving sensitive values without touching delta computation.
type FieldValuer func(ctx context.Context, reg *Registration, rv reflect.Value, field string) (any, error)

// DefaultService is the stock Service implementation.
type DefaultService struct {
	Auditors *Dispatcher
	Encoder  ValueEncoder

	// SkipEmptySaves suppresses events for updates where no audited field
	// changed. By default even no-op saves are recorded: the write did
	// execute and that fact is auditable.
	SkipEmptySaves bool

	// Values overrides audited field extraction. Nil means the plain
	// registered-field value.
	Values FieldValuer
}

// NewDefaultService creates a DefaultService over the given chain and encoder.
func NewDefaultService(auditors *Dispatcher, encoder ValueEncoder) *DefaultService {
	return &DefaultService{Auditors: auditors, Encoder: encoder}
}

// ResolveActor implements Service. An exhausted chain returns nil; the event
// construction paths turn that into ErrActorUnresolved rather than storing
// events nobody is accountable for. The default chain ends in
// SystemUserAuditor, which resolves on any host with a process owner.
func (s *DefaultService) ResolveActor(ctx context.Context) map[string]any {
	return s.Auditors.Dispatch(ctx)
}

// AuditCreate implements Service: one CREATE event with every audited field
// recorded as "new". Called after the insert, when the primary key is known.
func (s *DefaultService) AuditCreate(tx *gorm.DB, reg *Registration, rv reflect.Value) error {
	ctx := tx.Statement.Context
	values, err := s.instanceValues(ctx, reg, rv, reg.Fields)
	if err != nil {
		return err
	}
	encoded, err := encodeValues(s.Encoder, values)
	if err != nil {
		return err
	}
	pk, _ := reg.PrimaryKey(ctx, rv)
	event, err := s.newEvent(ctx, reg, pk, snapshotDelta(encoded))
	if err != nil {
		return err
	}
	event.IsCreate = true
	return s.persist(tx, event)
}

// AuditUpdate implements Service: one UPDATE event containing only the fields
// whose value changed between the pre-write snapshot and the current state.
func (s *DefaultService) AuditUpdate(tx *gorm.DB, reg *Registration, pk any, prior, current map[string]any) error {
	ctx := tx.Statement.Context
	oldValues, err := encodeValues(s.Encoder, prior)
	if err != nil {
		return err
	}
	newValues, err := encodeValues(s.Encoder, current)
	if err != nil {
		return err
	}
	delta := diffValues(oldValues, newValues)
	if len(delta) == 0 && s.SkipEmptySaves {
		return nil
	}
	event, err := s.newEvent(ctx, reg, pk, delta)
	if err != nil {
		return err
	}
	return s.persist(tx, event)
}

// AuditDelete implements Service: one DELETE event with every audited field
// recorded as "old". Values come from the in-memory instance, captured before
// the row disappeared.
func (s *DefaultService) AuditDelete(tx *gorm.DB, reg *Registration, pk any, oldValues map[string]any) error {
	ctx := tx.Statement.Context
	encoded, err := encodeValues(s.Encoder, oldValues)
	if err != nil {
		return err
	}
	event, err := s.newEvent(ctx, reg, pk, diffValues(encoded, nil))
	if err != nil {
		return err
	}
	event.IsDelete = true
	return s.persist(tx, event)
}

// AuditAssociation implements Service: one event per association mutation,
// with "add"/"remove" member lists. No event is recorded for a mutation that
// changed nothing.
func (s *DefaultService) AuditAssociation(tx *gorm.DB, reg *Registration, pk any, field string, added, removed []any) error {
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}
	ctx := tx.Statement.Context
	encodedAdded, err := encodeList(s.Encoder, added)
	if err != nil {
		return err
	}
	encodedRemoved, err := encodeList(s.Encoder, removed)
	if err != nil {
		return err
	}
	delta := Delta{field: FieldDiff{Add: encodedAdded, Remove: encodedRemoved}}
	event, err := s.newEvent(ctx, reg, pk, delta)
	if err != nil {
		return err
	}
	return s.persist(tx, event)
}

// BootstrapEvent implements Service. Association fields bootstrap with their
// current member list, scalar fields with their current value.
func (s *DefaultService) BootstrapEvent(tx *gorm.DB, reg *Registration, rv reflect.Value, fields []string, changeContext map[string]any) (*AuditEvent, error) {
	ctx := tx.Statement.Context
	values := make(map[string]any, len(fields))
	for _, field := range fields {
		if reg.IsRelation(field) {
			members, err := associationMemberPKs(tx, reg, instancePointer(rv), field)
			if err != nil {
				return nil, err
			}
			values[field] = members
			continue
		}
		value, err := s.fieldValue(ctx, reg, rv, field)
		if err != nil {
			return nil, err
		}
		values[field] = value
	}
	encoded, err := encodeValues(s.Encoder, values)
	if err != nil {
		return nil, err
	}
	pk, _ := reg.PrimaryKey(ctx, rv)
	objectPK, err := encodePK(s.Encoder, pk)
	if err != nil {
		return nil, err
	}
	return &AuditEvent{
		ObjectClassPath: reg.ClassPath,
		ObjectPK:        objectPK,
		ChangeContext:   changeContext,
		IsBootstrap:     true,
		Delta:           snapshotDelta(encoded),
	}, nil
}

func (s *DefaultService) newEvent(ctx context.Context, reg *Registration, pk any, delta Delta) (*AuditEvent, error) {
	changeContext := s.ResolveActor(ctx)
	if changeContext == nil {
		return nil, ErrActorUnresolved
	}
	objectPK, err := encodePK(s.Encoder, pk)
	if err != nil {
		return nil, err
	}
	return &AuditEvent{
		ObjectClassPath: reg.ClassPath,
		ObjectPK:        objectPK,
		ChangeContext:   changeContext,
		Delta:           delta,
	}, nil
}

func (s *DefaultService) persist(tx *gorm.DB, event *AuditEvent) error {
	return tx.Session(&gorm.Session{NewDB: true}).Create(event).Error
}

func (s *DefaultService) fieldValue(ctx context.Context, reg *Registration, rv reflect.Value, field string) (any, error) {
	if s.Values != nil {
		return s.Values(ctx, reg, rv, field)
	}
	return reg.Value(ctx, rv, field)
}

func (s *DefaultService) instanceValues(ctx context.Context, reg *Registration, rv reflect.Value, fields []string) (map[string]any, error) {
	values := make(map[string]any, len(fields))
	for _, field := range fields {
		value, err := s.fieldValue(ctx, reg, rv, field)
		if err != nil {
			return nil, err
		}
		values[field] = value
	}
	return values, nil
}

// instancePointer returns an addressable pointer to a model instance,
// copying when the reflect value is not addressable.
func instancePointer(rv reflect.Value) any {
	if rv.Kind() == reflect.Pointer {
		return rv.Interface()
	}
	if rv.CanAddr() {
		return rv.Addr().Interface()
	}
	ptr := reflect.New(rv.Type())
	ptr.Elem().Set(rv)
	return ptr.Interface()
}

// AuditFieldChanges is the pre-service direct creation API.
//
// Deprecated: configure a Service (or use the default) and let the plugin
// callbacks intercept writes instead. This entry point remains for callers
// migrating from direct event creation and routes through the configured
// service.
func (p *Plugin) AuditFieldChanges(tx *gorm.DB, instance any, prior map[string]any, isCreate, isDelete bool) error {
	logger.Get().Warnw("AuditFieldChanges is deprecated, writes are audited by the plugin callbacks",
		"model", reflect.TypeOf(instance).String(),
	)
	reg := p.registry.LookupModel(instance)
	if reg == nil {
		return ErrNotRegistered
	}
	rv := reflect.Indirect(reflect.ValueOf(instance))
	ctx := tx.Statement.Context
	switch {
	case isCreate:
		return p.service.AuditCreate(tx, reg, rv)
	case isDelete:
		values, err := defaultInstanceValues(ctx, reg, rv)
		if err != nil {
			return err
		}
		pk, _ := reg.PrimaryKey(ctx, rv)
		return p.service.AuditDelete(tx, reg, pk, values)
	default:
		current, err := defaultInstanceValues(ctx, reg, rv)
		if err != nil {
			return err
		}
		pk, _ := reg.PrimaryKey(ctx, rv)
		return p.service.AuditUpdate(tx, reg, pk, prior, current)
	}
}

func defaultInstanceValues(ctx context.Context, reg *Registration, rv reflect.Value) (map[string]any, error) {
	values := make(map[string]any, len(reg.Fields))
	for _, field := range reg.Fields {
		value, err := reg.Value(ctx, rv, field)
		if err != nil {
			return nil, err
		}
		values[field] = value
	}
	return values, nil
}
