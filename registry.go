package fieldaudit

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"gorm.io/gorm/schema"
)

// SpecialWriteAuditor marks a model whose bulk ("special") write entry points
// are audit-aware. Registering a model with WithSpecialWrites fails unless
// the model declares this marker, so a missing audit-aware entry point is a
// registration-time error rather than a surprise at first bulk call.
type SpecialWriteAuditor interface {
	AuditedBulkWrites()
}

// Registration is the immutable audited-field configuration of one model
// type, established once at startup.
type Registration struct {
	ClassPath     string
	Fields        []string
	SpecialWrites bool

	schema    *schema.Schema
	fields    map[string]*schema.Field
	relations map[string]*schema.Relationship
}

// RegisterOption customizes a model registration.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	classPath     string
	specialWrites bool
}

// WithClassPath sets an explicit identifying path recorded on audit events
// for this model, so the audit trail survives package or type renames. The
// default is the fully qualified Go type path.
func WithClassPath(classPath string) RegisterOption {
	return func(o *registerOptions) { o.classPath = classPath }
}

// WithSpecialWrites enables auditing of bulk write operations for the model.
// Once enabled, every bulk write must carry an explicit AuditAction.
func WithSpecialWrites() RegisterOption {
	return func(o *registerOptions) { o.specialWrites = true }
}

// Registry holds the audited-type configuration. It is populated during
// startup and read-only afterwards.
type Registry struct {
	mu    sync.RWMutex
	types map[reflect.Type]*Registration
	cache sync.Map
	namer schema.Namer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types: map[reflect.Type]*Registration{},
		namer: schema.NamingStrategy{},
	}
}

// Register marks a model type for auditing of the named fields. Field names
// are Go struct field names; each must be a scalar column or a many2many
// association on the model. Registration is permanent for the process
// lifetime and re-registering a type is an error.
func (r *Registry) Register(model any, fieldNames []string, opts ...RegisterOption) (*Registration, error) {
	if len(fieldNames) == 0 {
		return nil, ErrNoAuditFields
	}

	var options registerOptions
	for _, opt := range opts {
		opt(&options)
	}

	sch, err := schema.Parse(model, &r.cache, r.namer)
	if err != nil {
		return nil, Wrap(ErrInvalidModel, err)
	}

	reg := &Registration{
		ClassPath:     options.classPath,
		Fields:        append([]string(nil), fieldNames...),
		SpecialWrites: options.specialWrites,
		schema:        sch,
		fields:        map[string]*schema.Field{},
		relations:     map[string]*schema.Relationship{},
	}
	if reg.ClassPath == "" {
		reg.ClassPath = defaultClassPath(sch.ModelType)
	}

	for _, name := range fieldNames {
		if _, dup := reg.fields[name]; dup {
			return nil, WithMessage(ErrAlreadyAudited, fmt.Sprintf("field %q is listed more than once", name))
		}
		if _, dup := reg.relations[name]; dup {
			return nil, WithMessage(ErrAlreadyAudited, fmt.Sprintf("field %q is listed more than once", name))
		}
		if rel, ok := sch.Relationships.Relations[name]; ok && rel.Type == schema.Many2Many {
			reg.relations[name] = rel
			continue
		}
		field, ok := sch.FieldsByName[name]
		if !ok {
			return nil, WithMessage(ErrUnknownField, fmt.Sprintf("field %q does not exist on %s", name, sch.ModelType))
		}
		reg.fields[name] = field
	}

	if options.specialWrites {
		if _, ok := model.(SpecialWriteAuditor); !ok {
			return nil, WithMessage(ErrSpecialWritesUnsupported,
				fmt.Sprintf("%s does not implement SpecialWriteAuditor", sch.ModelType))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[sch.ModelType]; exists {
		return nil, WithMessage(ErrAlreadyAudited, fmt.Sprintf("%s is already registered for auditing", sch.ModelType))
	}
	r.types[sch.ModelType] = reg
	return reg, nil
}

// Lookup returns the registration for a model type, or nil.
func (r *Registry) Lookup(modelType reflect.Type) *Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[modelType]
}

// LookupModel returns the registration for a model value, or nil.
func (r *Registry) LookupModel(model any) *Registration {
	return r.Lookup(indirectType(reflect.TypeOf(model)))
}

// All returns every registration, for bootstrap-all style iteration.
func (r *Registry) All() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regs := make([]*Registration, 0, len(r.types))
	for _, reg := range r.types {
		regs = append(regs, reg)
	}
	return regs
}

// IsRelation reports whether an audited field is a many2many association.
func (reg *Registration) IsRelation(name string) bool {
	_, ok := reg.relations[name]
	return ok
}

// New returns a new zero instance of the registered model.
func (reg *Registration) New() any {
	return reflect.New(reg.schema.ModelType).Interface()
}

// PrimaryKey extracts the primary key of an instance. ok is false when the
// key is unset (a not-yet-persisted instance).
func (reg *Registration) PrimaryKey(ctx context.Context, rv reflect.Value) (pk any, ok bool) {
	primary := reg.schema.PrioritizedPrimaryField
	if primary == nil {
		return nil, false
	}
	value, zero := primary.ValueOf(ctx, rv)
	return value, !zero
}

// Value extracts one audited field's raw value from an instance. Association
// fields resolve to an empty member list: their membership is audited through
// the Association entry point, not through instance saves.
func (reg *Registration) Value(ctx context.Context, rv reflect.Value, name string) (any, error) {
	if reg.IsRelation(name) {
		return []any{}, nil
	}
	field, ok := reg.fields[name]
	if !ok {
		return nil, WithMessage(ErrUnknownField, fmt.Sprintf("field %q is not audited on %s", name, reg.schema.ModelType))
	}
	value, _ := field.ValueOf(ctx, rv)
	return value, nil
}

// scalarColumns returns the database column names of the audited non-relation
// fields, used to fetch pre-write snapshots.
func (reg *Registration) scalarColumns() []string {
	cols := make([]string, 0, len(reg.fields))
	for _, field := range reg.fields {
		cols = append(cols, field.DBName)
	}
	return cols
}

func defaultClassPath(t reflect.Type) string {
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

func indirectType(t reflect.Type) reflect.Type {
	for t != nil && (t.Kind() == reflect.Pointer || t.Kind() == reflect.Slice || t.Kind() == reflect.Array) {
		t = t.Elem()
	}
	return t
}
