// Package fieldaudit retrofits automatic field-level change auditing onto
// GORM models. Models opt in at startup by registering the fields to audit;
// from then on every create, update, delete, association mutation, and
// (opt-in) bulk write produces an immutable AuditEvent row recording which
// fields changed, their old and new values, who triggered the change, and
// when — inserted in the same transaction as the write it documents.
//
// Usage:
//
//	plugin := fieldaudit.New(fieldaudit.Config{})
//	if err := plugin.Register(&Flight{}, []string{"Tail", "Destination"}); err != nil { ... }
//	if err := db.Use(plugin); err != nil { ... }
package fieldaudit

import (
	"context"

	"gorm.io/gorm"
)

// Config configures a Plugin. The zero value is usable: auditing enabled,
// default auditor chain, default service and encoder.
type Config struct {
	// Disabled turns event creation off globally. Context overrides
	// (WithAuditEnabled / WithAuditDisabled) still apply per operation.
	Disabled bool

	// Auditors replaces the whole actor-resolution chain, in order. The
	// default chain is RequestAuditor then SystemUserAuditor.
	Auditors []Auditor

	// Service replaces the audit policy implementation.
	Service Service

	// Encoder replaces value normalization for delta and key storage.
	Encoder ValueEncoder

	// SkipEmptySaves suppresses events for updates where no audited field
	// changed. Ignored when Service is set.
	SkipEmptySaves bool

	// BootstrapBatchSize is the default batch size for bootstrap
	// operations. Zero means DefaultBootstrapBatchSize.
	BootstrapBatchSize int
}

// Plugin is the GORM plugin implementing the interception layer. Create one,
// register audited models on it, then install it with db.Use.
type Plugin struct {
	cfg      Config
	registry *Registry
	service  Service
	encoder  ValueEncoder
}

// New creates a Plugin from cfg, filling in defaults.
func New(cfg Config) *Plugin {
	encoder := cfg.Encoder
	if encoder == nil {
		encoder = DefaultEncoder{}
	}
	service := cfg.Service
	if service == nil {
		defaultService := NewDefaultService(NewDispatcher(cfg.Auditors), encoder)
		defaultService.SkipEmptySaves = cfg.SkipEmptySaves
		service = defaultService
	}
	return &Plugin{
		cfg:      cfg,
		registry: NewRegistry(),
		service:  service,
		encoder:  encoder,
	}
}

// Name implements gorm.Plugin.
func (p *Plugin) Name() string { return "field_audit" }

// Initialize implements gorm.Plugin, hooking the write callbacks. The
// after-callbacks must run before gorm:commit_or_rollback_transaction: the
// event insert has to share the statement's transaction so a failed insert
// rolls the business write back.
func (p *Plugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Create().
		After("gorm:create").Before("gorm:commit_or_rollback_transaction").
		Register("field_audit:after_create", p.afterCreate); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").
		Register("field_audit:before_update", p.beforeUpdate); err != nil {
		return err
	}
	if err := db.Callback().Update().
		After("gorm:update").Before("gorm:commit_or_rollback_transaction").
		Register("field_audit:after_update", p.afterUpdate); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").
		Register("field_audit:before_delete", p.beforeDelete); err != nil {
		return err
	}
	return db.Callback().Delete().
		After("gorm:delete").Before("gorm:commit_or_rollback_transaction").
		Register("field_audit:after_delete", p.afterDelete)
}

// Register marks a model type for auditing. See Registry.Register.
func (p *Plugin) Register(model any, fieldNames []string, opts ...RegisterOption) error {
	_, err := p.registry.Register(model, fieldNames, opts...)
	return err
}

// Registry returns the plugin's type registry.
func (p *Plugin) Registry() *Registry { return p.registry }

// Service returns the configured audit service.
func (p *Plugin) Service() Service { return p.service }

func (p *Plugin) enabled(ctx context.Context) bool {
	if override, ok := auditEnabledOverride(ctx); ok {
		return override
	}
	return !p.cfg.Disabled
}
