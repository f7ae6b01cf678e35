package fieldaudit

import (
	"context"
	"reflect"

	"gorm.io/gorm"

	"github.com/dimagi/field-audit/internal/logger"
)

// DefaultBootstrapBatchSize bounds memory use and transaction size during
// bootstrap runs. Benchmarks on the original system showed no meaningful
// runtime difference between 1000 and 10000, so the lower memory footprint
// wins. Installations with high database latency may prefer a larger value.
const DefaultBootstrapBatchSize = 1000

// BootstrapMode selects how existing rows are backfilled.
type BootstrapMode int

const (
	// BootstrapInit processes every row unconditionally. Re-running it on
	// an already-bootstrapped model adds duplicate bootstrap events; it is
	// the caller's job to guard against that, usually by preferring
	// BootstrapTopUp.
	BootstrapInit BootstrapMode = iota

	// BootstrapTopUp processes only rows lacking any creation or bootstrap
	// event, so re-running it is naturally idempotent.
	BootstrapTopUp
)

// BootstrapOptions parameterizes a Bootstrap run.
type BootstrapOptions struct {
	Mode BootstrapMode

	// BatchSize overrides the configured batch size. Each batch commits in
	// its own transaction, so partial progress survives interruption.
	BatchSize int

	// Fields overrides the audited field list for BootstrapInit. Top-up
	// always uses the registered fields.
	Fields []string
}

// Bootstrap manufactures synthetic initial-state audit events for rows of a
// registered model that predate auditing. Returns the number of events
// created.
func (p *Plugin) Bootstrap(ctx context.Context, db *gorm.DB, model any, opts BootstrapOptions) (int64, error) {
	reg := p.registry.LookupModel(model)
	if reg == nil {
		return 0, ErrNotRegistered
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = p.cfg.BootstrapBatchSize
	}
	if batchSize <= 0 {
		batchSize = DefaultBootstrapBatchSize
	}
	fields := reg.Fields
	if opts.Mode == BootstrapInit && len(opts.Fields) > 0 {
		fields = opts.Fields
	}

	// One chain resolution per run, not per row.
	changeContext := p.service.ResolveActor(ctx)
	if changeContext == nil {
		return 0, ErrActorUnresolved
	}

	var total int64
	rows := reflect.New(reflect.SliceOf(reg.schema.ModelType)).Interface()
	result := db.WithContext(ctx).Model(reg.New()).FindInBatches(rows, batchSize, func(_ *gorm.DB, batch int) error {
		slice := reflect.ValueOf(rows).Elem()

		skip := map[string]struct{}{}
		if opts.Mode == BootstrapTopUp {
			covered, err := p.coveredPKs(ctx, db, reg, slice)
			if err != nil {
				return err
			}
			skip = covered
		}

		var created int64
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			events := make([]*AuditEvent, 0, slice.Len())
			for i := 0; i < slice.Len(); i++ {
				rv := slice.Index(i)
				if len(skip) > 0 {
					pk, _ := reg.PrimaryKey(ctx, rv)
					objectPK, err := encodePK(p.encoder, pk)
					if err != nil {
						return err
					}
					if _, done := skip[objectPK]; done {
						continue
					}
				}
				event, err := p.service.BootstrapEvent(tx, reg, rv, fields, changeContext)
				if err != nil {
					return err
				}
				events = append(events, event)
			}
			if len(events) == 0 {
				return nil
			}
			created = int64(len(events))
			return tx.Create(&events).Error
		})
		if err != nil {
			return err
		}
		total += created
		logger.Get().Debugw("bootstrapped audit events",
			"class_path", reg.ClassPath,
			"batch", batch,
			"created", created,
		)
		return nil
	})
	return total, result.Error
}

// BootstrapAll runs Bootstrap for every registered model.
func (p *Plugin) BootstrapAll(ctx context.Context, db *gorm.DB, opts BootstrapOptions) (int64, error) {
	var total int64
	for _, reg := range p.registry.All() {
		count, err := p.Bootstrap(ctx, db, reg.New(), opts)
		total += count
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// coveredPKs returns the encoded object keys within one batch that already
// have a creation or bootstrap event.
func (p *Plugin) coveredPKs(ctx context.Context, db *gorm.DB, reg *Registration, slice reflect.Value) (map[string]struct{}, error) {
	keys := make([]string, 0, slice.Len())
	for i := 0; i < slice.Len(); i++ {
		pk, ok := reg.PrimaryKey(ctx, slice.Index(i))
		if !ok {
			continue
		}
		objectPK, err := encodePK(p.encoder, pk)
		if err != nil {
			return nil, err
		}
		keys = append(keys, objectPK)
	}
	if len(keys) == 0 {
		return map[string]struct{}{}, nil
	}

	var existing []string
	err := Events(db.WithContext(ctx)).CreatesAndBootstraps(reg.ClassPath).
		Where("object_pk IN ?", keys).
		Pluck("object_pk", &existing).Error
	if err != nil {
		return nil, err
	}

	covered := make(map[string]struct{}, len(existing))
	for _, key := range existing {
		covered[key] = struct{}{}
	}
	return covered, nil
}
