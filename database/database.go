// Package database opens a Postgres GORM handle with the field-audit plugin
// installed and manages the audit_events schema migration.
package database

import (
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	fieldaudit "github.com/dimagi/field-audit"
	"github.com/dimagi/field-audit/internal/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Manager owns the audited database connection.
type Manager struct {
	db  *gorm.DB
	cfg *Config
}

// NewManager connects to Postgres and installs the audit plugin.
func NewManager(cfg *Config, plugin *fieldaudit.Plugin) (*Manager, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  cfg.DSN(),
		PreferSimpleProtocol: true,
	}), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if plugin != nil {
		if err := db.Use(plugin); err != nil {
			return nil, fmt.Errorf("failed to install audit plugin: %w", err)
		}
	}
	return &Manager{db: db, cfg: cfg}, nil
}

// DB returns the underlying GORM database instance.
func (m *Manager) DB() *gorm.DB {
	return m.db
}

// RunMigrations applies pending audit_events migrations.
func (m *Manager) RunMigrations() error {
	logger.Get().Info("Running audit schema migrations...")

	mig, err := NewMigrate(m.cfg)
	if err != nil {
		return err
	}
	defer closeMigrate(mig)

	if err := mig.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Get().Info("Audit schema migrations completed successfully")
	return nil
}

// NewMigrate builds a migrate instance over the embedded audit migrations.
func NewMigrate(cfg *Config) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	mig, err := migrate.NewWithSourceInstance("iofs", source, cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return mig, nil
}

func closeMigrate(mig *migrate.Migrate) {
	srcErr, dbErr := mig.Close()
	if srcErr != nil {
		logger.Get().Warnf("migrate source close error: %v", srcErr)
	}
	if dbErr != nil {
		logger.Get().Warnf("migrate database close error: %v", dbErr)
	}
}
