// Package logger provides structured logging for the field-audit library
// using Zap.
package logger

import (
	"sync"

	"go.uber.org/zap"
)

var (
	sugar *zap.SugaredLogger
	once  sync.Once
)

// Init initializes the package logger for the given environment. For
// "production" it uses a JSON encoder, otherwise a console encoder.
func Init(env string) {
	once.Do(func() {
		var base *zap.Logger
		var err error

		if env == "production" {
			base, err = zap.NewProduction()
		} else {
			base, err = zap.NewDevelopment()
		}

		if err != nil {
			// Fall back to a nop logger rather than failing the host app.
			base = zap.NewNop()
		}

		sugar = base.Sugar()
	})
}

// Get returns the package sugared logger, initializing a development logger
// if Init has not been called.
func Get() *zap.SugaredLogger {
	if sugar == nil {
		Init("development")
	}
	return sugar
}

// SetLogger replaces the package logger. Host applications that already
// maintain a Zap logger can route library output through it.
func SetLogger(l *zap.SugaredLogger) {
	once.Do(func() {})
	sugar = l
}

// Sync flushes any buffered log entries. Call this before application exit.
func Sync() {
	if sugar != nil {
		_ = sugar.Sync()
	}
}
