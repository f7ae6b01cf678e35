package fieldaudit

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/dimagi/field-audit/internal/logger"
)

// ConfigFromEnv builds a Config from environment variables, loading a .env
// file when present:
//
//	FIELD_AUDIT_ENABLED               bool, default true
//	FIELD_AUDIT_SKIP_EMPTY_SAVES      bool, default false
//	FIELD_AUDIT_BOOTSTRAP_BATCH_SIZE  int, default DefaultBootstrapBatchSize
//
// Auditor chain, service, and encoder substitutions are code-level concerns
// and stay on the returned Config's fields.
func ConfigFromEnv() Config {
	if err := godotenv.Load(); err != nil {
		logger.Get().Debug(".env file not found, using environment only")
	}

	cfg := Config{}
	if enabled, ok := envBool("FIELD_AUDIT_ENABLED"); ok {
		cfg.Disabled = !enabled
	}
	if skip, ok := envBool("FIELD_AUDIT_SKIP_EMPTY_SAVES"); ok {
		cfg.SkipEmptySaves = skip
	}
	if raw := os.Getenv("FIELD_AUDIT_BOOTSTRAP_BATCH_SIZE"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			logger.Get().Warnf("invalid FIELD_AUDIT_BOOTSTRAP_BATCH_SIZE %q, using default", raw)
		} else {
			cfg.BootstrapBatchSize = size
		}
	}
	return cfg
}

func envBool(key string) (value, ok bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return false, false
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		logger.Get().Warnf("invalid %s value %q, ignoring", key, raw)
		return false, false
	}
	return parsed, true
}
