package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/dittolease/pkg/durable/sql"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return formatValidationErrors(verrs)
		}
		return err
	}

	if err := validateDurable(&cfg.Durable); err != nil {
		return fmt.Errorf("durable: %w", err)
	}

	if cfg.Oplock.Enabled && cfg.Oplock.BreakTimeout <= 0 {
		return fmt.Errorf("oplock: break_timeout must be positive")
	}
	return nil
}

func validateDurable(cfg *DurableConfig) error {
	switch cfg.Backend {
	case DurableBackendBadger, DurableBackendSQLite:
		if cfg.Path == "" {
			return fmt.Errorf("%s backend requires path", cfg.Backend)
		}
	case DurableBackendPostgres:
		sc := sql.Config{Type: sql.DatabaseTypePostgres, Postgres: cfg.Postgres}
		return sc.Validate()
	}
	return nil
}

// formatValidationErrors renders every failed field on one line as
// "Config.Logging.Level failed on 'oneof' (param: DEBUG INFO ...)".
func formatValidationErrors(verrs validator.ValidationErrors) error {
	msg := ""
	for i, fe := range verrs {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag())
		if p := fe.Param(); p != "" {
			msg += fmt.Sprintf(" (param: %s)", p)
		}
	}
	return errors.New(msg)
}
