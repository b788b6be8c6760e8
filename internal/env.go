package internal

import (
	"time"

	"github.com/DrThorium/ServidorTFTP/internal/validate"

	"github.com/pkg/errors"
)

type env struct {
	LogLevel     string        `validate:"oneof=trace debug info warn error"`
	Addr         string        `validate:"required"`
	Storage      string        `validate:"oneof=dir memory"`
	Timeout      time.Duration `validate:"gt=0"`
	Retries      int           `validate:"gte=0"`
	ReadTimeout  time.Duration `validate:"gt=0"`
	MaxTransfers int           `validate:"gt=0"`
	SessionTTL   time.Duration `validate:"gt=0"`
}

// ValidateEnv checks the parsed configuration values.
func ValidateEnv() error {
	e := env{
		LogLevel:     LogLevel,
		Addr:         Addr,
		Storage:      Storage,
		Timeout:      Timeout,
		Retries:      Retries,
		ReadTimeout:  ReadTimeout,
		MaxTransfers: MaxTransfers,
		SessionTTL:   SessionTTL,
	}
	if err := validate.Validate().Struct(e); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	// a transfer waits up to Timeout for each of its Retries+1 attempts
	if idle := e.Timeout * time.Duration(e.Retries+1); e.SessionTTL <= idle {
		return errors.Errorf("invalid configuration: session ttl %s must exceed %s", e.SessionTTL, idle)
	}
	return nil
}
