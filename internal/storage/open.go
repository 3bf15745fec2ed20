package storage

import (
	"errors"
	"strings"

	logx "botrelay/pkg/logx"
)

// Open initializes the configured driver and wraps it in a Guard.
func Open(cfg Config, log logx.Logger) (*Guard, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var (
		inner Store
		err   error
	)
	switch driver {
	case "", "memory":
		driver = "memory"
		inner = newMemStore()
	case "file":
		inner, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		inner, err = openSQLite(cfg, log)
	case "postgres", "postgresql":
		inner, err = openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", driver))
	return NewGuard(inner, cfg.Breaker, log), nil
}
