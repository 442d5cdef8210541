package db

import (
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// migrate applies all pending forward migrations at startup. Every
// schema change ships as a forward/backward goose migration.
func (d *DB) migrate() error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{d: d})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("could not set migration dialect: %w", err)
	}
	if err := goose.Up(d.pool.DB, "migrations"); err != nil {
		return fmt.Errorf("could not apply migrations: %w", err)
	}
	return nil
}

type gooseLogger struct {
	d *DB
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.d.logger.Fatalf(format, v...)
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.d.logger.Debugf(format, v...)
}
