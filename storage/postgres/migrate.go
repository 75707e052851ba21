package postgres

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MigrationsTable is the goose version table.
const MigrationsTable = "subsync_migrations"

// Migrate applies the embedded schema migrations. goose needs database/sql,
// so the pool is bridged through pgx's stdlib driver.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log subsync.Logger) error {
	if log == nil {
		log = &subsync.NoopLogger{}
	}
	db := stdlib.OpenDBFromPool(pool)
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn("failed to close migration connection", subsync.F("error", err.Error()))
		}
	}()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{log})
	goose.SetTableName(MigrationsTable)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// gooseLogger routes goose's Printf-style output through subsync.Logger.
type gooseLogger struct {
	log subsync.Logger
}

func (g gooseLogger) Fatalf(format string, v ...any) {
	g.log.Error(fmt.Sprintf(format, v...))
}

func (g gooseLogger) Printf(format string, v ...any) {
	g.log.Info(fmt.Sprintf(format, v...))
}
