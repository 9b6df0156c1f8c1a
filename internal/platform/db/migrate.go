package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"hash/fnv"

	"github.com/pressly/goose/v3"

	"github.com/flowforge/engine/internal/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// advisoryLockNamespace is an arbitrary 32-bit tag distinguishing this
// application's migration lock from any other advisory lock taken against
// the same database.
const advisoryLockNamespace = 0x464c4f57 // "FLOW"

// Migrate runs pending goose migrations under a single Postgres advisory
// lock keyed by database name, so that multiple worker/server processes
// starting concurrently never race on schema changes. This is the engine's
// only use of a lock that isn't a per-row lock on domain data.
func Migrate(ctx context.Context, sqlDB *sql.DB, dbName string, log *logging.Logger) error {
	lockKey := int64(advisoryLockNamespace)<<32 | int64(hashName(dbName))

	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, lockKey); err != nil {
			log.Warn("failed to release migration advisory lock", "error", err)
		}
	}()

	goose.SetBaseFS(migrationFiles)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info("migrations applied")
	return nil
}

func hashName(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
