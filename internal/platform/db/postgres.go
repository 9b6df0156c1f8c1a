package db

import (
	"database/sql"
	"fmt"
	stdlog "log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/flowforge/engine/internal/config"
	"github.com/flowforge/engine/internal/logging"
)

// Service owns the pooled Postgres connection. It is the single shared
// mutable resource the engine depends on; everything else is either
// immutable or coordinated through rows in this database.
type Service struct {
	db  *gorm.DB
	sql *sql.DB
	log *logging.Logger
}

func Open(cfg config.PostgresConfig, log *logging.Logger) (*Service, error) {
	serviceLog := log.With("component", "postgres")

	gormLog := gormLogger.New(
		stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	gdb, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := gdb.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return nil, fmt.Errorf("enable uuid-ossp: %w", err)
	}
	if err := gdb.Exec(`CREATE EXTENSION IF NOT EXISTS "pgcrypto";`).Error; err != nil {
		return nil, fmt.Errorf("enable pgcrypto: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Service{db: gdb, sql: sqlDB, log: serviceLog}, nil
}

func (s *Service) DB() *gorm.DB   { return s.db }
func (s *Service) SQL() *sql.DB   { return s.sql }
func (s *Service) Close() error   { return s.sql.Close() }
