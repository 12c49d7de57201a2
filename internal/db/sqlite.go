// Package db opens the embedded relational store the Project Store sits on
// top of (spec §6.2, §6.5 store_path).
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	gormlog "log"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/mediaforge/orchestrator-core/internal/platform/logger"
)

// Open opens (creating if necessary) the sqlite database at path with the
// foreign_keys, WAL journal and busy_timeout pragmas set in the DSN. The
// pool is pinned to a single connection, so store operations from
// concurrent stage goroutines run one at a time; a read does not proceed
// alongside another goroutine's open write transaction.
func Open(path string, log *logger.Logger) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("db: create store directory: %w", err)
		}
	}

	gormLog := gormLogger.New(
		gormlog.New(os.Stdout, "\r\n", gormlog.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLog,
	})
	if err != nil {
		log.Error("failed to open store", "path", path, "error", err)
		return nil, fmt.Errorf("db: open sqlite: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("db: underlying sql.DB: %w", err)
	}
	// sqlite allows exactly one writer at a time; a single pooled
	// connection avoids SQLITE_BUSY under WAL instead of masking it.
	sqlDB.SetMaxOpenConns(1)

	return gdb, nil
}
