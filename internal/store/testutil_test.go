package store

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/mediaforge/orchestrator-core/internal/model"
	"github.com/mediaforge/orchestrator-core/internal/platform/logger"
)

func testDB(tb testing.TB) *gorm.DB {
	tb.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	if err := gdb.AutoMigrate(model.AllTables()...); err != nil {
		tb.Fatalf("automigrate: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		tb.Fatalf("underlying sql.DB: %v", err)
	}
	// A private (non-shared-cache) :memory: database is scoped to a single
	// connection; without this, gorm's pool can hand out a second
	// connection that sees an empty database.
	sqlDB.SetMaxOpenConns(1)
	return gdb
}

type fakeProvisioner struct {
	created []string
	removed []string
	failNext bool
}

func (f *fakeProvisioner) CreateProjectDir(projectID string) error {
	if f.failNext {
		f.failNext = false
		return errCreateFailed
	}
	f.created = append(f.created, projectID)
	return nil
}

func (f *fakeProvisioner) RemoveProjectDir(projectID string) error {
	f.removed = append(f.removed, projectID)
	return nil
}

var errCreateFailed = &testErr{"provisioner: simulated failure"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

func testLogger(tb testing.TB) *logger.Logger {
	tb.Helper()
	return logger.Noop()
}
