// Package testutil provides a migrated sqlite database for package tests.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
	"github.com/stanstork/ledgersync/internal/migration"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type DB struct {
	SQL  *sql.DB
	Gorm *gorm.DB
}

// NewDB opens a file-backed sqlite database under t.TempDir with foreign
// keys enforced and the production migrations applied.
func NewDB(t *testing.T) *DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ledgersync.db")
	sqlDB, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	if err := migration.Apply(sqlDB, "sqlite3", zerolog.Nop()); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}

	gdb, err := gorm.Open(&sqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open gorm: %v", err)
	}
	return &DB{SQL: sqlDB, Gorm: gdb}
}

// Count returns the number of rows in table.
func (d *DB) Count(t *testing.T, table string) int {
	t.Helper()
	var n int
	if err := d.SQL.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
