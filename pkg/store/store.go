// Package store owns the embedded SQL databases: the audit trail, activity
// analytics, token-savings metrics, and persisted circuit-breaker state. Each
// database is a separate sqlite file opened in WAL mode with goose-managed,
// idempotent schema migrations. The dependency container (pkg/deps) opens the
// stores once and shares them by reference.
package store

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/coderelay/relay/pkg/logger"
)

var storeLog = logger.New("audit:store")

//go:embed migrations
var migrationsFS embed.FS

// Database file names under the data directory.
const (
	AuditDBFile        = "audit.sqlite"
	ActivityDBFile     = "activity.sqlite"
	TokenMetricsDBFile = "token-metrics.sqlite"
	BreakerDBFile      = "red-metrics.sqlite"
)

func openDB(dataDir, file, migrationDir string) (*sqlx.DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(dataDir, file)
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", file, err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under fan-out bursts while WAL keeps readers concurrent.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", file, err)
	}
	if err := migrate(db, migrationDir); err != nil {
		_ = db.Close()
		return nil, err
	}
	storeLog.Printf("Opened %s (migrations: %s)", file, migrationDir)
	return db, nil
}

func migrate(db *sqlx.DB, dir string) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(context.Background(), db.DB, "migrations/"+dir); err != nil {
		return fmt.Errorf("failed to migrate %s: %w", dir, err)
	}
	return nil
}
