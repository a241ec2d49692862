package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/telemetry-hub/internal/tenant"
)

// SQLiteStore implements the telemetry, device, alarm and rule stores on SQLite
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens or creates the database at dbPath. ":memory:" gives a private in-memory database.
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" && !strings.Contains(dbPath, "?") {
		dsn = dbPath + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps in-memory databases shared
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		logger: logger.Named("storage"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS telemetry (
			tenant_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			fingerprint TEXT NOT NULL,
			metrics TEXT NOT NULL,
			battery REAL,
			signal REAL,
			received_at INTEGER NOT NULL,
			restamped INTEGER NOT NULL DEFAULT 0,
			flags TEXT,
			PRIMARY KEY (tenant_id, device_id, ts, fingerprint)
		);
		CREATE INDEX IF NOT EXISTS idx_telemetry_device_ts ON telemetry(tenant_id, device_id, ts);

		CREATE TABLE IF NOT EXISTS devices (
			tenant_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			status TEXT NOT NULL,
			last_seen INTEGER NOT NULL,
			battery REAL,
			signal REAL,
			PRIMARY KEY (tenant_id, device_id)
		);
		CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen);

		CREATE TABLE IF NOT EXISTS alarms (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			rule_id TEXT NOT NULL DEFAULT '',
			device_id TEXT NOT NULL DEFAULT '',
			alarm_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT NOT NULL,
			context TEXT,
			fired_at INTEGER NOT NULL,
			acknowledged_at INTEGER,
			acknowledged_by TEXT NOT NULL DEFAULT '',
			cleared_at INTEGER,
			cleared_by TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 1,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alarms_tenant_status ON alarms(tenant_id, status);
		CREATE INDEX IF NOT EXISTS idx_alarms_tenant_device ON alarms(tenant_id, device_id);

		CREATE TABLE IF NOT EXISTS alert_rules (
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL,
			definition TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, id)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scopedTenant resolves the tenant every scoped query is filtered by
func scopedTenant(ctx context.Context) (string, error) {
	tenantID, err := tenant.TenantID(ctx)
	if err != nil {
		return "", err
	}
	return tenantID, nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	f := n.Float64
	return &f
}
