package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/telemetry-hub/internal/model"
	"github.com/t77yq/telemetry-hub/internal/tenant"
)

// TelemetryStore defines the interface for reading storage
type TelemetryStore interface {
	// Append stores a reading once. A redelivered reading returns inserted=false.
	Append(ctx context.Context, reading *model.TelemetryReading) (inserted bool, err error)

	// Recent returns the latest readings of a device, newest first
	Recent(ctx context.Context, deviceID string, limit int) ([]*model.TelemetryReading, error)

	// DeleteBefore removes readings of every tenant older than before
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Append implements TelemetryStore.Append
func (s *SQLiteStore) Append(ctx context.Context, reading *model.TelemetryReading) (bool, error) {
	tenantID, err := scopedTenant(ctx)
	if err != nil {
		return false, err
	}
	if reading.TenantID != tenantID {
		return false, fmt.Errorf("%w: reading for %s in scope %s", tenant.ErrTenantMismatch, reading.TenantID, tenantID)
	}

	metrics, err := json.Marshal(reading.Metrics)
	if err != nil {
		return false, fmt.Errorf("failed to marshal metrics: %w", err)
	}
	var flags sql.NullString
	if len(reading.Flags) > 0 {
		data, err := json.Marshal(reading.Flags)
		if err != nil {
			return false, fmt.Errorf("failed to marshal flags: %w", err)
		}
		flags = sql.NullString{String: string(data), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO telemetry (
			tenant_id, device_id, ts, fingerprint, metrics, battery, signal, received_at, restamped, flags
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tenantID,
		reading.DeviceID,
		toNanos(reading.Timestamp),
		reading.Fingerprint(),
		string(metrics),
		nullFloat(reading.Battery),
		nullFloat(reading.Signal),
		toNanos(reading.ReceivedAt),
		reading.Restamped,
		flags,
	)
	if err != nil {
		return false, fmt.Errorf("failed to store reading: %w", classify(err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

// Recent implements TelemetryStore.Recent
func (s *SQLiteStore) Recent(ctx context.Context, deviceID string, limit int) ([]*model.TelemetryReading, error) {
	tenantID, err := scopedTenant(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, ts, metrics, battery, signal, received_at, restamped, flags
		FROM telemetry
		WHERE tenant_id = ? AND device_id = ?
		ORDER BY ts DESC
		LIMIT ?`, tenantID, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list readings: %w", classify(err))
	}
	defer rows.Close()

	var readings []*model.TelemetryReading
	for rows.Next() {
		reading := &model.TelemetryReading{TenantID: tenantID}
		var ts, receivedAt int64
		var metrics string
		var flags sql.NullString
		var battery, signal sql.NullFloat64

		if err := rows.Scan(
			&reading.DeviceID,
			&ts,
			&metrics,
			&battery,
			&signal,
			&receivedAt,
			&reading.Restamped,
			&flags,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", classify(err))
		}

		reading.Timestamp = fromNanos(ts)
		reading.ReceivedAt = fromNanos(receivedAt)
		reading.Battery = floatPtr(battery)
		reading.Signal = floatPtr(signal)
		if err := json.Unmarshal([]byte(metrics), &reading.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode metrics: %w", err)
		}
		if flags.Valid {
			if err := json.Unmarshal([]byte(flags.String), &reading.Flags); err != nil {
				return nil, fmt.Errorf("failed to decode flags: %w", err)
			}
		}

		readings = append(readings, reading)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", classify(err))
	}

	return readings, nil
}

// DeleteBefore implements TelemetryStore.DeleteBefore
func (s *SQLiteStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM telemetry WHERE ts < ?", toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete readings: %w", classify(err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old readings",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}
