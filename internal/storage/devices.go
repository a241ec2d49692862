package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/telemetry-hub/internal/model"
	"github.com/t77yq/telemetry-hub/internal/tenant"
)

// DeviceStore defines the interface for device liveness storage
type DeviceStore interface {
	// Touch marks a device as seen at seenAt
	Touch(ctx context.Context, reading *model.TelemetryReading, seenAt time.Time) error

	// GetDevice returns a device of the bound tenant
	GetDevice(ctx context.Context, deviceID string) (*model.Device, error)

	// SweepAll reclassifies devices of every tenant by staleness and returns counts per status
	SweepAll(ctx context.Context, now time.Time, idleAfter, offlineAfter time.Duration) (map[model.DeviceStatus]int, error)
}

// Touch implements DeviceStore.Touch
func (s *SQLiteStore) Touch(ctx context.Context, reading *model.TelemetryReading, seenAt time.Time) error {
	tenantID, err := scopedTenant(ctx)
	if err != nil {
		return err
	}
	if reading.TenantID != tenantID {
		return fmt.Errorf("%w: device of %s in scope %s", tenant.ErrTenantMismatch, reading.TenantID, tenantID)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (tenant_id, device_id, status, last_seen, battery, signal)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, device_id) DO UPDATE SET
			status = ?,
			last_seen = MAX(devices.last_seen, excluded.last_seen),
			battery = COALESCE(excluded.battery, devices.battery),
			signal = COALESCE(excluded.signal, devices.signal)`,
		tenantID,
		reading.DeviceID,
		model.DeviceStatusOnline,
		toNanos(seenAt),
		nullFloat(reading.Battery),
		nullFloat(reading.Signal),
		model.DeviceStatusOnline,
	)
	if err != nil {
		return fmt.Errorf("failed to update device: %w", classify(err))
	}
	return nil
}

// GetDevice implements DeviceStore.GetDevice
func (s *SQLiteStore) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	tenantID, err := scopedTenant(ctx)
	if err != nil {
		return nil, err
	}

	device := &model.Device{TenantID: tenantID}
	var lastSeen int64
	var battery, signal sql.NullFloat64

	err = s.db.QueryRowContext(ctx, `
		SELECT device_id, status, last_seen, battery, signal
		FROM devices
		WHERE tenant_id = ? AND device_id = ?`, tenantID, deviceID).Scan(
		&device.ID,
		&device.Status,
		&lastSeen,
		&battery,
		&signal,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
		}
		return nil, fmt.Errorf("failed to scan device: %w", classify(err))
	}

	device.LastSeen = fromNanos(lastSeen)
	device.Battery = floatPtr(battery)
	device.Signal = floatPtr(signal)
	return device, nil
}

// SweepAll implements DeviceStore.SweepAll
func (s *SQLiteStore) SweepAll(ctx context.Context, now time.Time, idleAfter, offlineAfter time.Duration) (map[model.DeviceStatus]int, error) {
	idleCutoff := toNanos(now.Add(-idleAfter))
	offlineCutoff := toNanos(now.Add(-offlineAfter))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin sweep: %w", classify(err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE devices SET status = ?
		WHERE last_seen < ? AND status != ?`,
		model.DeviceStatusOffline, offlineCutoff, model.DeviceStatusOffline); err != nil {
		return nil, fmt.Errorf("failed to mark offline devices: %w", classify(err))
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE devices SET status = ?
		WHERE last_seen < ? AND last_seen >= ? AND status = ?`,
		model.DeviceStatusIdle, idleCutoff, offlineCutoff, model.DeviceStatusOnline); err != nil {
		return nil, fmt.Errorf("failed to mark idle devices: %w", classify(err))
	}

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM devices GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count devices: %w", classify(err))
	}
	defer rows.Close()

	counts := map[model.DeviceStatus]int{
		model.DeviceStatusOnline:  0,
		model.DeviceStatusIdle:    0,
		model.DeviceStatusOffline: 0,
	}
	for rows.Next() {
		var status model.DeviceStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan device count: %w", classify(err))
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", classify(err))
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit sweep: %w", classify(err))
	}
	return counts, nil
}
