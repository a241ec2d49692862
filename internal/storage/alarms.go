package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/t77yq/telemetry-hub/internal/model"
	"github.com/t77yq/telemetry-hub/internal/tenant"
)

// AlarmStore defines the interface for alarm storage. Every call is filtered by the bound tenant.
type AlarmStore interface {
	// CreateAlarm stores a new alarm
	CreateAlarm(ctx context.Context, alarm *model.Alarm) error

	// GetAlarm retrieves an alarm by ID
	GetAlarm(ctx context.Context, id string) (*model.Alarm, error)

	// UpdateAlarm writes alarm if the stored row still has the expected status and version
	UpdateAlarm(ctx context.Context, alarm *model.Alarm, expected model.AlarmStatus, expectedVersion int) error

	// DeleteAlarm removes a cleared alarm
	DeleteAlarm(ctx context.Context, id string) error

	// ListAlarms retrieves alarms matching filter, newest first
	ListAlarms(ctx context.Context, filter model.AlarmFilter) ([]*model.Alarm, error)

	// CountAlarms returns counts grouped by status and severity
	CountAlarms(ctx context.Context) (*model.AlarmSummary, error)
}

const alarmColumns = `id, tenant_id, rule_id, device_id, alarm_type, severity, status, message, context,
	fired_at, acknowledged_at, acknowledged_by, cleared_at, cleared_by, version, updated_at`

// CreateAlarm implements AlarmStore.CreateAlarm
func (s *SQLiteStore) CreateAlarm(ctx context.Context, alarm *model.Alarm) error {
	tenantID, err := scopedTenant(ctx)
	if err != nil {
		return err
	}
	if alarm.TenantID != tenantID {
		return fmt.Errorf("%w: alarm for %s in scope %s", tenant.ErrTenantMismatch, alarm.TenantID, tenantID)
	}

	contextStr, err := marshalContext(alarm.Context)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alarms (`+alarmColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alarm.ID,
		tenantID,
		alarm.RuleID,
		alarm.DeviceID,
		alarm.AlarmType,
		alarm.Severity,
		alarm.Status,
		alarm.Message,
		contextStr,
		toNanos(alarm.FiredAt),
		nullNanos(alarm.AcknowledgedAt),
		alarm.AcknowledgedBy,
		nullNanos(alarm.ClearedAt),
		alarm.ClearedBy,
		alarm.Version,
		toNanos(alarm.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store alarm: %w", classify(err))
	}
	return nil
}

// GetAlarm implements AlarmStore.GetAlarm
func (s *SQLiteStore) GetAlarm(ctx context.Context, id string) (*model.Alarm, error) {
	tenantID, err := scopedTenant(ctx)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+alarmColumns+`
		FROM alarms
		WHERE id = ? AND tenant_id = ?`, id, tenantID)

	alarm, err := scanAlarm(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: alarm %s", ErrNotFound, id)
		}
		return nil, err
	}
	return alarm, nil
}

// UpdateAlarm implements AlarmStore.UpdateAlarm
func (s *SQLiteStore) UpdateAlarm(ctx context.Context, alarm *model.Alarm, expected model.AlarmStatus, expectedVersion int) error {
	tenantID, err := scopedTenant(ctx)
	if err != nil {
		return err
	}

	contextStr, err := marshalContext(alarm.Context)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE alarms SET
			status = ?,
			context = ?,
			acknowledged_at = ?,
			acknowledged_by = ?,
			cleared_at = ?,
			cleared_by = ?,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND tenant_id = ? AND status = ? AND version = ?`,
		alarm.Status,
		contextStr,
		nullNanos(alarm.AcknowledgedAt),
		alarm.AcknowledgedBy,
		nullNanos(alarm.ClearedAt),
		alarm.ClearedBy,
		toNanos(alarm.UpdatedAt),
		alarm.ID,
		tenantID,
		expected,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update alarm: %w", classify(err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: alarm %s", ErrConflict, alarm.ID)
	}

	alarm.Version = expectedVersion + 1
	return nil
}

// DeleteAlarm implements AlarmStore.DeleteAlarm
func (s *SQLiteStore) DeleteAlarm(ctx context.Context, id string) error {
	tenantID, err := scopedTenant(ctx)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM alarms WHERE id = ? AND tenant_id = ? AND status = ?",
		id, tenantID, model.AlarmStatusCleared)
	if err != nil {
		return fmt.Errorf("failed to delete alarm: %w", classify(err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: alarm %s", ErrConflict, id)
	}
	return nil
}

// ListAlarms implements AlarmStore.ListAlarms
func (s *SQLiteStore) ListAlarms(ctx context.Context, filter model.AlarmFilter) ([]*model.Alarm, error) {
	tenantID, err := scopedTenant(ctx)
	if err != nil {
		return nil, err
	}

	conditions := []string{"tenant_id = ?"}
	args := []interface{}{tenantID}

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Severity != "" {
		conditions = append(conditions, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.AlarmType != "" {
		conditions = append(conditions, "alarm_type = ?")
		args = append(args, filter.AlarmType)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := "SELECT " + alarmColumns + " FROM alarms WHERE " + strings.Join(conditions, " AND ") +
		" ORDER BY fired_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alarms: %w", classify(err))
	}
	defer rows.Close()

	var alarms []*model.Alarm
	for rows.Next() {
		alarm, err := scanAlarm(rows)
		if err != nil {
			return nil, err
		}
		alarms = append(alarms, alarm)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", classify(err))
	}

	return alarms, nil
}

// CountAlarms implements AlarmStore.CountAlarms
func (s *SQLiteStore) CountAlarms(ctx context.Context) (*model.AlarmSummary, error) {
	tenantID, err := scopedTenant(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, severity, COUNT(*)
		FROM alarms
		WHERE tenant_id = ?
		GROUP BY status, severity`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to count alarms: %w", classify(err))
	}
	defer rows.Close()

	summary := &model.AlarmSummary{
		ByStatus:   make(map[model.AlarmStatus]int),
		BySeverity: make(map[model.Severity]int),
	}
	for rows.Next() {
		var status model.AlarmStatus
		var severity model.Severity
		var count int
		if err := rows.Scan(&status, &severity, &count); err != nil {
			return nil, fmt.Errorf("failed to scan alarm count: %w", classify(err))
		}
		summary.Total += count
		summary.ByStatus[status] += count
		summary.BySeverity[severity] += count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", classify(err))
	}

	return summary, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlarm(row rowScanner) (*model.Alarm, error) {
	alarm := &model.Alarm{}
	var contextStr sql.NullString
	var firedAt, updatedAt int64
	var acknowledgedAt, clearedAt sql.NullInt64

	err := row.Scan(
		&alarm.ID,
		&alarm.TenantID,
		&alarm.RuleID,
		&alarm.DeviceID,
		&alarm.AlarmType,
		&alarm.Severity,
		&alarm.Status,
		&alarm.Message,
		&contextStr,
		&firedAt,
		&acknowledgedAt,
		&alarm.AcknowledgedBy,
		&clearedAt,
		&alarm.ClearedBy,
		&alarm.Version,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan alarm: %w", classify(err))
	}

	alarm.FiredAt = fromNanos(firedAt)
	alarm.UpdatedAt = fromNanos(updatedAt)
	alarm.AcknowledgedAt = timePtr(acknowledgedAt)
	alarm.ClearedAt = timePtr(clearedAt)

	if contextStr.Valid && contextStr.String != "" {
		if err := json.Unmarshal([]byte(contextStr.String), &alarm.Context); err != nil {
			return nil, fmt.Errorf("failed to decode alarm context: %w", err)
		}
	}
	return alarm, nil
}

func marshalContext(ctx map[string]interface{}) (sql.NullString, error) {
	if len(ctx) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal alarm context: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
