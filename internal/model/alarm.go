package model

import "time"

// AlarmStatus represents the lifecycle state of an alarm
type AlarmStatus string

const (
	AlarmStatusActive       AlarmStatus = "ACTIVE"
	AlarmStatusAcknowledged AlarmStatus = "ACKNOWLEDGED"
	AlarmStatusCleared      AlarmStatus = "CLEARED"
)

// CanTransitionTo reports whether next is a legal successor of s
func (s AlarmStatus) CanTransitionTo(next AlarmStatus) bool {
	switch s {
	case AlarmStatusActive:
		return next == AlarmStatusAcknowledged || next == AlarmStatusCleared
	case AlarmStatusAcknowledged:
		return next == AlarmStatusCleared
	}
	return false
}

// Alarm represents a raised condition and its handling
type Alarm struct {
	ID             string                 `json:"id"`
	TenantID       string                 `json:"tenant_id"`
	RuleID         string                 `json:"alert_rule_id,omitempty"`
	DeviceID       string                 `json:"device_id,omitempty"`
	AlarmType      string                 `json:"alarm_type"`
	Severity       Severity               `json:"severity"`
	Status         AlarmStatus            `json:"status"`
	Message        string                 `json:"message"`
	Context        map[string]interface{} `json:"context,omitempty"`
	FiredAt        time.Time              `json:"fired_at"`
	AcknowledgedAt *time.Time             `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string                 `json:"acknowledged_by,omitempty"`
	ClearedAt      *time.Time             `json:"cleared_at,omitempty"`
	ClearedBy      string                 `json:"cleared_by,omitempty"`
	Version        int                    `json:"version"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// Manual reports whether the alarm was created without a rule
func (a *Alarm) Manual() bool {
	return a.RuleID == ""
}

// AlarmFilter narrows an alarm listing. Empty fields match everything.
type AlarmFilter struct {
	Status    AlarmStatus `json:"status,omitempty"`
	Severity  Severity    `json:"severity,omitempty"`
	DeviceID  string      `json:"device_id,omitempty"`
	AlarmType string      `json:"alarm_type,omitempty"`
	Limit     int         `json:"limit,omitempty"`
	Offset    int         `json:"offset,omitempty"`
}

// AlarmSummary counts the alarms of a tenant
type AlarmSummary struct {
	Total      int                 `json:"total"`
	ByStatus   map[AlarmStatus]int `json:"by_status"`
	BySeverity map[Severity]int    `json:"by_severity"`
}
