package model

import (
	"fmt"
	"time"
)

// RuleType distinguishes single-condition and composite rules
type RuleType string

const (
	RuleTypeSimple  RuleType = "SIMPLE"
	RuleTypeComplex RuleType = "COMPLEX"
)

// Severity represents the severity level of a rule or alarm
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityMajor    Severity = "MAJOR"
	SeverityMinor    Severity = "MINOR"
	SeverityWarning  Severity = "WARNING"
)

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityMajor, SeverityMinor, SeverityWarning:
		return true
	}
	return false
}

// Logic combines the conditions of a composite rule
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Operator compares a metric against a threshold
type Operator string

const (
	OpGreater      Operator = "gt"
	OpGreaterEqual Operator = "gte"
	OpLess         Operator = "lt"
	OpLessEqual    Operator = "lte"
	OpEqual        Operator = "eq"
	OpNotEqual     Operator = "neq"
)

// Valid reports whether op is a known operator
func (op Operator) Valid() bool {
	switch op {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual, OpNotEqual:
		return true
	}
	return false
}

// Ordering reports whether op needs numeric operands
func (op Operator) Ordering() bool {
	switch op {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual:
		return true
	}
	return false
}

// Condition is a single field comparison
type Condition struct {
	Field     string      `json:"field" yaml:"field"`
	Operator  Operator    `json:"operator" yaml:"operator"`
	Threshold MetricValue `json:"threshold" yaml:"threshold"`
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %s", c.Field, c.Operator, c.Threshold)
}

// AlertRule defines when a reading raises an alarm
type AlertRule struct {
	ID              string      `json:"id" yaml:"id"`
	TenantID        string      `json:"tenant_id" yaml:"tenant_id"`
	DeviceID        string      `json:"device_id,omitempty" yaml:"device_id"`
	Name            string      `json:"name,omitempty" yaml:"name"`
	AlarmType       string      `json:"alarm_type,omitempty" yaml:"alarm_type"`
	Type            RuleType    `json:"rule_type" yaml:"rule_type"`
	Severity        Severity    `json:"severity" yaml:"severity"`
	Logic           Logic       `json:"logic,omitempty" yaml:"logic"`
	Conditions      []Condition `json:"conditions" yaml:"conditions"`
	CooldownMinutes int         `json:"cooldown_minutes" yaml:"cooldown_minutes"`
	Active          bool        `json:"active" yaml:"active"`
	MessageTemplate string      `json:"message_template,omitempty" yaml:"message_template"`
	Channels        []string    `json:"channels,omitempty" yaml:"channels"`
	UpdatedAt       time.Time   `json:"updated_at" yaml:"-"`
}

// FleetWide reports whether the rule applies to every device of its tenant
func (r *AlertRule) FleetWide() bool {
	return r.DeviceID == ""
}

// Cooldown returns the minimum gap between two alarms for the same device
func (r *AlertRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// Validate checks the structural invariants of the rule
func (r *AlertRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("rule %s: invalid severity %q", r.ID, r.Severity)
	}
	if r.CooldownMinutes < 0 {
		return fmt.Errorf("rule %s: cooldown must be >= 0", r.ID)
	}

	switch r.Type {
	case RuleTypeSimple:
		if len(r.Conditions) != 1 {
			return fmt.Errorf("rule %s: simple rule needs exactly one condition, has %d", r.ID, len(r.Conditions))
		}
	case RuleTypeComplex:
		if len(r.Conditions) < 2 {
			return fmt.Errorf("rule %s: complex rule needs at least two conditions, has %d", r.ID, len(r.Conditions))
		}
		if r.Logic != LogicAnd && r.Logic != LogicOr {
			return fmt.Errorf("rule %s: invalid logic %q", r.ID, r.Logic)
		}
	default:
		return fmt.Errorf("rule %s: invalid rule type %q", r.ID, r.Type)
	}

	for i, c := range r.Conditions {
		if c.Field == "" {
			return fmt.Errorf("rule %s: condition %d has no field", r.ID, i)
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("rule %s: condition %d has invalid operator %q", r.ID, i, c.Operator)
		}
		if c.Threshold.IsText && c.Operator.Ordering() {
			return fmt.Errorf("rule %s: condition %d compares text with %s", r.ID, i, c.Operator)
		}
	}
	return nil
}
