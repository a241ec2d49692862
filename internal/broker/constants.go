package broker

import "time"

const (
	TelemetryStream   = "TELEMETRY"
	TelemetrySubjects = "*.devices.*.telemetry"

	DeadLetterStream  = "DEADLETTER"
	DeadLetterSubject = "telemetry.deadletter"

	FanoutStream          = "FANOUT"
	FanoutTelemetryPrefix = "fanout.telemetry"
	FanoutAlarmsPrefix    = "fanout.alarms"

	AlertStream          = "ALERTS"
	PipelineAlertSubject = "alert.pipeline.deadletter"

	NotifyStream        = "NOTIFY"
	NotifySubjectPrefix = "notify"

	// Core subject, not persisted
	RuleInvalidatePrefix = "rules.invalidate"

	streamMaxMsgs    = -1
	duplicatesWindow = 2 * time.Minute
)
