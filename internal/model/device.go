package model

import "time"

// DeviceStatus represents the liveness of a device
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusIdle    DeviceStatus = "idle"
	DeviceStatusOffline DeviceStatus = "offline"
)

// FleetKey stands in for the device id of fleet-wide rules and alarms
const FleetKey = "fleet"

// Device represents the last known state of a device
type Device struct {
	TenantID string       `json:"tenant_id"`
	ID       string       `json:"id"`
	Status   DeviceStatus `json:"status"`
	LastSeen time.Time    `json:"last_seen"`
	Battery  *float64     `json:"battery,omitempty"`
	Signal   *float64     `json:"signal,omitempty"`
}
