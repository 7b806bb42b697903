package model

import "time"

// Device is an entry from the backend's device list.
type Device struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	UniqueID   string    `json:"uniqueId"`
	Status     string    `json:"status"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// Geofence is an entry from the backend's geofence list. The sync engine
// caches but never evaluates geometry.
type Geofence struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Area string `json:"area"`
}

// User is an entry from the backend's user list.
type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Event is a non-position occurrence reported by the backend
// (geofence enter/exit, ignition change, alarm, ...). The sync engine
// forwards these unprocessed.
type Event struct {
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	DeviceID   int64          `json:"deviceId"`
	PositionID int64          `json:"positionId,omitempty"`
	EventTime  time.Time      `json:"eventTime"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// StreamMessage is one decoded frame from the live socket. The backend
// batches updates, so any combination of the three lists may be present.
type StreamMessage struct {
	Positions []Position `json:"positions,omitempty"`
	Devices   []Device   `json:"devices,omitempty"`
	Events    []Event    `json:"events,omitempty"`
}

// Empty reports whether the frame carried nothing we understand.
func (m *StreamMessage) Empty() bool {
	return len(m.Positions) == 0 && len(m.Devices) == 0 && len(m.Events) == 0
}
