package model

import (
	"time"
)

// Position is a single GPS fix reported by a device.
//
// DeviceTime is the device-reported fix time and drives the per-device
// dedup rule; ServerTime is when the backend received it.
type Position struct {
	ID         int64          `json:"id"`
	DeviceID   int64          `json:"deviceId"`
	Latitude   float64        `json:"latitude"`
	Longitude  float64        `json:"longitude"`
	Altitude   float64        `json:"altitude"`
	Speed      float64        `json:"speed"`
	Course     float64        `json:"course"`
	DeviceTime time.Time      `json:"deviceTime"`
	ServerTime time.Time      `json:"serverTime"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Bool reads a boolean attribute, false when absent or of another type.
func (p *Position) Bool(key string) bool {
	v, ok := p.Attributes[key].(bool)
	return ok && v
}

// Float reads a numeric attribute, 0 when absent.
// JSON decoding stores every number as float64.
func (p *Position) Float(key string) float64 {
	v, _ := p.Attributes[key].(float64)
	return v
}

// Equal reports whether two positions carry identical content.
// Used to break deviceTime ties in the dedup rule.
func (p *Position) Equal(other *Position) bool {
	if p == nil || other == nil {
		return p == other
	}
	if p.ID != other.ID ||
		p.DeviceID != other.DeviceID ||
		p.Latitude != other.Latitude ||
		p.Longitude != other.Longitude ||
		p.Altitude != other.Altitude ||
		p.Speed != other.Speed ||
		p.Course != other.Course ||
		!p.DeviceTime.Equal(other.DeviceTime) ||
		!p.ServerTime.Equal(other.ServerTime) {
		return false
	}
	if len(p.Attributes) != len(other.Attributes) {
		return false
	}
	for k, v := range p.Attributes {
		if ov, ok := other.Attributes[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Well-known position attribute keys reported by the backend.
const (
	AttrIgnition      = "ignition"
	AttrMotion        = "motion"
	AttrBatteryLevel  = "batteryLevel"
	AttrFuelLevel     = "fuel"
	AttrTotalDistance = "totalDistance" // meters
	AttrSignal        = "rssi"
)
