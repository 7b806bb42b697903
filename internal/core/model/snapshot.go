package model

import "time"

// EngineState is the last known ignition state of a device.
type EngineState string

const (
	EngineOn      EngineState = "on"
	EngineOff     EngineState = "off"
	EngineUnknown EngineState = "unknown"
)

// DeviceSnapshot is the latest known telemetry state for one device.
//
// It is owned and mutated exclusively by the telemetry repository; every
// other component receives copies.
type DeviceSnapshot struct {
	DeviceID     int64       `json:"deviceId"`
	Name         string      `json:"name,omitempty"`
	Position     *Position   `json:"position,omitempty"`
	EngineState  EngineState `json:"engineState"`
	DistanceKm   float64     `json:"distanceKm"`
	BatteryLevel float64     `json:"batteryLevel"`
	FuelLevel    float64     `json:"fuelLevel"`
	LastUpdate   time.Time   `json:"lastUpdate"`
}

// Apply folds an accepted position into the snapshot. Callers are
// responsible for the dedup check; Apply itself never rejects.
func (s *DeviceSnapshot) Apply(p *Position) {
	s.Position = p
	s.LastUpdate = p.DeviceTime

	if _, ok := p.Attributes[AttrIgnition]; ok {
		if p.Bool(AttrIgnition) {
			s.EngineState = EngineOn
		} else {
			s.EngineState = EngineOff
		}
	} else if s.EngineState == "" {
		s.EngineState = EngineUnknown
	}

	if v, ok := p.Attributes[AttrBatteryLevel]; ok {
		if f, ok := v.(float64); ok {
			s.BatteryLevel = f
		}
	}
	if v, ok := p.Attributes[AttrFuelLevel]; ok {
		if f, ok := v.(float64); ok {
			s.FuelLevel = f
		}
	}
	if v, ok := p.Attributes[AttrTotalDistance]; ok {
		if f, ok := v.(float64); ok {
			s.DistanceKm = f / 1000
		}
	}
}

// Sample derives the durable history record for this snapshot state.
func (s *DeviceSnapshot) Sample() TelemetrySample {
	sample := TelemetrySample{
		DeviceID:    s.DeviceID,
		Engine:      s.EngineState,
		BatteryPct:  s.BatteryLevel,
		OdometerKm:  s.DistanceKm,
		TimestampMs: s.LastUpdate.UnixMilli(),
	}
	if s.Position != nil {
		sample.SpeedKn = s.Position.Speed
		sample.Signal = s.Position.Float(AttrSignal)
		sample.Motion = s.Position.Bool(AttrMotion)
	}
	return sample
}

// TelemetrySample is one durable telemetry record, persisted on every
// accepted update and pruned by age.
type TelemetrySample struct {
	DeviceID    int64       `json:"deviceId"`
	TimestampMs int64       `json:"timestampMs"`
	SpeedKn     float64     `json:"speedKn"`
	BatteryPct  float64     `json:"batteryPct"`
	Signal      float64     `json:"signal"`
	Engine      EngineState `json:"engine"`
	OdometerKm  float64     `json:"odometerKm"`
	Motion      bool        `json:"motion"`
}
