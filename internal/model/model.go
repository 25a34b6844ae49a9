package model

import "time"

// TripStatus describes what a vehicle is currently doing on its assigned route.
type TripStatus string

const (
	TripIdle         TripStatus = "idle"
	TripEnRoute      TripStatus = "enRoute"
	TripStopped      TripStatus = "stopped"
	TripOutOfService TripStatus = "outOfService"
)

// PositionReport is one raw GPS fix pushed by a vehicle-side device.
// ObservedAt is stamped by the device; ReceivedAt is stamped at ingestion.
type PositionReport struct {
	VehicleID      string     `json:"vehicleId"`
	Latitude       float64    `json:"latitude"`
	Longitude      float64    `json:"longitude"`
	HeadingDegrees float64    `json:"headingDegrees"`
	SpeedKph       float64    `json:"speedKph"`
	ObservedAt     time.Time  `json:"observedAt"`
	TripStatus     TripStatus `json:"tripStatus,omitempty"`
	ReceivedAt     time.Time  `json:"-"`
}

// VehicleState is the latest accepted state for one vehicle. Vehicles are
// never removed from the live map; going out of service is a status change.
type VehicleState struct {
	VehicleID      string     `json:"vehicleId"`
	Latitude       float64    `json:"latitude"`
	Longitude      float64    `json:"longitude"`
	HeadingDegrees float64    `json:"headingDegrees"`
	SpeedKph       float64    `json:"speedKph"`
	TripStatus     TripStatus `json:"tripStatus"`
	ObservedAt     time.Time  `json:"observedAt"`
	ReceivedAt     time.Time  `json:"-"`
}

// RejectReason classifies why a position report was not accepted.
// Rejections are counted and logged, never fatal to the ingestion path.
type RejectReason string

const (
	RejectNone           RejectReason = ""
	RejectUnknownVehicle RejectReason = "UnknownVehicle"
	RejectOutOfRange     RejectReason = "OutOfRange"
	RejectClockSkew      RejectReason = "ClockSkew"
	RejectStale          RejectReason = "Stale"
)

// TargetType distinguishes the two kinds of subscription targets.
type TargetType string

const (
	TargetVehicle TargetType = "vehicle"
	TargetRoute   TargetType = "route"
)

// Target identifies what a viewer wants updates for.
type Target struct {
	Type TargetType `json:"type"`
	ID   string     `json:"id"`
}

// SubscribeCommand is the inbound viewer message.
type SubscribeCommand struct {
	Action string `json:"action"` // "subscribe" | "unsubscribe"
	Target Target `json:"target"`
}

// PositionUpdate is the outbound viewer message for one accepted state change.
type PositionUpdate struct {
	Type           string     `json:"type"` // always "position"
	VehicleID      string     `json:"vehicleId"`
	Latitude       float64    `json:"latitude"`
	Longitude      float64    `json:"longitude"`
	HeadingDegrees float64    `json:"headingDegrees"`
	SpeedKph       float64    `json:"speedKph"`
	TripStatus     TripStatus `json:"tripStatus"`
	ObservedAt     time.Time  `json:"observedAt"`
}

// UpdateFromState converts stored state into the viewer wire format.
func UpdateFromState(st VehicleState) PositionUpdate {
	return PositionUpdate{
		Type:           "position",
		VehicleID:      st.VehicleID,
		Latitude:       st.Latitude,
		Longitude:      st.Longitude,
		HeadingDegrees: st.HeadingDegrees,
		SpeedKph:       st.SpeedKph,
		TripStatus:     st.TripStatus,
		ObservedAt:     st.ObservedAt,
	}
}

// AlertKind names the notification categories emitted by the alert evaluator.
type AlertKind string

const (
	AlertUnexpectedStop AlertKind = "UnexpectedStopAlert"
	AlertDelay          AlertKind = "DelayAlert"
)

// RouteAssignment is the inbound event from the scheduling collaborator
// announcing the full set of vehicles currently serving a route.
type RouteAssignment struct {
	RouteID    string   `json:"routeId"`
	VehicleIDs []string `json:"vehicleIds"`
}
