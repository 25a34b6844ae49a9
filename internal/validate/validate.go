package validate

import (
	"math"
	"strings"
	"time"

	"github.com/SaxenaPrashast/kiettraveller/internal/model"
)

// StateReader is the slice of the vehicle state store the validator needs
// for its staleness check.
type StateReader interface {
	Get(vehicleID string) (model.VehicleState, bool)
}

// Roster answers whether a vehicle identifier is known to the system.
type Roster interface {
	Known(vehicleID string) bool
}

// Validator checks raw position reports before they touch shared state.
// It has no side effects: the outcome is a pure function of the report,
// the currently stored state for that vehicle, and the server clock.
type Validator struct {
	roster        Roster
	states        StateReader
	skewTolerance time.Duration
	now           func() time.Time
}

func New(roster Roster, states StateReader, skewTolerance time.Duration, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{roster: roster, states: states, skewTolerance: skewTolerance, now: now}
}

// Validate normalizes a report or rejects it with a reason. Checks run in
// order: unknown vehicle, coordinate range, clock skew, staleness. The
// staleness verdict here is advisory; the store re-checks it atomically on
// update so concurrent reports for one vehicle cannot slip through.
func (v *Validator) Validate(report model.PositionReport) (model.PositionReport, model.RejectReason, bool) {
	report.VehicleID = strings.TrimSpace(report.VehicleID)
	if !wellFormedID(report.VehicleID) || !v.roster.Known(report.VehicleID) {
		return report, model.RejectUnknownVehicle, false
	}

	if !finite(report.Latitude) || !finite(report.Longitude) || !finite(report.HeadingDegrees) || !finite(report.SpeedKph) {
		return report, model.RejectOutOfRange, false
	}
	if report.Latitude < -90 || report.Latitude > 90 || report.Longitude < -180 || report.Longitude > 180 {
		return report, model.RejectOutOfRange, false
	}

	now := v.now()
	if report.ObservedAt.After(now.Add(v.skewTolerance)) {
		return report, model.RejectClockSkew, false
	}

	if stored, ok := v.states.Get(report.VehicleID); ok && !report.ObservedAt.After(stored.ObservedAt) {
		return report, model.RejectStale, false
	}

	// Normalize: heading into [0,360), speed never negative
	report.HeadingDegrees = normalizeHeading(report.HeadingDegrees)
	if report.SpeedKph < 0 {
		report.SpeedKph = 0
	}
	report.ReceivedAt = now
	return report, model.RejectNone, true
}

func wellFormedID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	return !strings.ContainsAny(id, " \t\n")
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func normalizeHeading(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
