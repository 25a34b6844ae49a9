package alerts

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/SaxenaPrashast/kiettraveller/internal/model"
)

// Dispatcher is the outbound notification interface. Emission is
// fire-and-forget: implementations must never let a dispatch failure
// propagate back into the ingestion path.
type Dispatcher interface {
	Emit(kind model.AlertKind, vehicleID string, details map[string]any)
}

// Config holds the alert policy thresholds.
type Config struct {
	// StopAlertAfter is how long a vehicle may stand still while enRoute
	// before an UnexpectedStopAlert fires.
	StopAlertAfter time.Duration
	// DelayAlertAfter is how far past its scheduled arrival the naive ETA
	// may drift before a DelayAlert fires.
	DelayAlertAfter time.Duration
	// MinMovingSpeedKph is the speed under which a vehicle counts as
	// standing still.
	MinMovingSpeedKph float64
}

// Evaluator watches vehicle state transitions and emits alerts. One alert
// of each kind fires per episode: the stop alert re-arms when the vehicle
// moves again, the delay alert when the ETA comes back within threshold.
type Evaluator struct {
	cfg      Config
	disp     Dispatcher
	schedule *ScheduleTable
	now      func() time.Time

	mu           sync.Mutex
	stoppedSince map[string]time.Time
	stopAlerted  map[string]struct{}
	delayAlerted map[string]struct{}
}

func NewEvaluator(cfg Config, disp Dispatcher, schedule *ScheduleTable, now func() time.Time) *Evaluator {
	if now == nil {
		now = time.Now
	}
	return &Evaluator{
		cfg:          cfg,
		disp:         disp,
		schedule:     schedule,
		now:          now,
		stoppedSince: make(map[string]time.Time),
		stopAlerted:  make(map[string]struct{}),
		delayAlerted: make(map[string]struct{}),
	}
}

// OnTransition consumes one state change. prev is the zero value when
// hadPrev is false (first report for the vehicle). A trip status edge
// starts a fresh episode for both rules: standing time accrued as enRoute
// does not carry across an outOfService gap, and a re-entered trip gets a
// clean delay verdict.
func (e *Evaluator) OnTransition(prev, next model.VehicleState, hadPrev bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !hadPrev || prev.TripStatus != next.TripStatus {
		delete(e.stoppedSince, next.VehicleID)
		delete(e.stopAlerted, next.VehicleID)
		delete(e.delayAlerted, next.VehicleID)
	}
	e.evalUnexpectedStop(next)
	e.evalDelay(next)
}

func (e *Evaluator) evalUnexpectedStop(next model.VehicleState) {
	id := next.VehicleID
	if next.TripStatus != model.TripEnRoute || next.SpeedKph >= e.cfg.MinMovingSpeedKph {
		delete(e.stoppedSince, id)
		delete(e.stopAlerted, id)
		return
	}
	since, ok := e.stoppedSince[id]
	if !ok {
		e.stoppedSince[id] = next.ObservedAt
		return
	}
	if _, done := e.stopAlerted[id]; done {
		return
	}
	standing := next.ObservedAt.Sub(since)
	if standing < e.cfg.StopAlertAfter {
		return
	}
	e.stopAlerted[id] = struct{}{}
	e.emit(model.AlertUnexpectedStop, id, map[string]any{
		"latitude":        next.Latitude,
		"longitude":       next.Longitude,
		"standingSeconds": int(standing.Seconds()),
		"since":           since,
	})
}

func (e *Evaluator) evalDelay(next model.VehicleState) {
	id := next.VehicleID
	run, ok := e.schedule.Lookup(id)
	if !ok || next.TripStatus != model.TripEnRoute {
		return
	}
	// A standing vehicle has no usable ETA; the stop rule covers it. The
	// explicit zero check holds even when the moving threshold is zero.
	if next.SpeedKph <= 0 || next.SpeedKph < e.cfg.MinMovingSpeedKph {
		return
	}
	remaining := haversine(next.Latitude, next.Longitude, run.DestLat, run.DestLon)
	speedMps := next.SpeedKph / 3.6
	eta := next.ObservedAt.Add(time.Duration(remaining/speedMps) * time.Second)
	if eta.Before(run.ArriveBy.Add(e.cfg.DelayAlertAfter)) {
		delete(e.delayAlerted, id)
		return
	}
	if _, done := e.delayAlerted[id]; done {
		return
	}
	e.delayAlerted[id] = struct{}{}
	e.emit(model.AlertDelay, id, map[string]any{
		"estimatedArrival": eta,
		"scheduledArrival": run.ArriveBy,
		"behindSeconds":    int(eta.Sub(run.ArriveBy).Seconds()),
	})
}

func (e *Evaluator) emit(kind model.AlertKind, vehicleID string, details map[string]any) {
	if e.disp == nil {
		return
	}
	log.Info().Str("kind", string(kind)).Str("vehicle", vehicleID).Msg("alert")
	e.disp.Emit(kind, vehicleID, details)
}
