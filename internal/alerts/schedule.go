package alerts

import (
	"math"
	"sync/atomic"
	"time"
)

// ScheduledRun is what the delay rule needs to know about a vehicle's
// current run: where it is headed and when it is due there.
type ScheduledRun struct {
	VehicleID string
	DestLat   float64
	DestLon   float64
	ArriveBy  time.Time
}

// ScheduleTable is a read-mostly lookup of scheduled runs, replaced
// wholesale on periodic reloads from the scheduling collaborator.
type ScheduleTable struct {
	runs atomic.Pointer[map[string]ScheduledRun]
}

func NewScheduleTable() *ScheduleTable {
	t := &ScheduleTable{}
	empty := map[string]ScheduledRun{}
	t.runs.Store(&empty)
	return t
}

func (t *ScheduleTable) Replace(runs []ScheduledRun) {
	next := make(map[string]ScheduledRun, len(runs))
	for _, r := range runs {
		next[r.VehicleID] = r
	}
	t.runs.Store(&next)
}

func (t *ScheduleTable) Lookup(vehicleID string) (ScheduledRun, bool) {
	r, ok := (*t.runs.Load())[vehicleID]
	return r, ok
}

// haversine distance in meters
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
