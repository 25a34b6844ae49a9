package state

import "sync/atomic"

// Roster is the set of vehicle identifiers the CRUD collaborator knows
// about. Reports for vehicles outside the roster are rejected. The set is
// replaced wholesale on periodic reloads and read on every inbound report,
// so it uses the same swap-on-write discipline as RouteIndex.
type Roster struct {
	known atomic.Pointer[map[string]struct{}]
}

func NewRoster() *Roster {
	r := &Roster{}
	empty := map[string]struct{}{}
	r.known.Store(&empty)
	return r
}

func (r *Roster) Replace(vehicleIDs []string) {
	next := make(map[string]struct{}, len(vehicleIDs))
	for _, id := range vehicleIDs {
		next[id] = struct{}{}
	}
	r.known.Store(&next)
}

func (r *Roster) Known(vehicleID string) bool {
	_, ok := (*r.known.Load())[vehicleID]
	return ok
}

func (r *Roster) Size() int {
	return len(*r.known.Load())
}
