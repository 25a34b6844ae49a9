package state

import (
	"sync"
	"sync/atomic"
)

// routeSnapshot is an immutable view of route-to-vehicle assignments.
// Readers grab the whole snapshot with a single atomic load; writers build
// a fresh copy and swap it in. The publish path reads this on every accepted
// update, while writes only happen on schedule/assignment changes.
type routeSnapshot struct {
	byRoute   map[string][]string // routeID -> vehicleIDs
	byVehicle map[string][]string // vehicleID -> routeIDs
}

// RouteIndex resolves route-level subscriptions to concrete vehicles.
type RouteIndex struct {
	writeMu sync.Mutex
	snap    atomic.Pointer[routeSnapshot]
}

func NewRouteIndex() *RouteIndex {
	idx := &RouteIndex{}
	idx.snap.Store(&routeSnapshot{
		byRoute:   map[string][]string{},
		byVehicle: map[string][]string{},
	})
	return idx
}

// SetAssignment replaces the vehicle set for one route. An empty vehicle
// list clears the route. Vehicles previously on the route and absent from
// the new list stop resolving to it immediately.
func (idx *RouteIndex) SetAssignment(routeID string, vehicleIDs []string) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	old := idx.snap.Load()
	byRoute := make(map[string][]string, len(old.byRoute)+1)
	for r, vs := range old.byRoute {
		if r != routeID {
			byRoute[r] = vs
		}
	}
	if len(vehicleIDs) > 0 {
		byRoute[routeID] = append([]string(nil), vehicleIDs...)
	}

	byVehicle := make(map[string][]string)
	for r, vs := range byRoute {
		for _, v := range vs {
			byVehicle[v] = append(byVehicle[v], r)
		}
	}
	idx.snap.Store(&routeSnapshot{byRoute: byRoute, byVehicle: byVehicle})
}

// ReplaceAll swaps in a complete assignment table, used on periodic reloads
// from the scheduling collaborator's database.
func (idx *RouteIndex) ReplaceAll(assignments map[string][]string) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	byRoute := make(map[string][]string, len(assignments))
	byVehicle := make(map[string][]string)
	for r, vs := range assignments {
		if len(vs) == 0 {
			continue
		}
		byRoute[r] = append([]string(nil), vs...)
		for _, v := range vs {
			byVehicle[v] = append(byVehicle[v], r)
		}
	}
	idx.snap.Store(&routeSnapshot{byRoute: byRoute, byVehicle: byVehicle})
}

// VehiclesOn returns the vehicles currently assigned to a route.
func (idx *RouteIndex) VehiclesOn(routeID string) []string {
	return idx.snap.Load().byRoute[routeID]
}

// RoutesOf returns the routes a vehicle is currently assigned to.
func (idx *RouteIndex) RoutesOf(vehicleID string) []string {
	return idx.snap.Load().byVehicle[vehicleID]
}
