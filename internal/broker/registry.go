package broker

import (
	"sync"

	"github.com/SaxenaPrashast/kiettraveller/internal/model"
	"github.com/SaxenaPrashast/kiettraveller/internal/state"
)

// Registry tracks which viewer sessions are interested in which vehicles or
// routes. All operations are idempotent: re-subscribing is a no-op, as is
// unsubscribing from a target the session never held, so disconnect races
// never surface as errors. Subscribing to a vehicle nobody has reported for
// yet is accepted as a pending subscription.
type Registry struct {
	index *state.RouteIndex

	mu        sync.RWMutex
	byVehicle map[string]map[string]struct{} // vehicleID -> sessionIDs
	byRoute   map[string]map[string]struct{} // routeID -> sessionIDs
	bySession map[string]map[model.Target]struct{}
}

func NewRegistry(index *state.RouteIndex) *Registry {
	return &Registry{
		index:     index,
		byVehicle: make(map[string]map[string]struct{}),
		byRoute:   make(map[string]map[string]struct{}),
		bySession: make(map[string]map[model.Target]struct{}),
	}
}

func (r *Registry) Subscribe(sessionID string, target model.Target) {
	r.mu.Lock()
	defer r.mu.Unlock()

	held := r.bySession[sessionID]
	if held == nil {
		held = make(map[model.Target]struct{})
		r.bySession[sessionID] = held
	}
	if _, ok := held[target]; ok {
		return
	}
	held[target] = struct{}{}

	table := r.tableFor(target.Type)
	set := table[target.ID]
	if set == nil {
		set = make(map[string]struct{})
		table[target.ID] = set
	}
	set[sessionID] = struct{}{}
}

func (r *Registry) Unsubscribe(sessionID string, target model.Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(sessionID, target)
}

// UnsubscribeAll removes every subscription a session holds. Called exactly
// once on disconnect; calling it for an unknown session is a no-op.
func (r *Registry) UnsubscribeAll(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for target := range r.bySession[sessionID] {
		r.dropLocked(sessionID, target)
	}
	delete(r.bySession, sessionID)
}

func (r *Registry) dropLocked(sessionID string, target model.Target) {
	if held := r.bySession[sessionID]; held != nil {
		delete(held, target)
		if len(held) == 0 {
			delete(r.bySession, sessionID)
		}
	}
	table := r.tableFor(target.Type)
	if set := table[target.ID]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(table, target.ID)
		}
	}
}

func (r *Registry) tableFor(t model.TargetType) map[string]map[string]struct{} {
	if t == model.TargetRoute {
		return r.byRoute
	}
	return r.byVehicle
}

// ViewersOf resolves the sessions interested in a vehicle right now: its
// direct subscribers plus subscribers of every route the vehicle is
// currently assigned to.
func (r *Registry) ViewersOf(vehicleID string) []string {
	routes := r.index.RoutesOf(vehicleID)

	r.mu.RLock()
	defer r.mu.RUnlock()

	direct := r.byVehicle[vehicleID]
	seen := make(map[string]struct{}, len(direct))
	out := make([]string, 0, len(direct))
	for sid := range direct {
		seen[sid] = struct{}{}
		out = append(out, sid)
	}
	for _, routeID := range routes {
		for sid := range r.byRoute[routeID] {
			if _, dup := seen[sid]; dup {
				continue
			}
			seen[sid] = struct{}{}
			out = append(out, sid)
		}
	}
	return out
}

// Subscriptions reports how many subscription pairs exist, for metrics.
func (r *Registry) Subscriptions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, held := range r.bySession {
		n += len(held)
	}
	return n
}
