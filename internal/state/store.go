package state

import (
	"hash/fnv"
	"sync"

	"github.com/SaxenaPrashast/kiettraveller/internal/model"
)

const shardCount = 32

// Store is the single source of truth for the latest known state of every
// vehicle. It is sharded by vehicle id so reports for distinct vehicles
// never contend on a lock, while two reports for the same vehicle (e.g.
// from redundant device channels) are serialized against each other.
type Store struct {
	shards [shardCount]storeShard
}

type storeShard struct {
	mu       sync.RWMutex
	vehicles map[string]model.VehicleState
}

func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].vehicles = make(map[string]model.VehicleState)
	}
	return s
}

func (s *Store) shard(vehicleID string) *storeShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(vehicleID))
	return &s.shards[h.Sum32()%shardCount]
}

// Update applies an accepted report and returns the previous and new state.
// It re-checks monotonicity under the shard lock: a report whose ObservedAt
// does not advance past the stored one is rejected (ok=false) so that a
// race between the validator's staleness check and a concurrent update for
// the same vehicle can never regress or duplicate the stored timestamp.
func (s *Store) Update(report model.PositionReport) (prev, next model.VehicleState, ok bool) {
	sh := s.shard(report.VehicleID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prev, existed := sh.vehicles[report.VehicleID]
	if existed && !report.ObservedAt.After(prev.ObservedAt) {
		return prev, prev, false
	}

	status := report.TripStatus
	if status == "" {
		if existed {
			status = prev.TripStatus
		} else {
			status = model.TripEnRoute
		}
	}
	next = model.VehicleState{
		VehicleID:      report.VehicleID,
		Latitude:       report.Latitude,
		Longitude:      report.Longitude,
		HeadingDegrees: report.HeadingDegrees,
		SpeedKph:       report.SpeedKph,
		TripStatus:     status,
		ObservedAt:     report.ObservedAt,
		ReceivedAt:     report.ReceivedAt,
	}
	sh.vehicles[report.VehicleID] = next
	return prev, next, true
}

func (s *Store) Get(vehicleID string) (model.VehicleState, bool) {
	sh := s.shard(vehicleID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	st, ok := sh.vehicles[vehicleID]
	return st, ok
}

// SnapshotAll returns the current state of every vehicle, for late-joining
// subscribers that need an initial picture of the fleet.
func (s *Store) SnapshotAll() []model.VehicleState {
	var out []model.VehicleState
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, st := range sh.vehicles {
			out = append(out, st)
		}
		sh.mu.RUnlock()
	}
	return out
}
