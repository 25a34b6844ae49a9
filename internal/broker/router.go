package broker

import (
	"sync"
	"time"

	"github.com/SaxenaPrashast/kiettraveller/internal/metrics"
	"github.com/SaxenaPrashast/kiettraveller/internal/model"
)

// Router fans accepted state updates out to the outboxes of interested
// sessions. Publish never blocks: each outbox absorbs or drops according to
// its own policy, so one stalled viewer cannot slow ingestion or delivery
// to anyone else.
type Router struct {
	registry *Registry
	metrics  *metrics.Collector

	mu       sync.RWMutex
	outboxes map[string]*Outbox // sessionID -> outbox
}

func NewRouter(registry *Registry, mcol *metrics.Collector) *Router {
	return &Router{
		registry: registry,
		metrics:  mcol,
		outboxes: make(map[string]*Outbox),
	}
}

// Attach registers a session's outbox so publishes can reach it.
func (rt *Router) Attach(sessionID string, ob *Outbox) {
	rt.mu.Lock()
	rt.outboxes[sessionID] = ob
	rt.mu.Unlock()
}

// Detach removes a session's outbox. Publishes racing with Detach resolve
// to silent no-ops for that session.
func (rt *Router) Detach(sessionID string) {
	rt.mu.Lock()
	delete(rt.outboxes, sessionID)
	rt.mu.Unlock()
}

// Publish delivers a state update to every current viewer of the vehicle.
func (rt *Router) Publish(vehicleID string, st model.VehicleState) {
	start := time.Now()
	viewers := rt.registry.ViewersOf(vehicleID)
	if len(viewers) == 0 {
		return
	}

	rt.mu.RLock()
	for _, sid := range viewers {
		ob, ok := rt.outboxes[sid]
		if !ok {
			// session vanished between ViewersOf and here
			continue
		}
		queued, evicted := ob.Put(st)
		if rt.metrics != nil {
			if queued {
				rt.metrics.BroadcastsEnqueued.Inc()
			}
			// an outbox closed mid-publish is a disconnect, not backpressure
			if evicted {
				rt.metrics.UpdatesDropped.Inc()
			}
		}
	}
	rt.mu.RUnlock()

	if rt.metrics != nil {
		rt.metrics.FanoutDuration.Observe(time.Since(start).Seconds())
	}
}

// Sessions reports how many outboxes are attached, for metrics.
func (rt *Router) Sessions() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.outboxes)
}
