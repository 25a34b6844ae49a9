package broker

import (
	"sync"

	"github.com/SaxenaPrashast/kiettraveller/internal/model"
)

// Outbox is one viewer session's bounded outbound delivery queue. It
// coalesces by vehicle: a newer state for an already-queued vehicle
// replaces the queued one in place (last-value-wins), so a viewer always
// drains toward the current position rather than a backlog of missed ones.
// When the queue is full of distinct vehicles, the oldest entry is evicted.
// Putting into a closed outbox is a silent no-op.
type Outbox struct {
	mu       sync.Mutex
	capacity int
	pending  map[string]model.VehicleState
	order    []string // vehicleIDs, FIFO
	ready    chan struct{}
	closed   bool
	dropped  uint64
}

func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Outbox{
		capacity: capacity,
		pending:  make(map[string]model.VehicleState, capacity),
		ready:    make(chan struct{}, 1),
	}
}

// Put enqueues a state update without ever blocking the caller. It reports
// whether the state was queued and whether an older entry was evicted to
// make room. A closed outbox queues nothing and evicts nothing.
func (o *Outbox) Put(st model.VehicleState) (queued, evicted bool) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false, false
	}
	if _, have := o.pending[st.VehicleID]; have {
		// coalesce: replace in place, keep queue position
		o.pending[st.VehicleID] = st
	} else {
		if len(o.order) >= o.capacity {
			oldest := o.order[0]
			o.order = o.order[1:]
			delete(o.pending, oldest)
			o.dropped++
			evicted = true
		}
		o.pending[st.VehicleID] = st
		o.order = append(o.order, st.VehicleID)
	}
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return true, evicted
}

// Pop removes and returns the head of the queue.
func (o *Outbox) Pop() (model.VehicleState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.order) == 0 {
		return model.VehicleState{}, false
	}
	id := o.order[0]
	o.order = o.order[1:]
	st := o.pending[id]
	delete(o.pending, id)
	return st, true
}

// Ready signals when the queue may have entries to drain.
func (o *Outbox) Ready() <-chan struct{} { return o.ready }

// Close marks the outbox dead and discards anything queued. Idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.pending = nil
	o.order = nil
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.order)
}

// Dropped reports how many queued updates were evicted under backpressure.
func (o *Outbox) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
