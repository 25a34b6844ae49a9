package broker

import (
	"testing"

	"github.com/SaxenaPrashast/kiettraveller/internal/state"
)

func TestRouter_PublishReachesViewers(t *testing.T) {
	reg := NewRegistry(state.NewRouteIndex())
	rt := NewRouter(reg, nil)

	ob1 := NewOutbox(4)
	ob2 := NewOutbox(4)
	rt.Attach("s1", ob1)
	rt.Attach("s2", ob2)
	reg.Subscribe("s1", vehicleTarget("V1"))
	reg.Subscribe("s2", vehicleTarget("V2"))

	rt.Publish("V1", vstate("V1", 1))

	if ob1.Len() != 1 {
		t.Errorf("s1 queue len = %d, want 1", ob1.Len())
	}
	if ob2.Len() != 0 {
		t.Errorf("s2 received update for vehicle it never subscribed to")
	}
}

func TestRouter_RouteFanout(t *testing.T) {
	idx := state.NewRouteIndex()
	idx.SetAssignment("R", []string{"V1", "V2"})
	reg := NewRegistry(idx)
	rt := NewRouter(reg, nil)

	ob := NewOutbox(4)
	rt.Attach("s1", ob)
	reg.Subscribe("s1", routeTarget("R"))

	rt.Publish("V1", vstate("V1", 1))
	rt.Publish("V2", vstate("V2", 1))
	if ob.Len() != 2 {
		t.Fatalf("route subscriber queue len = %d, want 2", ob.Len())
	}

	// after reassignment V2 updates stop flowing to the route subscriber
	idx.SetAssignment("R", []string{"V1"})
	rt.Publish("V2", vstate("V2", 2))
	if ob.Len() != 2 {
		t.Errorf("V2 still delivered after being reassigned away")
	}
}

func TestRouter_NoDeliveryAfterDisconnect(t *testing.T) {
	reg := NewRegistry(state.NewRouteIndex())
	rt := NewRouter(reg, nil)

	ob := NewOutbox(4)
	rt.Attach("s1", ob)
	reg.Subscribe("s1", vehicleTarget("V1"))

	// disconnect: registry and router both release the session
	reg.UnsubscribeAll("s1")
	rt.Detach("s1")

	rt.Publish("V1", vstate("V1", 1))
	if ob.Len() != 0 {
		t.Errorf("closed session received %d updates, want 0", ob.Len())
	}
}

func TestRouter_PublishToVanishedSessionIsNoop(t *testing.T) {
	reg := NewRegistry(state.NewRouteIndex())
	rt := NewRouter(reg, nil)

	// subscription exists but the outbox is already gone (disconnect race)
	reg.Subscribe("s1", vehicleTarget("V1"))
	rt.Publish("V1", vstate("V1", 1)) // must not panic

	if rt.Sessions() != 0 {
		t.Errorf("sessions = %d, want 0", rt.Sessions())
	}
}

func TestRouter_ClosedOutboxIsNotBackpressure(t *testing.T) {
	reg := NewRegistry(state.NewRouteIndex())
	rt := NewRouter(reg, nil)

	ob := NewOutbox(4)
	rt.Attach("s1", ob)
	reg.Subscribe("s1", vehicleTarget("V1"))

	// viewer disconnected but the router has not detached it yet
	ob.Close()
	rt.Publish("V1", vstate("V1", 1))

	if ob.Dropped() != 0 {
		t.Errorf("dropped = %d, want 0: a disconnect is not an eviction", ob.Dropped())
	}
	if ob.Len() != 0 {
		t.Errorf("closed outbox holds %d entries", ob.Len())
	}
}

func TestRouter_SlowViewerDoesNotBlockOthers(t *testing.T) {
	reg := NewRegistry(state.NewRouteIndex())
	rt := NewRouter(reg, nil)

	slow := NewOutbox(1) // saturated immediately, never drained
	fast := NewOutbox(64)
	rt.Attach("slow", slow)
	rt.Attach("fast", fast)
	reg.Subscribe("slow", vehicleTarget("V1"))
	reg.Subscribe("fast", vehicleTarget("V1"))
	reg.Subscribe("fast", vehicleTarget("V2"))

	for seq := 1; seq <= 20; seq++ {
		rt.Publish("V1", vstate("V1", seq))
		rt.Publish("V2", vstate("V2", seq))
	}

	// the fast viewer has both vehicles' latest state queued
	if fast.Len() != 2 {
		t.Fatalf("fast queue len = %d, want 2 (coalesced)", fast.Len())
	}
	// the slow viewer still holds the newest V1 state, not the first
	st, ok := slow.Pop()
	if !ok || st.SpeedKph != 20 {
		t.Errorf("slow viewer head = %+v, want latest V1 state", st)
	}
}
