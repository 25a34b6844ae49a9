package broker

import (
	"sort"
	"testing"

	"github.com/SaxenaPrashast/kiettraveller/internal/model"
	"github.com/SaxenaPrashast/kiettraveller/internal/state"
)

func vehicleTarget(id string) model.Target { return model.Target{Type: model.TargetVehicle, ID: id} }
func routeTarget(id string) model.Target   { return model.Target{Type: model.TargetRoute, ID: id} }

func TestRegistry_SubscribeIdempotent(t *testing.T) {
	reg := NewRegistry(state.NewRouteIndex())
	reg.Subscribe("s1", vehicleTarget("V1"))
	reg.Subscribe("s1", vehicleTarget("V1"))

	if got := reg.ViewersOf("V1"); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("viewers = %v, want [s1]", got)
	}
	if reg.Subscriptions() != 1 {
		t.Errorf("subscriptions = %d, want 1", reg.Subscriptions())
	}
}

func TestRegistry_UnsubscribeMissingIsNoop(t *testing.T) {
	reg := NewRegistry(state.NewRouteIndex())
	// none of these may panic or error
	reg.Unsubscribe("ghost", vehicleTarget("V1"))
	reg.UnsubscribeAll("ghost")

	reg.Subscribe("s1", vehicleTarget("V1"))
	reg.Unsubscribe("s1", vehicleTarget("V2"))
	if got := reg.ViewersOf("V1"); len(got) != 1 {
		t.Fatalf("unrelated unsubscribe removed subscription: %v", got)
	}
}

func TestRegistry_PendingSubscription(t *testing.T) {
	// Subscribing to a vehicle with no data yet is accepted immediately.
	reg := NewRegistry(state.NewRouteIndex())
	reg.Subscribe("s1", vehicleTarget("B1"))
	if got := reg.ViewersOf("B1"); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("viewers = %v, want [s1]", got)
	}
}

func TestRegistry_RouteResolution(t *testing.T) {
	idx := state.NewRouteIndex()
	idx.SetAssignment("R1", []string{"V1", "V2"})
	reg := NewRegistry(idx)

	reg.Subscribe("s1", routeTarget("R1"))
	reg.Subscribe("s2", vehicleTarget("V1"))

	viewers := reg.ViewersOf("V1")
	sort.Strings(viewers)
	if len(viewers) != 2 || viewers[0] != "s1" || viewers[1] != "s2" {
		t.Fatalf("V1 viewers = %v, want [s1 s2]", viewers)
	}
	if got := reg.ViewersOf("V2"); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("V2 viewers = %v, want [s1]", got)
	}

	// a session subscribed both directly and via route appears once
	reg.Subscribe("s1", vehicleTarget("V1"))
	if got := reg.ViewersOf("V1"); len(got) != 2 {
		t.Fatalf("duplicate viewer after direct+route subscribe: %v", got)
	}

	// reassigning V2 off the route stops route-level delivery for it
	idx.SetAssignment("R1", []string{"V1"})
	if got := reg.ViewersOf("V2"); len(got) != 0 {
		t.Fatalf("V2 viewers after reassignment = %v, want none", got)
	}
}

func TestRegistry_UnsubscribeAll(t *testing.T) {
	idx := state.NewRouteIndex()
	idx.SetAssignment("R1", []string{"V1"})
	reg := NewRegistry(idx)

	reg.Subscribe("s1", vehicleTarget("V1"))
	reg.Subscribe("s1", routeTarget("R1"))
	reg.Subscribe("s2", vehicleTarget("V1"))

	reg.UnsubscribeAll("s1")

	if got := reg.ViewersOf("V1"); len(got) != 1 || got[0] != "s2" {
		t.Fatalf("viewers after UnsubscribeAll = %v, want [s2]", got)
	}
	if reg.Subscriptions() != 1 {
		t.Errorf("subscriptions = %d, want 1", reg.Subscriptions())
	}
	// second call is a no-op
	reg.UnsubscribeAll("s1")
}
