package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SaxenaPrashast/kiettraveller/internal/broker"
	"github.com/SaxenaPrashast/kiettraveller/internal/ingest"
	"github.com/SaxenaPrashast/kiettraveller/internal/model"
	"github.com/SaxenaPrashast/kiettraveller/internal/session"
	"github.com/SaxenaPrashast/kiettraveller/internal/state"
	"github.com/SaxenaPrashast/kiettraveller/internal/validate"
)

func testServer(t *testing.T) (*Server, *ingest.Pipeline, *broker.Registry, *state.Store) {
	t.Helper()
	roster := state.NewRoster()
	roster.Replace([]string{"B1", "B2"})
	states := state.NewStore()
	idx := state.NewRouteIndex()
	reg := broker.NewRegistry(idx)
	rt := broker.NewRouter(reg, nil)
	v := validate.New(roster, states, 5*time.Minute, nil)
	p := ingest.NewPipeline(v, states, rt, nil, nil)
	srv := New(p, reg, rt, states, idx, nil, session.Config{
		QueueSize:    8,
		WriteTimeout: time.Second,
		PingInterval: 10 * time.Second,
		PongTimeout:  20 * time.Second,
	})
	return srv, p, reg, states
}

func TestServer_RejectsMissingToken(t *testing.T) {
	srv, _, _, _ := testServer(t)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	for _, path := range []string{"/ws/viewer", "/ws/device"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s status = %d, want 401", path, resp.StatusCode)
		}
	}

	resp, err := http.Post(ts.URL+"/api/positions", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("positions status = %d, want 401", resp.StatusCode)
	}
}

func TestServer_PushedPositionAndSnapshot(t *testing.T) {
	srv, _, _, states := testServer(t)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	body := `{"vehicleId":"B1","latitude":28.6,"longitude":77.2,"speedKph":30,"observedAt":"2026-03-14T09:00:00Z"}`
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/positions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer device-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out struct {
		Accepted bool   `json:"accepted"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if !out.Accepted {
		t.Fatalf("report rejected: %s", out.Reason)
	}
	if _, ok := states.Get("B1"); !ok {
		t.Fatal("state missing after pushed report")
	}

	snap, err := http.Get(ts.URL + "/api/vehicles")
	if err != nil {
		t.Fatal(err)
	}
	defer snap.Body.Close()
	var updates []model.PositionUpdate
	if err := json.NewDecoder(snap.Body).Decode(&updates); err != nil {
		t.Fatal(err)
	}
	if len(updates) != 1 || updates[0].VehicleID != "B1" {
		t.Fatalf("snapshot = %+v", updates)
	}
}

func TestServer_ViewerRoundTrip(t *testing.T) {
	srv, p, reg, _ := testServer(t)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/viewer?token=viewer-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	cmd := model.SubscribeCommand{Action: "subscribe", Target: model.Target{Type: model.TargetVehicle, ID: "B1"}}
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatal(err)
	}

	// the read pump registers the subscription asynchronously
	deadline := time.Now().Add(2 * time.Second)
	for len(reg.ViewersOf("B1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	if _, reason, ok := p.Ingest(model.PositionReport{
		VehicleID: "B1", Latitude: 28.6, Longitude: 77.2, SpeedKph: 30, ObservedAt: at,
	}); !ok {
		t.Fatalf("report rejected: %s", reason)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var upd model.PositionUpdate
	if err := conn.ReadJSON(&upd); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if upd.VehicleID != "B1" || upd.SpeedKph != 30 || !upd.ObservedAt.Equal(at) {
		t.Fatalf("update = %+v", upd)
	}

	// dropping the connection releases the subscription
	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for len(reg.ViewersOf("B1")) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription leaked after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_DeviceRoundTrip(t *testing.T) {
	srv, _, _, states := testServer(t)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/device?token=device-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	report := model.PositionReport{VehicleID: "B2", Latitude: 28.6, Longitude: 77.2, ObservedAt: at}
	if err := conn.WriteJSON(report); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if st, ok := states.Get("B2"); ok {
			if !st.ObservedAt.Equal(at) {
				t.Fatalf("stored observedAt = %v", st.ObservedAt)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("device report never ingested")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// a malformed frame must not kill the connection
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	second := model.PositionReport{VehicleID: "B2", Latitude: 28.61, Longitude: 77.2, ObservedAt: at.Add(time.Second)}
	if err := conn.WriteJSON(second); err != nil {
		t.Fatal(err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for {
		if st, _ := states.Get("B2"); st.ObservedAt.Equal(at.Add(time.Second)) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("report after malformed frame never ingested")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
