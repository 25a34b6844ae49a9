package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/SaxenaPrashast/kiettraveller/internal/broker"
	"github.com/SaxenaPrashast/kiettraveller/internal/ingest"
	"github.com/SaxenaPrashast/kiettraveller/internal/metrics"
	"github.com/SaxenaPrashast/kiettraveller/internal/model"
	"github.com/SaxenaPrashast/kiettraveller/internal/session"
	"github.com/SaxenaPrashast/kiettraveller/internal/state"
)

// Server exposes the two persistent-connection endpoints (viewer and
// device) plus a health probe. Authentication happened upstream: every
// connection carries an already-validated identity token which is trusted
// as-is here.
type Server struct {
	pipeline *ingest.Pipeline
	registry *broker.Registry
	router   *broker.Router
	states   *state.Store
	index    *state.RouteIndex
	metrics  *metrics.Collector
	sessCfg  session.Config

	upgrader websocket.Upgrader
}

func New(pipeline *ingest.Pipeline, registry *broker.Registry, router *broker.Router, states *state.Store, index *state.RouteIndex, mcol *metrics.Collector, sessCfg session.Config) *Server {
	return &Server{
		pipeline: pipeline,
		registry: registry,
		router:   router,
		states:   states,
		index:    index,
		metrics:  mcol,
		sessCfg:  sessCfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws/viewer", s.handleViewer)
	mux.HandleFunc("/ws/device", s.handleDevice)
	mux.HandleFunc("/api/positions", s.handlePushedPosition)
	mux.HandleFunc("/api/vehicles", s.handleSnapshot)
	return mux
}

// handlePushedPosition accepts a single report from devices that push
// periodically over plain HTTP instead of holding a WebSocket open.
func (s *Server) handlePushedPosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if identityFrom(r) == "" {
		http.Error(w, "missing identity token", http.StatusUnauthorized)
		return
	}
	var report model.PositionReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	_, reason, ok := s.pipeline.Ingest(report)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"accepted": ok, "reason": string(reason)})
}

// handleSnapshot returns the current state of the whole fleet, for clients
// that want an initial picture before subscribing.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot := s.states.SnapshotAll()
	updates := make([]model.PositionUpdate, 0, len(snapshot))
	for _, st := range snapshot {
		updates = append(updates, model.UpdateFromState(st))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(updates)
}

func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == "" {
		http.Error(w, "missing identity token", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("viewer upgrade error")
		return
	}
	sess := session.New(conn, s.registry, s.router, s.states, s.index, s.metrics, s.sessCfg)
	if !sess.Authenticate(identity) {
		_ = conn.Close()
		return
	}
	log.Debug().Str("session", sess.ID).Msg("viewer connected")
	sess.Run(r.Context())
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	if identityFrom(r) == "" {
		http.Error(w, "missing identity token", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("device upgrade error")
		return
	}
	s.pipeline.ServeDevice(r.Context(), conn)
}

// identityFrom pulls the pre-validated token from the Authorization header
// or, for browser WebSocket clients that cannot set headers, the token
// query parameter.
func identityFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
