package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/SaxenaPrashast/kiettraveller/internal/broker"
	"github.com/SaxenaPrashast/kiettraveller/internal/metrics"
	"github.com/SaxenaPrashast/kiettraveller/internal/model"
	"github.com/SaxenaPrashast/kiettraveller/internal/state"
)

// State is the lifecycle position of one viewer connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Config carries the per-session tunables.
type Config struct {
	QueueSize    int
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
}

// Session owns one live viewer connection: inbound command decoding, the
// outbound delivery queue, and the connect → authenticated → active →
// closed lifecycle. Entering closed releases every subscription the
// session holds, synchronously and exactly once, no matter how many paths
// (read error, write error, server shutdown) race to close it.
type Session struct {
	ID       string
	identity string

	conn     *websocket.Conn
	outbox   *broker.Outbox
	registry *broker.Registry
	router   *broker.Router
	states   *state.Store
	index    *state.RouteIndex
	metrics  *metrics.Collector
	cfg      Config
	log      zerolog.Logger

	st        atomic.Int32
	cmdMu     sync.Mutex // serializes command handling against teardown
	closeOnce sync.Once
	done      chan struct{}
}

func New(conn *websocket.Conn, registry *broker.Registry, router *broker.Router, states *state.Store, index *state.RouteIndex, mcol *metrics.Collector, cfg Config) *Session {
	id := newSessionID()
	s := &Session{
		ID:       id,
		conn:     conn,
		outbox:   broker.NewOutbox(cfg.QueueSize),
		registry: registry,
		router:   router,
		states:   states,
		index:    index,
		metrics:  mcol,
		cfg:      cfg,
		done:     make(chan struct{}),
		log:      log.With().Str("session", id).Logger(),
	}
	s.st.Store(int32(StateConnecting))
	return s
}

func (s *Session) State() State { return State(s.st.Load()) }

// Authenticate hands the session the identity produced by the external
// auth collaborator. The token is trusted as-is; an empty identity keeps
// the session out of the authenticated state.
func (s *Session) Authenticate(identity string) bool {
	if identity == "" {
		return false
	}
	if !s.st.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticated)) {
		return false
	}
	s.identity = identity
	return true
}

// Run attaches the session to the router and services the connection until
// it drops. It blocks until the session is closed.
func (s *Session) Run(ctx context.Context) {
	if s.State() != StateAuthenticated {
		s.log.Warn().Str("state", s.State().String()).Msg("refusing to run unauthenticated session")
		s.Close()
		return
	}
	s.router.Attach(s.ID, s.outbox)
	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
	}
	defer func() {
		s.Close()
		if s.metrics != nil {
			s.metrics.ActiveSessions.Dec()
		}
	}()

	go s.writePump()

	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	s.readPump()
}

func (s *Session) readPump() {
	s.conn.SetReadLimit(1024)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("viewer read error")
			}
			return
		}
		var cmd model.SubscribeCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			s.log.Debug().Err(err).Msg("malformed viewer command")
			continue
		}
		s.Handle(cmd)
	}
}

// Handle applies one subscribe/unsubscribe command. Commands arriving on a
// closed session are silently ignored. The command mutex makes the closed
// check and the registry write one step, so a subscribe racing Close can
// never leave an entry behind after UnsubscribeAll has run.
func (s *Session) Handle(cmd model.SubscribeCommand) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if s.State() == StateClosed {
		return
	}
	if cmd.Target.ID == "" {
		return
	}
	if cmd.Target.Type != model.TargetRoute {
		cmd.Target.Type = model.TargetVehicle
	}

	switch cmd.Action {
	case "subscribe":
		// first subscribe moves an authenticated session to active
		s.st.CompareAndSwap(int32(StateAuthenticated), int32(StateActive))
		s.registry.Subscribe(s.ID, cmd.Target)
		s.pushInitialState(cmd.Target)
	case "unsubscribe":
		s.registry.Unsubscribe(s.ID, cmd.Target)
	default:
		s.log.Debug().Str("action", cmd.Action).Msg("unknown viewer action")
		return
	}
	if s.metrics != nil {
		s.metrics.ActiveSubscriptions.Set(float64(s.registry.Subscriptions()))
	}
}

// pushInitialState seeds a fresh subscription with the current position of
// its vehicles, so late joiners do not wait for the next device report.
// A target with no data yet stays a pending subscription.
func (s *Session) pushInitialState(target model.Target) {
	switch target.Type {
	case model.TargetVehicle:
		if st, ok := s.states.Get(target.ID); ok {
			s.outbox.Put(st)
		}
	case model.TargetRoute:
		for _, vid := range s.index.VehiclesOn(target.ID) {
			if st, ok := s.states.Get(vid); ok {
				s.outbox.Put(st)
			}
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				s.Close()
				return
			}
		case <-s.outbox.Ready():
			for {
				st, ok := s.outbox.Pop()
				if !ok {
					break
				}
				_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				if err := s.conn.WriteJSON(model.UpdateFromState(st)); err != nil {
					s.log.Debug().Err(err).Msg("viewer write error")
					s.Close()
					return
				}
				if s.metrics != nil {
					s.metrics.UpdatesDelivered.Inc()
				}
			}
		}
	}
}

// Close transitions the session to closed and synchronously tears down its
// registry entries, outbox, and transport. Safe to call from any goroutine
// any number of times; only the first call does work.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cmdMu.Lock()
		s.st.Store(int32(StateClosed))
		s.router.Detach(s.ID)
		s.registry.UnsubscribeAll(s.ID)
		s.cmdMu.Unlock()
		s.outbox.Close()
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
		if s.metrics != nil {
			s.metrics.ActiveSubscriptions.Set(float64(s.registry.Subscriptions()))
		}
		s.log.Debug().Msg("session closed")
	})
}

func newSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// timestamp fallback keeps ids unique enough per process
		return hex.EncodeToString([]byte(time.Now().Format("150405.000000")))
	}
	return hex.EncodeToString(b[:])
}
