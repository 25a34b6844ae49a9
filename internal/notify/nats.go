package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/SaxenaPrashast/kiettraveller/internal/model"
)

// DispatchMetrics mirrors the counters the dispatcher touches, so the
// metrics collector stays decoupled from this package.
type DispatchMetrics interface {
	PublishedInc()
	PublishErrInc()
	AlertEmittedInc(kind string)
	SetConnected(connected bool)
}

// Dispatcher publishes alert notifications to NATS and receives route
// assignment events from the scheduling collaborator. Alert emission is
// fire-and-forget: failures are logged and counted, never returned.
type Dispatcher struct {
	nc            *nats.Conn
	subjectPrefix string
	metrics       DispatchMetrics
}

func NewDispatcher(url, subjectPrefix string, m DispatchMetrics) (*Dispatcher, error) {
	nc, err := nats.Connect(url,
		nats.Name("kiettraveller-tracker"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SetConnected(false)
			}
			log.Warn().Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SetConnected(true)
			}
			log.Info().Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SetConnected(false)
			}
			log.Info().Msg("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.SetConnected(true)
	}
	return &Dispatcher{nc: nc, subjectPrefix: subjectPrefix, metrics: m}, nil
}

func (d *Dispatcher) Close() {
	if d.nc != nil {
		_ = d.nc.Drain()
		d.nc.Close()
	}
}

type alertMessage struct {
	Kind      model.AlertKind `json:"kind"`
	VehicleID string          `json:"vehicleId"`
	EmittedAt time.Time       `json:"emittedAt"`
	Details   map[string]any  `json:"details,omitempty"`
}

// Emit publishes one alert on <prefix>.<kind>.<vehicle>.
func (d *Dispatcher) Emit(kind model.AlertKind, vehicleID string, details map[string]any) {
	subject := fmt.Sprintf("%s.%s.%s", d.subjectPrefix, subjectToken(string(kind)), subjectToken(vehicleID))
	b, err := json.Marshal(alertMessage{
		Kind:      kind,
		VehicleID: vehicleID,
		EmittedAt: time.Now(),
		Details:   details,
	})
	if err != nil {
		log.Error().Err(err).Str("vehicle", vehicleID).Msg("alert marshal error")
		return
	}
	err = d.nc.Publish(subject, b)
	if d.metrics != nil {
		if err != nil {
			d.metrics.PublishErrInc()
		} else {
			d.metrics.PublishedInc()
			d.metrics.AlertEmittedInc(string(kind))
		}
	}
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("alert publish error")
	}
}

// SubscribeAssignments delivers route assignment events from the
// scheduling collaborator to fn. Malformed payloads are dropped.
func (d *Dispatcher) SubscribeAssignments(subject string, fn func(model.RouteAssignment)) (*nats.Subscription, error) {
	return d.nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev model.RouteAssignment
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("bad assignment event")
			return
		}
		if ev.RouteID == "" {
			return
		}
		fn(ev)
	})
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
