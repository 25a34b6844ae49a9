package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/SaxenaPrashast/kiettraveller/internal/alerts"
	"github.com/SaxenaPrashast/kiettraveller/internal/broker"
	"github.com/SaxenaPrashast/kiettraveller/internal/metrics"
	"github.com/SaxenaPrashast/kiettraveller/internal/model"
	"github.com/SaxenaPrashast/kiettraveller/internal/state"
	"github.com/SaxenaPrashast/kiettraveller/internal/validate"
)

// Pipeline is the device-to-viewer path for one position report:
// validate, mutate the state store, then fan out and evaluate alerts.
// Validation and the store update are short and never wait on the network;
// fan-out goes through bounded per-session outboxes so a slow viewer can
// never push back into this path.
type Pipeline struct {
	validator *validate.Validator
	store     *state.Store
	router    *broker.Router
	alerts    *alerts.Evaluator
	metrics   *metrics.Collector
}

func NewPipeline(v *validate.Validator, store *state.Store, router *broker.Router, eval *alerts.Evaluator, mcol *metrics.Collector) *Pipeline {
	return &Pipeline{validator: v, store: store, router: router, alerts: eval, metrics: mcol}
}

// Ingest runs one report through the pipeline. A rejection reports why but
// is never an error: the reporting device stays connected.
func (p *Pipeline) Ingest(report model.PositionReport) (model.VehicleState, model.RejectReason, bool) {
	start := time.Now()
	normalized, reason, ok := p.validator.Validate(report)
	if !ok {
		p.reject(report.VehicleID, reason)
		return model.VehicleState{}, reason, false
	}

	prev, next, ok := p.store.Update(normalized)
	if !ok {
		// lost the per-vehicle race to a newer concurrent report
		p.reject(report.VehicleID, model.RejectStale)
		return model.VehicleState{}, model.RejectStale, false
	}
	if p.metrics != nil {
		p.metrics.ReportsAccepted.Inc()
		p.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}

	p.router.Publish(next.VehicleID, next)
	if p.alerts != nil {
		p.alerts.OnTransition(prev, next, prev.VehicleID != "")
	}
	return next, model.RejectNone, true
}

func (p *Pipeline) reject(vehicleID string, reason model.RejectReason) {
	if p.metrics != nil {
		p.metrics.ReportsRejected.WithLabelValues(string(reason)).Inc()
	}
	log.Debug().Str("vehicle", vehicleID).Str("reason", string(reason)).Msg("report rejected")
}

// ServeDevice reads position reports off one device connection until it
// drops. Malformed payloads and rejected reports are counted and skipped
// without terminating the connection.
func (p *Pipeline) ServeDevice(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	conn.SetReadLimit(4096)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var report model.PositionReport
		if err := json.Unmarshal(payload, &report); err != nil {
			if p.metrics != nil {
				p.metrics.ReportsMalformed.Inc()
			}
			log.Debug().Err(err).Msg("malformed position report")
			continue
		}
		p.Ingest(report)
	}
}
