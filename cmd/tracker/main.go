package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/SaxenaPrashast/kiettraveller/internal/alerts"
	"github.com/SaxenaPrashast/kiettraveller/internal/broker"
	"github.com/SaxenaPrashast/kiettraveller/internal/config"
	"github.com/SaxenaPrashast/kiettraveller/internal/db"
	"github.com/SaxenaPrashast/kiettraveller/internal/ingest"
	"github.com/SaxenaPrashast/kiettraveller/internal/metrics"
	"github.com/SaxenaPrashast/kiettraveller/internal/model"
	"github.com/SaxenaPrashast/kiettraveller/internal/notify"
	"github.com/SaxenaPrashast/kiettraveller/internal/server"
	"github.com/SaxenaPrashast/kiettraveller/internal/session"
	"github.com/SaxenaPrashast/kiettraveller/internal/state"
	"github.com/SaxenaPrashast/kiettraveller/internal/validate"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db open error")
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		log.Fatal().Err(err).Msg("db ping error")
	}

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.ClockSkewTolerance, cfg.SessionQueueSize)
		metricsSrv = mcol.Serve(cfg.MetricsAddr)
	}

	// Shared state: fleet map, roster, route index, schedule table
	states := state.NewStore()
	roster := state.NewRoster()
	index := state.NewRouteIndex()
	schedule := alerts.NewScheduleTable()

	if err := reloadCollaboratorData(ctx, sqlDB, roster, index, schedule, mcol); err != nil {
		log.Fatal().Err(err).Msg("initial roster load error")
	}
	log.Info().Int("vehicles", roster.Size()).Msg("roster loaded")

	// Notification dispatch + assignment events over NATS
	dispatcher, err := notify.NewDispatcher(cfg.NATSURL, cfg.AlertSubjectPrefix, wrapDispatchMetrics(mcol))
	if err != nil {
		log.Fatal().Err(err).Msg("nats error")
	}
	defer dispatcher.Close()

	// Assignment events take effect on the next publish for the affected
	// vehicles; route subscribers follow automatically via the index.
	assignmentSub, err := dispatcher.SubscribeAssignments(cfg.AssignmentSubject, func(ev model.RouteAssignment) {
		index.SetAssignment(ev.RouteID, ev.VehicleIDs)
		log.Info().Str("route", ev.RouteID).Int("vehicles", len(ev.VehicleIDs)).Msg("route assignment updated")
	})
	if err != nil {
		log.Fatal().Err(err).Msg("assignment subscribe error")
	}
	defer func() { _ = assignmentSub.Unsubscribe() }()

	registry := broker.NewRegistry(index)
	router := broker.NewRouter(registry, mcol)
	validator := validate.New(roster, states, cfg.ClockSkewTolerance, nil)
	evaluator := alerts.NewEvaluator(alerts.Config{
		StopAlertAfter:    cfg.StopAlertAfter,
		DelayAlertAfter:   cfg.DelayAlertAfter,
		MinMovingSpeedKph: cfg.MinMovingSpeedKph,
	}, dispatcher, schedule, nil)
	pipeline := ingest.NewPipeline(validator, states, router, evaluator, mcol)

	srv := server.New(pipeline, registry, router, states, index, mcol, session.Config{
		QueueSize:    cfg.SessionQueueSize,
		WriteTimeout: cfg.WriteTimeout,
		PingInterval: cfg.PingInterval,
		PongTimeout:  cfg.PongTimeout,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("tracker listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Periodically re-read the roster, assignments and schedules so the
	// tracker picks up CRUD-side changes without a restart.
	go func() {
		ticker := time.NewTicker(cfg.RosterRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := reloadCollaboratorData(ctx, sqlDB, roster, index, schedule, mcol); err != nil {
				log.Error().Err(err).Msg("roster reload error")
			}
		}
	}()

	// Block until context cancelled
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Info().Msg("shutdown complete")
}

// reloadCollaboratorData refreshes the read-side snapshots owned by the
// external CRUD/scheduling collaborators.
func reloadCollaboratorData(ctx context.Context, sqlDB *sql.DB, roster *state.Roster, index *state.RouteIndex, schedule *alerts.ScheduleTable, mcol *metrics.Collector) error {
	vehicles, err := db.FetchVehicleRoster(ctx, sqlDB)
	if err != nil {
		if mcol != nil {
			mcol.RosterReloadErrs.Inc()
		}
		return err
	}
	assignments, err := db.FetchRouteAssignments(ctx, sqlDB)
	if err != nil {
		if mcol != nil {
			mcol.RosterReloadErrs.Inc()
		}
		return err
	}
	runs, err := db.FetchScheduledRuns(ctx, sqlDB, time.Now())
	if err != nil {
		if mcol != nil {
			mcol.RosterReloadErrs.Inc()
		}
		return err
	}

	roster.Replace(vehicles)
	index.ReplaceAll(assignments)
	schedule.Replace(runs)
	if mcol != nil {
		mcol.RosterReloads.Inc()
		mcol.TrackedVehicles.Set(float64(roster.Size()))
	}
	return nil
}

// wrapDispatchMetrics adapts the Collector to the DispatchMetrics interface.
func wrapDispatchMetrics(c *metrics.Collector) notify.DispatchMetrics {
	if c == nil {
		return nil
	}
	return &dispatchMetrics{c: c}
}

type dispatchMetrics struct{ c *metrics.Collector }

func (d *dispatchMetrics) PublishedInc()               { d.c.NATSPublished.Inc() }
func (d *dispatchMetrics) PublishErrInc()              { d.c.NATSPublishErrs.Inc() }
func (d *dispatchMetrics) AlertEmittedInc(kind string) { d.c.AlertsEmitted.WithLabelValues(kind).Inc() }
func (d *dispatchMetrics) SetConnected(b bool) {
	if b {
		d.c.NATSConnected.Set(1)
	} else {
		d.c.NATSConnected.Set(0)
	}
}
