package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/SaxenaPrashast/kiettraveller/internal/alerts"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// The transit CRUD application owns these tables; this package only reads
// the narrow slice the live tracker needs: which buses exist, which route
// each serves, and when each is due at its final stop.

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// FetchVehicleRoster returns the identifiers of every active bus.
func FetchVehicleRoster(ctx context.Context, db *sql.DB) ([]string, error) {
	q := `SELECT bus_code FROM buses WHERE COALESCE(active, true)`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query roster: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FetchRouteAssignments returns the current route -> buses mapping.
func FetchRouteAssignments(ctx context.Context, db *sql.DB) (map[string][]string, error) {
	q := `SELECT COALESCE(route_code, ''), bus_code FROM buses
          WHERE COALESCE(active, true) AND route_code IS NOT NULL`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	assignments := make(map[string][]string)
	for rows.Next() {
		var routeID, busID string
		if err := rows.Scan(&routeID, &busID); err != nil {
			return nil, err
		}
		if routeID == "" {
			continue
		}
		assignments[routeID] = append(assignments[routeID], busID)
	}
	return assignments, rows.Err()
}

// FetchScheduledRuns returns, for each bus with a schedule today, the
// location of its final stop and the time it is due there. The delay rule
// compares its naive ETA against these.
func FetchScheduledRuns(ctx context.Context, db *sql.DB, now time.Time) ([]alerts.ScheduledRun, error) {
	q := `
SELECT b.bus_code, s.dest_lat, s.dest_lon, s.scheduled_arrival
FROM schedules s
JOIN buses b ON b.id = s.bus_id
WHERE s.service_date = $1::date
  AND s.scheduled_arrival > $2
ORDER BY s.scheduled_arrival`
	rows, err := db.QueryContext(ctx, q, now.Format("2006-01-02"), now)
	if err != nil {
		return nil, fmt.Errorf("query scheduled runs: %w", err)
	}
	defer rows.Close()

	// Earliest upcoming arrival wins when a bus has several runs today.
	seen := make(map[string]struct{})
	var runs []alerts.ScheduledRun
	for rows.Next() {
		var r alerts.ScheduledRun
		if err := rows.Scan(&r.VehicleID, &r.DestLat, &r.DestLon, &r.ArriveBy); err != nil {
			return nil, err
		}
		if _, dup := seen[r.VehicleID]; dup {
			continue
		}
		seen[r.VehicleID] = struct{}{}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
