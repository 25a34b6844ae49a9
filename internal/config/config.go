package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL        string
	NATSURL            string
	AlertSubjectPrefix string
	AssignmentSubject  string

	ListenAddr  string
	MetricsAddr string

	ClockSkewTolerance time.Duration
	StopAlertAfter     time.Duration
	DelayAlertAfter    time.Duration
	MinMovingSpeedKph  float64

	SessionQueueSize      int
	RosterRefreshInterval time.Duration

	WriteTimeout time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL (CRUD collaborator's DB): prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.AlertSubjectPrefix = getenvDefault("NATS_ALERT_SUBJECT_PREFIX", "alerts")
	cfg.AssignmentSubject = getenvDefault("NATS_ASSIGNMENT_SUBJECT", "schedule.assignments")

	cfg.ListenAddr = getenvDefault("LISTEN_ADDR", ":8080")
	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	var err error
	if cfg.ClockSkewTolerance, err = durationEnv("CLOCK_SKEW_TOLERANCE_SEC", 300*time.Second); err != nil {
		return nil, err
	}
	if cfg.StopAlertAfter, err = durationEnv("STOP_ALERT_AFTER_SEC", 180*time.Second); err != nil {
		return nil, err
	}
	if cfg.DelayAlertAfter, err = durationEnv("DELAY_ALERT_AFTER_SEC", 300*time.Second); err != nil {
		return nil, err
	}
	if cfg.RosterRefreshInterval, err = durationEnv("ROSTER_REFRESH_INTERVAL_SEC", 60*time.Second); err != nil {
		return nil, err
	}

	// Speed below this is treated as standing still for alert purposes
	if v := os.Getenv("MIN_MOVING_SPEED_KPH"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return nil, fmt.Errorf("invalid MIN_MOVING_SPEED_KPH: %q", v)
		}
		cfg.MinMovingSpeedKph = f
	} else {
		cfg.MinMovingSpeedKph = 3.0
	}

	// Per-viewer outbound queue capacity (distinct vehicles)
	if v := os.Getenv("SESSION_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid SESSION_QUEUE_SIZE: %q", v)
		}
		cfg.SessionQueueSize = n
	} else {
		cfg.SessionQueueSize = 32
	}

	if cfg.WriteTimeout, err = durationEnv("WS_WRITE_TIMEOUT_SEC", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.PingInterval, err = durationEnv("WS_PING_INTERVAL_SEC", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.PongTimeout, err = durationEnv("WS_PONG_TIMEOUT_SEC", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		return nil, fmt.Errorf("WS_PONG_TIMEOUT_SEC (%s) must exceed WS_PING_INTERVAL_SEC (%s)", cfg.PongTimeout, cfg.PingInterval)
	}

	return cfg, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(sec) * time.Second, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
