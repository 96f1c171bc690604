// Package journal persists an append-only audit trail of detections,
// forecast updates and orders to SQLite. Core pipeline state stays in
// memory; the journal exists for post-mortems and daily summaries.
package journal

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Journal is a SQLite-backed event log.
type Journal struct {
	log zerolog.Logger
	db  *sql.DB
}

// Open creates (or reopens) the journal database under dataDir.
func Open(log zerolog.Logger, dataDir string) (*Journal, error) {
	dbPath := filepath.Join(dataDir, "trader.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// WAL lets the hot path append while a summary query reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	j := &Journal{
		log: log.With().Str("component", "journal").Logger(),
		db:  db,
	}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	j.log.Info().Str("path", dbPath).Msg("journal opened")
	return j, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS detections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT NOT NULL,
		model TEXT NOT NULL,
		cycle_hour INTEGER NOT NULL,
		run_date DATE NOT NULL,
		bucket TEXT NOT NULL,
		object_key TEXT NOT NULL,
		detected_at DATETIME NOT NULL,
		detection_latency_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_detections_model ON detections(model, run_date);

	CREATE TABLE IF NOT EXISTS forecast_updates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT NOT NULL,
		city TEXT NOT NULL,
		model TEXT NOT NULL,
		cycle_hour INTEGER NOT NULL,
		source TEXT NOT NULL,
		temp_f REAL NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_updates_city ON forecast_updates(city, updated_at);

	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT NOT NULL,
		order_id TEXT NOT NULL,
		market_id TEXT NOT NULL,
		token_id TEXT NOT NULL,
		strategy TEXT NOT NULL,
		side TEXT NOT NULL,
		shares INTEGER NOT NULL,
		limit_price REAL NOT NULL,
		guaranteed INTEGER DEFAULT 0,
		submitted_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orders_market ON orders(market_id, submitted_at);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Detection records one confirmed file detection.
type Detection struct {
	TraceID            string
	Model              string
	CycleHour          int
	RunDate            time.Time
	Bucket             string
	Key                string
	DetectedAt         time.Time
	DetectionLatencyMs int64
}

// RecordDetection appends a detection row.
func (j *Journal) RecordDetection(d Detection) error {
	_, err := j.db.Exec(
		`INSERT INTO detections (trace_id, model, cycle_hour, run_date, bucket, object_key, detected_at, detection_latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.TraceID, d.Model, d.CycleHour, d.RunDate.Format("2006-01-02"),
		d.Bucket, d.Key, d.DetectedAt, d.DetectionLatencyMs,
	)
	if err != nil {
		return fmt.Errorf("record detection: %w", err)
	}
	return nil
}

// ForecastUpdate records one arbitrated forecast update.
type ForecastUpdate struct {
	TraceID   string
	City      string
	Model     string
	CycleHour int
	Source    string
	TempF     float64
	UpdatedAt time.Time
}

// RecordForecastUpdate appends an update row.
func (j *Journal) RecordForecastUpdate(u ForecastUpdate) error {
	_, err := j.db.Exec(
		`INSERT INTO forecast_updates (trace_id, city, model, cycle_hour, source, temp_f, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.TraceID, u.City, u.Model, u.CycleHour, u.Source, u.TempF, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("record forecast update: %w", err)
	}
	return nil
}

// OrderRecord records one submitted order.
type OrderRecord struct {
	TraceID     string
	OrderID     string
	MarketID    string
	TokenID     string
	Strategy    string
	Side        string
	Shares      int
	LimitPrice  float64
	Guaranteed  bool
	SubmittedAt time.Time
}

// RecordOrder appends an order row.
func (j *Journal) RecordOrder(o OrderRecord) error {
	guaranteed := 0
	if o.Guaranteed {
		guaranteed = 1
	}
	_, err := j.db.Exec(
		`INSERT INTO orders (trace_id, order_id, market_id, token_id, strategy, side, shares, limit_price, guaranteed, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.TraceID, o.OrderID, o.MarketID, o.TokenID, o.Strategy, o.Side,
		o.Shares, o.LimitPrice, guaranteed, o.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("record order: %w", err)
	}
	return nil
}

// DailyOrderCount returns how many orders were journaled on a UTC day.
func (j *Journal) DailyOrderCount(day time.Time) (int, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)
	var n int
	err := j.db.QueryRow(
		`SELECT COUNT(*) FROM orders WHERE submitted_at >= ? AND submitted_at < ?`,
		start, end,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("daily order count: %w", err)
	}
	return n, nil
}
