package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/san-kum/drive-score/server/models"
)

const tripsSchema = `
CREATE TABLE IF NOT EXISTS trips (
	id         TEXT PRIMARY KEY,
	start_time INTEGER NOT NULL,
	end_time   INTEGER,
	status     TEXT NOT NULL,
	body       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trips_start_time ON trips(start_time DESC);
CREATE TABLE IF NOT EXISTS trip_samples (
	trip_id   TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	acc_x     REAL NOT NULL,
	acc_y     REAL NOT NULL,
	acc_z     REAL NOT NULL,
	gyro_x    REAL NOT NULL,
	gyro_y    REAL NOT NULL,
	gyro_z    REAL NOT NULL,
	timestamp INTEGER NOT NULL,
	PRIMARY KEY (trip_id, seq)
);
`

const insertSample = `
INSERT INTO trip_samples (trip_id, seq, acc_x, acc_y, acc_z, gyro_x, gyro_y, gyro_z, timestamp)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteStore keeps each trip as a JSON document next to the columns used
// for listing. Samples live in trip_samples, one row each, so appending
// never rewrites the document.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. ":memory:" is allowed and pins the pool to one connection.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(tripsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply trips schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	logger.Info("SQLite trip store ready", zap.String("path", path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Trip, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM trips WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTripNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trip %s: %w", id, err)
	}
	return loadTrip(ctx, s.db, body)
}

// Put writes the trip document. Samples are append-only, so only those past
// the stored count are inserted and a shorter slice truncates.
func (s *SQLiteStore) Put(ctx context.Context, trip *models.Trip) error {
	doc := *trip
	doc.Samples = nil
	body, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode trip %s: %w", trip.ID, err)
	}

	var endTime sql.NullInt64
	if trip.EndTime != nil {
		endTime = sql.NullInt64{Int64: *trip.EndTime, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to save trip %s: %w", trip.ID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trips (id, start_time, end_time, status, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			end_time = excluded.end_time,
			status   = excluded.status,
			body     = excluded.body`,
		trip.ID, trip.StartTime, endTime, string(trip.Status), string(body))
	if err != nil {
		return fmt.Errorf("failed to save trip %s: %w", trip.ID, err)
	}

	stored, err := sampleCount(ctx, tx, trip.ID)
	if err != nil {
		return err
	}
	if stored > len(trip.Samples) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM trip_samples WHERE trip_id = ? AND seq >= ?`, trip.ID, len(trip.Samples)); err != nil {
			return fmt.Errorf("failed to truncate samples for trip %s: %w", trip.ID, err)
		}
	} else if err := insertSamples(ctx, tx, trip.ID, stored, trip.Samples[stored:]); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to save trip %s: %w", trip.ID, err)
	}
	return nil
}

// AppendSamples inserts rows for the new samples and reads back only the
// tail, leaving the trip document untouched.
func (s *SQLiteStore) AppendSamples(ctx context.Context, id string, samples []models.Sample, tail int) ([]models.Sample, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to append samples to trip %s: %w", id, err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM trips WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTripNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trip %s: %w", id, err)
	}
	if models.TripStatus(status) != models.TripActive {
		return nil, ErrTripNotActive
	}

	stored, err := sampleCount(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := insertSamples(ctx, tx, id, stored, samples); err != nil {
		return nil, err
	}

	out := []models.Sample{}
	if tail > 0 {
		out, err = querySamples(ctx, tx, `
			SELECT acc_x, acc_y, acc_z, gyro_x, gyro_y, gyro_z, timestamp
			FROM trip_samples WHERE trip_id = ? AND seq >= ? ORDER BY seq`,
			id, stored+len(samples)-tail)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to append samples to trip %s: %w", id, err)
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to delete trip %s: %w", id, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM trips WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete trip %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete trip %s: %w", id, err)
	}
	if n == 0 {
		return ErrTripNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM trip_samples WHERE trip_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete samples for trip %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) List(ctx context.Context) ([]*models.Trip, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM trips ORDER BY start_time DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list trips: %w", err)
	}
	var bodies []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan trip: %w", err)
		}
		bodies = append(bodies, body)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to list trips: %w", err)
	}

	trips := make([]*models.Trip, 0, len(bodies))
	for _, body := range bodies {
		t, err := loadTrip(ctx, s.db, body)
		if err != nil {
			return nil, err
		}
		trips = append(trips, t)
	}
	return trips, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadTrip(ctx context.Context, q querier, body string) (*models.Trip, error) {
	var t models.Trip
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, fmt.Errorf("failed to decode trip: %w", err)
	}
	samples, err := querySamples(ctx, q, `
		SELECT acc_x, acc_y, acc_z, gyro_x, gyro_y, gyro_z, timestamp
		FROM trip_samples WHERE trip_id = ? ORDER BY seq`, t.ID)
	if err != nil {
		return nil, err
	}
	t.Samples = samples
	return &t, nil
}

func sampleCount(ctx context.Context, q querier, id string) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM trip_samples WHERE trip_id = ?`, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count samples for trip %s: %w", id, err)
	}
	return n, nil
}

// insertSamples numbers rows from seq onwards.
func insertSamples(ctx context.Context, tx *sql.Tx, id string, seq int, samples []models.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, insertSample)
	if err != nil {
		return fmt.Errorf("failed to prepare sample insert: %w", err)
	}
	defer stmt.Close()

	for i, sm := range samples {
		_, err := stmt.ExecContext(ctx, id, seq+i,
			sm.AccX, sm.AccY, sm.AccZ, sm.GyroX, sm.GyroY, sm.GyroZ, sm.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to insert sample for trip %s: %w", id, err)
		}
	}
	return nil
}

func querySamples(ctx context.Context, q querier, query string, args ...any) ([]models.Sample, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load samples: %w", err)
	}
	defer rows.Close()

	samples := []models.Sample{}
	for rows.Next() {
		var sm models.Sample
		if err := rows.Scan(&sm.AccX, &sm.AccY, &sm.AccZ, &sm.GyroX, &sm.GyroY, &sm.GyroZ, &sm.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		samples = append(samples, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load samples: %w", err)
	}
	return samples, nil
}
