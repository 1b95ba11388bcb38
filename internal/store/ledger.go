// ABOUTME: SQLite-backed event ledger using modernc.org/sqlite
// ABOUTME: Persists published events for the recent-history API with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrEventNotFound is returned when a requested event does not exist
var ErrEventNotFound = errors.New("event not found")

// EventRecord is a persisted copy of a published event.
type EventRecord struct {
	ID           string
	Type         string
	UserID       string
	Timestamp    time.Time
	DataJSON     string
	MetadataJSON string
}

// LedgerStore persists published events to SQLite for the recent-history API.
type LedgerStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLedgerStore opens (or creates) the ledger database at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewLedgerStore(path string) (*LedgerStore, error) {
	logger := slog.Default().With("component", "ledger")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &LedgerStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("event ledger initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *LedgerStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			user_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			data TEXT NOT NULL,
			metadata TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_events_user_timestamp
			ON events(user_id, timestamp);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// SaveEvent persists an event to the ledger. The record ID is assigned
// if empty.
func (s *LedgerStore) SaveEvent(ctx context.Context, rec *EventRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	query := `
		INSERT INTO events (event_id, type, user_id, timestamp, data, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Type,
		rec.UserID,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.DataJSON,
		rec.MetadataJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	s.logger.Debug("saved event", "event_id", rec.ID, "type", rec.Type, "user_id", rec.UserID)
	return nil
}

// GetEvent retrieves a single event by ID
func (s *LedgerStore) GetEvent(ctx context.Context, id string) (*EventRecord, error) {
	query := `
		SELECT event_id, type, user_id, timestamp, data, metadata
		FROM events
		WHERE event_id = ?
	`

	rec := &EventRecord{}
	var timestampStr string
	var metadata sql.NullString

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID,
		&rec.Type,
		&rec.UserID,
		&timestampStr,
		&rec.DataJSON,
		&metadata,
	)

	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying event: %w", err)
	}

	rec.MetadataJSON = metadata.String
	rec.Timestamp, err = time.Parse(time.RFC3339Nano, timestampStr)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}

	return rec, nil
}

// ListRecentByUser retrieves the most recent events for a user, ordered
// chronologically (ASC). Uses a DESC subquery to pick the N most recent rows,
// then re-orders ASC so callers receive events in publish order.
func (s *LedgerStore) ListRecentByUser(ctx context.Context, userID string, limit int) ([]*EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := `
		SELECT event_id, type, user_id, timestamp, data, metadata
		FROM (
			SELECT event_id, type, user_id, timestamp, data, metadata
			FROM events
			WHERE user_id = ?
			ORDER BY timestamp DESC
			LIMIT ?
		)
		ORDER BY timestamp ASC
	`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var records []*EventRecord
	for rows.Next() {
		rec := &EventRecord{}
		var timestampStr string
		var metadata sql.NullString

		if err := rows.Scan(
			&rec.ID,
			&rec.Type,
			&rec.UserID,
			&timestampStr,
			&rec.DataJSON,
			&metadata,
		); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}

		rec.MetadataJSON = metadata.String
		rec.Timestamp, err = time.Parse(time.RFC3339Nano, timestampStr)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}

	return records, nil
}

// Close closes the underlying database connection
func (s *LedgerStore) Close() error {
	return s.db.Close()
}

// MarshalField JSON-encodes an arbitrary value for storage in a ledger
// column, returning the empty string for nil.
func MarshalField(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding ledger field: %w", err)
	}
	return string(data), nil
}
