package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Event types for process and transport events.
const (
	EventProcessStarted  = "process.started"
	EventProcessStopped  = "process.stopped"
	EventUpdateReceived  = "update.received"
	EventUpdateMalformed = "update.malformed"
	EventCircuitOpened   = "circuit.opened"
	EventCircuitHalfOpen = "circuit.half_open"
	EventCircuitClosed   = "circuit.closed"
)

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// InitSchema creates the events table.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch()),
			parent_id INTEGER,
			event_type TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events(parent_id);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
	`)
	return err
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func LogEvent(db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	res, err := db.Exec(
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", eventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event id: %w", err)
	}
	return id, nil
}

// CountEvents returns how many events of eventType are stored under parentID.
func CountEvents(db *sql.DB, parentID int64, eventType string) (int, error) {
	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM events WHERE parent_id = ? AND event_type = ?`,
		parentID, eventType,
	).Scan(&count)
	return count, err
}

// EventLog records events as children of one process.started root.
// Write failures are logged and otherwise ignored.
type EventLog struct {
	DB     *sql.DB
	RootID int64
}

// StartEventLog logs a process.started root event and returns a log bound to it.
func StartEventLog(database *sql.DB, payload map[string]any) (*EventLog, error) {
	id, err := LogEvent(database, nil, EventProcessStarted, payload)
	if err != nil {
		return nil, err
	}
	return &EventLog{DB: database, RootID: id}, nil
}

// Record implements dispatch.EventSink.
func (l *EventLog) Record(eventType string, payload map[string]any) {
	if _, err := LogEvent(l.DB, &l.RootID, eventType, payload); err != nil {
		log.Printf("[relay] failed to log %s: %v", eventType, err)
	}
}
