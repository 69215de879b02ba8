package eventbus

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLitePersistence backs the P0-Safety durability barrier with a
// SQLite table, using a CREATE TABLE IF NOT EXISTS + JSON-column
// pattern.
type SQLitePersistence struct {
	db *sql.DB
}

// NewSQLitePersistence opens (and if needed initializes) a SQLite
// database at dbPath as a Persistence backend.
func NewSQLitePersistence(dbPath string) (*SQLitePersistence, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, &PersistenceError{Kind: PersistenceDatabase, Detail: fmt.Sprintf("open %s: %v", dbPath, err)}
	}

	p := &SQLitePersistence{db: db}
	if err := p.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *SQLitePersistence) initialize() error {
	query := `CREATE TABLE IF NOT EXISTS safety_events (
		id TEXT PRIMARY KEY,
		priority INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		severity INTEGER NOT NULL,
		system_state TEXT,
		requires_ack BOOLEAN NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		payload JSON NOT NULL
	)`
	if _, err := p.db.Exec(query); err != nil {
		return &PersistenceError{Kind: PersistenceDatabase, Detail: fmt.Sprintf("create table: %v", err)}
	}
	return nil
}

func (p *SQLitePersistence) Store(event SafetyEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return &PersistenceError{Kind: PersistenceSerialization, Detail: err.Error()}
	}

	query := `INSERT OR REPLACE INTO safety_events (
		id, priority, event_type, severity, system_state, requires_ack, timestamp, payload
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = p.db.Exec(query,
		event.Event.ID, event.Event.Priority, event.Event.EventType, event.Severity,
		event.SystemState, event.Event.RequiresAck, event.Event.Timestamp, payload)
	if err != nil {
		return &PersistenceError{Kind: PersistenceDatabase, Detail: fmt.Sprintf("insert safety event: %v", err)}
	}
	return nil
}

func (p *SQLitePersistence) LoadPending() ([]SafetyEvent, error) {
	rows, err := p.db.Query(`SELECT payload FROM safety_events`)
	if err != nil {
		return nil, &PersistenceError{Kind: PersistenceDatabase, Detail: fmt.Sprintf("query pending: %v", err)}
	}
	defer rows.Close()

	var out []SafetyEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, &PersistenceError{Kind: PersistenceDatabase, Detail: fmt.Sprintf("scan pending: %v", err)}
		}
		var event SafetyEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, &PersistenceError{Kind: PersistenceSerialization, Detail: err.Error()}
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func (p *SQLitePersistence) MarkDelivered(id string) error {
	if _, err := p.db.Exec(`DELETE FROM safety_events WHERE id = ?`, id); err != nil {
		return &PersistenceError{Kind: PersistenceDatabase, Detail: fmt.Sprintf("delete safety event %s: %v", id, err)}
	}
	return nil
}

// Close releases the underlying database handle.
func (p *SQLitePersistence) Close() error {
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("eventbus: close sqlite persistence: %w", err)
	}
	return nil
}
