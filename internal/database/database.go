package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vincentbai/sessiontrace/internal/identity"
	"github.com/vincentbai/sessiontrace/internal/models"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

var (
	// ErrSessionNotFound is returned by GetSession for an unknown id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidPayload wraps validation failures from InsertSession.
	ErrInvalidPayload = errors.New("invalid payload")
)

type Database struct {
	db *sql.DB
}

// maxEventTypeLen bounds custom event type names.
const maxEventTypeLen = 64

// StoredSession is an ingested payload with its server-side metadata.
type StoredSession struct {
	ID         string         `json:"id"`
	ReceivedAt time.Time      `json:"received_at"`
	Payload    models.Payload `json:"payload"`
}

func NewDatabase(databasePath string) (*Database, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions(
	  id                  TEXT    PRIMARY KEY,
	  received_utc        INTEGER NOT NULL,
	  business_id         TEXT    NOT NULL,
	  user_id             TEXT,
	  fingerprint         TEXT,
	  entry_page          TEXT    NOT NULL,
	  exit_page           TEXT    NOT NULL,
	  duration_ms         INTEGER NOT NULL CHECK (duration_ms >= 0),
	  total_clicks        INTEGER NOT NULL,
	  total_inputs        INTEGER NOT NULL,
	  total_pages_visited INTEGER NOT NULL,
	  user_info_json      TEXT    NOT NULL CHECK (json_valid(user_info_json)),
	  record_json         TEXT    NOT NULL CHECK (json_valid(record_json))
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_business ON sessions(business_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_user     ON sessions(user_id);

	CREATE TABLE IF NOT EXISTS events(
	  id            INTEGER PRIMARY KEY,
	  session_id    TEXT    NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	  seq           INTEGER NOT NULL,
	  ts_utc        INTEGER NOT NULL,
	  relative_ms   INTEGER NOT NULL,
	  page          TEXT    NOT NULL,
	  type          TEXT    NOT NULL,
	  data_json     TEXT    NOT NULL CHECK (json_valid(data_json))
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_events_type    ON events(type);

	CREATE TABLE IF NOT EXISTS errors(
	  id            INTEGER PRIMARY KEY,
	  session_id    TEXT    NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	  seq           INTEGER NOT NULL,
	  hash          TEXT    NOT NULL,
	  message       TEXT    NOT NULL,
	  source        TEXT,
	  lineno        INTEGER,
	  colno         INTEGER,
	  stack         TEXT,
	  page          TEXT    NOT NULL,
	  count         INTEGER NOT NULL CHECK (count >= 1),
	  first_utc     INTEGER NOT NULL,
	  last_utc      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_errors_session ON errors(session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_errors_hash    ON errors(hash);

	CREATE TABLE IF NOT EXISTS kv(
	  key   TEXT PRIMARY KEY,
	  value TEXT NOT NULL
	);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks that the database answers.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Database) ValidateEvent(event models.Event) error {
	if event.Page == "" {
		return fmt.Errorf("page cannot be empty")
	}
	if event.Type == "" {
		return fmt.Errorf("type cannot be empty")
	}
	if !validEventType(event.Type) {
		return fmt.Errorf("invalid event type: %q", event.Type)
	}
	if event.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be positive")
	}
	if event.RelativeTime < 0 {
		return fmt.Errorf("relative time cannot be negative")
	}
	return nil
}

// validEventType accepts the tracker's own types and custom names recorded
// by the host, as long as they are short identifiers.
func validEventType(t string) bool {
	if len(t) > maxEventTypeLen {
		return false
	}
	for _, r := range t {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.' || r == ':':
		default:
			return false
		}
	}
	return true
}

func (d *Database) ValidatePayload(payload models.Payload) error {
	if payload.BusinessID == "" {
		return fmt.Errorf("business_id cannot be empty")
	}
	if payload.DurationMS < 0 {
		return fmt.Errorf("duration_ms cannot be negative")
	}
	for i, event := range payload.TrackerEvents {
		if err := d.ValidateEvent(event); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}
	for i, e := range payload.Errors {
		if e.Hash == "" {
			return fmt.Errorf("error %d: hash cannot be empty", i)
		}
		if e.Count < 1 {
			return fmt.Errorf("error %d: count must be positive", i)
		}
	}
	return nil
}

// InsertSession stores a payload with its events and errors in one
// transaction and returns the new session id.
func (d *Database) InsertSession(ctx context.Context, payload models.Payload) (string, error) {
	if err := d.ValidatePayload(payload); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	userInfo, err := json.Marshal(payload.UserInfo)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user info: %w", err)
	}
	record := payload.SessionRecord
	if record == nil {
		record = []any{}
	}
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session record: %w", err)
	}

	transaction, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = transaction.Rollback() }()

	id := ulid.Make().String()
	_, err = transaction.ExecContext(ctx, `INSERT INTO sessions(
		id, received_utc, business_id, user_id, fingerprint, entry_page, exit_page, duration_ms,
		total_clicks, total_inputs, total_pages_visited, user_info_json, record_json)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,json(?),json(?))`,
		id, time.Now().UnixMilli(), payload.BusinessID, payload.UserID, payload.Fingerprint,
		payload.EntryPage, payload.ExitPage, payload.DurationMS,
		payload.TotalClicks, payload.TotalInputs, payload.TotalPagesVisited,
		string(userInfo), string(recordJSON))
	if err != nil {
		return "", fmt.Errorf("failed to insert session: %w", err)
	}

	if err := insertEvents(ctx, transaction, id, payload.TrackerEvents); err != nil {
		return "", err
	}
	if err := insertErrors(ctx, transaction, id, payload.Errors); err != nil {
		return "", err
	}

	if err := transaction.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return id, nil
}

func insertEvents(ctx context.Context, transaction *sql.Tx, sessionID string, events []models.Event) error {
	statement, err := transaction.PrepareContext(ctx, `INSERT INTO events(session_id, seq, ts_utc, relative_ms, page, type, data_json) VALUES(?,?,?,?,?,?,json(?))`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	for i, event := range events {
		data := event.Data
		if data == nil {
			data = map[string]any{}
		}
		jsonData, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		if _, err := statement.ExecContext(ctx, sessionID, i, event.Timestamp, event.RelativeTime, event.Page, event.Type, string(jsonData)); err != nil {
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}
	return nil
}

func insertErrors(ctx context.Context, transaction *sql.Tx, sessionID string, tracked []models.TrackedError) error {
	statement, err := transaction.PrepareContext(ctx, `INSERT INTO errors(session_id, seq, hash, message, source, lineno, colno, stack, page, count, first_utc, last_utc) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	for i, e := range tracked {
		if _, err := statement.ExecContext(ctx, sessionID, i, e.Hash, e.Message,
			nullString(e.Source), nullInt(e.Lineno), nullInt(e.Colno), nullString(e.Stack),
			e.Page, e.Count, e.Timestamp, e.LastOccurred); err != nil {
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}
	return nil
}

// GetSession loads a stored session and rebuilds its payload.
func (d *Database) GetSession(ctx context.Context, id string) (*StoredSession, error) {
	var (
		stored       StoredSession
		receivedUTC  int64
		userID       sql.NullString
		fingerprint  sql.NullString
		userInfoJSON string
		recordJSON   string
	)
	p := &stored.Payload
	err := d.db.QueryRowContext(ctx, `SELECT id, received_utc, business_id, user_id, fingerprint,
		entry_page, exit_page, duration_ms, total_clicks, total_inputs, total_pages_visited,
		user_info_json, record_json FROM sessions WHERE id = ?`, id).Scan(
		&stored.ID, &receivedUTC, &p.BusinessID, &userID, &fingerprint,
		&p.EntryPage, &p.ExitPage, &p.DurationMS, &p.TotalClicks, &p.TotalInputs, &p.TotalPagesVisited,
		&userInfoJSON, &recordJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	stored.ReceivedAt = time.UnixMilli(receivedUTC).UTC()
	if userID.Valid {
		p.UserID = &userID.String
	}
	if fingerprint.Valid {
		p.Fingerprint = &fingerprint.String
	}
	if err := json.Unmarshal([]byte(userInfoJSON), &p.UserInfo); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	if err := json.Unmarshal([]byte(recordJSON), &p.SessionRecord); err != nil {
		return nil, fmt.Errorf("failed to decode session record: %w", err)
	}

	if p.TrackerEvents, err = d.sessionEvents(ctx, id); err != nil {
		return nil, err
	}
	if p.Errors, err = d.sessionErrors(ctx, id); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (d *Database) sessionEvents(ctx context.Context, sessionID string) ([]models.Event, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT type, data_json, page, ts_utc, relative_ms FROM events WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		var (
			event    models.Event
			dataJSON string
		)
		if err := rows.Scan(&event.Type, &dataJSON, &event.Page, &event.Timestamp, &event.RelativeTime); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(dataJSON), &event.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event data: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (d *Database) sessionErrors(ctx context.Context, sessionID string) ([]models.TrackedError, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT hash, message, source, lineno, colno, stack, page, count, first_utc, last_utc FROM errors WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query errors: %w", err)
	}
	defer rows.Close()

	tracked := []models.TrackedError{}
	for rows.Next() {
		var (
			e             models.TrackedError
			source, stack sql.NullString
			line, column  sql.NullInt64
		)
		if err := rows.Scan(&e.Hash, &e.Message, &source, &line, &column, &stack, &e.Page, &e.Count, &e.Timestamp, &e.LastOccurred); err != nil {
			return nil, fmt.Errorf("failed to scan error: %w", err)
		}
		e.Source = source.String
		e.Stack = stack.String
		e.Lineno = int(line.Int64)
		e.Colno = int(column.Int64)
		tracked = append(tracked, e)
	}
	return tracked, rows.Err()
}

// CountSessions returns how many sessions a business has reported.
func (d *Database) CountSessions(ctx context.Context, businessID string) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE business_id = ?`, businessID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}

// Get implements identity.Store.
func (d *Database) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", identity.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

// Set implements identity.Store. The last write wins.
func (d *Database) Set(ctx context.Context, key, value string) error {
	_, err := d.db.ExecContext(ctx, `INSERT INTO kv(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Delete implements identity.Store.
func (d *Database) Delete(ctx context.Context, key string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

var _ identity.Store = (*Database)(nil)
