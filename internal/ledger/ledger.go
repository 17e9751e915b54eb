// Package ledger keeps an append-only history of dispatched commands for
// auditing. Each command contributes one row per lifecycle stage.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Stage is a command lifecycle stage.
type Stage string

const (
	StageIssued     Stage = "issued"
	StageWritten    Stage = "written"
	StageFailed     Stage = "failed"
	StageResolved   Stage = "resolved"
	StageSuperseded Stage = "superseded"
	StageConfirmed  Stage = "confirmed"
)

// Outcome reports whether the stage settles a command.
func (s Stage) Outcome() bool {
	switch s {
	case StageResolved, StageSuperseded, StageConfirmed:
		return true
	}
	return false
}

// Entry represents a single row in the ledger
type Entry struct {
	ID        int64          `json:"id"`
	CommandID string         `json:"command_id"`
	Stage     Stage          `json:"stage"`
	Kind      string         `json:"kind"`
	Aspect    string         `json:"aspect"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Ledger provides append-only command logging
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Append adds a row to the ledger. Outcome stages use INSERT OR IGNORE so
// only the first outcome of a command is recorded (enforced by a unique
// partial index).
func (l *Ledger) Append(e Entry) error {
	var payloadJSON []byte
	if e.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	insertSQL := `INSERT INTO command_ledger (command_id, stage, kind, aspect, timestamp, error, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`
	if e.Stage.Outcome() {
		insertSQL = `INSERT OR IGNORE INTO command_ledger (command_id, stage, kind, aspect, timestamp, error, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`
	}

	_, err := l.db.Exec(insertSQL, e.CommandID, string(e.Stage), e.Kind, e.Aspect, ts.UTC().UnixMilli(), e.Error, string(payloadJSON))
	if err != nil {
		return fmt.Errorf("failed to append %s for %s: %w", e.Stage, e.CommandID, err)
	}
	return nil
}

// Outcome returns how a command settled, or "" while it has not.
func (l *Ledger) Outcome(commandID string) (Stage, error) {
	var stage string
	err := l.db.QueryRow(`
		SELECT stage FROM command_ledger
		WHERE command_id = ? AND stage IN (?, ?, ?)
		LIMIT 1
	`, commandID, string(StageResolved), string(StageSuperseded), string(StageConfirmed)).Scan(&stage)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return Stage(stage), nil
}

// History returns every row of a command in insertion order.
func (l *Ledger) History(commandID string) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, command_id, stage, kind, aspect, timestamp, error, payload
		FROM command_ledger
		WHERE command_id = ?
		ORDER BY id ASC
	`, commandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Recent returns the newest rows, newest first.
func (l *Ledger) Recent(limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, command_id, stage, kind, aspect, timestamp, error, payload
		FROM command_ledger
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// GetByTimeRange returns rows within a time range
func (l *Ledger) GetByTimeRange(start, end time.Time, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, command_id, stage, kind, aspect, timestamp, error, payload
		FROM command_ledger
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, start.UTC().UnixMilli(), end.UTC().UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// DeleteOlderThan removes rows older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := l.now().Add(-retention).UTC().UnixMilli()
	result, err := l.db.Exec(`
		DELETE FROM command_ledger WHERE timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var aspect, errText, payloadStr sql.NullString
		var timestamp int64

		err := rows.Scan(
			&entry.ID, &entry.CommandID, &entry.Stage, &entry.Kind, &aspect, &timestamp, &errText, &payloadStr,
		)
		if err != nil {
			return nil, err
		}

		entry.Timestamp = time.UnixMilli(timestamp).UTC()
		entry.Aspect = aspect.String
		entry.Error = errText.String

		if payloadStr.Valid && payloadStr.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(payloadStr.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
