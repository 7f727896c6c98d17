package ledger

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mailrun/mailrun/internal/task"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id   TEXT NOT NULL,
	status    TEXT NOT NULL,
	attempt   INTEGER NOT NULL,
	sender_id TEXT NOT NULL DEFAULT '',
	reason    TEXT NOT NULL DEFAULT '',
	ts        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_task ON ledger_entries (task_id, seq);
`

// SQLiteLedger stores the transition log in a SQLite database. SQLite's
// own journaling provides the durability the write-ahead contract needs.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite ledger at the given path
func OpenSQLite(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite ledger: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sqlite ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

// Append writes one entry durably
func (l *SQLiteLedger) Append(e Entry) error {
	_, err := l.db.Exec(
		`INSERT INTO ledger_entries (task_id, status, attempt, sender_id, reason, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		e.TaskID, string(e.Status), e.Attempt, e.SenderID, e.Reason, e.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// Replay reads back every entry in append order
func (l *SQLiteLedger) Replay() ([]Entry, error) {
	rows, err := l.db.Query(
		`SELECT task_id, status, attempt, sender_id, reason, ts FROM ledger_entries ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var status, ts string
		if err := rows.Scan(&e.TaskID, &status, &e.Attempt, &e.SenderID, &e.Reason, &ts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		e.Status = task.Status(status)
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("%w: bad timestamp %q: %v", ErrCorrupt, ts, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return entries, nil
}

// Close releases the database handle
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
