package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite" // SQLite driver
)

// Record is one committed transition. Task records carry the task state in
// From/To; entity records carry the entity status.
type Record struct {
	TaskID string    `cbor:"1,keyasint,omitempty" json:"task_id,omitempty"`
	Kind   string    `cbor:"2,keyasint" json:"kind"`
	ID     string    `cbor:"3,keyasint" json:"id"`
	From   string    `cbor:"4,keyasint,omitempty" json:"from,omitempty"`
	To     string    `cbor:"5,keyasint" json:"to"`
	Reason string    `cbor:"6,keyasint,omitempty" json:"reason,omitempty"`
	Rev    uint64    `cbor:"7,keyasint,omitempty" json:"rev,omitempty"`
	At     time.Time `cbor:"8,keyasint" json:"at"`
	Seq    uint64    `cbor:"-" json:"seq"`
}

// Journal is an append-only log of committed transitions.
type Journal interface {
	// Append stores recs as one batch.
	Append(ctx context.Context, recs ...Record) error
	// Records returns every record touching id (a task, offer or request),
	// oldest first.
	Records(ctx context.Context, id string) ([]Record, error)
	Close() error
}

// MemoryJournal keeps records in memory.
type MemoryJournal struct {
	mu   sync.RWMutex
	recs []Record
}

// NewMemoryJournal returns an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal { return &MemoryJournal{} }

func (j *MemoryJournal) Append(_ context.Context, recs ...Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, r := range recs {
		r.Seq = uint64(len(j.recs)) + 1
		j.recs = append(j.recs, r)
	}
	return nil
}

func (j *MemoryJournal) Records(_ context.Context, id string) ([]Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []Record
	for _, r := range j.recs {
		if r.ID == id || r.TaskID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

// Len returns the number of stored records.
func (j *MemoryJournal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.recs)
}

func (j *MemoryJournal) Close() error { return nil }

const schema = `
CREATE TABLE IF NOT EXISTS journal (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL DEFAULT '',
	kind    TEXT NOT NULL,
	ref_id  TEXT NOT NULL,
	state   TEXT NOT NULL,
	at      DATETIME NOT NULL,
	payload BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_task ON journal(task_id);
CREATE INDEX IF NOT EXISTS idx_journal_ref ON journal(ref_id);
`

// SQLiteJournal persists records in a SQLite database. The full record is
// stored CBOR-encoded; the indexed columns exist for lookups.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLiteJournal opens (or creates) the journal database at path. The
// caller is responsible for calling Close.
func OpenSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) Append(ctx context.Context, recs ...Record) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO journal (task_id, kind, ref_id, state, at, payload) VALUES (?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		payload, err := cbor.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, r.TaskID, r.Kind, r.ID, r.To, r.At.UTC(), payload); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
	}
	return tx.Commit()
}

func (j *SQLiteJournal) Records(ctx context.Context, id string) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, payload FROM journal WHERE task_id = ? OR ref_id = ? ORDER BY seq`, id, id)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			seq     uint64
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var r Record
		if err := cbor.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", seq, err)
		}
		r.Seq = seq
		out = append(out, r)
	}
	return out, rows.Err()
}

func (j *SQLiteJournal) Close() error { return j.db.Close() }

const kindTask = "task"
