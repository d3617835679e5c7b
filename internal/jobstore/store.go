// Package jobstore implements the Job Event Store: a per-job append-only,
// strictly sequenced, durable event log with resumable reads, backed by
// SQLite.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// State is a job's lifecycle state.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// TransitionError signals an illegal state transition attempt.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

var allowedTransitions = map[State]map[State]bool{
	StatePending: {StateRunning: true, StateCancelled: true},
	StateRunning: {StateSucceeded: true, StateFailed: true, StateCancelled: true},
}

// JobStatus is the current state of a job.
type JobStatus struct {
	JobID       string
	State       State
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Attempts    int
	LastSeq     int64
}

// JobEvent is one entry of a job's event log.
type JobEvent struct {
	Seq       int64           `json:"seq"`
	TS        int64           `json:"ts"`
	EventType string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// Store persists jobs and their event logs in SQLite.
type Store struct {
	db *sql.DB

	jobLocksMu sync.Mutex
	jobLocks   map[string]*sync.Mutex
}

// Open creates or opens a SQLite database at dbPath and applies migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("jobstore: open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobstore: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobstore: set busy timeout: %w", err)
	}

	s := &Store{db: db, jobLocks: make(map[string]*sync.Mutex)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobstore: migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{migrateV1, migrateV2}

	for i := version; i < len(migrations); i++ {
		slog.Info("applying jobstore migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			attempts INTEGER NOT NULL DEFAULT 1,
			last_seq INTEGER NOT NULL DEFAULT -1,
			idempotency_key TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_idempotency ON jobs(idempotency_key);

		CREATE TABLE IF NOT EXISTS job_events (
			job_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (job_id, seq)
		);
	`)
	return err
}

// migrateV2 replaces the non-unique idempotency index from migrateV1 with a
// real UNIQUE(session_id, idempotency_key) constraint, so that two
// concurrent CreateJob calls racing on the same Idempotency-Key can no
// longer both insert a row: SQLite rejects the loser's insert rather than
// leaving it to application-level detection. NULL idempotency_key values
// (non-idempotent jobs) are exempt from the constraint — SQLite's unique
// indexes never consider NULL equal to NULL.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		DROP INDEX IF EXISTS idx_jobs_idempotency;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_session_idempotency ON jobs(session_id, idempotency_key);
	`)
	return err
}

// lockFor returns the mutex serializing access to key, creating one on
// first use. Used both for per-job keys (AppendEvent/Transition) and for
// per-(session,idempotencyKey) keys (CreateJob) — the two key spaces never
// collide since idempotency keys are looked up under an "idem:" prefix.
func (s *Store) lockFor(key string) *sync.Mutex {
	s.jobLocksMu.Lock()
	defer s.jobLocksMu.Unlock()
	l, ok := s.jobLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.jobLocks[key] = l
	}
	return l
}

func idempotencyLockKey(sessionID, idempotencyKey string) string {
	return "idem:" + sessionID + ":" + idempotencyKey
}

// CreateJob inserts a new PENDING job row. If idempotencyKey is non-empty
// and a job with that key already exists for sessionID, that job's id is
// returned instead and no new row is created.
//
// The lookup-then-insert is made atomic two ways: a per-(session,
// idempotencyKey) mutex serializes concurrent callers in this process,
// mirroring the per-job mutex discipline AppendEvent/Transition already
// use, and the insert itself races against the UNIQUE(session_id,
// idempotency_key) index (migrateV2) via INSERT ... ON CONFLICT ... DO
// NOTHING, so even without the mutex two concurrent inserts for the same
// key can never both succeed.
func (s *Store) CreateJob(jobID, sessionID, idempotencyKey string) (string, error) {
	if idempotencyKey == "" {
		now := time.Now().UnixMilli()
		if _, err := s.db.Exec(
			"INSERT INTO jobs (job_id, session_id, state, created_at, attempts, last_seq, idempotency_key) VALUES (?, ?, ?, ?, 1, -1, NULL)",
			jobID, sessionID, string(StatePending), now,
		); err != nil {
			return "", fmt.Errorf("jobstore: insert job: %w", err)
		}
		return jobID, nil
	}

	lock := s.lockFor(idempotencyLockKey(sessionID, idempotencyKey))
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("jobstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(
		`INSERT INTO jobs (job_id, session_id, state, created_at, attempts, last_seq, idempotency_key)
		 VALUES (?, ?, ?, ?, 1, -1, ?)
		 ON CONFLICT(session_id, idempotency_key) DO NOTHING`,
		jobID, sessionID, string(StatePending), now, idempotencyKey,
	); err != nil {
		return "", fmt.Errorf("jobstore: insert job: %w", err)
	}

	var winner string
	if err := tx.QueryRow(
		"SELECT job_id FROM jobs WHERE session_id = ? AND idempotency_key = ?",
		sessionID, idempotencyKey,
	).Scan(&winner); err != nil {
		return "", fmt.Errorf("jobstore: read back job for idempotency key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("jobstore: commit: %w", err)
	}

	return winner, nil
}

// AppendEvent appends one event to jobID's log under a per-job lock,
// assigning and returning the next sequence number. The write is durable
// before this returns.
func (s *Store) AppendEvent(jobID, eventType string, payload json.RawMessage) (int64, error) {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("jobstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	var lastSeq int64
	if err := tx.QueryRow("SELECT last_seq FROM jobs WHERE job_id = ?", jobID).Scan(&lastSeq); err != nil {
		return 0, fmt.Errorf("jobstore: job not found: %w", err)
	}

	seq := lastSeq + 1
	ts := time.Now().UnixMilli()

	if _, err := tx.Exec(
		"INSERT INTO job_events (job_id, seq, ts, event_type, payload) VALUES (?, ?, ?, ?, ?)",
		jobID, seq, ts, eventType, string(payload),
	); err != nil {
		return 0, fmt.Errorf("jobstore: insert event: %w", err)
	}

	if _, err := tx.Exec("UPDATE jobs SET last_seq = ? WHERE job_id = ?", seq, jobID); err != nil {
		return 0, fmt.Errorf("jobstore: update last_seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("jobstore: commit: %w", err)
	}

	return seq, nil
}

// ReadEvents returns events for jobID with seq > after, ascending, bounded
// by maxCount (0 means unbounded).
func (s *Store) ReadEvents(jobID string, after int64, maxCount int) ([]JobEvent, error) {
	query := "SELECT seq, ts, event_type, payload FROM job_events WHERE job_id = ? AND seq > ? ORDER BY seq ASC"
	args := []any{jobID, after}
	if maxCount > 0 {
		query += " LIMIT ?"
		args = append(args, maxCount)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobstore: read events: %w", err)
	}
	defer rows.Close()

	var events []JobEvent
	for rows.Next() {
		var e JobEvent
		var payload string
		if err := rows.Scan(&e.Seq, &e.TS, &e.EventType, &payload); err != nil {
			return nil, fmt.Errorf("jobstore: scan event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobstore: iterate events: %w", err)
	}

	if events == nil {
		events = []JobEvent{}
	}
	return events, nil
}

// GetStatus returns the current JobStatus for jobID.
func (s *Store) GetStatus(jobID string) (*JobStatus, error) {
	row := s.db.QueryRow(
		"SELECT job_id, state, created_at, started_at, completed_at, attempts, last_seq FROM jobs WHERE job_id = ?",
		jobID,
	)

	var (
		st          JobStatus
		state       string
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)

	if err := row.Scan(&st.JobID, &state, &createdAt, &startedAt, &completedAt, &st.Attempts, &st.LastSeq); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("jobstore: job %s not found", jobID)
		}
		return nil, fmt.Errorf("jobstore: get status: %w", err)
	}

	st.State = State(state)
	st.CreatedAt = time.UnixMilli(createdAt).UTC()
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64).UTC()
		st.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		st.CompletedAt = &t
	}

	return &st, nil
}

// Transition applies a validated state transition.
func (s *Store) Transition(jobID string, newState State) error {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	var current string
	if err := s.db.QueryRow("SELECT state FROM jobs WHERE job_id = ?", jobID).Scan(&current); err != nil {
		return fmt.Errorf("jobstore: job %s not found: %w", jobID, err)
	}

	from := State(current)
	if !allowedTransitions[from][newState] {
		return &TransitionError{From: from, To: newState}
	}

	now := time.Now().UnixMilli()
	switch newState {
	case StateRunning:
		_, err := s.db.Exec("UPDATE jobs SET state = ?, started_at = ? WHERE job_id = ?", string(newState), now, jobID)
		return err
	case StateSucceeded, StateFailed, StateCancelled:
		_, err := s.db.Exec("UPDATE jobs SET state = ?, completed_at = ? WHERE job_id = ?", string(newState), now, jobID)
		return err
	default:
		_, err := s.db.Exec("UPDATE jobs SET state = ? WHERE job_id = ?", string(newState), jobID)
		return err
	}
}
