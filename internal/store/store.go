package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("not found")
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Run statuses. Every status except StatusRunning is final.
const (
	StatusRunning     = "running"
	StatusOK          = "ok"
	StatusExited      = "exited"
	StatusSignaled    = "signaled"
	StatusTimeout     = "timeout"
	StatusSystemError = "system_error"
	// StatusCrashed marks runs whose supervisor died before recording an
	// outcome.
	StatusCrashed = "crashed"
)

type Run struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	InDir        string     `json:"in_dir"`
	OutDir       string     `json:"out_dir"`
	Argv         []string   `json:"argv"`
	PID          int        `json:"pid"`
	ExitStatus   int        `json:"exit_status"`
	Stage        string     `json:"stage,omitempty"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	Error        string     `json:"error,omitempty"`
	Requeue      bool       `json:"requeue"`
	DurationMs   int64      `json:"duration_ms"`
	MemoryPeak   int64      `json:"memory_peak,omitempty"`
	CPUUsageUsec int64      `json:"cpu_usage_usec,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	status         TEXT NOT NULL DEFAULT 'running',
	in_dir         TEXT NOT NULL,
	out_dir        TEXT NOT NULL,
	argv           TEXT NOT NULL DEFAULT '[]',
	pid            INTEGER NOT NULL DEFAULT 0,
	exit_status    INTEGER NOT NULL DEFAULT 0,
	stage          TEXT NOT NULL DEFAULT '',
	error_kind     TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	requeue        INTEGER NOT NULL DEFAULT 0,
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	memory_peak    INTEGER NOT NULL DEFAULT 0,
	cpu_usage_usec INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL,
	finished_at    DATETIME
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
// WAL mode allows multiple readers + 1 writer; more conns improve read throughput.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection. A batch finishes many runs at
// once, so every connection needs the busy timeout.
func dsnWithPragmas(dbPath string) string {
	// busy_timeout: 15s wait on lock (batch workers + reaper overlap)
	// journal_mode=WAL: concurrent reads during writes
	// synchronous=NORMAL: safe in WAL
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens the store. maxOpenConns controls the connection pool size (0 = default 4).
func New(dbPath string, maxOpenConns int) (*Store, error) {
	dsn := dsnWithPragmas(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const runColumns = `id, status, in_dir, out_dir, argv, pid, exit_status, stage, error_kind, error,
	requeue, duration_ms, memory_peak, cpu_usage_usec, created_at, finished_at`

func (s *Store) CreateRun(run *Run) error {
	argv, err := json.Marshal(run.Argv)
	if err != nil {
		return fmt.Errorf("encoding argv: %w", err)
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}
	err = retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO runs (id, status, in_dir, out_dir, argv, pid, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.Status, run.InDir, run.OutDir, string(argv), run.PID, run.CreatedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRuns returns the most recent runs first. limit <= 0 means no limit.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *Store) ListRunningRuns() ([]*Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs WHERE status = ?`, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("listing running runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *Store) UpdateRunPID(id string, pid int) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`UPDATE runs SET pid = ? WHERE id = ?`, pid, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating run pid: %w", err)
	}
	return checkRowAffected(result, id)
}

// FinishRun records the outcome of a run. Only a running run can finish.
func (s *Store) FinishRun(run *Run) error {
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC()
	}
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE runs SET status = ?, exit_status = ?, stage = ?, error_kind = ?, error = ?,
			 requeue = ?, duration_ms = ?, memory_peak = ?, cpu_usage_usec = ?, finished_at = ?
			 WHERE id = ? AND status = ?`,
			run.Status, run.ExitStatus, run.Stage, run.ErrorKind, run.Error,
			run.Requeue, run.DurationMs, run.MemoryPeak, run.CPUUsageUsec, finished,
			run.ID, StatusRunning,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	if err := checkRowAffected(result, run.ID); err != nil {
		return err
	}
	run.FinishedAt = &finished
	return nil
}

// DeleteFinishedBefore removes finished runs older than cutoff and returns
// how many were deleted.
func (s *Store) DeleteFinishedBefore(cutoff time.Time) (int64, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`DELETE FROM runs WHERE status != ? AND finished_at IS NOT NULL AND finished_at < ?`,
			StatusRunning, cutoff.UTC(),
		)
		return e
	})
	if err != nil {
		return 0, fmt.Errorf("deleting finished runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var run Run
	var argv string
	var finished sql.NullTime
	err := row.Scan(
		&run.ID, &run.Status, &run.InDir, &run.OutDir, &argv, &run.PID, &run.ExitStatus,
		&run.Stage, &run.ErrorKind, &run.Error, &run.Requeue, &run.DurationMs,
		&run.MemoryPeak, &run.CPUUsageUsec, &run.CreatedAt, &finished,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run: %w", err)
	}
	if err := json.Unmarshal([]byte(argv), &run.Argv); err != nil {
		return nil, fmt.Errorf("decoding argv of run %s: %w", run.ID, err)
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}
