package scheduler

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const busyTimeout = 5 * time.Second

// stuckThreshold declares a run dead when running_at is this old.
const stuckThreshold = 2 * time.Hour

// Job is one scheduled job in a workspace store.
type Job struct {
	ID             string `db:"id"`
	Name           string `db:"name"`
	SchedKind      string `db:"sched_kind"`
	SchedExpr      string `db:"sched_expr"`
	EverySeconds   int    `db:"every_seconds"`
	AtISO          string `db:"at_iso"`
	TZ             string `db:"tz"`
	Message        string `db:"message"`
	Enabled        bool   `db:"enabled"`
	DeleteAfterRun bool   `db:"delete_after_run"`
	System         bool   `db:"system"`
	CreatorUserID  int64  `db:"creator_user_id"`
	CreatorName    string `db:"creator_name"`

	NextRunAt         *time.Time `db:"next_run_at"`
	RunningAt         *time.Time `db:"running_at"`
	LastRunAt         *time.Time `db:"last_run_at"`
	LastStatus        string     `db:"last_status"`
	LastError         string     `db:"last_error"`
	ConsecutiveErrors int        `db:"consecutive_errors"`
}

// Schedule returns the job's schedule value.
func (j *Job) Schedule() Schedule {
	return Schedule{
		Kind:         j.SchedKind,
		Expr:         j.SchedExpr,
		EverySeconds: j.EverySeconds,
		AtISO:        j.AtISO,
		TZ:           j.TZ,
	}
}

// Store is the per-workspace job store inside <workspace>/memory.db.
// One write connection serializes writers; the memory mirror shares the
// file through WAL.
type Store struct {
	db        *sqlx.DB
	workspace string
}

const schema = `
CREATE TABLE IF NOT EXISTS cron_jobs (
    id                 TEXT PRIMARY KEY,
    name               TEXT NOT NULL,
    sched_kind         TEXT NOT NULL,
    sched_expr         TEXT NOT NULL DEFAULT '',
    every_seconds      INTEGER NOT NULL DEFAULT 0,
    at_iso             TEXT NOT NULL DEFAULT '',
    tz                 TEXT NOT NULL DEFAULT '',
    message            TEXT NOT NULL,
    enabled            INTEGER NOT NULL DEFAULT 1,
    delete_after_run   INTEGER NOT NULL DEFAULT 0,
    system             INTEGER NOT NULL DEFAULT 0,
    creator_user_id    INTEGER NOT NULL DEFAULT 0,
    creator_name       TEXT NOT NULL DEFAULT '',
    next_run_at        TIMESTAMP,
    running_at         TIMESTAMP,
    last_run_at        TIMESTAMP,
    last_status        TEXT NOT NULL DEFAULT '',
    last_error         TEXT NOT NULL DEFAULT '',
    consecutive_errors INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS cron_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS cron_history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id      TEXT NOT NULL,
    started_at  TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    status      TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_cron_history_job ON cron_history(job_id, started_at);
`

// OpenStore opens (creating if needed) the job store for a workspace.
func OpenStore(workspace string) (*Store, error) {
	path := filepath.Join(workspace, "memory.db")
	dsn := fmt.Sprintf(
		"file:%s?_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		path, int(busyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("job store schema: %w", err)
	}
	return &Store{db: db, workspace: workspace}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Workspace returns the store's workspace path.
func (s *Store) Workspace() string { return s.workspace }

// NewJobID mints a short random job id.
func NewJobID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// CreateJob inserts a job. NextRunAt must already be computed.
func (s *Store) CreateJob(j *Job) error {
	if j.ID == "" {
		j.ID = NewJobID()
	}
	_, err := s.db.NamedExec(`
        INSERT INTO cron_jobs (
            id, name, sched_kind, sched_expr, every_seconds, at_iso, tz,
            message, enabled, delete_after_run, system, creator_user_id,
            creator_name, next_run_at, consecutive_errors
        ) VALUES (
            :id, :name, :sched_kind, :sched_expr, :every_seconds, :at_iso, :tz,
            :message, :enabled, :delete_after_run, :system, :creator_user_id,
            :creator_name, :next_run_at, 0
        )`, j)
	return err
}

// DeleteJob removes a user job. System jobs only go with force.
func (s *Store) DeleteJob(id string, force bool) error {
	var res sql.Result
	var err error
	if force {
		res, err = s.db.Exec(`DELETE FROM cron_jobs WHERE id = ?`, id)
	} else {
		res, err = s.db.Exec(`DELETE FROM cron_jobs WHERE id = ? AND system = 0`, id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s not found or protected", id)
	}
	return nil
}

// ListJobs returns every job, enabled or not.
func (s *Store) ListJobs() ([]Job, error) {
	var jobs []Job
	err := s.db.Select(&jobs, `SELECT * FROM cron_jobs ORDER BY name`)
	return jobs, err
}

// GetJob fetches one job.
func (s *Store) GetJob(id string) (*Job, error) {
	var j Job
	if err := s.db.Get(&j, `SELECT * FROM cron_jobs WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &j, nil
}

// DueJobs returns enabled jobs whose next run is at or before now and
// that are not currently running.
func (s *Store) DueJobs(now time.Time) ([]Job, error) {
	var jobs []Job
	err := s.db.Select(&jobs, `
        SELECT * FROM cron_jobs
        WHERE enabled = 1
          AND running_at IS NULL
          AND next_run_at IS NOT NULL
          AND next_run_at <= ?
        ORDER BY next_run_at`, now)
	return jobs, err
}

// ResetStuck fails runs whose running_at predates the threshold. The
// next tick reschedules them normally.
func (s *Store) ResetStuck(now time.Time) (int64, error) {
	cutoff := now.Add(-stuckThreshold)
	res, err := s.db.Exec(`
        UPDATE cron_jobs
        SET running_at = NULL,
            last_status = 'failed',
            last_error = 'run exceeded stuck threshold',
            consecutive_errors = consecutive_errors + 1
        WHERE running_at IS NOT NULL AND running_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MarkRunning stamps the job as in flight.
func (s *Store) MarkRunning(id string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE cron_jobs SET running_at = ? WHERE id = ?`, now, id)
	return err
}

// FinishRun records the outcome, the next run and the history row in
// one transaction.
func (s *Store) FinishRun(id string, started time.Time, status, runErr string, next *time.Time, disable bool) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	errDelta := "consecutive_errors + 1"
	if status == "ok" {
		errDelta = "0"
	}
	enabled := 1
	if disable {
		enabled = 0
	}
	if _, err := tx.Exec(fmt.Sprintf(`
        UPDATE cron_jobs
        SET running_at = NULL,
            last_run_at = ?,
            last_status = ?,
            last_error = ?,
            next_run_at = ?,
            enabled = ?,
            consecutive_errors = %s
        WHERE id = ?`, errDelta),
		started, status, runErr, next, enabled, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`
        INSERT INTO cron_history (job_id, started_at, finished_at, status, error)
        VALUES (?, ?, ?, ?, ?)`,
		id, started, time.Now(), status, runErr); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteAfterSuccess removes the job and records the history row.
func (s *Store) DeleteAfterSuccess(id string, started time.Time) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM cron_jobs WHERE id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`
        INSERT INTO cron_history (job_id, started_at, finished_at, status, error)
        VALUES (?, ?, ?, 'ok', '')`, id, started, time.Now()); err != nil {
		return err
	}
	return tx.Commit()
}

// GetMeta reads a meta value, "" when absent.
func (s *Store) GetMeta(key string) (string, error) {
	var v string
	err := s.db.Get(&v, `SELECT value FROM cron_meta WHERE key = ?`, key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// SetMeta upserts a meta value.
func (s *Store) SetMeta(key, value string) error {
	_, err := s.db.Exec(`
        INSERT INTO cron_meta (key, value) VALUES (?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// SetMetaBatch upserts several meta values in one transaction.
func (s *Store) SetMetaBatch(kv map[string]string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for k, v := range kv {
		if _, err := tx.Exec(`
            INSERT INTO cron_meta (key, value) VALUES (?, ?)
            ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// History returns the most recent runs for a job.
type HistoryRow struct {
	ID         int64      `db:"id"`
	JobID      string     `db:"job_id"`
	StartedAt  time.Time  `db:"started_at"`
	FinishedAt *time.Time `db:"finished_at"`
	Status     string     `db:"status"`
	Error      string     `db:"error"`
}

// History lists the latest runs, newest first.
func (s *Store) History(jobID string, limit int) ([]HistoryRow, error) {
	var rows []HistoryRow
	err := s.db.Select(&rows, `
        SELECT * FROM cron_history WHERE job_id = ?
        ORDER BY started_at DESC LIMIT ?`, jobID, limit)
	return rows, err
}
