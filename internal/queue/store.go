package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a durable, SQL-backed job queue. All operations are individually
// atomic; callers observing a zero-row outcome must not retry in a tight loop.
type Store struct {
	db *sql.DB
}

// claimBusyRetries/claimBusyRetryDelay bound how hard Dequeue's claim step
// retries in place when SQLite reports the database as locked/busy, rather
// than surfacing a transient SQL contention error to the caller.
const (
	claimBusyRetries    = 3
	claimBusyRetryDelay = 20 * time.Millisecond
)

// Open opens (creating if necessary) the SQLite database at path and runs
// migrations. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	// The queue is the single synchronization point across workers; a single
	// shared connection avoids SQLITE_BUSY from concurrent writers stepping
	// on each other's transactions.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate queue database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS analysis_queue (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	type            TEXT NOT NULL,
	priority        INTEGER NOT NULL,
	session_file    TEXT NOT NULL,
	segment_start   TEXT,
	segment_end     TEXT,
	context         TEXT,
	target_node_id  TEXT,
	status          TEXT NOT NULL,
	queued_at       DATETIME NOT NULL,
	started_at      DATETIME,
	completed_at    DATETIME,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL DEFAULT 3,
	last_error      TEXT,
	worker_id       TEXT,
	locked_until    DATETIME,
	result_node_id  TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_dequeue ON analysis_queue(status, priority, queued_at);
CREATE INDEX IF NOT EXISTS idx_queue_session ON analysis_queue(session_file, segment_start, segment_end, status);
`
	_, err := s.db.Exec(schema)
	return err
}

func marshalContext(ctx map[string]any) (any, error) {
	if len(ctx) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ctx)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Enqueue inserts one pending job row and returns its id.
func (s *Store) Enqueue(in EnqueueInput) (string, error) {
	id, err := newID()
	if err != nil {
		return "", err
	}
	if err := s.insertJob(s.db, id, in); err != nil {
		return "", err
	}
	return id, nil
}

// EnqueueMany inserts many pending job rows atomically in one transaction.
func (s *Store) EnqueueMany(inputs []EnqueueInput) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin enqueueMany: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]string, 0, len(inputs))
	for _, in := range inputs {
		id, err := newID()
		if err != nil {
			return nil, err
		}
		if err := s.insertJob(tx, id, in); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enqueueMany: %w", err)
	}
	return ids, nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *Store) insertJob(ex execer, id string, in EnqueueInput) error {
	priority := in.Priority
	if priority == 0 {
		priority = DefaultPriority(in.Type)
	}
	maxRetries := in.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	ctxJSON, err := marshalContext(in.Context)
	if err != nil {
		return fmt.Errorf("marshal job context: %w", err)
	}

	_, err = ex.Exec(`
		INSERT INTO analysis_queue
			(id, type, priority, session_file, segment_start, segment_end, context,
			 target_node_id, status, queued_at, retry_count, max_retries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		id, string(in.Type), priority, in.SessionFile,
		nullString(in.Segment.StartEntryID), nullString(in.Segment.EndEntryID), ctxJSON,
		nullString(targetNodeID(in.Context)), string(StatusPending), time.Now().UTC(), maxRetries)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Dequeue performs the two-step optimistic lock: select the best candidate,
// then conditionally claim it. Returns (nil, nil) if another worker raced
// and won, or if no pending job exists.
func (s *Store) Dequeue(workerID string) (*Job, error) {
	return s.dequeueWithLockDuration(workerID, defaultLockDuration)
}

func (s *Store) dequeueWithLockDuration(workerID string, lockDuration time.Duration) (*Job, error) {
	now := time.Now().UTC()

	var id string
	row := s.db.QueryRow(`
		SELECT id FROM analysis_queue
		WHERE status = ? AND (locked_until IS NULL OR locked_until < ?)
		ORDER BY priority ASC, queued_at ASC, seq ASC
		LIMIT 1`, string(StatusPending), now)
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("select dequeue candidate: %w", err)
	}

	lockedUntil := now.Add(lockDuration)
	var res sql.Result
	for attempt := 0; ; attempt++ {
		res, err = s.db.Exec(`
			UPDATE analysis_queue
			SET status = ?, started_at = ?, worker_id = ?, locked_until = ?
			WHERE id = ? AND status = ? AND (locked_until IS NULL OR locked_until < ?)`,
			string(StatusRunning), now, workerID, lockedUntil,
			id, string(StatusPending), now)
		if err == nil {
			break
		}
		if isBusyErr(err) && attempt < claimBusyRetries {
			time.Sleep(claimBusyRetryDelay)
			continue
		}
		return nil, fmt.Errorf("claim dequeue candidate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// Another worker raced and won. Do not retry within this call.
		return nil, nil
	}
	return s.GetJob(id)
}

// Complete marks a job as completed and records the resulting node id.
func (s *Store) Complete(id, nodeID string) error {
	_, err := s.db.Exec(`
		UPDATE analysis_queue
		SET status = ?, completed_at = ?, result_node_id = ?, worker_id = NULL, locked_until = NULL
		WHERE id = ?`, string(StatusCompleted), time.Now().UTC(), nodeID, id)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// Fail records a retryable failure. If the retry budget is exhausted, the
// job transitions to failed instead.
func (s *Store) Fail(id string, errRec ErrorRecord) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("fail: job %s not found", id)
	}

	errJSON, err := FormatErrorForStorage(errRec)
	if err != nil {
		return err
	}

	if job.RetryCount < job.MaxRetries {
		retryCount := job.RetryCount + 1
		delay := time.Duration(1<<uint(job.RetryCount)) * time.Minute
		lockedUntil := time.Now().UTC().Add(delay)
		_, err := s.db.Exec(`
			UPDATE analysis_queue
			SET retry_count = ?, status = ?, locked_until = ?, worker_id = NULL, last_error = ?
			WHERE id = ?`, retryCount, string(StatusPending), lockedUntil, errJSON, id)
		if err != nil {
			return fmt.Errorf("fail (retry) job %s: %w", id, err)
		}
		return nil
	}

	_, err = s.db.Exec(`
		UPDATE analysis_queue
		SET status = ?, worker_id = NULL, locked_until = NULL, last_error = ?
		WHERE id = ?`, string(StatusFailed), errJSON, id)
	if err != nil {
		return fmt.Errorf("fail (terminal) job %s: %w", id, err)
	}
	return nil
}

// FailPermanently unconditionally transitions a job to failed, ignoring
// retry budget. Used for errors the classifier marks as permanent.
func (s *Store) FailPermanently(id string, errRec ErrorRecord) error {
	errJSON, err := FormatErrorForStorage(errRec)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		UPDATE analysis_queue
		SET status = ?, worker_id = NULL, locked_until = NULL, last_error = ?
		WHERE id = ?`, string(StatusFailed), errJSON, id)
	if err != nil {
		return fmt.Errorf("failPermanently job %s: %w", id, err)
	}
	return nil
}

// RetryJob resets a failed job back to pending. Returns false if the job
// was not in status=failed.
func (s *Store) RetryJob(id string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE analysis_queue
		SET status = ?, retry_count = 0, last_error = NULL, started_at = NULL, completed_at = NULL
		WHERE id = ? AND status = ?`, string(StatusPending), id, string(StatusFailed))
	if err != nil {
		return false, fmt.Errorf("retryJob %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CancelJob deletes a pending job row. Returns false if the job was not pending.
func (s *Store) CancelJob(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM analysis_queue WHERE id = ? AND status = ?`,
		id, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("cancelJob %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// releaseRows transitions running rows matching the given predicate back to
// pending (incrementing retryCount) or to failed (if the retry budget is now
// exhausted). Returns the number of rows affected.
func (s *Store) releaseRows(whereExtra string, args ...any) (int, error) {
	query := `SELECT id, retry_count, max_retries FROM analysis_queue WHERE status = ? ` + whereExtra
	rows, err := s.db.Query(query, append([]any{string(StatusRunning)}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("select stale rows: %w", err)
	}
	type cand struct {
		id         string
		retryCount int
		maxRetries int
	}
	var cands []cand
	for rows.Next() {
		var c cand
		if err := rows.Scan(&c.id, &c.retryCount, &c.maxRetries); err != nil {
			rows.Close()
			return 0, err
		}
		cands = append(cands, c)
	}
	rows.Close()

	n := 0
	for _, c := range cands {
		newRetry := c.retryCount + 1
		errJSON, _ := FormatErrorForStorage(ErrorRecord{
			Timestamp: time.Now().UTC(),
			Category:  "transient",
			Reason:    "stale lock recovered",
			Message:   "worker crashed or exceeded lease; job recovered by releaseStale",
		})
		if newRetry >= c.maxRetries {
			maxErr, _ := FormatErrorForStorage(ErrorRecord{
				Timestamp: time.Now().UTC(),
				Category:  "permanent",
				Reason:    "max retries exceeded",
				Message:   fmt.Sprintf("job %s exceeded max retries (%d) after stale lock recovery", c.id, c.maxRetries),
			})
			_, err := s.db.Exec(`
				UPDATE analysis_queue
				SET status = ?, retry_count = ?, worker_id = NULL, locked_until = NULL, last_error = ?
				WHERE id = ?`, string(StatusFailed), newRetry, maxErr, c.id)
			if err != nil {
				return n, err
			}
		} else {
			_, err := s.db.Exec(`
				UPDATE analysis_queue
				SET status = ?, retry_count = ?, worker_id = NULL, locked_until = NULL, last_error = ?
				WHERE id = ?`, string(StatusPending), newRetry, errJSON, c.id)
			if err != nil {
				return n, err
			}
		}
		n++
	}
	return n, nil
}

// ReleaseStale recovers running rows whose lease has expired.
func (s *Store) ReleaseStale() (int, error) {
	return s.releaseRows("AND locked_until < ?", time.Now().UTC())
}

// ReleaseAllRunning recovers every running row regardless of lease time.
// Intended to run exactly once at daemon start to recover from an unclean
// shutdown.
func (s *Store) ReleaseAllRunning() (int, error) {
	return s.releaseRows("")
}

// HasExistingJob reports whether a pending or running job already exists
// for the same (sessionFile, segmentStart, segmentEnd) triple. NULLs are
// matched with IS NULL, not equality.
func (s *Store) HasExistingJob(sessionFile string, seg Segment) (bool, error) {
	query := `SELECT 1 FROM analysis_queue WHERE session_file = ? AND status IN (?, ?)`
	args := []any{sessionFile, string(StatusPending), string(StatusRunning)}

	if seg.StartEntryID == "" {
		query += ` AND segment_start IS NULL`
	} else {
		query += ` AND segment_start = ?`
		args = append(args, seg.StartEntryID)
	}
	if seg.EndEntryID == "" {
		query += ` AND segment_end IS NULL`
	} else {
		query += ` AND segment_end = ?`
		args = append(args, seg.EndEntryID)
	}
	query += ` LIMIT 1`

	var one int
	err := s.db.QueryRow(query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("hasExistingJob: %w", err)
	}
	return true, nil
}

// GetJob reads a single job row by id. Returns (nil, nil) if not found.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(jobSelectColumns+` FROM analysis_queue WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

const jobSelectColumns = `SELECT seq, id, type, priority, session_file, segment_start, segment_end, context,
	target_node_id, status, queued_at, started_at, completed_at, retry_count, max_retries,
	last_error, worker_id, locked_until, result_node_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(r scanner) (*Job, error) {
	var j Job
	var (
		segStart, segEnd, ctxJSON, targetNodeID, lastError, workerID, resultNodeID sql.NullString
		startedAt, completedAt, lockedUntil                                       sql.NullTime
		typ, status                                                               string
	)
	if err := r.Scan(&j.seq, &j.ID, &typ, &j.Priority, &j.SessionFile, &segStart, &segEnd, &ctxJSON,
		&targetNodeID, &status, &j.QueuedAt, &startedAt, &completedAt, &j.RetryCount, &j.MaxRetries,
		&lastError, &workerID, &lockedUntil, &resultNodeID); err != nil {
		return nil, err
	}
	j.Type = Type(typ)
	j.Status = Status(status)
	j.Segment = Segment{StartEntryID: segStart.String, EndEntryID: segEnd.String}
	j.TargetNodeID = targetNodeID.String
	j.WorkerID = workerID.String
	j.ResultNodeID = resultNodeID.String
	if ctxJSON.Valid && ctxJSON.String != "" {
		if err := json.Unmarshal([]byte(ctxJSON.String), &j.Context); err != nil {
			return nil, fmt.Errorf("unmarshal job context: %w", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		j.LockedUntil = &t
	}
	if lastError.Valid && lastError.String != "" {
		rec, err := ParseStoredError(lastError.String)
		if err != nil {
			return nil, err
		}
		j.LastError = &rec
	}
	return &j, nil
}

func (s *Store) queryJobs(query string, args ...any) ([]*Job, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetPendingJobs returns pending jobs, optionally filtered by sessionFile and
// limited to at most limit rows (0 means unlimited).
func (s *Store) GetPendingJobs(sessionFile string, limit int) ([]*Job, error) {
	query := jobSelectColumns + ` FROM analysis_queue WHERE status = ?`
	args := []any{string(StatusPending)}
	if sessionFile != "" {
		query += ` AND session_file = ?`
		args = append(args, sessionFile)
	}
	query += ` ORDER BY priority ASC, queued_at ASC, seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	return s.queryJobs(query, args...)
}

// GetRunningJobs returns all jobs currently in status=running.
func (s *Store) GetRunningJobs() ([]*Job, error) {
	return s.queryJobs(jobSelectColumns+` FROM analysis_queue WHERE status = ? ORDER BY locked_until ASC`,
		string(StatusRunning))
}

// GetFailedJobs returns up to limit failed jobs, most recently completed first.
func (s *Store) GetFailedJobs(limit int) ([]*Job, error) {
	query := jobSelectColumns + ` FROM analysis_queue WHERE status = ? ORDER BY completed_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	return s.queryJobs(query, string(StatusFailed))
}

// GetJobsForSession returns every job row (any status) for a session file.
func (s *Store) GetJobsForSession(sessionFile string) ([]*Job, error) {
	return s.queryJobs(jobSelectColumns+` FROM analysis_queue WHERE session_file = ? ORDER BY queued_at ASC, seq ASC`,
		sessionFile)
}

// Stats summarizes job counts by status.
type Stats struct {
	Pending   int
	Running   int
	Completed int
	Failed    int
}

// GetStats returns overall job counts by status.
func (s *Store) GetStats() (Stats, error) {
	var st Stats
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM analysis_queue GROUP BY status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		switch Status(status) {
		case StatusPending:
			st.Pending = n
		case StatusRunning:
			st.Running = n
		case StatusCompleted:
			st.Completed = n
		case StatusFailed:
			st.Failed = n
		}
	}
	return st, rows.Err()
}

// DailyCount is the completed/failed count for one calendar day (UTC).
type DailyCount struct {
	Day       string
	Completed int
	Failed    int
}

// GetDailyStats returns completion/failure counts grouped by UTC day, over
// the last `days` days.
func (s *Store) GetDailyStats(days int) ([]DailyCount, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := s.db.Query(`
		SELECT strftime('%Y-%m-%d', completed_at) AS day, status, COUNT(*)
		FROM analysis_queue
		WHERE completed_at IS NOT NULL AND completed_at >= ?
		GROUP BY day, status
		ORDER BY day ASC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byDay := map[string]*DailyCount{}
	var order []string
	for rows.Next() {
		var day, status string
		var n int
		if err := rows.Scan(&day, &status, &n); err != nil {
			return nil, err
		}
		dc, ok := byDay[day]
		if !ok {
			dc = &DailyCount{Day: day}
			byDay[day] = dc
			order = append(order, day)
		}
		switch Status(status) {
		case StatusCompleted:
			dc.Completed = n
		case StatusFailed:
			dc.Failed = n
		}
	}
	out := make([]DailyCount, 0, len(order))
	for _, d := range order {
		out = append(out, *byDay[d])
	}
	return out, rows.Err()
}

// GetJobCounts returns counts grouped by job type.
func (s *Store) GetJobCounts() (map[Type]int, error) {
	rows, err := s.db.Query(`SELECT type, COUNT(*) FROM analysis_queue GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[Type]int{}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		counts[Type(typ)] = n
	}
	return counts, rows.Err()
}

// ClearOldCompleted deletes completed/failed rows older than `days` days and
// returns the number of rows removed.
func (s *Store) ClearOldCompleted(days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.Exec(`
		DELETE FROM analysis_queue
		WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(StatusCompleted), string(StatusFailed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("clearOldCompleted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// isBusyErr reports whether err looks like a SQLite "database is locked"
// condition. dequeueWithLockDuration retries its claim UPDATE in place on
// this condition rather than surfacing it to the caller.
func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "locked") ||
		strings.Contains(strings.ToLower(err.Error()), "busy")
}
