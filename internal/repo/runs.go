package repo

import (
	"context"
	"database/sql"
	"strings"

	"fieldline/internal/domain"
)

const runColumns = `id,kind,status,matched,processed,tasks_created,allocated,skipped,error_count,started_at,updated_at,finished_at`

func scanRun(scan func(...any) error) (domain.Run, error) {
	var r domain.Run
	var finished sql.NullString
	err := scan(&r.ID, &r.Kind, &r.Status, &r.Matched, &r.Processed, &r.TasksCreated, &r.Allocated, &r.Skipped, &r.ErrorCount, &r.StartedAt, &r.UpdatedAt, &finished)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if finished.Valid {
		r.FinishedAt = &finished.String
	}
	return r, err
}

// InsertRunTx creates a running run record. The partial unique index on
// (kind) WHERE status='running' makes concurrent inserts fail, which the
// engine maps to an already-running error.
func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,kind,status,matched,processed,tasks_created,allocated,skipped,error_count,started_at,updated_at,finished_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Kind, run.Status, run.Matched, run.Processed, run.TasksCreated, run.Allocated, run.Skipped, run.ErrorCount,
		run.StartedAt, run.UpdatedAt, nullableStringPtr(run.FinishedAt))
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

// RunningRun returns the in-flight run of a kind, or ErrNotFound.
func (r Repo) RunningRun(ctx context.Context, kind domain.RunKind) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE kind=? AND status=? LIMIT 1`, kind, domain.RunRunning)
	return scanRun(row.Scan)
}

// LatestRun returns the most recent run of a kind by start time.
func (r Repo) LatestRun(ctx context.Context, kind domain.RunKind) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE kind=? ORDER BY started_at DESC, id DESC LIMIT 1`, kind)
	return scanRun(row.Scan)
}

func (r Repo) ListRuns(ctx context.Context, kind domain.RunKind, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{}
	args := []any{}
	if kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, kind)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM runs `+where+` ORDER BY started_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// SweepStaleRuns fails running runs whose heartbeat is older than cutoff,
// releasing the single-flight lock after a crash.
func (r Repo) SweepStaleRuns(ctx context.Context, cutoff, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET status=?, finished_at=?, updated_at=? WHERE status=? AND updated_at < ?`,
		domain.RunFailed, now, now, domain.RunRunning, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateRunProgress writes absolute counter values and refreshes the
// heartbeat timestamp.
func (r Repo) UpdateRunProgress(ctx context.Context, run domain.Run, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET matched=?, processed=?, tasks_created=?, allocated=?, skipped=?, error_count=?, updated_at=? WHERE id=?`,
		run.Matched, run.Processed, run.TasksCreated, run.Allocated, run.Skipped, run.ErrorCount, now, run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishRun moves a run to a terminal status with final counters.
func (r Repo) FinishRun(ctx context.Context, run domain.Run, status domain.RunStatus, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET status=?, matched=?, processed=?, tasks_created=?, allocated=?, skipped=?, error_count=?, finished_at=?, updated_at=? WHERE id=? AND status=?`,
		status, run.Matched, run.Processed, run.TasksCreated, run.Allocated, run.Skipped, run.ErrorCount, now, now, run.ID, domain.RunRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestCompletedRun returns the newest completed run of a kind.
func (r Repo) LatestCompletedRun(ctx context.Context, kind domain.RunKind) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE kind=? AND status=? ORDER BY started_at DESC, id DESC LIMIT 1`, kind, domain.RunCompleted)
	return scanRun(row.Scan)
}
