package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"fieldline/internal/domain"
	"fieldline/internal/repo"
)

// staleRunThreshold is how long a running run may go without a heartbeat
// before a status read declares it crashed and releases the lock.
const staleRunThreshold = 15 * time.Minute

// startRun claims the single-flight slot for a kind and launches body.
// The partial unique index on runs(kind) WHERE status='running' is the
// source of truth; the pre-insert check just produces a cleaner error for
// the common case.
func (e *Engine) startRun(ctx context.Context, kind domain.RunKind, body func(ctx context.Context, run *domain.Run, flush func() error) error) (domain.Run, error) {
	if err := e.sweepStale(ctx); err != nil {
		return domain.Run{}, err
	}
	now := e.nowRFC3339()
	run := domain.Run{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    domain.RunRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.beginTx(ctx)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.RunningRun(ctx, kind); err == nil {
		return domain.Run{}, ErrAlreadyRunning
	} else if err != repo.ErrNotFound {
		return domain.Run{}, err
	}
	if err := e.Repo.InsertRunTx(ctx, tx, run); err != nil {
		if isUniqueViolation(err) {
			return domain.Run{}, ErrAlreadyRunning
		}
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}

	execute := func() {
		runCtx := context.WithoutCancel(ctx)
		r := run
		flush := func() error {
			return e.Repo.UpdateRunProgress(runCtx, r, e.nowRFC3339())
		}
		status := domain.RunCompleted
		if err := body(runCtx, &r, flush); err != nil {
			status = domain.RunFailed
			r.ErrorCount++
		}
		_ = e.Repo.FinishRun(runCtx, r, status, e.nowRFC3339())
	}
	if e.SyncJobs {
		execute()
		run, err = e.Repo.GetRun(ctx, run.ID)
		return run, err
	}
	go execute()
	return run, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}

func (e *Engine) sweepStale(ctx context.Context) error {
	now := e.now()
	cutoff := now.Add(-staleRunThreshold).UTC().Format(time.RFC3339)
	_, err := e.Repo.SweepStaleRuns(ctx, cutoff, now.UTC().Format(time.RFC3339))
	return err
}

// RunStatus returns the most recent run of a kind, sweeping crashed runs
// to failed first so pollers never wait on a lock nobody holds.
func (e *Engine) RunStatus(ctx context.Context, kind domain.RunKind) (domain.Run, error) {
	if err := e.sweepStale(ctx); err != nil {
		return domain.Run{}, err
	}
	return e.Repo.LatestRun(ctx, kind)
}

// GetRun returns a run by id.
func (e *Engine) GetRun(ctx context.Context, id string) (domain.Run, error) {
	if err := e.sweepStale(ctx); err != nil {
		return domain.Run{}, err
	}
	return e.Repo.GetRun(ctx, id)
}

// ListRuns returns run history, newest first.
func (e *Engine) ListRuns(ctx context.Context, kind domain.RunKind, limit int) ([]domain.Run, error) {
	if err := e.sweepStale(ctx); err != nil {
		return nil, err
	}
	return e.Repo.ListRuns(ctx, kind, limit)
}
