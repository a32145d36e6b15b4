package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/events"
	"fieldline/internal/repo"
)

// Sampling modes. First-sample visits activities never sampled before and
// honors activity cooling; ad-hoc is an operator-triggered draw over an
// explicit date range that bypasses activity cooling. Farmer cooling holds
// in both modes.
const (
	ModeFirstSample = "first_sample"
	ModeAdhoc       = "adhoc"
)

// SamplingParams select which activities a run visits and at what rate.
// Statuses narrows the lifecycle statuses a run considers; empty derives
// the set from the mode.
type SamplingParams struct {
	Mode       string
	Statuses   []domain.ActivityStatus
	DateFrom   string
	DateTo     string
	Percentage float64 // 0 means the configured default
	ActorID    string
}

func (p SamplingParams) validate() error {
	switch p.Mode {
	case ModeFirstSample, ModeAdhoc:
	default:
		return fmt.Errorf("unknown sampling mode %q", p.Mode)
	}
	if p.Mode == ModeAdhoc && (p.DateFrom == "" || p.DateTo == "") {
		return fmt.Errorf("adhoc sampling requires an explicit date range")
	}
	for _, s := range p.Statuses {
		switch s {
		case domain.ActivityActive:
		case domain.ActivitySampled:
			if p.Mode == ModeFirstSample {
				return fmt.Errorf("first_sample runs only visit active activities")
			}
		default:
			return fmt.Errorf("invalid lifecycle filter %q", s)
		}
	}
	if p.Percentage < 0 || p.Percentage > 100 {
		return fmt.Errorf("percentage must be in [0,100]")
	}
	return nil
}

// statuses resolves the lifecycle filter: an explicit one wins, otherwise
// first_sample visits active activities and adhoc also revisits sampled
// ones.
func (p SamplingParams) statuses() []domain.ActivityStatus {
	if len(p.Statuses) > 0 {
		return p.Statuses
	}
	if p.Mode == ModeAdhoc {
		return []domain.ActivityStatus{domain.ActivityActive, domain.ActivitySampled}
	}
	return []domain.ActivityStatus{domain.ActivityActive}
}

// RunSampling starts a sampling run and returns its record immediately.
// Poll RunStatus for progress. Only one sampling run may be in flight.
func (e *Engine) RunSampling(ctx context.Context, p SamplingParams) (domain.Run, error) {
	if err := p.validate(); err != nil {
		return domain.Run{}, err
	}
	cfg, err := e.activeConfig(ctx)
	if err != nil {
		return domain.Run{}, err
	}
	if p.Mode == ModeFirstSample && p.DateFrom == "" && p.DateTo == "" {
		from, to, err := e.deriveFirstSampleRange(ctx)
		if err != nil {
			return domain.Run{}, err
		}
		p.DateFrom, p.DateTo = from, to
	}
	return e.startRun(ctx, domain.RunSampling, func(ctx context.Context, run *domain.Run, flush func() error) error {
		return e.executeSampling(ctx, cfg, p, run, flush)
	})
}

// deriveFirstSampleRange picks the window a first-sample run covers: the
// full span of active activity dates on the very first run, and from the
// last completed run's finish date to today on every run after that.
func (e *Engine) deriveFirstSampleRange(ctx context.Context) (string, string, error) {
	last, err := e.Repo.LatestCompletedRun(ctx, domain.RunSampling)
	if err == nil && last.FinishedAt != nil {
		return (*last.FinishedAt)[:10], e.now().UTC().Format("2006-01-02"), nil
	}
	if err != nil && err != repo.ErrNotFound {
		return "", "", err
	}
	from, to, ok, err := e.Repo.ActiveDateBounds(ctx)
	if err != nil {
		return "", "", err
	}
	if !ok {
		// Nothing active: the run completes immediately with zero work.
		return "", "", nil
	}
	return from, to, nil
}

func (e *Engine) executeSampling(ctx context.Context, cfg *config.Config, p SamplingParams, run *domain.Run, flush func() error) error {
	pct := p.Percentage
	if pct == 0 {
		pct = cfg.Sampling.DefaultPercentage
	}
	// Ad-hoc draws may revisit already-sampled activities; farmers tasked
	// in a previous run are excluded from the pool either way.
	candidates, err := e.Repo.ListCandidateActivities(ctx, repo.CandidateFilters{
		Statuses:      p.statuses(),
		EligibleTypes: cfg.Sampling.EligibleTypes,
		DateFrom:      p.DateFrom,
		DateTo:        p.DateTo,
	})
	if err != nil {
		return err
	}
	run.Matched = len(candidates)
	if err := flush(); err != nil {
		return err
	}

	farmerCutoff := coolingCutoff(e.now(), cfg.Sampling.FarmerCoolingDays)
	for _, act := range candidates {
		if p.Mode == ModeFirstSample {
			cooled, err := e.activityCooled(ctx, cfg, act.ID)
			if err != nil {
				run.ErrorCount++
				continue
			}
			if cooled {
				run.Skipped++
				run.Processed++
				continue
			}
		}
		created, err := e.sampleOneActivity(ctx, cfg, act, farmerCutoff, pct, p.ActorID)
		if err != nil {
			// One bad activity never aborts the run.
			run.ErrorCount++
		} else {
			run.TasksCreated += created
			if created == 0 {
				run.Skipped++
			}
		}
		run.Processed++
		if err := flush(); err != nil {
			return err
		}
	}
	return nil
}

// sampleOneActivity draws the sample and materializes it atomically: tasks,
// cooling entries, the lifecycle move and the audit event commit together
// or not at all.
func (e *Engine) sampleOneActivity(ctx context.Context, cfg *config.Config, act domain.Activity, farmerCutoff string, pct float64, actorID string) (int, error) {
	picked, total, eligible, err := e.sampleActivityFarmers(ctx, act.ID, farmerCutoff, pct)
	if err != nil {
		return 0, err
	}

	now := e.now()
	nowStr := now.UTC().Format(time.RFC3339)
	dueDate := now.Add(time.Duration(cfg.Sampling.TaskDueInDays) * 24 * time.Hour).UTC().Format("2006-01-02")

	tx, err := e.beginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if eligible == 0 || len(picked) == 0 {
		if act.Status == domain.ActivitySampled {
			// An ad-hoc revisit found no fresh farmers; leave it as is.
			return 0, nil
		}
		// Every attendee is cooling (or the list is empty): park the
		// activity so later runs skip it until someone reactivates it.
		if err := ensureActivityTransition(act.Status, domain.ActivityInactive); err != nil {
			return 0, err
		}
		if err := e.Repo.UpdateActivityStatusTx(ctx, tx, act.ID, domain.ActivityInactive, nowStr); err != nil {
			return 0, err
		}
		err = e.Events.Append(ctx, tx, "activity.inactive", entityActivity, act.ID, actorID, events.EventPayload{
			"reason":   "no_eligible_farmers",
			"total":    total,
			"eligible": eligible,
		})
		if err != nil {
			return 0, err
		}
		return 0, tx.Commit()
	}

	for _, f := range picked {
		task := domain.CallTask{
			ID:            uuid.NewString(),
			FarmerID:      f.ID,
			ActivityID:    act.ID,
			Status:        domain.TaskUnassigned,
			ScheduledDate: dueDate,
			CreatedAt:     nowStr,
			UpdatedAt:     nowStr,
		}
		if err := e.Repo.InsertTaskTx(ctx, tx, task); err != nil {
			return 0, err
		}
		if err := e.Repo.UpsertCoolingTx(ctx, tx, entityFarmer, f.ID, nowStr); err != nil {
			return 0, err
		}
	}
	if err := e.Repo.UpsertCoolingTx(ctx, tx, entityActivity, act.ID, nowStr); err != nil {
		return 0, err
	}
	if act.Status != domain.ActivitySampled {
		if err := ensureActivityTransition(act.Status, domain.ActivitySampled); err != nil {
			return 0, err
		}
		if err := e.Repo.UpdateActivityStatusTx(ctx, tx, act.ID, domain.ActivitySampled, nowStr); err != nil {
			return 0, err
		}
	}
	err = e.Events.Append(ctx, tx, "activity.sampled", entityActivity, act.ID, actorID, events.EventPayload{
		"total":    total,
		"eligible": eligible,
		"sampled":  len(picked),
		"pct":      pct,
	})
	if err != nil {
		return 0, err
	}
	return len(picked), tx.Commit()
}
