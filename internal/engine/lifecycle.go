package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"fieldline/internal/domain"
	"fieldline/internal/events"
	"fieldline/internal/repo"
)

// ensureActivityTransition guards the lifecycle state machine. Every status
// has a defined move for every trigger; anything else is rejected.
func ensureActivityTransition(from, to domain.ActivityStatus) error {
	switch from {
	case domain.ActivityActive:
		if to == domain.ActivitySampled || to == domain.ActivityInactive || to == domain.ActivityNotEligible {
			return nil
		}
	case domain.ActivitySampled:
		if to == domain.ActivityActive || to == domain.ActivityNotEligible {
			return nil
		}
	case domain.ActivityInactive:
		if to == domain.ActivityActive || to == domain.ActivityNotEligible {
			return nil
		}
	case domain.ActivityNotEligible:
		if to == domain.ActivityActive {
			return nil
		}
	}
	return fmt.Errorf("%w: activity %s -> %s", ErrInvalidTransition, from, to)
}

// EligibilityResult reports what an eligibility sweep changed.
type EligibilityResult struct {
	MarkedNotEligible int64 `json:"marked_not_eligible"`
	Restored          int64 `json:"restored"`
}

// ApplyEligibility reconciles activity statuses with the eligible type
// list: activities of excluded types become not_eligible, previously
// excluded activities of re-included types return to active. A non-empty
// eligibleTypes replaces the configured list in the same transaction;
// empty applies the stored configuration as is.
func (e *Engine) ApplyEligibility(ctx context.Context, eligibleTypes []string, actorID string) (EligibilityResult, error) {
	var res EligibilityResult
	cfg, err := e.activeConfig(ctx)
	if err != nil {
		return res, err
	}
	if len(eligibleTypes) > 0 {
		updated := *cfg
		updated.Sampling.EligibleTypes = eligibleTypes
		if err := updated.Validate(); err != nil {
			return res, err
		}
		cfg = &updated
	}
	now := e.nowRFC3339()
	tx, err := e.beginTx(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	if len(eligibleTypes) > 0 {
		if err := e.Repo.UpsertConfigTx(ctx, tx, cfg); err != nil {
			return res, err
		}
	}
	res.MarkedNotEligible, err = e.Repo.MarkNotEligibleExceptTypes(ctx, tx, cfg.Sampling.EligibleTypes, now)
	if err != nil {
		return res, err
	}
	res.Restored, err = e.Repo.RestoreEligibleTypes(ctx, tx, cfg.Sampling.EligibleTypes, now)
	if err != nil {
		return res, err
	}
	err = e.Events.Append(ctx, tx, "eligibility.applied", entityActivity, "", actorID, events.EventPayload{
		"eligible_types":      cfg.Sampling.EligibleTypes,
		"marked_not_eligible": res.MarkedNotEligible,
		"restored":            res.Restored,
	})
	if err != nil {
		return res, err
	}
	return res, tx.Commit()
}

// ReactivationPreview describes what a reactivation would do, plus the
// token that authorizes executing exactly that change set.
type ReactivationPreview struct {
	Activities     int    `json:"activities"`
	DeletableTasks int    `json:"deletable_tasks"`
	KeptTasks      int    `json:"kept_tasks"`
	Token          string `json:"token"`
}

// reactivationToken binds a preview to its filter and observed counts. The
// confirm step recomputes it; any drift since the preview invalidates the
// token and forces a fresh look.
func reactivationToken(f repo.ReactivationFilters, activities, deletable, kept int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%d|%d|%d", f.FromStatus, f.DateFrom, f.DateTo, activities, deletable, kept))
	return hex.EncodeToString(sum[:])
}

func validReactivationSource(s domain.ActivityStatus) error {
	if s != domain.ActivitySampled && s != domain.ActivityInactive {
		return fmt.Errorf("%w: cannot reactivate from %s", ErrInvalidTransition, s)
	}
	return nil
}

// ReactivatePreview counts the blast radius of a reactivation without
// changing anything.
func (e *Engine) ReactivatePreview(ctx context.Context, f repo.ReactivationFilters) (ReactivationPreview, error) {
	var p ReactivationPreview
	if err := validReactivationSource(f.FromStatus); err != nil {
		return p, err
	}
	ids, err := e.Repo.ListReactivationTargets(ctx, f)
	if err != nil {
		return p, err
	}
	p.Activities = len(ids)
	p.DeletableTasks, p.KeptTasks, err = e.Repo.CountTasksForActivities(ctx, ids)
	if err != nil {
		return p, err
	}
	p.Token = reactivationToken(f, p.Activities, p.DeletableTasks, p.KeptTasks)
	return p, nil
}

// ReactivationResult reports what a confirmed reactivation changed.
type ReactivationResult struct {
	Activities     int   `json:"activities"`
	DeletedTasks   int   `json:"deleted_tasks"`
	ClearedCooling int64 `json:"cleared_cooling"`
	DeletedEvents  int64 `json:"deleted_events"`
}

// Reactivate returns matching activities to active. deleteTasks removes
// their untouched tasks and clears the cooling entries those tasks created;
// tasks an agent already worked always survive, and a farmer whose
// surviving task elsewhere is still inside the cooling window keeps their
// cooling entry. deleteAudit additionally drops the activities' event
// trail. Activity cooling is cleared either way so the next run can pick
// the activities up again.
func (e *Engine) Reactivate(ctx context.Context, f repo.ReactivationFilters, token string, deleteTasks, deleteAudit bool, actorID string) (ReactivationResult, error) {
	var res ReactivationResult
	if err := validReactivationSource(f.FromStatus); err != nil {
		return res, err
	}
	cfg, err := e.activeConfig(ctx)
	if err != nil {
		return res, err
	}
	preview, err := e.ReactivatePreview(ctx, f)
	if err != nil {
		return res, err
	}
	if token == "" || token != preview.Token {
		return res, ErrConfirmationRequired
	}

	ids, err := e.Repo.ListReactivationTargets(ctx, f)
	if err != nil {
		return res, err
	}
	if len(ids) == 0 {
		return res, nil
	}
	now := e.nowRFC3339()
	tx, err := e.beginTx(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	if deleteTasks {
		farmerIDs, err := e.Repo.DeleteUntouchedTasksTx(ctx, tx, ids)
		if err != nil {
			return res, err
		}
		res.DeletedTasks = preview.DeletableTasks
		cutoff := coolingCutoff(e.now(), cfg.Sampling.FarmerCoolingDays)
		cleared, err := e.Repo.DeleteFarmerCoolingTx(ctx, tx, farmerIDs, cutoff)
		if err != nil {
			return res, err
		}
		res.ClearedCooling += cleared
	}
	cleared, err := e.Repo.DeleteCoolingTx(ctx, tx, entityActivity, ids)
	if err != nil {
		return res, err
	}
	res.ClearedCooling += cleared

	for _, id := range ids {
		if err := ensureActivityTransition(f.FromStatus, domain.ActivityActive); err != nil {
			return res, err
		}
		if err := e.Repo.UpdateActivityStatusTx(ctx, tx, id, domain.ActivityActive, now); err != nil {
			return res, err
		}
	}
	res.Activities = len(ids)

	if deleteAudit {
		res.DeletedEvents, err = e.Repo.DeleteActivityEventsTx(ctx, tx, ids)
		if err != nil {
			return res, err
		}
	}

	err = e.Events.Append(ctx, tx, "activities.reactivated", entityActivity, "", actorID, events.EventPayload{
		"from_status":     f.FromStatus,
		"activities":      res.Activities,
		"deleted_tasks":   res.DeletedTasks,
		"cleared_cooling": res.ClearedCooling,
		"deleted_audit":   deleteAudit,
	})
	if err != nil {
		return res, err
	}
	return res, tx.Commit()
}
