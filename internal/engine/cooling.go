package engine

import (
	"context"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/repo"
)

const (
	entityActivity = "activity"
	entityFarmer   = "farmer"
)

// coolingCutoff returns the RFC3339 instant before which a last-sampled
// timestamp no longer blocks selection.
func coolingCutoff(now time.Time, days int) string {
	return now.Add(-time.Duration(days) * 24 * time.Hour).UTC().Format(time.RFC3339)
}

// activityCooled reports whether an activity is inside its cooling window.
// Ad-hoc runs bypass this check; farmer cooling is never bypassed.
func (e *Engine) activityCooled(ctx context.Context, cfg *config.Config, activityID string) (bool, error) {
	entry, err := e.Repo.GetCoolingEntry(ctx, entityActivity, activityID)
	if err == repo.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// Eligible once the full window has elapsed; the exact boundary
	// instant is out of cooling.
	cutoff := coolingCutoff(e.now(), cfg.Sampling.ActivityCoolingDays)
	return entry.LastSampledAt > cutoff, nil
}
