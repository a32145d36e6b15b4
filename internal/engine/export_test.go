package engine

import (
	"context"

	"fieldline/internal/domain"
)

// SampleForTest exposes the reservoir draw to uniformity tests.
func SampleForTest(e *Engine, ctx context.Context, activityID, coolingCutoff string, pct float64) ([]domain.Farmer, int, int, error) {
	return e.sampleActivityFarmers(ctx, activityID, coolingCutoff, pct)
}
