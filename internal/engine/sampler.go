package engine

import (
	"context"
	"math"
	"math/rand"

	"fieldline/internal/domain"
)

// reservoir implements Algorithm R: a single pass over a stream of unknown
// length, keeping k items such that every item has probability k/n of being
// selected. Farmers feed it page by page so the whole attendee list never
// has to sit in memory.
type reservoir struct {
	k      int
	seen   int
	rng    *rand.Rand
	sample []domain.Farmer
}

func newReservoir(k int, rng *rand.Rand) *reservoir {
	return &reservoir{k: k, rng: rng, sample: make([]domain.Farmer, 0, k)}
}

func (r *reservoir) offer(f domain.Farmer) {
	r.seen++
	if len(r.sample) < r.k {
		r.sample = append(r.sample, f)
		return
	}
	j := r.rng.Intn(r.seen)
	if j < r.k {
		r.sample[j] = f
	}
}

// sampleSize is ceil(pct% of total). Any positive percentage of a non-empty
// population yields at least one selection.
func sampleSize(total int, pct float64) int {
	if total <= 0 || pct <= 0 {
		return 0
	}
	k := int(math.Ceil(pct / 100 * float64(total)))
	if k > total {
		k = total
	}
	return k
}

const eligiblePageSize = 200

// sampleActivityFarmers draws k farmers uniformly from the activity's
// eligible attendees. k is computed against the full attendee count, then
// clamped to the eligible pool; the draw itself streams only eligible rows.
func (e *Engine) sampleActivityFarmers(ctx context.Context, activityID, coolingCutoff string, pct float64) ([]domain.Farmer, int, int, error) {
	total, err := e.Repo.CountActivityFarmers(ctx, activityID)
	if err != nil {
		return nil, 0, 0, err
	}
	k := sampleSize(total, pct)
	if k == 0 {
		return nil, total, 0, nil
	}

	res := newReservoir(k, e.Rand)
	afterID := ""
	eligible := 0
	for {
		page, err := e.Repo.ListEligibleFarmersPage(ctx, activityID, coolingCutoff, afterID, eligiblePageSize)
		if err != nil {
			return nil, total, eligible, err
		}
		if len(page) == 0 {
			break
		}
		for _, f := range page {
			res.offer(f)
		}
		eligible += len(page)
		afterID = page[len(page)-1].ID
		if len(page) < eligiblePageSize {
			break
		}
	}
	return res.sample, total, eligible, nil
}
