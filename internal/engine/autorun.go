package engine

import (
	"context"
	"time"

	"fieldline/internal/domain"
)

// AutoRunDecision explains whether the scheduled trigger fired and why.
type AutoRunDecision struct {
	Triggered bool        `json:"triggered"`
	Reason    string      `json:"reason"`
	Pending   int         `json:"pending"`
	Run       *domain.Run `json:"run,omitempty"`
}

// AutoRun is the scheduled entry point: it fires a first-sample run when
// auto-run is enabled, the activation date has passed and enough
// never-sampled activities have accumulated. An already running sampling
// run just reports not-triggered.
func (e *Engine) AutoRun(ctx context.Context, actorID string) (AutoRunDecision, error) {
	cfg, err := e.activeConfig(ctx)
	if err != nil {
		return AutoRunDecision{}, err
	}
	if !cfg.AutoRun.Enabled {
		return AutoRunDecision{Reason: "disabled"}, nil
	}
	if cfg.AutoRun.ActivateFrom != "" {
		from, err := time.Parse(time.RFC3339, cfg.AutoRun.ActivateFrom)
		if err != nil {
			return AutoRunDecision{}, err
		}
		if e.now().Before(from) {
			return AutoRunDecision{Reason: "before activation date"}, nil
		}
	}
	pending, err := e.Repo.CountNeverSampledActive(ctx, cfg.Sampling.EligibleTypes)
	if err != nil {
		return AutoRunDecision{}, err
	}
	if pending < cfg.AutoRun.ActivityThreshold {
		return AutoRunDecision{Reason: "below threshold", Pending: pending}, nil
	}
	run, err := e.RunSampling(ctx, SamplingParams{Mode: ModeFirstSample, ActorID: actorID})
	if err == ErrAlreadyRunning {
		return AutoRunDecision{Reason: "sampling already running", Pending: pending}, nil
	}
	if err != nil {
		return AutoRunDecision{}, err
	}
	return AutoRunDecision{Triggered: true, Reason: "threshold reached", Pending: pending, Run: &run}, nil
}
