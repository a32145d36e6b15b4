package engine

import (
	"context"

	"fieldline/internal/domain"
	"fieldline/internal/events"
	"fieldline/internal/repo"
)

// LanguageAll allocates across every language in one run.
const LanguageAll = "ALL"

// AllocationParams narrow which unassigned tasks a run picks up. Zero
// values mean no restriction; Language defaults to all languages.
type AllocationParams struct {
	Language string
	Count    int
	DateFrom string
	DateTo   string
	BU       string
	State    string
	ActorID  string
}

func (p AllocationParams) filters() repo.UnassignedFilters {
	lang := p.Language
	if lang == LanguageAll {
		lang = ""
	}
	return repo.UnassignedFilters{
		Language: lang,
		DateFrom: p.DateFrom,
		DateTo:   p.DateTo,
		BU:       p.BU,
		State:    p.State,
		Limit:    p.Count,
	}
}

// Allocate starts an allocation run: every matching unassigned task is
// offered to the active agents speaking its farmer's language, round-robin
// from a cursor persisted per language so fairness carries across runs.
// Tasks with no capable agent stay unassigned and count as skipped.
func (e *Engine) Allocate(ctx context.Context, p AllocationParams) (domain.Run, error) {
	return e.startRun(ctx, domain.RunAllocation, func(ctx context.Context, run *domain.Run, flush func() error) error {
		e.allocMu.Lock()
		defer e.allocMu.Unlock()
		pending, err := e.Repo.ListUnassigned(ctx, p.filters())
		if err != nil {
			return err
		}
		run.Matched = len(pending)
		if err := flush(); err != nil {
			return err
		}
		allocated, skipped, err := e.assignRoundRobin(ctx, pending, "", p.ActorID)
		run.Allocated = allocated
		run.Skipped = skipped
		run.Processed = len(pending)
		if err != nil {
			return err
		}
		return flush()
	})
}

// assignRoundRobin distributes tasks across capable agents per language.
// excludeAgent removes one agent from every rotation, for reallocation.
func (e *Engine) assignRoundRobin(ctx context.Context, tasks []repo.UnassignedTask, excludeAgent, actorID string) (allocated, skipped int, err error) {
	byLang := map[string][]repo.UnassignedTask{}
	var langs []string
	for _, t := range tasks {
		if _, ok := byLang[t.Language]; !ok {
			langs = append(langs, t.Language)
		}
		byLang[t.Language] = append(byLang[t.Language], t)
	}

	now := e.nowRFC3339()
	for _, lang := range langs {
		agents, err := e.Repo.ListAgentsByLanguage(ctx, lang)
		if err != nil {
			return allocated, skipped, err
		}
		if excludeAgent != "" {
			filtered := agents[:0]
			for _, a := range agents {
				if a.ID != excludeAgent {
					filtered = append(filtered, a)
				}
			}
			agents = filtered
		}
		if len(agents) == 0 {
			skipped += len(byLang[lang])
			continue
		}
		pos, err := e.Repo.GetCursor(ctx, lang)
		if err != nil {
			return allocated, skipped, err
		}
		tx, err := e.beginTx(ctx)
		if err != nil {
			return allocated, skipped, err
		}
		batch := 0
		for _, t := range byLang[lang] {
			agent := agents[pos%len(agents)]
			pos++
			if err := e.Repo.UpdateTaskAssignmentTx(ctx, tx, t.Task.ID, agent.ID, domain.TaskSampledInQueue, now); err != nil {
				tx.Rollback()
				return allocated, skipped, err
			}
			batch++
		}
		if err := e.Repo.SetCursorTx(ctx, tx, lang, pos); err != nil {
			tx.Rollback()
			return allocated, skipped, err
		}
		err = e.Events.Append(ctx, tx, "tasks.allocated", "task", "", actorID, events.EventPayload{
			"language": lang,
			"count":    batch,
			"agents":   len(agents),
		})
		if err != nil {
			tx.Rollback()
			return allocated, skipped, err
		}
		if err := tx.Commit(); err != nil {
			return allocated, skipped, err
		}
		allocated += batch
	}
	return allocated, skipped, nil
}

// ReallocationResult reports how a drained agent's queue was handled.
type ReallocationResult struct {
	Moved      int `json:"moved"`
	Unassigned int `json:"unassigned"`
}

// Reallocate drains an agent's queued tasks and redistributes them to the
// remaining capable agents. Tasks an agent already started stay put. When
// no other agent speaks the language the tasks return to the unassigned
// pool instead.
func (e *Engine) Reallocate(ctx context.Context, agentID, actorID string) (ReallocationResult, error) {
	e.allocMu.Lock()
	defer e.allocMu.Unlock()
	var res ReallocationResult
	if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
		return res, err
	}
	queued, err := e.Repo.ListAgentQueuedTasks(ctx, agentID)
	if err != nil {
		return res, err
	}
	if len(queued) == 0 {
		return res, nil
	}

	// Release first so the round-robin below sees a clean slate.
	now := e.nowRFC3339()
	tx, err := e.beginTx(ctx)
	if err != nil {
		return res, err
	}
	for _, t := range queued {
		if err := e.Repo.UpdateTaskAssignmentTx(ctx, tx, t.Task.ID, "", domain.TaskUnassigned, now); err != nil {
			tx.Rollback()
			return res, err
		}
	}
	err = e.Events.Append(ctx, tx, "agent.drained", "agent", agentID, actorID, events.EventPayload{
		"tasks": len(queued),
	})
	if err != nil {
		tx.Rollback()
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}

	for i := range queued {
		queued[i].Task.Status = domain.TaskUnassigned
		queued[i].Task.AssignedAgentID = nil
	}
	moved, unassigned, err := e.assignRoundRobin(ctx, queued, agentID, actorID)
	res.Moved = moved
	res.Unassigned = unassigned
	return res, err
}
