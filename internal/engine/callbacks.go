package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fieldline/internal/domain"
	"fieldline/internal/events"
)

func ensureTaskTransition(from, to domain.TaskStatus) error {
	switch from {
	case domain.TaskUnassigned:
		if to == domain.TaskSampledInQueue {
			return nil
		}
	case domain.TaskSampledInQueue:
		switch to {
		case domain.TaskUnassigned, domain.TaskInProgress, domain.TaskCompleted, domain.TaskNotReachable, domain.TaskInvalidNumber:
			return nil
		}
	case domain.TaskInProgress:
		switch to {
		case domain.TaskCompleted, domain.TaskNotReachable, domain.TaskInvalidNumber:
			return nil
		}
	}
	if from.Terminal() {
		return fmt.Errorf("%w: task %s", ErrTaskTerminal, from)
	}
	return fmt.Errorf("%w: task %s -> %s", ErrInvalidTransition, from, to)
}

// CallbackRequest asks for a retry call descending from an existing task.
type CallbackRequest struct {
	ParentTaskID  string `json:"parent_task_id"`
	ScheduledDate string `json:"scheduled_date,omitempty"`
}

// CreateCallbacks creates callback tasks in one transaction per request so
// a rejected request never blocks the rest of the batch. Only parents with
// a completed or not_reachable outcome qualify, and a farmer gets at most
// MaxCallbacks callbacks per activity, regardless of who asks. New
// callbacks start unassigned and re-enter the allocation pool.
func (e *Engine) CreateCallbacks(ctx context.Context, reqs []CallbackRequest, actorID string) ([]domain.CallTask, []error) {
	created := make([]domain.CallTask, 0, len(reqs))
	errs := make([]error, len(reqs))
	for i, req := range reqs {
		task, err := e.createCallback(ctx, req, actorID)
		if err != nil {
			errs[i] = err
			continue
		}
		created = append(created, task)
	}
	return created, errs
}

func (e *Engine) createCallback(ctx context.Context, req CallbackRequest, actorID string) (domain.CallTask, error) {
	parent, err := e.Repo.GetTask(ctx, req.ParentTaskID)
	if err != nil {
		return domain.CallTask{}, err
	}
	switch parent.Status {
	case domain.TaskCompleted, domain.TaskNotReachable:
	default:
		return domain.CallTask{}, fmt.Errorf("%w: callback parent must be completed or not_reachable, got %s", ErrInvalidTransition, parent.Status)
	}
	tx, err := e.beginTx(ctx)
	if err != nil {
		return domain.CallTask{}, err
	}
	defer tx.Rollback()

	// Count inside the tx: concurrent requests for the same chain race on
	// the unique (activity, farmer, callback_number) index instead.
	existing, err := e.Repo.CountCallbacksForRoot(ctx, tx, parent.ActivityID, parent.FarmerID)
	if err != nil {
		return domain.CallTask{}, err
	}
	if existing >= domain.MaxCallbacks {
		return domain.CallTask{}, ErrCallbackLimit
	}

	now := e.now()
	nowStr := now.UTC().Format(time.RFC3339)
	scheduled := req.ScheduledDate
	if scheduled == "" {
		scheduled = now.Add(24 * time.Hour).UTC().Format("2006-01-02")
	}
	task := domain.CallTask{
		ID:             uuid.NewString(),
		FarmerID:       parent.FarmerID,
		ActivityID:     parent.ActivityID,
		Status:         domain.TaskUnassigned,
		ScheduledDate:  scheduled,
		IsCallback:     true,
		CallbackNumber: existing + 1,
		ParentTaskID:   &parent.ID,
		CreatedAt:      nowStr,
		UpdatedAt:      nowStr,
	}
	if err := e.Repo.InsertTaskTx(ctx, tx, task); err != nil {
		if isUniqueViolation(err) {
			return domain.CallTask{}, ErrCallbackLimit
		}
		return domain.CallTask{}, err
	}
	err = e.Events.Append(ctx, tx, "callback.created", "task", task.ID, actorID, events.EventPayload{
		"parent_task_id":  parent.ID,
		"callback_number": task.CallbackNumber,
		"farmer_id":       parent.FarmerID,
		"activity_id":     parent.ActivityID,
	})
	if err != nil {
		return domain.CallTask{}, err
	}
	return task, tx.Commit()
}

// OutcomeResult is the task after an outcome plus any auto-created callback.
type OutcomeResult struct {
	Task     domain.CallTask  `json:"task"`
	Callback *domain.CallTask `json:"callback,omitempty"`
}

// RecordOutcome applies an agent's call outcome to a task. not_reachable
// schedules an automatic callback when enabled and under the cap; hitting
// the cap ends the chain silently.
func (e *Engine) RecordOutcome(ctx context.Context, taskID string, status domain.TaskStatus, remarks, actorID string) (OutcomeResult, error) {
	var res OutcomeResult
	cfg, err := e.activeConfig(ctx)
	if err != nil {
		return res, err
	}
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return res, err
	}
	if err := ensureTaskTransition(task.Status, status); err != nil {
		return res, err
	}

	now := e.nowRFC3339()
	tx, err := e.beginTx(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	attempt := task.AttemptCount
	var completedAt *string
	if status.Terminal() {
		attempt++
		completedAt = &now
	}
	if err := e.Repo.UpdateTaskOutcomeTx(ctx, tx, task.ID, status, remarks, attempt, completedAt, now); err != nil {
		return res, err
	}
	err = e.Events.Append(ctx, tx, "task.outcome", "task", task.ID, actorID, events.EventPayload{
		"from":    task.Status,
		"to":      status,
		"attempt": attempt,
	})
	if err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}

	task.Status = status
	task.AttemptCount = attempt
	task.CompletedAt = completedAt
	task.Remarks = remarks
	res.Task = task

	if status == domain.TaskNotReachable && cfg.Callbacks.Auto {
		cb, err := e.createCallback(ctx, CallbackRequest{ParentTaskID: task.ID}, actorID)
		if err == nil {
			res.Callback = &cb
		} else if err != ErrCallbackLimit {
			return res, err
		}
	}
	return res, nil
}
