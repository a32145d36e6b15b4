package repo

import (
	"context"
	"database/sql"
	"strings"

	"fieldline/internal/domain"
)

const taskColumns = `t.id, t.farmer_id, t.activity_id, t.status, t.assigned_agent_id, t.scheduled_date, t.is_callback, t.callback_number, t.parent_task_id, t.attempt_count, COALESCE(t.remarks,''), t.created_at, t.updated_at, t.completed_at`

func scanTask(scan func(...any) error) (domain.CallTask, error) {
	var t domain.CallTask
	var agentID, parentID, completedAt sql.NullString
	var isCallback int
	err := scan(&t.ID, &t.FarmerID, &t.ActivityID, &t.Status, &agentID, &t.ScheduledDate, &isCallback, &t.CallbackNumber, &parentID, &t.AttemptCount, &t.Remarks, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.IsCallback = isCallback != 0
	if agentID.Valid {
		t.AssignedAgentID = &agentID.String
	}
	if parentID.Valid {
		t.ParentTaskID = &parentID.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.CallTask) error {
	isCallback := 0
	if t.IsCallback {
		isCallback = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO call_tasks(id,farmer_id,activity_id,status,assigned_agent_id,scheduled_date,is_callback,callback_number,parent_task_id,attempt_count,remarks,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.FarmerID, t.ActivityID, t.Status, nullableStringPtr(t.AssignedAgentID), t.ScheduledDate, isCallback, t.CallbackNumber,
		nullableStringPtr(t.ParentTaskID), t.AttemptCount, nullable(t.Remarks), t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.CallTask, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM call_tasks t WHERE t.id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.CallTask, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM call_tasks t WHERE t.id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	Status     domain.TaskStatus
	ActivityID string
	FarmerID   string
	AgentID    string
	Language   string
	BU         string
	State      string
	Callback   *bool
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.CallTask, error) {
	joins := ""
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "t.status=?")
		args = append(args, f.Status)
	}
	if f.ActivityID != "" {
		clauses = append(clauses, "t.activity_id=?")
		args = append(args, f.ActivityID)
	}
	if f.FarmerID != "" {
		clauses = append(clauses, "t.farmer_id=?")
		args = append(args, f.FarmerID)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "t.assigned_agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.Language != "" {
		joins += " JOIN farmers fa ON fa.id = t.farmer_id"
		clauses = append(clauses, "fa.language=?")
		args = append(args, f.Language)
	}
	if f.BU != "" || f.State != "" {
		joins += " JOIN activities ac ON ac.id = t.activity_id"
		if f.BU != "" {
			clauses = append(clauses, "ac.bu=?")
			args = append(args, f.BU)
		}
		if f.State != "" {
			clauses = append(clauses, "ac.state=?")
			args = append(args, f.State)
		}
	}
	if f.Callback != nil {
		if *f.Callback {
			clauses = append(clauses, "t.is_callback=1")
		} else {
			clauses = append(clauses, "t.is_callback=0")
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM call_tasks t` + joins + ` ` + where + ` ORDER BY t.created_at ASC, t.id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CallTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UnassignedTask pairs a task with its farmer's language for allocation.
type UnassignedTask struct {
	Task     domain.CallTask
	Language string
}

// UnassignedFilters narrows the allocation pool. Zero values match all.
type UnassignedFilters struct {
	Language string
	DateFrom string
	DateTo   string
	BU       string
	State    string
	Limit    int
}

// ListUnassigned returns unassigned tasks joined with the farmer language,
// oldest first so allocation drains the backlog in creation order.
func (r Repo) ListUnassigned(ctx context.Context, f UnassignedFilters) ([]UnassignedTask, error) {
	joins := "\nJOIN farmers fa ON fa.id = t.farmer_id"
	clauses := []string{"t.status=?", "t.assigned_agent_id IS NULL"}
	args := []any{domain.TaskUnassigned}
	if f.Language != "" {
		clauses = append(clauses, "fa.language=?")
		args = append(args, f.Language)
	}
	if f.DateFrom != "" || f.DateTo != "" || f.BU != "" || f.State != "" {
		joins += "\nJOIN activities ac ON ac.id = t.activity_id"
		if f.DateFrom != "" {
			clauses = append(clauses, "ac.activity_date>=?")
			args = append(args, f.DateFrom)
		}
		if f.DateTo != "" {
			clauses = append(clauses, "ac.activity_date<=?")
			args = append(args, f.DateTo)
		}
		if f.BU != "" {
			clauses = append(clauses, "ac.bu=?")
			args = append(args, f.BU)
		}
		if f.State != "" {
			clauses = append(clauses, "ac.state=?")
			args = append(args, f.State)
		}
	}
	query := `SELECT ` + taskColumns + `, fa.language FROM call_tasks t` + joins + `
WHERE ` + strings.Join(clauses, " AND ") + `
ORDER BY t.created_at ASC, t.id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []UnassignedTask
	for rows.Next() {
		var t domain.CallTask
		var agentID, parentID, completedAt sql.NullString
		var isCallback int
		var lang string
		err := rows.Scan(&t.ID, &t.FarmerID, &t.ActivityID, &t.Status, &agentID, &t.ScheduledDate, &isCallback, &t.CallbackNumber, &parentID, &t.AttemptCount, &t.Remarks, &t.CreatedAt, &t.UpdatedAt, &completedAt, &lang)
		if err != nil {
			return nil, err
		}
		t.IsCallback = isCallback != 0
		if agentID.Valid {
			t.AssignedAgentID = &agentID.String
		}
		if parentID.Valid {
			t.ParentTaskID = &parentID.String
		}
		if completedAt.Valid {
			t.CompletedAt = &completedAt.String
		}
		res = append(res, UnassignedTask{Task: t, Language: lang})
	}
	return res, rows.Err()
}

// ListAgentQueuedTasks returns an agent's still-queued work, used when a
// reallocation drains an agent.
func (r Repo) ListAgentQueuedTasks(ctx context.Context, agentID string) ([]UnassignedTask, error) {
	query := `SELECT ` + taskColumns + `, fa.language FROM call_tasks t
JOIN farmers fa ON fa.id = t.farmer_id
WHERE t.assigned_agent_id=? AND t.status=?
ORDER BY t.created_at ASC, t.id ASC`
	rows, err := r.DB.QueryContext(ctx, query, agentID, domain.TaskSampledInQueue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []UnassignedTask
	for rows.Next() {
		var t domain.CallTask
		var aid, parentID, completedAt sql.NullString
		var isCallback int
		var lang string
		err := rows.Scan(&t.ID, &t.FarmerID, &t.ActivityID, &t.Status, &aid, &t.ScheduledDate, &isCallback, &t.CallbackNumber, &parentID, &t.AttemptCount, &t.Remarks, &t.CreatedAt, &t.UpdatedAt, &completedAt, &lang)
		if err != nil {
			return nil, err
		}
		t.IsCallback = isCallback != 0
		if aid.Valid {
			t.AssignedAgentID = &aid.String
		}
		if parentID.Valid {
			t.ParentTaskID = &parentID.String
		}
		if completedAt.Valid {
			t.CompletedAt = &completedAt.String
		}
		res = append(res, UnassignedTask{Task: t, Language: lang})
	}
	return res, rows.Err()
}

// UpdateTaskAssignmentTx moves a task into an agent's queue. Passing an
// empty agentID returns the task to the unassigned pool.
func (r Repo) UpdateTaskAssignmentTx(ctx context.Context, tx *sql.Tx, taskID, agentID string, status domain.TaskStatus, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE call_tasks SET assigned_agent_id=?, status=?, updated_at=? WHERE id=?`,
		nullable(agentID), status, now, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTaskOutcomeTx records an outcome transition on a task.
func (r Repo) UpdateTaskOutcomeTx(ctx context.Context, tx *sql.Tx, taskID string, status domain.TaskStatus, remarks string, attemptCount int, completedAt *string, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE call_tasks SET status=?, remarks=?, attempt_count=?, completed_at=?, updated_at=? WHERE id=?`,
		status, nullable(remarks), attemptCount, nullableStringPtr(completedAt), now, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUntouchedTasksTx deletes tasks for the given activities that no
// agent has started (attempt_count=0 and non-terminal). Returns the farmer
// IDs whose tasks were removed so cooling entries can be released with them.
func (r Repo) DeleteUntouchedTasksTx(ctx context.Context, tx *sql.Tx, activityIDs []string) ([]string, error) {
	if len(activityIDs) == 0 {
		return nil, nil
	}
	ph := make([]string, len(activityIDs))
	args := make([]any, 0, len(activityIDs)+3)
	for i, id := range activityIDs {
		ph[i] = "?"
		args = append(args, id)
	}
	args = append(args, domain.TaskUnassigned, domain.TaskSampledInQueue)
	in := strings.Join(ph, ",")
	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT farmer_id FROM call_tasks
WHERE activity_id IN (`+in+`) AND attempt_count=0 AND status IN (?,?)`, args...)
	if err != nil {
		return nil, err
	}
	var farmerIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		farmerIDs = append(farmerIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	_, err = tx.ExecContext(ctx, `DELETE FROM call_tasks
WHERE activity_id IN (`+in+`) AND attempt_count=0 AND status IN (?,?)`, args...)
	if err != nil {
		return nil, err
	}
	return farmerIDs, nil
}

// CountTasksForActivities splits an activity set's tasks into deletable
// (untouched) and kept (started or finished), for reactivation previews.
func (r Repo) CountTasksForActivities(ctx context.Context, activityIDs []string) (deletable, kept int, err error) {
	if len(activityIDs) == 0 {
		return 0, 0, nil
	}
	ph := make([]string, len(activityIDs))
	args := []any{domain.TaskUnassigned, domain.TaskSampledInQueue, domain.TaskUnassigned, domain.TaskSampledInQueue}
	for i, id := range activityIDs {
		ph[i] = "?"
		args = append(args, id)
	}
	err = r.DB.QueryRowContext(ctx, `SELECT
  COALESCE(SUM(CASE WHEN attempt_count=0 AND status IN (?,?) THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN attempt_count>0 OR status NOT IN (?,?) THEN 1 ELSE 0 END),0)
FROM call_tasks WHERE activity_id IN (`+strings.Join(ph, ",")+`)`, args...).
		Scan(&deletable, &kept)
	return deletable, kept, err
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM call_tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// CountCallbacksForRoot counts callback tasks descending from an original
// task, enforcing the per-farmer-per-activity callback cap.
func (r Repo) CountCallbacksForRoot(ctx context.Context, tx *sql.Tx, activityID, farmerID string) (int, error) {
	var n int
	var err error
	query := `SELECT count(*) FROM call_tasks WHERE activity_id=? AND farmer_id=? AND is_callback=1`
	if tx != nil {
		err = tx.QueryRowContext(ctx, query, activityID, farmerID).Scan(&n)
	} else {
		err = r.DB.QueryRowContext(ctx, query, activityID, farmerID).Scan(&n)
	}
	return n, err
}
