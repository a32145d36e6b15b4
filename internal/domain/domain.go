package domain

// ActivityStatus is the lifecycle status of a field activity.
type ActivityStatus string

const (
	ActivityActive      ActivityStatus = "active"
	ActivitySampled     ActivityStatus = "sampled"
	ActivityInactive    ActivityStatus = "inactive"
	ActivityNotEligible ActivityStatus = "not_eligible"
)

// ActivityType enumerates the known field activity kinds.
type ActivityType string

const (
	TypeFieldDay     ActivityType = "field_day"
	TypeGroupMeeting ActivityType = "group_meeting"
	TypeDemoVisit    ActivityType = "demo_visit"
	TypeOFM          ActivityType = "ofm"
	TypeOther        ActivityType = "other"
)

// KnownActivityTypes lists every valid ActivityType.
var KnownActivityTypes = []ActivityType{TypeFieldDay, TypeGroupMeeting, TypeDemoVisit, TypeOFM, TypeOther}

// TaskStatus is the call task state.
type TaskStatus string

const (
	TaskUnassigned     TaskStatus = "unassigned"
	TaskSampledInQueue TaskStatus = "sampled_in_queue"
	TaskInProgress     TaskStatus = "in_progress"
	TaskCompleted      TaskStatus = "completed"
	TaskNotReachable   TaskStatus = "not_reachable"
	TaskInvalidNumber  TaskStatus = "invalid_number"
)

// Terminal reports whether a task status is a final call outcome.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskNotReachable, TaskInvalidNumber:
		return true
	}
	return false
}

// RunKind identifies a background job family.
type RunKind string

const (
	RunSampling   RunKind = "sampling"
	RunAllocation RunKind = "allocation"
)

// RunStatus is the run lifecycle state.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// MaxCallbacks caps the callback chain per original task.
const MaxCallbacks = 2

type Activity struct {
	ID          string         `json:"id"`
	ExternalID  string         `json:"external_id,omitempty"`
	Type        ActivityType   `json:"type"`
	Date        string         `json:"date" format:"date"`
	Territory   string         `json:"territory,omitempty"`
	Zone        string         `json:"zone,omitempty"`
	BU          string         `json:"bu,omitempty"`
	State       string         `json:"state,omitempty"`
	OfficerName string         `json:"officer_name,omitempty"`
	Status      ActivityStatus `json:"status"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

type Farmer struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Phone     string `json:"phone,omitempty"`
	Language  string `json:"language"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Agent struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Active     bool     `json:"active"`
	TeamLeadID *string  `json:"team_lead_id,omitempty"`
	Languages  []string `json:"languages"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

type CallTask struct {
	ID              string     `json:"id"`
	FarmerID        string     `json:"farmer_id"`
	ActivityID      string     `json:"activity_id"`
	Status          TaskStatus `json:"status"`
	AssignedAgentID *string    `json:"assigned_agent_id,omitempty"`
	ScheduledDate   string     `json:"scheduled_date" format:"date"`
	IsCallback      bool       `json:"is_callback"`
	CallbackNumber  int        `json:"callback_number"`
	ParentTaskID    *string    `json:"parent_task_id,omitempty"`
	AttemptCount    int        `json:"attempt_count"`
	Remarks         string     `json:"remarks,omitempty"`
	CreatedAt       string     `json:"created_at" format:"date-time"`
	UpdatedAt       string     `json:"updated_at" format:"date-time"`
	CompletedAt     *string    `json:"completed_at,omitempty" format:"date-time"`
}

// CoolingEntry records when a farmer or activity was last drawn by a
// sampling run. EntityKind is "farmer" or "activity".
type CoolingEntry struct {
	EntityKind    string `json:"entity_kind"`
	EntityID      string `json:"entity_id"`
	LastSampledAt string `json:"last_sampled_at" format:"date-time"`
}

type Run struct {
	ID           string    `json:"id"`
	Kind         RunKind   `json:"kind"`
	Status       RunStatus `json:"status"`
	Matched      int       `json:"matched"`
	Processed    int       `json:"processed"`
	TasksCreated int       `json:"tasks_created"`
	Allocated    int       `json:"allocated"`
	Skipped      int       `json:"skipped"`
	ErrorCount   int       `json:"error_count"`
	StartedAt    string    `json:"started_at" format:"date-time"`
	UpdatedAt    string    `json:"updated_at" format:"date-time"`
	FinishedAt   *string   `json:"finished_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ServiceID string `json:"service_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
