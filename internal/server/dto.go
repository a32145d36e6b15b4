package server

import (
	"context"
	"fmt"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
)

type configDTO struct {
	Sampling struct {
		EligibleTypes       []string `json:"eligible_types"`
		DefaultPercentage   float64  `json:"default_percentage"`
		ActivityCoolingDays int      `json:"activity_cooling_days"`
		FarmerCoolingDays   int      `json:"farmer_cooling_days"`
		TaskDueInDays       int      `json:"task_due_in_days"`
	} `json:"sampling"`
	Callbacks struct {
		Auto bool `json:"auto"`
	} `json:"callbacks"`
	AutoRun struct {
		Enabled           bool   `json:"enabled"`
		ActivityThreshold int    `json:"activity_threshold"`
		ActivateFrom      string `json:"activate_from,omitempty"`
		Schedule          string `json:"schedule,omitempty"`
	} `json:"auto_run"`
}

type configResponse struct {
	Body configDTO `json:"body"`
}

func toConfigDTO(cfg *config.Config) configDTO {
	var dto configDTO
	dto.Sampling.EligibleTypes = cfg.Sampling.EligibleTypes
	dto.Sampling.DefaultPercentage = cfg.Sampling.DefaultPercentage
	dto.Sampling.ActivityCoolingDays = cfg.Sampling.ActivityCoolingDays
	dto.Sampling.FarmerCoolingDays = cfg.Sampling.FarmerCoolingDays
	dto.Sampling.TaskDueInDays = cfg.Sampling.TaskDueInDays
	dto.Callbacks.Auto = cfg.Callbacks.Auto
	dto.AutoRun.Enabled = cfg.AutoRun.Enabled
	dto.AutoRun.ActivityThreshold = cfg.AutoRun.ActivityThreshold
	dto.AutoRun.ActivateFrom = cfg.AutoRun.ActivateFrom
	dto.AutoRun.Schedule = cfg.AutoRun.Schedule
	return dto
}

func fromConfigDTO(dto configDTO) *config.Config {
	var cfg config.Config
	cfg.Sampling.EligibleTypes = dto.Sampling.EligibleTypes
	cfg.Sampling.DefaultPercentage = dto.Sampling.DefaultPercentage
	cfg.Sampling.ActivityCoolingDays = dto.Sampling.ActivityCoolingDays
	cfg.Sampling.FarmerCoolingDays = dto.Sampling.FarmerCoolingDays
	cfg.Sampling.TaskDueInDays = dto.Sampling.TaskDueInDays
	cfg.Callbacks.Auto = dto.Callbacks.Auto
	cfg.AutoRun.Enabled = dto.AutoRun.Enabled
	cfg.AutoRun.ActivityThreshold = dto.AutoRun.ActivityThreshold
	cfg.AutoRun.ActivateFrom = dto.AutoRun.ActivateFrom
	cfg.AutoRun.Schedule = dto.AutoRun.Schedule
	return &cfg
}

type attendeeIngest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Phone    string `json:"phone,omitempty"`
	Language string `json:"language"`
}

type activityIngest struct {
	ID          string           `json:"id"`
	ExternalID  string           `json:"external_id,omitempty"`
	Type        string           `json:"type"`
	Date        string           `json:"date" format:"date"`
	Territory   string           `json:"territory,omitempty"`
	Zone        string           `json:"zone,omitempty"`
	BU          string           `json:"bu,omitempty"`
	State       string           `json:"state,omitempty"`
	OfficerName string           `json:"officer_name,omitempty"`
	Attendees   []attendeeIngest `json:"attendees,omitempty"`
}

// ingestActivity upserts the activity, its attendees and the attendance
// links atomically.
func ingestActivity(ctx context.Context, e *engine.Engine, in activityIngest, actorID string) (domain.Activity, error) {
	if in.ID == "" || in.Type == "" || in.Date == "" {
		return domain.Activity{}, fmt.Errorf("activity id, type and date are required")
	}
	known := false
	for _, t := range domain.KnownActivityTypes {
		if string(t) == in.Type {
			known = true
			break
		}
	}
	if !known {
		return domain.Activity{}, fmt.Errorf("unknown activity type %q", in.Type)
	}
	now := e.Now().UTC().Format(time.RFC3339)
	act := domain.Activity{
		ID:          in.ID,
		ExternalID:  in.ExternalID,
		Type:        domain.ActivityType(in.Type),
		Date:        in.Date,
		Territory:   in.Territory,
		Zone:        in.Zone,
		BU:          in.BU,
		State:       in.State,
		OfficerName: in.OfficerName,
		Status:      domain.ActivityActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertActivity(ctx, tx, act); err != nil {
		return domain.Activity{}, err
	}
	for _, at := range in.Attendees {
		if at.ID == "" || at.Name == "" || at.Language == "" {
			return domain.Activity{}, fmt.Errorf("attendee id, name and language are required")
		}
		farmer := domain.Farmer{
			ID:        at.ID,
			Name:      at.Name,
			Phone:     at.Phone,
			Language:  at.Language,
			CreatedAt: now,
		}
		if err := e.Repo.UpsertFarmer(ctx, tx, farmer); err != nil {
			return domain.Activity{}, err
		}
		if err := e.Repo.LinkActivityFarmer(ctx, tx, act.ID, at.ID); err != nil {
			return domain.Activity{}, err
		}
	}
	err = e.Events.Append(ctx, tx, "activity.ingested", "activity", act.ID, actorID, map[string]any{
		"type":      in.Type,
		"attendees": len(in.Attendees),
	})
	if err != nil {
		return domain.Activity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Activity{}, err
	}
	return e.Repo.GetActivity(ctx, act.ID)
}

type agentIngest struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Active     *bool    `json:"active,omitempty"`
	TeamLeadID *string  `json:"team_lead_id,omitempty"`
	Languages  []string `json:"languages"`
}

type samplingRequest struct {
	Mode            string   `json:"mode,omitempty" enum:"first_sample,adhoc,"`
	LifecycleFilter []string `json:"lifecycle_filter,omitempty"`
	DateFrom        string   `json:"date_from,omitempty" format:"date"`
	DateTo          string   `json:"date_to,omitempty" format:"date"`
	Percentage      float64  `json:"percentage,omitempty" minimum:"0" maximum:"100"`
}

type allocationRequest struct {
	Language string `json:"language,omitempty"`
	Count    int    `json:"count,omitempty" minimum:"0"`
	DateFrom string `json:"date_from,omitempty" format:"date"`
	DateTo   string `json:"date_to,omitempty" format:"date"`
	BU       string `json:"bu,omitempty"`
	State    string `json:"state,omitempty"`
}

type reactivationRequest struct {
	FromStatus string `json:"from_status" enum:"sampled,inactive"`
	DateFrom   string `json:"date_from,omitempty" format:"date"`
	DateTo     string `json:"date_to,omitempty" format:"date"`
}

type reactivationConfirm struct {
	FromStatus  string `json:"from_status" enum:"sampled,inactive"`
	DateFrom    string `json:"date_from,omitempty" format:"date"`
	DateTo      string `json:"date_to,omitempty" format:"date"`
	Token       string `json:"token"`
	DeleteTasks bool   `json:"delete_tasks,omitempty"`
	DeleteAudit bool   `json:"delete_audit,omitempty"`
}

type outcomeRequest struct {
	Status  string `json:"status" enum:"in_progress,completed,not_reachable,invalid_number"`
	Remarks string `json:"remarks,omitempty"`
}

type callbackBatchRequest struct {
	Requests []engine.CallbackRequest `json:"requests"`
}

type callbackError struct {
	ParentTaskID string `json:"parent_task_id"`
	Message      string `json:"message"`
}

type callbackBatchResponse struct {
	Created []domain.CallTask `json:"created"`
	Errors  []callbackError   `json:"errors,omitempty"`
}
