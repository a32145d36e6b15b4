package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_running"`
	Message string         `json:"message" example:"a run of this kind is already in progress"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Fieldline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Fieldline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerConfig(group, cfg.Engine)
	registerActivities(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerSampling(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerReactivation(group, cfg.Engine)
	registerAllocation(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, engine.ErrAlreadyRunning):
		return newAPIError(http.StatusConflict, "already_running", err.Error(), nil)
	case errors.Is(err, engine.ErrConfirmationRequired):
		return newAPIError(http.StatusConflict, "confirmation_required", err.Error(), nil)
	case errors.Is(err, engine.ErrCallbackLimit):
		return newAPIError(http.StatusUnprocessableEntity, "callback_limit", err.Error(), nil)
	case errors.Is(err, engine.ErrNoCapableAgent):
		return newAPIError(http.StatusUnprocessableEntity, "no_capable_agent", err.Error(), nil)
	case errors.Is(err, engine.ErrTaskTerminal), errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Fieldline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Workspace status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		activityCounts, err := e.Repo.CountActivitiesByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		taskCounts, err := e.Repo.CountTasksByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"activity_counts": activityCounts,
			"task_counts":     taskCounts,
		}}, nil
	})
}

func registerConfig(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Get sampling configuration",
	}, func(ctx context.Context, _ *struct{}) (*configResponse, error) {
		cfg, err := e.Repo.GetConfig(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &configResponse{Body: toConfigDTO(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-config",
		Method:      http.MethodPut,
		Path:        "/config",
		Summary:     "Update sampling configuration",
	}, func(ctx context.Context, input *struct {
		Body configDTO
	}) (*configResponse, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cfg := fromConfigDTO(input.Body)
		if err := cfg.Validate(); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.UpsertConfig(ctx, cfg); err != nil {
			return nil, handleError(err)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Events.Append(ctx, tx, "config.updated", "config", "", actorID, nil); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &configResponse{Body: toConfigDTO(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-eligibility",
		Method:      http.MethodPost,
		Path:        "/eligibility/apply",
		Summary:     "Reconcile activity statuses with eligible types",
	}, func(ctx context.Context, input *struct {
		Body struct {
			EligibleTypes []string `json:"eligible_types,omitempty"`
		}
	}) (*struct {
		Body engine.EligibilityResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ApplyEligibility(ctx, input.Body.EligibleTypes, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.EligibilityResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerActivities(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-activity",
		Method:        http.MethodPost,
		Path:          "/activities",
		Summary:       "Ingest an activity with its attendees",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body activityIngest
	}) (*struct {
		Body domain.Activity `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		act, err := ingestActivity(ctx, e, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Activity `json:"body"`
		}{Body: act}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-activities",
		Method:      http.MethodGet,
		Path:        "/activities",
		Summary:     "List activities",
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		Type     string `query:"type"`
		DateFrom string `query:"date_from"`
		DateTo   string `query:"date_to"`
		BU       string `query:"bu"`
		State    string `query:"state"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.Activity `json:"body"`
	}, error) {
		items, err := e.Repo.ListActivities(ctx, repo.ActivityFilters{
			Status:   domain.ActivityStatus(input.Status),
			Type:     domain.ActivityType(input.Type),
			DateFrom: input.DateFrom,
			DateTo:   input.DateTo,
			BU:       input.BU,
			State:    input.State,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Activity `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-activity",
		Method:      http.MethodGet,
		Path:        "/activities/{activity_id}",
		Summary:     "Get activity",
	}, func(ctx context.Context, input *struct {
		ActivityID string `path:"activity_id"`
	}) (*struct {
		Body domain.Activity `json:"body"`
	}, error) {
		act, err := e.Repo.GetActivity(ctx, input.ActivityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Activity `json:"body"`
		}{Body: act}, nil
	})
}

func registerAgents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "upsert-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Create or update an agent",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body agentIngest
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		if input.Body.ID == "" || input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent id and name are required", nil)
		}
		if len(input.Body.Languages) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent languages are required", nil)
		}
		agent := domain.Agent{
			ID:         input.Body.ID,
			Name:       input.Body.Name,
			Active:     input.Body.Active == nil || *input.Body.Active,
			TeamLeadID: input.Body.TeamLeadID,
			Languages:  input.Body.Languages,
			CreatedAt:  e.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.UpsertAgent(ctx, nil, agent); err != nil {
			return nil, handleError(err)
		}
		stored, err := e.Repo.GetAgent(ctx, agent.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: stored}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, input *struct {
		Active bool `query:"active"`
	}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		agents, err := e.Repo.ListAgents(ctx, input.Active)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: agents}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reallocate-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/reallocate",
		Summary:     "Redistribute an agent's queued tasks",
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body engine.ReallocationResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Reallocate(ctx, input.AgentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReallocationResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerSampling(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "run-sampling",
		Method:        http.MethodPost,
		Path:          "/sampling/runs",
		Summary:       "Start a sampling run",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body samplingRequest
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		mode := input.Body.Mode
		if mode == "" {
			mode = engine.ModeFirstSample
		}
		var statuses []domain.ActivityStatus
		for _, s := range input.Body.LifecycleFilter {
			statuses = append(statuses, domain.ActivityStatus(s))
		}
		run, err := e.RunSampling(ctx, engine.SamplingParams{
			Mode:       mode,
			Statuses:   statuses,
			DateFrom:   input.Body.DateFrom,
			DateTo:     input.Body.DateTo,
			Percentage: input.Body.Percentage,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "auto-run",
		Method:      http.MethodPost,
		Path:        "/cron/auto-run",
		Summary:     "Evaluate the auto-run trigger",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.AutoRunDecision `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		dec, err := e.AutoRun(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AutoRunDecision `json:"body"`
		}{Body: dec}, nil
	})
}

func registerRuns(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-status",
		Method:      http.MethodGet,
		Path:        "/runs/{kind}",
		Summary:     "Latest run of a kind",
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind" enum:"sampling,allocation"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := e.RunStatus(ctx, domain.RunKind(input.Kind))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "Run history",
	}, func(ctx context.Context, input *struct {
		Kind  string `query:"kind" enum:"sampling,allocation,"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body []domain.Run `json:"body"`
	}, error) {
		runs, err := e.ListRuns(ctx, domain.RunKind(input.Kind), input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Run `json:"body"`
		}{Body: runs}, nil
	})
}

func registerReactivation(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "reactivate-preview",
		Method:      http.MethodPost,
		Path:        "/reactivation/preview",
		Summary:     "Preview a reactivation",
	}, func(ctx context.Context, input *struct {
		Body reactivationRequest
	}) (*struct {
		Body engine.ReactivationPreview `json:"body"`
	}, error) {
		preview, err := e.ReactivatePreview(ctx, repo.ReactivationFilters{
			FromStatus: domain.ActivityStatus(input.Body.FromStatus),
			DateFrom:   input.Body.DateFrom,
			DateTo:     input.Body.DateTo,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReactivationPreview `json:"body"`
		}{Body: preview}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reactivate-confirm",
		Method:      http.MethodPost,
		Path:        "/reactivation/confirm",
		Summary:     "Execute a previewed reactivation",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body reactivationConfirm
	}) (*struct {
		Body engine.ReactivationResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Reactivate(ctx, repo.ReactivationFilters{
			FromStatus: domain.ActivityStatus(input.Body.FromStatus),
			DateFrom:   input.Body.DateFrom,
			DateTo:     input.Body.DateTo,
		}, input.Body.Token, input.Body.DeleteTasks, input.Body.DeleteAudit, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReactivationResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerAllocation(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "run-allocation",
		Method:        http.MethodPost,
		Path:          "/allocation/runs",
		Summary:       "Start an allocation run",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body allocationRequest
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.Allocate(ctx, engine.AllocationParams{
			Language: input.Body.Language,
			Count:    input.Body.Count,
			DateFrom: input.Body.DateFrom,
			DateTo:   input.Body.DateTo,
			BU:       input.Body.BU,
			State:    input.Body.State,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List call tasks",
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		ActivityID string `query:"activity_id"`
		AgentID    string `query:"agent_id"`
		Language   string `query:"language"`
		BU         string `query:"bu"`
		State      string `query:"state"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.CallTask `json:"body"`
	}, error) {
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			Status:     domain.TaskStatus(input.Status),
			ActivityID: input.ActivityID,
			AgentID:    input.AgentID,
			Language:   input.Language,
			BU:         input.BU,
			State:      input.State,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CallTask `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get call task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.CallTask `json:"body"`
	}, error) {
		task, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CallTask `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-outcome",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/outcome",
		Summary:     "Record a call outcome",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   outcomeRequest
	}) (*struct {
		Body engine.OutcomeResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RecordOutcome(ctx, input.TaskID, domain.TaskStatus(input.Body.Status), input.Body.Remarks, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.OutcomeResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-callbacks",
		Method:        http.MethodPost,
		Path:          "/tasks/callbacks",
		Summary:       "Create callback tasks",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body callbackBatchRequest
	}) (*struct {
		Body callbackBatchResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.Requests) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "at least one callback request is required", nil)
		}
		created, errs := e.CreateCallbacks(ctx, input.Body.Requests, actorID)
		out := callbackBatchResponse{Created: created}
		for i, err := range errs {
			if err != nil {
				out.Errors = append(out.Errors, callbackError{
					ParentTaskID: input.Body.Requests[i].ParentTaskID,
					Message:      err.Error(),
				})
			}
		}
		return &struct {
			Body callbackBatchResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the audit event log",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
