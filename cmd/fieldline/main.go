package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldline/internal/app"
	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/migrate"
	"fieldline/internal/repo"
	"fieldline/internal/scheduler"
	"fieldline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fieldline",
	Short: "Fieldline CLI",
	Long: `Fieldline samples farmers from field activities for verification calls.
- Workspace: your .fieldline directory with the database; config lives in the DB and is imported explicitly.
- Activities: field events (field days, group meetings, demo visits) with attendee lists, synced from the field app.
- Sampling: a run draws a uniform percentage of each eligible activity's attendees and creates call tasks.
- Cooling: recently sampled farmers and activities sit out until their window passes.
- Allocation: tasks are spread round-robin over call agents that speak the farmer's language.
- Callbacks: unreachable farmers get up to two retry calls.
- Event log: diary of changes, view with 'fieldline log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FIELDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(samplingCmd())
	rootCmd.AddCommand(allocationCmd())
	rootCmd.AddCommand(reactivateCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(coolingCmd())
	rootCmd.AddCommand(eligibilityCmd())
	rootCmd.AddCommand(autoRunCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage sampling config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				cfg, err := e.Repo.GetConfig(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.Repo.UpsertConfig(ctx, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default fieldline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				activityCounts, err := e.Repo.CountActivitiesByStatus(ctx)
				if err != nil {
					return err
				}
				taskCounts, err := e.Repo.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"activity_counts": activityCounts,
					"task_counts":     taskCounts,
				})
			})
		},
	}
	return cmd
}

func activityCmd() *cobra.Command {
	act := &cobra.Command{Use: "activity", Short: "Inspect activities"}
	act.AddCommand(activityListCmd())
	act.AddCommand(activityShowCmd())
	return act
}

func activityListCmd() *cobra.Command {
	var status, typ, dateFrom, dateTo, bu, state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List activities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListActivities(ctx, repo.ActivityFilters{
					Status:   domain.ActivityStatus(status),
					Type:     domain.ActivityType(typ),
					DateFrom: dateFrom,
					DateTo:   dateTo,
					BU:       bu,
					State:    state,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Date", "Status", "BU", "State"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Type, a.Date, a.Status, a.BU, a.State})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&typ, "type", "", "type filter")
	cmd.Flags().StringVar(&dateFrom, "date-from", "", "date lower bound")
	cmd.Flags().StringVar(&dateTo, "date-to", "", "date upper bound")
	cmd.Flags().StringVar(&bu, "bu", "", "business unit filter")
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func activityShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				act, err := e.Repo.GetActivity(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(act)
			})
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Manage call agents"}
	agent.AddCommand(agentAddCmd())
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentReallocateCmd())
	return agent
}

func agentAddCmd() *cobra.Command {
	var id, name, teamLead string
	var languages []string
	var inactive bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || name == "" {
				return fmt.Errorf("--id and --name required")
			}
			if len(languages) == 0 {
				return fmt.Errorf("--language required at least once")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				agent := domain.Agent{
					ID:         id,
					Name:       name,
					Active:     !inactive,
					TeamLeadID: optionalString(teamLead),
					Languages:  languages,
					CreatedAt:  time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.UpsertAgent(ctx, nil, agent); err != nil {
					return err
				}
				stored, err := e.Repo.GetAgent(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(stored)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "agent id")
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&teamLead, "team-lead", "", "team lead id")
	cmd.Flags().StringSliceVar(&languages, "language", nil, "language the agent speaks (repeatable)")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "mark agent inactive")
	return cmd
}

func agentListCmd() *cobra.Command {
	var onlyActive bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				agents, err := e.Repo.ListAgents(ctx, onlyActive)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Active", "Languages"})
				for _, a := range agents {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Active, strings.Join(a.Languages, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&onlyActive, "active", false, "only active agents")
	return cmd
}

func agentReallocateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reallocate <agent-id>",
		Short: "Redistribute an agent's queued tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Reallocate(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func samplingCmd() *cobra.Command {
	s := &cobra.Command{Use: "sampling", Short: "Sampling runs"}
	s.AddCommand(samplingRunCmd())
	s.AddCommand(runStatusCmd("status", domain.RunSampling))
	s.AddCommand(runHistoryCmd(domain.RunSampling))
	return s
}

func samplingRunCmd() *cobra.Command {
	var mode, dateFrom, dateTo string
	var lifecycle []string
	var pct float64
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a sampling run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var statuses []domain.ActivityStatus
				for _, s := range lifecycle {
					statuses = append(statuses, domain.ActivityStatus(s))
				}
				run, err := e.RunSampling(ctx, engine.SamplingParams{
					Mode:       mode,
					Statuses:   statuses,
					DateFrom:   dateFrom,
					DateTo:     dateTo,
					Percentage: pct,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", engine.ModeFirstSample, "first_sample or adhoc")
	cmd.Flags().StringArrayVar(&lifecycle, "lifecycle", nil, "restrict to a lifecycle status (repeatable)")
	cmd.Flags().StringVar(&dateFrom, "date-from", "", "activity date lower bound")
	cmd.Flags().StringVar(&dateTo, "date-to", "", "activity date upper bound")
	cmd.Flags().Float64Var(&pct, "percentage", 0, "override sampling percentage")
	return cmd
}

func runStatusCmd(use string, kind domain.RunKind) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Latest %s run", kind),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				run, err := e.RunStatus(ctx, kind)
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
}

func runHistoryCmd(kind domain.RunKind) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: fmt.Sprintf("Past %s runs", kind),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				runs, err := e.ListRuns(ctx, kind, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Matched", "Processed", "Tasks", "Allocated", "Skipped", "Errors", "Started"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.Status, r.Matched, r.Processed, r.TasksCreated, r.Allocated, r.Skipped, r.ErrorCount, r.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}

func allocationCmd() *cobra.Command {
	a := &cobra.Command{Use: "allocation", Short: "Allocation runs"}
	var language, dateFrom, dateTo, bu, state string
	var count int
	run := &cobra.Command{
		Use:   "run",
		Short: "Start an allocation run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Allocate(ctx, engine.AllocationParams{
					Language: language,
					Count:    count,
					DateFrom: dateFrom,
					DateTo:   dateTo,
					BU:       bu,
					State:    state,
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	run.Flags().StringVar(&language, "language", engine.LanguageAll, "restrict to one farmer language")
	run.Flags().IntVar(&count, "count", 0, "max tasks to allocate (0 = all)")
	run.Flags().StringVar(&dateFrom, "date-from", "", "activity date lower bound (YYYY-MM-DD)")
	run.Flags().StringVar(&dateTo, "date-to", "", "activity date upper bound (YYYY-MM-DD)")
	run.Flags().StringVar(&bu, "bu", "", "restrict to a business unit")
	run.Flags().StringVar(&state, "state", "", "restrict to a state")
	a.AddCommand(run)
	a.AddCommand(runStatusCmd("status", domain.RunAllocation))
	a.AddCommand(runHistoryCmd(domain.RunAllocation))
	return a
}

func reactivateCmd() *cobra.Command {
	r := &cobra.Command{Use: "reactivate", Short: "Return sampled or inactive activities to the pool"}
	r.AddCommand(reactivatePreviewCmd())
	r.AddCommand(reactivateConfirmCmd())
	return r
}

func reactivatePreviewCmd() *cobra.Command {
	var fromStatus, dateFrom, dateTo string
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Preview what a reactivation would change",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				preview, err := e.ReactivatePreview(ctx, repo.ReactivationFilters{
					FromStatus: domain.ActivityStatus(fromStatus),
					DateFrom:   dateFrom,
					DateTo:     dateTo,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(preview)
			})
		},
	}
	cmd.Flags().StringVar(&fromStatus, "from-status", "sampled", "sampled or inactive")
	cmd.Flags().StringVar(&dateFrom, "date-from", "", "activity date lower bound")
	cmd.Flags().StringVar(&dateTo, "date-to", "", "activity date upper bound")
	return cmd
}

func reactivateConfirmCmd() *cobra.Command {
	var fromStatus, dateFrom, dateTo, token string
	var deleteTasks, deleteAudit bool
	cmd := &cobra.Command{
		Use:   "confirm",
		Short: "Execute a previewed reactivation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return fmt.Errorf("--token required; run 'fieldline reactivate preview' first")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Reactivate(ctx, repo.ReactivationFilters{
					FromStatus: domain.ActivityStatus(fromStatus),
					DateFrom:   dateFrom,
					DateTo:     dateTo,
				}, token, deleteTasks, deleteAudit, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&fromStatus, "from-status", "sampled", "sampled or inactive")
	cmd.Flags().StringVar(&dateFrom, "date-from", "", "activity date lower bound")
	cmd.Flags().StringVar(&dateTo, "date-to", "", "activity date upper bound")
	cmd.Flags().StringVar(&token, "token", "", "confirmation token from preview")
	cmd.Flags().BoolVar(&deleteTasks, "delete-tasks", false, "delete untouched tasks for the affected activities")
	cmd.Flags().BoolVar(&deleteAudit, "delete-audit", false, "also delete the activities' event trail")
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Inspect and update call tasks"}
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskOutcomeCmd())
	t.AddCommand(taskCallbackCmd())
	return t
}

func taskListCmd() *cobra.Command {
	var status, activityID, agentID, language string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List call tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
					Status:     domain.TaskStatus(status),
					ActivityID: activityID,
					AgentID:    agentID,
					Language:   language,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Farmer", "Activity", "Status", "Agent", "Callback#", "Due"})
				for _, t := range tasks {
					agent := ""
					if t.AssignedAgentID != nil {
						agent = *t.AssignedAgentID
					}
					tw.AppendRow(table.Row{t.ID, t.FarmerID, t.ActivityID, t.Status, agent, t.CallbackNumber, t.ScheduledDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&activityID, "activity", "", "activity id filter")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id filter")
	cmd.Flags().StringVar(&language, "language", "", "farmer language filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a call task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				task, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	return cmd
}

func taskOutcomeCmd() *cobra.Command {
	var status, remarks string
	cmd := &cobra.Command{
		Use:   "outcome <id>",
		Short: "Record a call outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if status == "" {
				return fmt.Errorf("--status required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.RecordOutcome(ctx, args[0], domain.TaskStatus(status), remarks, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "in_progress, completed, not_reachable or invalid_number")
	cmd.Flags().StringVar(&remarks, "remarks", "", "call remarks")
	return cmd
}

func taskCallbackCmd() *cobra.Command {
	var scheduled string
	cmd := &cobra.Command{
		Use:   "callback <parent-task-id>",
		Short: "Create a callback task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				created, errs := e.CreateCallbacks(ctx, []engine.CallbackRequest{{
					ParentTaskID:  args[0],
					ScheduledDate: scheduled,
				}}, viper.GetString("actor-id"))
				if errs[0] != nil {
					return errs[0]
				}
				return printJSONOrTable(created[0])
			})
		},
	}
	cmd.Flags().StringVar(&scheduled, "date", "", "scheduled date (defaults to tomorrow)")
	return cmd
}

func coolingCmd() *cobra.Command {
	c := &cobra.Command{Use: "cooling", Short: "Inspect the cooling ledger"}
	var kind string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List cooling entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				entries, err := e.Repo.ListCoolingEntries(ctx, kind, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Kind", "ID", "Last Sampled"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.EntityKind, entry.EntityID, entry.LastSampledAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&kind, "kind", "farmer", "farmer or activity")
	list.Flags().IntVar(&limit, "limit", 50, "max rows")
	c.AddCommand(list)
	return c
}

func eligibilityCmd() *cobra.Command {
	e := &cobra.Command{Use: "eligibility", Short: "Eligibility sweeps"}
	var types []string
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Reconcile activity statuses with eligible types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng *engine.Engine) error {
				res, err := eng.ApplyEligibility(ctx, types, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	apply.Flags().StringArrayVar(&types, "type", nil, "replace the eligible type list (repeatable)")
	e.AddCommand(apply)
	return e
}

func autoRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auto-run",
		Short: "Evaluate the auto-run trigger once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				dec, err := e.AutoRun(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(dec)
			})
		},
	}
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage service API keys"}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	k.AddCommand(apiKeyDeleteCmd())
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var serviceID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serviceID == "" {
				return fmt.Errorf("--service required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ServiceID: serviceID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// The plaintext key is shown exactly once.
				return printJSONOrTable(map[string]string{
					"id":      key.ID,
					"service": key.ServiceID,
					"key":     secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&serviceID, "service", "", "service id the key authenticates")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var serviceID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, serviceID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Service", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ServiceID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&serviceID, "service", "", "filter by service id")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAnonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:      os.Getenv("FIELDLINE_JWT_SECRET"),
				AllowAnonymous: allowAnonymous,
			}
			if authCfg.JWTSecret == "" && !allowAnonymous {
				return fmt.Errorf("FIELDLINE_JWT_SECRET is required unless --allow-anonymous is set")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			sched := scheduler.New(e)
			if cfg.AutoRun.Enabled {
				if err := sched.Register(cfg.AutoRun.Schedule); err != nil {
					return err
				}
				sched.Start()
				defer sched.Stop()
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Fieldline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false, "serve without authentication (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	e.SyncJobs = true
	return fn(ctx, e)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
