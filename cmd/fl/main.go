package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldline/internal/app"
	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/migrate"
	"fieldline/internal/repo"
	"fieldline/internal/schedule"
	"fieldline/internal/server"
	"fieldline/internal/solver"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fieldline CLI",
	Long: `Fieldline plans farm operations against finite machines, crews and fields.
Core concepts:
- Workspace: the .fieldline directory holding the database; configs live in the DB.
- Horizon: one planning season that owns resources, tasks and schedule versions.
- Resources: fields, vehicles, harvesters and crews with capacity and daily windows.
- Tasks: plant/harvest/deliver/treat work with durations, deadlines and dependencies.
- Plan: 'fl plan solve' places every pending task and commits a schedule version.
- Outages: breakdowns or weather windows; 'fl resource outage --repair' re-plans
  only the affected tasks, escalating the ones no local fix can save.
- Event log: diary of changes, view with 'fl log tail'.`,
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
	rootCmd.PersistentFlags().String("horizon", "", "horizon id (overrides the single-horizon default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("horizon", rootCmd.PersistentFlags().Lookup("horizon"))
}

func registerCommands() {
	rootCmd.AddCommand(horizonCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(resourceCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(keysCmd())
}

// --- horizon ---

func horizonCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "horizon", Short: "Manage planning horizons"}
	cmd.AddCommand(horizonCreateCmd())
	cmd.AddCommand(horizonListCmd())
	cmd.AddCommand(horizonShowCmd())
	cmd.AddCommand(horizonConfigCmd())
	return cmd
}

func horizonCreateCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a horizon",
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
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			h, err := e.InitHorizon(cmd.Context(), id, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			if err := e.Repo.UpsertHorizonConfig(cmd.Context(), id, cfg); err != nil {
				return err
			}
			return printJSONOrTable(h)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "horizon id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func horizonListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List horizons",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListHorizons(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func horizonShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active horizon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				h, err := e.Repo.GetHorizon(ctx, e.Config.Horizon.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(h)
			})
		},
	}
}

func horizonConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Horizon planning configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the stored configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				cfg, err := e.Repo.GetHorizonConfig(ctx, e.Config.Horizon.ID)
				if err != nil {
					return err
				}
				return printJSON(cfg)
			})
		},
	})
	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import configuration from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				cfg.Horizon.ID = e.Config.Horizon.ID
				return e.Repo.UpsertHorizonConfig(ctx, e.Config.Horizon.ID, cfg)
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "YAML config file")
	_ = importCmd.MarkFlagRequired("file")
	cmd.AddCommand(importCmd)
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Print a default YAML configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault(viper.GetString("horizon")))
			return nil
		},
	})
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show task counts and the committed schedule version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				horizonID := e.Config.Horizon.ID
				counts, err := e.Repo.CountTasksByStatus(ctx, horizonID)
				if err != nil {
					return err
				}
				var version int64
				if meta, err := e.Repo.LatestSnapshot(ctx, horizonID); err == nil {
					version = meta.Version
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				return printJSONOrTable(map[string]any{
					"horizon_id":       horizonID,
					"task_counts":      counts,
					"schedule_version": version,
				})
			})
		},
	}
}

// --- resource ---

func resourceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "resource", Short: "Manage the resource registry"}
	cmd.AddCommand(resourceAddCmd())
	cmd.AddCommand(resourceListCmd())
	cmd.AddCommand(resourceShowCmd())
	cmd.AddCommand(resourceOutageCmd())
	cmd.AddCommand(resourceOutagesCmd())
	cmd.AddCommand(resourceAvailabilityCmd())
	return cmd
}

func resourceAddCmd() *cobra.Command {
	var id, kind, name, location, dayStart, dayEnd string
	var capacity int
	var allHours bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.RegisterResource(ctx, engine.ResourceCreateOptions{
					ID:        id,
					HorizonID: e.Config.Horizon.ID,
					Kind:      domain.ResourceKind(kind),
					Name:      name,
					Capacity:  capacity,
					Location:  location,
					DayStart:  dayStart,
					DayEnd:    dayEnd,
					AllHours:  allHours,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "resource id (generated when empty)")
	cmd.Flags().StringVar(&kind, "kind", "", "field|vehicle|harvester|crew")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().IntVar(&capacity, "capacity", 1, "concurrent assignment units")
	cmd.Flags().StringVar(&location, "location", "", "location label")
	cmd.Flags().StringVar(&dayStart, "day-start", "", "daily window start HH:MM")
	cmd.Flags().StringVar(&dayEnd, "day-end", "", "daily window end HH:MM")
	cmd.Flags().BoolVar(&allHours, "all-hours", false, "available around the clock")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func resourceListCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListResources(ctx, e.Config.Horizon.ID, domain.ResourceKind(kind))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind")
	return cmd
}

func resourceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				res, err := r.GetResource(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func resourceOutageCmd() *cobra.Command {
	var from, to, reason string
	var force, repair bool
	cmd := &cobra.Command{
		Use:   "outage <resource-id>",
		Short: "Mark a resource unavailable over a window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parseWhen(from)
			if err != nil {
				return err
			}
			end, err := parseWhen(to)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				outage, affected, err := e.MarkUnavailable(ctx, engine.OutageOptions{
					ResourceID: args[0],
					Start:      start,
					End:        end,
					Reason:     reason,
					Force:      force || repair,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if err := printJSONOrTable(outage); err != nil {
					return err
				}
				if len(affected) > 0 {
					fmt.Printf("%d committed assignment(s) collide with the outage\n", len(affected))
				}
				if !repair || len(affected) == 0 {
					return nil
				}
				res, err := e.Repair(ctx, engine.RepairOptions{
					HorizonID:  e.Config.Horizon.ID,
					ResourceID: args[0],
					Window:     schedule.Interval{Start: start, End: end},
					Note:       "outage repair " + args[0],
					ActorID:    viper.GetString("actor-id"),
				})
				if res != nil {
					if perr := printJSONOrTable(res); perr != nil {
						return perr
					}
				}
				// Escalations still commit; the outcome above already names
				// the stranded tasks, and the exit code flags them.
				return err
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "window start (RFC3339 or YYYY-MM-DD HH:MM)")
	cmd.Flags().StringVar(&to, "to", "", "window end")
	cmd.Flags().StringVar(&reason, "reason", "", "outage reason")
	cmd.Flags().BoolVar(&force, "force", false, "record even over committed assignments")
	cmd.Flags().BoolVar(&repair, "repair", false, "repair affected assignments (implies --force)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func resourceOutagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outages",
		Short: "List recorded outages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListOutages(ctx, e.Config.Horizon.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func resourceAvailabilityCmd() *cobra.Command {
	var kind, from, to string
	cmd := &cobra.Command{
		Use:   "availability",
		Short: "Show free windows per resource of a kind",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parseWhen(from)
			if err != nil {
				return err
			}
			end, err := parseWhen(to)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				wins, err := e.QueryAvailable(ctx, e.Config.Horizon.ID, domain.ResourceKind(kind), schedule.Interval{Start: start, End: end})
				if err != nil {
					return err
				}
				return printJSONOrTable(wins)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "field|vehicle|harvester|crew")
	cmd.Flags().StringVar(&from, "from", "", "window start")
	cmd.Flags().StringVar(&to, "to", "", "window end")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// --- task ---

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks"}
	cmd.AddCommand(taskSubmitCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskUpdateCmd())
	cmd.AddCommand(taskCancelCmd())
	return cmd
}

func taskSubmitCmd() *cobra.Command {
	var id, kind, name, earliest, deadlineStr, orderRef string
	var durationMins, priority int
	var requires, dependsOn []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := parseRequirements(requires)
			if err != nil {
				return err
			}
			var earliestAt time.Time
			if earliest != "" {
				if earliestAt, err = parseWhen(earliest); err != nil {
					return err
				}
			}
			var deadlineAt *time.Time
			if deadlineStr != "" {
				d, err := parseWhen(deadlineStr)
				if err != nil {
					return err
				}
				deadlineAt = &d
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.SubmitTask(ctx, engine.TaskSubmitOptions{
					ID:            id,
					HorizonID:     e.Config.Horizon.ID,
					Kind:          domain.TaskKind(kind),
					Name:          name,
					DurationMins:  durationMins,
					EarliestStart: earliestAt,
					Deadline:      deadlineAt,
					Requires:      reqs,
					DependsOn:     dependsOn,
					Priority:      priority,
					OrderRef:      orderRef,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&kind, "kind", "", "plant|harvest|deliver|treat")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().IntVar(&durationMins, "duration", 0, "duration in minutes")
	cmd.Flags().StringVar(&earliest, "earliest", "", "earliest start (defaults to now)")
	cmd.Flags().StringVar(&deadlineStr, "deadline", "", "completion deadline")
	cmd.Flags().StringArrayVar(&requires, "requires", nil, "resource requirement kind=count (repeatable)")
	cmd.Flags().StringArrayVar(&dependsOn, "depends-on", nil, "predecessor task id (repeatable)")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority weight, higher wins")
	cmd.Flags().StringVar(&orderRef, "order-ref", "", "customer order reference")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("duration")
	_ = cmd.MarkFlagRequired("requires")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListTasks(ctx, e.Config.Horizon.ID, status)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending|placed|canceled|escalated")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var name, earliest, deadlineStr string
	var priority, durationMins int
	var clearDeadline bool
	var addDeps, removeDeps []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a task; placed tasks return to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TaskUpdateOptions{
				ID:            args[0],
				Name:          name,
				ClearDeadline: clearDeadline,
				AddDeps:       addDeps,
				RemoveDeps:    removeDeps,
				ActorID:       viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			if cmd.Flags().Changed("duration") {
				opts.DurationMins = &durationMins
			}
			if earliest != "" {
				at, err := parseWhen(earliest)
				if err != nil {
					return err
				}
				opts.EarliestStart = &at
			}
			if deadlineStr != "" {
				at, err := parseWhen(deadlineStr)
				if err != nil {
					return err
				}
				opts.Deadline = &at
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority weight")
	cmd.Flags().IntVar(&durationMins, "duration", 0, "duration in minutes")
	cmd.Flags().StringVar(&earliest, "earliest", "", "earliest start")
	cmd.Flags().StringVar(&deadlineStr, "deadline", "", "completion deadline")
	cmd.Flags().BoolVar(&clearDeadline, "clear-deadline", false, "drop the deadline")
	cmd.Flags().StringArrayVar(&addDeps, "add-depends-on", nil, "add predecessor (repeatable)")
	cmd.Flags().StringArrayVar(&removeDeps, "remove-depends-on", nil, "remove predecessor (repeatable)")
	return cmd
}

func taskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task; its slot frees at the next solve",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.CancelTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

// --- plan ---

func planCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "plan", Short: "Solve and repair the schedule"}
	cmd.AddCommand(planSolveCmd())
	cmd.AddCommand(planRepairCmd())
	return cmd
}

func planSolveCmd() *cobra.Command {
	var bestEffort bool
	var note string
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Place all pending tasks and commit a schedule version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Solve(ctx, engine.SolveOptions{
					HorizonID:  e.Config.Horizon.ID,
					BestEffort: bestEffort,
					Note:       note,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().BoolVar(&bestEffort, "best-effort", false, "commit what fits, report the rest")
	cmd.Flags().StringVar(&note, "note", "", "snapshot note")
	return cmd
}

func planRepairCmd() *cobra.Command {
	var tasks []string
	var resourceID, from, to, note string
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Re-place affected tasks after a disruption",
		RunE: func(cmd *cobra.Command, args []string) error {
			var window schedule.Interval
			if from != "" || to != "" {
				start, err := parseWhen(from)
				if err != nil {
					return err
				}
				end, err := parseWhen(to)
				if err != nil {
					return err
				}
				window = schedule.Interval{Start: start, End: end}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Repair(ctx, engine.RepairOptions{
					HorizonID:  e.Config.Horizon.ID,
					Tasks:      tasks,
					ResourceID: resourceID,
					Window:     window,
					Note:       note,
					ActorID:    viper.GetString("actor-id"),
				})
				if res != nil {
					if perr := printJSONOrTable(res); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringArrayVar(&tasks, "task", nil, "affected task id (repeatable)")
	cmd.Flags().StringVar(&resourceID, "resource", "", "repair tasks hit by an outage on this resource")
	cmd.Flags().StringVar(&from, "from", "", "outage window start")
	cmd.Flags().StringVar(&to, "to", "", "outage window end")
	cmd.Flags().StringVar(&note, "note", "", "snapshot note")
	return cmd
}

// --- schedule ---

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "schedule", Short: "Inspect committed schedules"}
	cmd.AddCommand(scheduleShowCmd())
	cmd.AddCommand(scheduleVersionsCmd())
	cmd.AddCommand(scheduleExportCmd())
	cmd.AddCommand(schedulePruneCmd())
	return cmd
}

func schedulePruneCmd() *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest schedule versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep < 1 {
				return fmt.Errorf("--keep must be >= 1")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				n, err := e.Repo.PruneSnapshots(ctx, e.Config.Horizon.ID, keep)
				if err != nil {
					return err
				}
				fmt.Printf("pruned %d snapshot(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 10, "number of versions to retain")
	return cmd
}

func scheduleShowCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a schedule version (latest by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				meta, rows, err := e.Schedule(ctx, e.Config.Horizon.ID, version)
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("version %d (%s) %s\n", meta.Version, meta.CreatedAt.Format(time.RFC3339), meta.Note)
				}
				return printJSONOrTable(rows)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "schedule version, 0 for latest")
	return cmd
}

func scheduleVersionsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "List committed schedule versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				metas, err := e.Repo.ListSnapshots(ctx, e.Config.Horizon.ID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(metas)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of versions")
	return cmd
}

func scheduleExportCmd() *cobra.Command {
	var version int64
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a schedule version as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				_, rows, err := e.Schedule(ctx, e.Config.Horizon.ID, version)
				if err != nil {
					return err
				}
				dst := os.Stdout
				if out != "" {
					f, err := os.Create(out)
					if err != nil {
						return err
					}
					defer f.Close()
					dst = f
				}
				w := csv.NewWriter(dst)
				if err := w.Write([]string{"task_id", "resource_id", "start", "end", "state"}); err != nil {
					return err
				}
				for _, a := range rows {
					rec := []string{a.TaskID, a.ResourceID, a.Start.Format(time.RFC3339), a.End.Format(time.RFC3339), a.State}
					if err := w.Write(rec); err != nil {
						return err
					}
				}
				w.Flush()
				return w.Error()
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "schedule version, 0 for latest")
	cmd.Flags().StringVar(&out, "out", "", "output file (stdout when empty)")
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Horizon.ID, evtType, entityKind, entityID)
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

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, metrics bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
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
			_, cfg, err := app.ResolveHorizonAndConfig(cmd.Context(), viper.GetString("horizon"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("FIELDLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowActorHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FIELDLINE_JWT_SECRET is required for bearer auth")
			}
			srvCfg := server.Config{Engine: e, BasePath: basePath, Auth: authCfg, BaseContext: cmd.Context()}
			if metrics {
				registry := prometheus.NewRegistry()
				e.Metrics = engine.NewMetrics(registry)
				srvCfg.Metrics = registry
			}
			handler, err := server.New(srvCfg)
			if err != nil {
				return err
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
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id (dev only)")
	cmd.Flags().BoolVar(&metrics, "metrics", true, "expose Prometheus metrics on /metrics")
	return cmd
}

// --- keys ---

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	cmd.AddCommand(keysCreateCmd())
	cmd.AddCommand(keysListCmd())
	cmd.AddCommand(keysRevokeCmd())
	return cmd
}

func keysCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret prints once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			secret := "flk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			key := domain.APIKey{
				ID:        uuid.NewString(),
				ActorID:   actor,
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC(),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("id: %s\nkey: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keysListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func keysRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
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
	_, cfg, err := app.ResolveHorizonAndConfig(ctx, viper.GetString("horizon"), r)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// parseWhen accepts RFC3339 plus a few shorthand layouts, interpreted UTC.
func parseWhen(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	layouts := []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02"}
	for _, layout := range layouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q (want RFC3339 or YYYY-MM-DD HH:MM)", s)
}

// parseRequirements turns repeated kind=count flags into requirements. A
// bare kind means count 1.
func parseRequirements(specs []string) ([]domain.Requirement, error) {
	var out []domain.Requirement
	for _, spec := range specs {
		kind, countStr, found := strings.Cut(spec, "=")
		count := 1
		if found {
			v, err := strconv.Atoi(countStr)
			if err != nil || v <= 0 {
				return nil, fmt.Errorf("invalid requirement %q (want kind=count)", spec)
			}
			count = v
		}
		out = append(out, domain.Requirement{Kind: domain.ResourceKind(strings.TrimSpace(kind)), Count: count})
	}
	return out, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	if rendered := renderTable(v); rendered {
		return nil
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

// renderTable knows the list shapes worth a tabular view; everything else
// falls back to indented JSON.
func renderTable(v any) bool {
	w := table.NewWriter()
	w.SetOutputMirror(os.Stdout)
	switch items := v.(type) {
	case []domain.Resource:
		w.AppendHeader(table.Row{"ID", "KIND", "NAME", "CAP", "WINDOW", "LOCATION"})
		for _, r := range items {
			window := "all hours"
			if r.DayStart != "" || r.DayEnd != "" {
				window = r.DayStart + "-" + r.DayEnd
			}
			w.AppendRow(table.Row{r.ID, r.Kind, r.Name, r.Capacity, window, r.Location})
		}
	case []domain.Task:
		w.AppendHeader(table.Row{"ID", "KIND", "NAME", "MINS", "PRI", "DEADLINE", "STATUS"})
		for _, t := range items {
			deadline := ""
			if t.Deadline != nil {
				deadline = t.Deadline.Format(time.RFC3339)
			}
			w.AppendRow(table.Row{t.ID, t.Kind, t.Name, t.DurationMins, t.Priority, deadline, t.Status})
		}
	case []domain.Assignment:
		w.AppendHeader(table.Row{"TASK", "RESOURCE", "START", "END", "STATE"})
		for _, a := range items {
			w.AppendRow(table.Row{a.TaskID, a.ResourceID, a.Start.Format(time.RFC3339), a.End.Format(time.RFC3339), a.State})
		}
	case []domain.SnapshotMeta:
		w.AppendHeader(table.Row{"VERSION", "CREATED", "NOTE"})
		for _, m := range items {
			w.AppendRow(table.Row{m.Version, m.CreatedAt.Format(time.RFC3339), m.Note})
		}
	case []domain.Outage:
		w.AppendHeader(table.Row{"ID", "RESOURCE", "START", "END", "REASON"})
		for _, o := range items {
			w.AppendRow(table.Row{o.ID, o.ResourceID, o.Start.Format(time.RFC3339), o.End.Format(time.RFC3339), o.Reason})
		}
	case []solver.ResourceWindow:
		w.AppendHeader(table.Row{"RESOURCE", "NAME", "FREE FROM", "FREE TO"})
		for _, win := range items {
			w.AppendRow(table.Row{win.Resource.ID, win.Resource.Name, win.Window.Start.Format(time.RFC3339), win.Window.End.Format(time.RFC3339)})
		}
	case []domain.Event:
		w.AppendHeader(table.Row{"ID", "TS", "TYPE", "ENTITY", "ACTOR"})
		for _, e := range items {
			entity := e.EntityKind
			if e.EntityID != "" {
				entity += "/" + e.EntityID
			}
			w.AppendRow(table.Row{e.ID, e.TS, e.Type, entity, e.ActorID})
		}
	case []domain.APIKey:
		w.AppendHeader(table.Row{"ID", "ACTOR", "NAME", "CREATED"})
		for _, k := range items {
			w.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt.Format(time.RFC3339)})
		}
	default:
		return false
	}
	w.Render()
	return true
}
