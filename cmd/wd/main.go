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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"workdeck/internal/config"
	"workdeck/internal/db"
	"workdeck/internal/engine"
	"workdeck/internal/migrate"
	"workdeck/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "wd",
	Short: "Workdeck CLI",
	Long: `Workdeck tracks multi-tenant project work: tasks with claim/release/complete,
work sessions, dependency blocking, milestones with a single active phase per
project, and workflow rules that create follow-up tasks exactly once.`,
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
	viper.SetEnvPrefix("WORKDECK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "default", "org id")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (trace, debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(cardCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage orgs"}
	org.AddCommand(orgInitCmd())
	org.AddCommand(orgConfigCmd())
	return org
}

func orgInitCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize an org with default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.InitOrg(ctx, viper.GetString("org"), name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "org display name")
	return cmd
}

func orgConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Org config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show stored org config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetOrgConfig(ctx, viper.GetString("org"))
				if err != nil {
					return err
				}
				out, err := c.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	})
	cfg.AddCommand(orgConfigImportCmd())
	cfg.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Print default config YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault(viper.GetString("org")))
			return nil
		},
	})
	return cfg
}

func orgConfigImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import org config from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			c, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.UpsertOrgConfig(ctx, viper.GetString("org"), c)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "yaml file path")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectStatusCmd())
	prj.AddCommand(projectTypesCmd())
	return prj
}

func projectTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types <id>",
		Short: "List task types of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTaskTypes(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project with default task types",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.InitProject(ctx, viper.GetString("org"), id, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx, viper.GetString("org"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show task counts by status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				counts, err := r.CountTasksByStatus(ctx, p.ID)
				if err != nil {
					return err
				}
				out := map[string]any{"project_id": p.ID, "status": p.Status, "task_counts": counts}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
}

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{
		Use:   "milestone",
		Short: "Manage milestones",
		Long:  "Milestones are phases: ready -> active -> completed. Only one milestone per project is active at a time; completion and reopening are derived from the contained work.",
	}
	ms.AddCommand(milestoneCreateCmd())
	ms.AddCommand(milestoneListCmd())
	ms.AddCommand(milestoneActivateCmd())
	ms.AddCommand(milestoneRecomputeCmd())
	ms.AddCommand(milestoneDeleteCmd())
	return ms
}

func milestoneCreateCmd() *cobra.Command {
	var opts engine.MilestoneCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a milestone (state ready)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMilestone(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "milestone id (optional)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().IntVar(&opts.Position, "position", 0, "manual ordering position")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func milestoneListCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List milestones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListMilestones(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "State", "Position", "Activated", "Completed"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Name, m.State, m.Position, deref(m.ActivatedAt), deref(m.CompletedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func milestoneActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <id>",
		Short: "Activate a ready milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ActivateMilestone(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func milestoneRecomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <id>",
		Short: "Recompute derived milestone state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RecomputeMilestone(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func milestoneDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an unreferenced ready milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteMilestone(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func cardCmd() *cobra.Command {
	card := &cobra.Command{Use: "card", Short: "Manage cards"}
	card.AddCommand(cardCreateCmd())
	card.AddCommand(cardListCmd())
	return card
}

func cardCreateCmd() *cobra.Command {
	var opts engine.CardCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a card",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCard(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "card id (optional)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.MilestoneID, "milestone", "", "milestone id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Color, "color", "", "color")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func cardListCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCards(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow available -> claimed -> completed (release returns claimed to available). Claim, release, and complete take --version; a stale version is a conflict, re-read and retry deliberately.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskReleaseCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskPauseCmd())
	task.AddCommand(taskDepCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var dependsOn []string
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.DependsOn = dependsOn
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.CardID, "card", "", "card id")
	cmd.Flags().StringVar(&opts.MilestoneID, "milestone", "", "milestone id")
	cmd.Flags().StringVar(&opts.TypeID, "type", "", "task type id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringArrayVar(&dependsOn, "depends-on", []string{}, "dependency task id (repeatable)")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (lower is higher)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Version", "Claimed By", "Card", "Milestone"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Version, deref(t.ClaimedBy), deref(t.CardID), deref(t.MilestoneID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.CardID, "card", "", "card filter")
	cmd.Flags().StringVar(&f.MilestoneID, "milestone", "", "milestone filter")
	cmd.Flags().StringVar(&f.ClaimedBy, "claimed-by", "", "claimant filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get task with blocked count and ongoing flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.GetTaskView(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
}

func taskClaimCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim an available task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Claim(ctx, args[0], viper.GetString("actor-id"), version)
				if err != nil {
					return err
				}
				if v.BlockedCount > 0 && !viper.GetBool("json") {
					fmt.Printf("warning: %d incomplete dependencies\n", v.BlockedCount)
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "expected task version")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func taskReleaseCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "release <id>",
		Short: "Release a claimed task back to available",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Release(ctx, args[0], viper.GetString("actor-id"), version)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "expected task version")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a claimed task (runs rules and milestone recompute)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Complete(ctx, args[0], viper.GetString("actor-id"), version)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "expected task version")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func taskStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start a work session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.StartSession(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func taskPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause the open work session, if any",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.PauseSession(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if s == nil {
					fmt.Println("no open session")
					return nil
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func taskDepCmd() *cobra.Command {
	dep := &cobra.Command{Use: "dep", Short: "Manage task dependencies"}
	var dependsOn string
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Add a depends-on edge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AddDependency(ctx, args[0], dependsOn, viper.GetString("actor-id"))
			})
		},
	}
	add.Flags().StringVar(&dependsOn, "on", "", "dependency task id")
	_ = add.MarkFlagRequired("on")
	var removeOn string
	remove := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a depends-on edge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveDependency(ctx, args[0], removeOn, viper.GetString("actor-id"))
			})
		},
	}
	remove.Flags().StringVar(&removeOn, "on", "", "dependency task id")
	_ = remove.MarkFlagRequired("on")
	dep.AddCommand(add)
	dep.AddCommand(remove)
	return dep
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Manage workflows"}
	wf.AddCommand(workflowCreateCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowToggleCmd("enable", true))
	wf.AddCommand(workflowToggleCmd("disable", false))
	return wf
}

func workflowCreateCmd() *cobra.Command {
	var opts engine.WorkflowCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow (org-wide unless --project is set)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.OrgID = viper.GetString("org")
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CreateWorkflow(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "workflow id (optional)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project scope (empty = org-wide)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func workflowListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkflows(ctx, viper.GetString("org"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func workflowToggleCmd(verb string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: verb + " a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.SetWorkflowActive(ctx, args[0], active)
			})
		},
	}
}

func ruleCmd() *cobra.Command {
	rule := &cobra.Command{Use: "rule", Short: "Manage workflow rules"}
	rule.AddCommand(ruleCreateCmd())
	rule.AddCommand(ruleListCmd())
	rule.AddCommand(ruleToggleCmd("enable", true))
	rule.AddCommand(ruleToggleCmd("disable", false))
	rule.AddCommand(ruleAttachCmd())
	rule.AddCommand(ruleExecuteCmd())
	rule.AddCommand(ruleExecutionsCmd())
	rule.AddCommand(ruleMetricsCmd())
	return rule
}

func ruleCreateCmd() *cobra.Command {
	var opts engine.RuleCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a rule on (resource-type, to-state)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rl, err := e.CreateRule(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rl)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "rule id (optional)")
	cmd.Flags().StringVar(&opts.WorkflowID, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&opts.ResourceType, "resource-type", "task", "task or card")
	cmd.Flags().StringVar(&opts.TaskTypeID, "task-type", "", "task type filter (task rules only)")
	cmd.Flags().StringVar(&opts.ToState, "to-state", "completed", "state that triggers the rule")
	cmd.Flags().BoolVar(&opts.FireOnAutomation, "fire-on-automation", false, "also fire on transitions caused by other rules")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func ruleListCmd() *cobra.Command {
	var workflowID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules of a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRules(ctx, workflowID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func ruleToggleCmd(verb string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: verb + " a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.SetRuleActive(ctx, args[0], active)
			})
		},
	}
}

func ruleAttachCmd() *cobra.Command {
	var templateID string
	var order int
	cmd := &cobra.Command{
		Use:   "attach <rule-id>",
		Short: "Attach a task template to a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AttachTemplate(ctx, args[0], templateID, order)
			})
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	cmd.Flags().IntVar(&order, "order", 0, "execution order")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func ruleExecuteCmd() *cobra.Command {
	var originType, originID string
	var userTriggered bool
	cmd := &cobra.Command{
		Use:   "execute <rule-id>",
		Short: "Execute a rule against an origin (safe to retry)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Execute(ctx, args[0], originType, originID, viper.GetString("actor-id"), userTriggered)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&originType, "origin-type", "task", "task or card")
	cmd.Flags().StringVar(&originID, "origin-id", "", "origin entity id")
	cmd.Flags().BoolVar(&userTriggered, "user-triggered", true, "transition caused by direct user action")
	_ = cmd.MarkFlagRequired("origin-id")
	return cmd
}

func ruleExecutionsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "executions <rule-id>",
		Short: "List the execution ledger of a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRuleExecutions(ctx, args[0], n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Origin", "Outcome", "Reason", "Actor", "At"})
				for _, x := range items {
					tw.AppendRow(table.Row{x.OriginType + "/" + x.OriginID, x.Outcome, x.SuppressionReason, x.ActorID, x.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of rows")
	return cmd
}

func ruleMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics <rule-id>",
		Short: "Outcome counts for a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.CountRuleOutcomes(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(counts)
			})
		},
	}
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Manage task templates"}
	var opts engine.TemplateCreateOptions
	var priority int
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a task template",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.OrgID = viper.GetString("org")
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTemplate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	create.Flags().StringVar(&opts.ID, "id", "", "template id (optional)")
	create.Flags().StringVar(&opts.ProjectID, "project", "", "project scope (empty = org-wide)")
	create.Flags().StringVar(&opts.Name, "name", "", "title of created tasks")
	create.Flags().StringVar(&opts.TypeID, "type", "", "task type id")
	create.Flags().IntVar(&priority, "priority", 0, "priority of created tasks")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("type")
	tpl.AddCommand(create)
	return tpl
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: task transitions, sessions, milestone changes, rule executions.",
	}
	var n int
	var projectID, evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, projectID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&projectID, "project", "", "project filter")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	log.AddCommand(tail)
	return log
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve Prometheus metrics and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r := chi.NewRouter()
				r.Use(middleware.Recoverer)
				r.Handle("/metrics", e.Metrics.Handler())
				r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
					if err := e.DB.PingContext(req.Context()); err != nil {
						http.Error(w, err.Error(), http.StatusServiceUnavailable)
						return
					}
					w.WriteHeader(http.StatusOK)
					_, _ = w.Write([]byte("ok"))
				})
				srv := &http.Server{Addr: addr, Handler: r}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving metrics on http://%s/metrics\n", addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9090", "listen address")
	return cmd
}

// --- helpers ---

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		level = zerolog.WarnLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
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
	orgID := viper.GetString("org")
	cfg, err := r.GetOrgConfig(ctx, orgID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		cfg = config.Default(orgID)
	}
	e := engine.New(conn, cfg, newLogger())
	return fn(ctx, e)
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
