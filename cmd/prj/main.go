package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/unbracketed/prunejuice/internal/app"
	"github.com/unbracketed/prunejuice/internal/artifacts"
	"github.com/unbracketed/prunejuice/internal/commands"
	"github.com/unbracketed/prunejuice/internal/events"
	"github.com/unbracketed/prunejuice/internal/executor"
	"github.com/unbracketed/prunejuice/internal/migrate"
	"github.com/unbracketed/prunejuice/internal/repo"
	"github.com/unbracketed/prunejuice/internal/server"
	"github.com/unbracketed/prunejuice/internal/workspace"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "prj",
	Short: "PruneJuice SDLC workflow tool",
	Long: `PruneJuice keeps day-to-day development workflow in one place:
- Projects: a directory registered in a local SQLite database under .prj/.
- Workspaces: isolated working areas backed by git worktrees.
- Commands: YAML-declared multi-step workflows run with 'prj run'.
- Events: an audit trail of everything the tool did.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if viper.GetBool("verbose") {
			cfg = zap.NewDevelopmentConfig()
			cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		}
		l, err := cfg.Build()
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PRUNEJUICE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("path", "p", "", "project directory (defaults to cwd)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose logging")
	_ = viper.BindPFlag("path", rootCmd.PersistentFlags().Lookup("path"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(createWorkspaceCmd())
	rootCmd.AddCommand(listWorkspacesCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(listCommandsCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [name]",
		Short: "Initialize a project in the current directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) > 0 {
				name = args[0]
			}
			conn, abs, settings, err := app.OpenUninitialized(viper.GetString("path"))
			if err != nil {
				return err
			}
			defer conn.Close()
			svc := workspace.New(conn, settings, logger)
			p, err := svc.Init(cmd.Context(), abs, name)
			if err != nil {
				return err
			}
			if !viper.GetBool("json") {
				fmt.Printf("Initialized project %s at %s\n", p.Name, p.Path)
			}
			return printJSONOrTable(p)
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env app.Env) error {
				workspaces, err := env.Repo.ListWorkspaces(ctx, env.Project.ID)
				if err != nil {
					return err
				}
				recent, err := env.Repo.ListExecutions(ctx, repo.ExecutionFilters{ProjectPath: env.Project.Path, Limit: 5})
				if err != nil {
					return err
				}
				active, err := env.Repo.ActiveExecutions(ctx, env.Project.Path)
				if err != nil {
					return err
				}
				version, err := migrate.Version(env.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"project":           env.Project,
						"schema_version":    version,
						"workspaces":        workspaces,
						"recent_executions": recent,
						"active_executions": active,
					})
				}
				fmt.Printf("Project: %s (%s)\n", env.Project.Name, env.Project.Path)
				if env.Project.GitOrigin != "" {
					fmt.Printf("Origin:  %s\n", env.Project.GitOrigin)
				}
				fmt.Printf("Schema:  v%d\n", version)
				fmt.Printf("Workspaces: %d  Active runs: %d\n", len(workspaces), len(active))
				if len(recent) > 0 {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Command", "Session", "Status", "Started"})
					for _, e := range recent {
						tw.AppendRow(table.Row{e.Command, e.SessionID, e.Status, e.StartTime})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
	return cmd
}

func createWorkspaceCmd() *cobra.Command {
	var branchName, baseBranch string
	cmd := &cobra.Command{
		Use:   "create-workspace <name>",
		Short: "Create a workspace backed by a git worktree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env app.Env) error {
				svc := workspace.New(env.DB, env.Settings, logger)
				w, err := svc.Create(ctx, env.Project, args[0], branchName, baseBranch)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&branchName, "branch-name", "", "branch for the worktree (defaults to the slug)")
	cmd.Flags().StringVar(&baseBranch, "base-branch", "", "base branch the worktree starts from")
	return cmd
}

func listWorkspacesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list-workspaces",
		Short: "List workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env app.Env) error {
				items, err := env.Repo.ListWorkspaces(ctx, env.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Slug", "Branch", "Path", "Created"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.Name, w.Slug, w.Branch, w.Path, w.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func eventsCmd() *cobra.Command {
	var workspaceSlug string
	var n int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the lifecycle event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env app.Env) error {
				var workspaceID int64
				if workspaceSlug != "" {
					w, err := env.Repo.GetWorkspaceBySlug(ctx, env.Project.ID, workspaceSlug)
					if err != nil {
						return fmt.Errorf("workspace %q: %w", workspaceSlug, err)
					}
					workspaceID = w.ID
				}
				svc := events.Service{DB: env.DB}
				items, err := svc.List(ctx, env.Project.ID, workspaceID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Action", "Status", "Details"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.Timestamp, e.Action, e.Status, e.Details})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workspaceSlug, "workspace", "", "filter by workspace slug")
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func runCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run <command> [key=value ...]",
		Short: "Run a YAML-defined command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdArgs, err := parseKeyValues(args[1:])
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env app.Env) error {
				store := commands.NewStore(env.Project.Path, logger)
				store.Sync(ctx, env.Repo, time.Now())
				ex := executor.New(env.DB, env.Project, env.Settings, store, logger)
				report := ex.Execute(ctx, executor.Options{
					Command: args[0],
					Args:    cmdArgs,
					DryRun:  dryRun,
				})
				if viper.GetBool("json") {
					if err := printJSON(report); err != nil {
						return err
					}
				} else {
					printReport(report)
				}
				if !report.Success {
					return fmt.Errorf("command %s failed: %s", report.Command, report.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the step plan without running anything")
	return cmd
}

func printReport(r executor.Report) {
	if r.DryRun {
		fmt.Printf("Dry run for %s:\n", r.Command)
		for _, s := range r.PlannedSteps {
			fmt.Printf("  %s\n", s)
		}
		return
	}
	for _, s := range r.Steps {
		status := "ok"
		if !s.OK {
			status = "FAILED"
		}
		label := s.Name
		if s.Cleanup {
			label += " (cleanup)"
		}
		fmt.Printf("  [%s] %s (%s)\n", status, label, s.Duration.Round(time.Millisecond))
	}
	if r.Success {
		fmt.Printf("Completed %s, session %s\n", r.Command, r.SessionID)
		fmt.Printf("Artifacts: %s\n", r.ArtifactsPath)
	}
}

func listCommandsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list-commands",
		Short: "List available commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env app.Env) error {
				store := commands.NewStore(env.Project.Path, logger)
				store.Sync(ctx, env.Repo, time.Now())
				defs := store.All()
				if viper.GetBool("json") {
					return printJSON(defs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				if viper.GetBool("verbose") {
					tw.AppendHeader(table.Row{"Name", "Category", "Steps", "Source", "Description"})
					for _, d := range defs {
						tw.AppendRow(table.Row{d.Name, d.Category, len(d.Steps), d.Source, d.Description})
					}
				} else {
					tw.AppendHeader(table.Row{"Name", "Description"})
					for _, d := range defs {
						tw.AppendRow(table.Row{d.Name, d.Description})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func cleanupCmd() *cobra.Command {
	var days int
	var yes bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove old sessions and execution records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env app.Env) error {
				if !yes {
					ok, err := confirm(fmt.Sprintf("Remove sessions and records older than %d day(s)?", days))
					if err != nil {
						return err
					}
					if !ok {
						fmt.Println("aborted")
						return nil
					}
				}
				store := artifacts.Store{Root: env.Settings.ArtifactsDir}
				removed, err := store.CleanupOld(days)
				if err != nil {
					return err
				}
				cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour).UTC().Format(time.RFC3339Nano)
				execs, err := env.Repo.DeleteExecutionsBefore(ctx, cutoff)
				if err != nil {
					return err
				}
				evts, err := env.Repo.DeleteEventsBefore(ctx, cutoff)
				if err != nil {
					return err
				}
				out := map[string]any{
					"removed_sessions":   len(removed),
					"removed_executions": execs,
					"removed_events":     evts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Removed %d session dir(s), %d execution(s), %d event(s)\n", len(removed), execs, evts)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "remove data older than this many days")
	cmd.Flags().BoolVar(&yes, "yes", false, "skip confirmation")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env app.Env) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("PRUNEJUICE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("PRUNEJUICE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					DB:       env.DB,
					Project:  env.Project,
					Settings: env.Settings,
					BasePath: basePath,
					Auth:     authCfg,
					Log:      logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving PruneJuice API on http://%s%s (OpenAPI at /openapi.json)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8420", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEnv(ctx context.Context, fn func(context.Context, app.Env) error) error {
	env, err := app.ResolveProject(ctx, viper.GetString("path"))
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

// parseKeyValues turns ["k=v", ...] into a map, rejecting malformed
// entries before any step runs.
func parseKeyValues(args []string) (map[string]string, error) {
	out := map[string]string{}
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid argument %q: expected key=value", a)
		}
		if _, dup := out[k]; dup {
			return nil, fmt.Errorf("duplicate argument %q", k)
		}
		out[k] = v
	}
	return out, nil
}

func confirm(prompt string) (bool, error) {
	reader := bufio.NewReader(os.Stdin)
	fmt.Printf("%s [y/N]: ", prompt)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
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
