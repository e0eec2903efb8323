package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/apexhq/apex/pkg/client"
	"github.com/apexhq/apex/pkg/config"
	"github.com/apexhq/apex/pkg/daemon"
	"github.com/apexhq/apex/pkg/log"
	"github.com/apexhq/apex/pkg/metrics"
	"github.com/apexhq/apex/pkg/runner"
	"github.com/apexhq/apex/pkg/store"
	"github.com/apexhq/apex/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "apex",
	Short: "Apex - autonomous task orchestration daemon",
	Long: `Apex is a single-host daemon that drives a queue of long-running
tasks through multi-stage workflows: priority scheduling with dependencies,
token and cost budgets with pause/resume, durable checkpoints, and recovery
across restarts.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Apex version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("project", ".", "Project directory")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(gateCmd)
	rootCmd.AddCommand(statusCmd)
}

// projectDir resolves the --project flag to an absolute path.
func projectDir(cmd *cobra.Command) (string, error) {
	dir, _ := cmd.Flags().GetString("project")
	return filepath.Abs(dir)
}

// openStore opens the project's task database directly. The CLI is a
// single-host tool; reads and writes go to the same file the daemon uses.
func openStore(cmd *cobra.Command) (*store.Store, string, error) {
	project, err := projectDir(cmd)
	if err != nil {
		return nil, "", err
	}
	dataDir := filepath.Join(project, ".apex")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, "", err
	}
	s, err := store.Open(dataDir)
	if err != nil {
		return nil, "", err
	}
	return s, project, nil
}

func loadConfig(cmd *cobra.Command, project string) *config.Config {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = filepath.Join(project, ".apex", "config.yaml")
	}
	return config.Load(path)
}

// Daemon commands

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the orchestration daemon",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := projectDir(cmd)
		if err != nil {
			return err
		}
		cfg := loadConfig(cmd, project)

		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		debug, _ := cmd.Flags().GetBool("debug")
		level := log.InfoLevel
		if debug {
			level = log.DebugLevel
		}
		log.Init(log.Config{Level: level, JSONOutput: jsonLogs})
		metrics.SetVersion(Version)

		executor := runner.NewCommandExecutor(cfg.Daemon.Executor)
		d, err := daemon.New(project, cfg, executor, Version)
		if err != nil {
			return err
		}

		if err := d.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
		fmt.Printf("Apex daemon running on %s (project %s). Press Ctrl+C to stop.\n",
			cfg.Daemon.ListenAddr, project)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		if err := d.Stop(); err != nil {
			return fmt.Errorf("failed to stop daemon: %w", err)
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	daemonCmd.AddCommand(daemonStartCmd)
	daemonStartCmd.Flags().String("config", "", "Config file (default <project>/.apex/config.yaml)")
	daemonStartCmd.Flags().Bool("json-logs", false, "Log JSON instead of console output")
	daemonStartCmd.Flags().Bool("debug", false, "Enable debug logging")
}

// Task commands

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create TITLE",
	Short: "Create a new task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, project, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		description, _ := cmd.Flags().GetString("description")
		workflow, _ := cmd.Flags().GetString("workflow")
		priority, _ := cmd.Flags().GetString("priority")
		effort, _ := cmd.Flags().GetString("effort")
		parent, _ := cmd.Flags().GetString("parent")
		dependsOn, _ := cmd.Flags().GetStringSlice("depends-on")

		task, err := s.CreateTask(cmd.Context(), &types.Task{
			ProjectPath:  project,
			Title:        args[0],
			Description:  description,
			Workflow:     workflow,
			Priority:     types.TaskPriority(priority),
			Effort:       types.TaskEffort(effort),
			ParentTaskID: parent,
			DependsOn:    dependsOn,
		})
		if err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}
		fmt.Printf("✓ Task created: %s\n", task.ID)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		status, _ := cmd.Flags().GetString("status")
		tasks, err := s.ListTasks(cmd.Context(), store.TaskFilter{
			Status:          types.TaskStatus(status),
			OrderByPriority: true,
		})
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tPRIORITY\tSTAGE\tCREATED")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				shortID(t.ID), truncate(t.Title, 40), t.Status, t.Priority,
				t.CurrentStage, t.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one task as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		task, err := s.GetTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(task, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		task, err := s.GetTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			return fmt.Errorf("task %s is already %s", shortID(task.ID), task.Status)
		}
		if err := s.UpdateTaskStatus(cmd.Context(), task.ID, types.TaskStatusCancelled, "", "cancelled by operator"); err != nil {
			return err
		}
		fmt.Printf("✓ Task %s cancelled\n", shortID(task.ID))
		return nil
	},
}

var taskResumeCmd = &cobra.Command{
	Use:   "resume ID",
	Short: "Manually resume a paused task",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("task id required")
		}
		s, _, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		task, err := s.GetTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if task.Status != types.TaskStatusPaused {
			return fmt.Errorf("task %s is %s, not paused", shortID(task.ID), task.Status)
		}
		// Manual resume bypasses the attempt cap but still counts.
		attempts := task.ResumeAttempts + 1
		if err := s.UpdateTask(cmd.Context(), task.ID, store.TaskUpdate{ResumeAttempts: &attempts}); err != nil {
			return err
		}
		if err := s.UpdateTaskStatus(cmd.Context(), task.ID, types.TaskStatusPending, "", ""); err != nil {
			return err
		}
		fmt.Printf("✓ Task %s queued for resume\n", shortID(task.ID))
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskResumeCmd)

	taskCreateCmd.Flags().String("description", "", "Task description")
	taskCreateCmd.Flags().String("workflow", "feature", "Workflow name")
	taskCreateCmd.Flags().String("priority", "normal", "Priority (urgent|high|normal|low)")
	taskCreateCmd.Flags().String("effort", "medium", "Effort estimate (xs|small|medium|large|xl)")
	taskCreateCmd.Flags().String("parent", "", "Parent task ID")
	taskCreateCmd.Flags().StringSlice("depends-on", nil, "Task IDs this task waits for")

	taskListCmd.Flags().String("status", "", "Filter by status")
}

// Gate commands

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Manage approval gates",
}

var gateApproveCmd = &cobra.Command{
	Use:   "approve TASK_ID GATE",
	Short: "Approve a gate",
	Args:  cobra.ExactArgs(2),
	RunE:  func(cmd *cobra.Command, args []string) error { return respondGate(cmd, args, true) },
}

var gateRejectCmd = &cobra.Command{
	Use:   "reject TASK_ID GATE",
	Short: "Reject a gate",
	Args:  cobra.ExactArgs(2),
	RunE:  func(cmd *cobra.Command, args []string) error { return respondGate(cmd, args, false) },
}

func respondGate(cmd *cobra.Command, args []string, approve bool) error {
	s, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	approver, _ := cmd.Flags().GetString("approver")
	comment, _ := cmd.Flags().GetString("comment")
	if approve {
		err = s.ApproveGate(cmd.Context(), args[0], args[1], approver, comment)
	} else {
		err = s.RejectGate(cmd.Context(), args[0], args[1], approver, comment)
	}
	if err != nil {
		return err
	}
	verdict := "approved"
	if !approve {
		verdict = "rejected"
	}
	fmt.Printf("✓ Gate %s %s\n", args[1], verdict)
	return nil
}

var gateListCmd = &cobra.Command{
	Use:   "list [TASK_ID]",
	Short: "List gates, pending ones by default",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		var gates []*types.Gate
		if len(args) == 1 {
			gates, err = s.ListGates(cmd.Context(), args[0])
		} else {
			gates, err = s.ListPendingGates(cmd.Context())
		}
		if err != nil {
			return err
		}
		if len(gates) == 0 {
			fmt.Println("No gates found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tGATE\tSTATUS\tREQUIRED\tAPPROVER")
		for _, g := range gates {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				shortID(g.TaskID), g.Name, g.Status,
				g.RequiredAt.Local().Format("2006-01-02 15:04"), g.Approver)
		}
		return w.Flush()
	},
}

func init() {
	gateCmd.AddCommand(gateApproveCmd)
	gateCmd.AddCommand(gateRejectCmd)
	gateCmd.AddCommand(gateListCmd)

	for _, c := range []*cobra.Command{gateApproveCmd, gateRejectCmd} {
		c.Flags().String("approver", "", "Who is answering")
		c.Flags().String("comment", "", "Optional comment")
	}
}

// Status command

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := projectDir(cmd)
		if err != nil {
			return err
		}
		cfg := loadConfig(cmd, project)

		// Prefer the live daemon; fall back to reading the database.
		if st, err := client.New(cfg.Daemon.ListenAddr).Status(cmd.Context()); err == nil {
			data, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		s, _, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		counts, err := s.CountTasksByStatus(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println("Daemon: not running")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STATUS\tCOUNT")
		for _, status := range []types.TaskStatus{
			types.TaskStatusPending, types.TaskStatusInProgress, types.TaskStatusPaused,
			types.TaskStatusCompleted, types.TaskStatusFailed, types.TaskStatusCancelled,
		} {
			if n := counts[status]; n > 0 {
				fmt.Fprintf(w, "%s\t%d\n", status, n)
			}
		}
		return w.Flush()
	},
}

func init() {
	statusCmd.Flags().String("config", "", "Config file (default <project>/.apex/config.yaml)")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n-1]) + "…"
}
