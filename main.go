package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"conductor/config"
	"conductor/dashboard"
	"conductor/engine"
	"conductor/log"
	"conductor/taskfile"
)

var version = "1.0.0"

var (
	taskFilePath  string
	workerCount   int
	strategyFlag  string
	noAutoscale   bool
	showDashboard bool
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Parallel task execution and coordination engine",
	Long: `Conductor runs a dependency-aware task graph across a bounded pool of
workers, with resource locking, failure recovery, and adaptive scaling.
Task payloads are executed as shell commands.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTasks()
	},
}

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Suggest a scheduling strategy for a task file",
	RunE: func(cmd *cobra.Command, args []string) error {
		specs, err := taskfile.Load(taskFilePath)
		if err != nil {
			return err
		}
		eng, err := buildEngine(specs, config.LoadConfig())
		if err != nil {
			return err
		}
		defer eng.Stop()
		fmt.Println(eng.RecommendStrategy())
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("conductor version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&taskFilePath, "task-file", "f", "tasks.yaml", "YAML file defining the tasks to run")
	rootCmd.Flags().IntVarP(&workerCount, "workers", "w", 0, "worker pool size (overrides config)")
	rootCmd.Flags().StringVarP(&strategyFlag, "strategy", "s", "", "scheduling strategy: fifo, priority, shortest_job, critical_path, round_robin, workload_balanced")
	rootCmd.Flags().BoolVar(&noAutoscale, "no-autoscale", false, "disable automatic pool sizing")
	rootCmd.Flags().BoolVarP(&showDashboard, "dashboard", "d", false, "render the live progress dashboard")
	rootCmd.AddCommand(recommendCmd, versionCmd)
}

// shellExecutor runs a task payload as a shell command. Cancellation and
// timeouts arrive through the context.
func shellExecutor(ctx context.Context, task *engine.Task) engine.Result {
	if strings.TrimSpace(task.Payload) == "" {
		return engine.Result{Success: true}
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", task.Payload)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return engine.Result{Success: false, Output: string(out), Err: err}
	}
	return engine.Result{Success: true, Output: string(out)}
}

func buildEngine(specs []engine.TaskSpec, cfg *config.Config) (*engine.Engine, error) {
	opts := engine.Options{
		Workers:          cfg.WorkerCount,
		MinWorkers:       cfg.MinWorkers,
		MaxWorkers:       cfg.MaxWorkers,
		Strategy:         cfg.SchedulingStrategy,
		AutoScaling:      cfg.AutoScaling,
		LockTimeout:      cfg.LockTimeout(),
		TaskTimeout:      cfg.TaskTimeout(),
		MaxRetries:       cfg.MaxRetries,
		SnapshotInterval: cfg.SnapshotInterval(),
		Execute:          shellExecutor,
	}
	if cfg.MaxRetries == 0 {
		// Config uses a literal zero for "never retry"; the engine needs the
		// sentinel since its zero means "use the default".
		opts.MaxRetries = engine.RetryNever
	}
	if workerCount > 0 {
		opts.Workers = workerCount
	}
	if strategyFlag != "" {
		opts.Strategy = strategyFlag
	}
	if noAutoscale {
		opts.AutoScaling = false
	}

	eng, err := engine.New(opts)
	if err != nil {
		return nil, err
	}
	if err := eng.Submit(specs); err != nil {
		eng.Stop()
		return nil, err
	}
	return eng, nil
}

func runTasks() error {
	specs, err := taskfile.Load(taskFilePath)
	if err != nil {
		return err
	}

	cfg := config.LoadConfig()
	eng, err := buildEngine(specs, cfg)
	if err != nil {
		return err
	}
	defer eng.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	if showDashboard || cfg.DashboardEnabled {
		if err := dashboard.Run(eng); err != nil {
			return err
		}
	} else {
		events, cancel := eng.Events()
		go func() {
			for ev := range events {
				if ev.TaskID != "" {
					fmt.Printf("%s %s %s\n", ev.At.Format(time.TimeOnly), ev.Type, ev.TaskID)
				}
			}
		}()
		defer cancel()

		if err := eng.Wait(ctx); err != nil {
			return err
		}
	}

	report := eng.Status()
	fmt.Printf("\n%d succeeded, %d failed, %d blocked, %d cancelled\n",
		report.Succeeded, report.Failed, report.Blocked, report.Cancelled)
	if report.Failed > 0 || report.Blocked > 0 {
		return fmt.Errorf("%d tasks did not succeed", report.Failed+report.Blocked)
	}
	return nil
}

func main() {
	log.Initialize()
	defer log.Close()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
