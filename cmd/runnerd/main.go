package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/rzbill/runnerd/internal/config"
	"github.com/rzbill/runnerd/pkg/credential"
	"github.com/rzbill/runnerd/pkg/log"
	"github.com/rzbill/runnerd/pkg/orchestrator"
	"github.com/rzbill/runnerd/pkg/store"
	"github.com/rzbill/runnerd/pkg/supervisor"
	"github.com/rzbill/runnerd/pkg/types"
	"github.com/rzbill/runnerd/pkg/version"
	"github.com/rzbill/runnerd/pkg/workspace"
)

var (
	configFile = flag.String("config", "", "Configuration file path")
	runnersDir = flag.String("runners-dir", "", "Directory of runner definition files (overrides config)")
	logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat  = flag.String("log-format", "", "Log format (text, json)")
	showVer    = flag.Bool("version", false, "Show version")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println(version.Info())
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "runnerd: %v\n", err)
		os.Exit(1)
	}
	if *runnersDir != "" {
		cfg.RunnersDir = *runnersDir
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	logger := log.NewLogger(
		log.WithLevel(log.ParseLevel(cfg.Log.Level)),
		log.WithFormatter(log.NewFormatter(cfg.Log.Format)),
	)

	os.Exit(run(cfg, logger))
}

func run(cfg *config.Config, logger log.Logger) int {
	logger.Info("Starting runnerd", log.Str("version", version.Version))

	definitions, err := config.LoadRunners(cfg.RunnersDir)
	if err != nil {
		logger.Error("Failed to load runner definitions", log.Err(err))
		return 1
	}
	if len(definitions) == 0 {
		logger.Warn("No runner definitions found", log.Str("dir", cfg.RunnersDir))
		return 0
	}

	journal := store.NewHistoryStore(store.WithLogger(logger))
	if err := journal.Open(cfg.DataDir); err != nil {
		logger.Error("Failed to open run-history journal", log.Err(err))
		return 1
	}
	defer journal.Close()

	workspaces := workspace.NewManager(
		workspace.WithRoots(cfg.WorkRoot, cfg.StateRoot, cfg.LogRoot),
		workspace.WithLogger(logger),
	)
	resolver := credential.NewResolver(
		credential.WithLogger(logger),
		credential.WithMintTimeout(cfg.Timeouts.Mint),
	)

	orch := orchestrator.New(definitions,
		orchestrator.WithLogger(logger),
		orchestrator.WithFactory(func(def *types.RunnerDefinition) orchestrator.CycleRunner {
			return supervisor.New(def,
				supervisor.WithWorkspaces(workspaces),
				supervisor.WithResolver(resolver),
				supervisor.WithJournal(journal),
				supervisor.WithLogger(logger),
				supervisor.WithStopTimeout(cfg.Timeouts.Stop),
				supervisor.WithConfigureTimeout(cfg.Timeouts.Configure),
			)
		}),
	)

	// An unsatisfiable set fails before any runner starts.
	if err := orch.Validate(); err != nil {
		logger.Error("Runner set is unsatisfiable", log.Err(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.ReconcileSchedule == "" {
		return reconcileOnce(ctx, orch, logger)
	}
	return reconcileOnSchedule(ctx, orch, cfg.ReconcileSchedule, logger)
}

// reconcileOnce runs a single reconciliation pass. The exit code hands the
// restart decision to the external service supervisor: 0 asks for a restart
// (ephemeral completion) or signals a clean run, 1 reports failures.
func reconcileOnce(ctx context.Context, orch *orchestrator.Orchestrator, logger log.Logger) int {
	report, err := orch.Reconcile(ctx)
	if err != nil {
		logger.Error("Reconciliation aborted", log.Err(err))
		return 1
	}
	return exitCode(report, logger)
}

// reconcileOnSchedule keeps the daemon alive and re-runs reconciliation on
// the configured cron schedule, restarting runners whose previous cycle has
// finished. Active runners are skipped, not doubled.
func reconcileOnSchedule(ctx context.Context, orch *orchestrator.Orchestrator, schedule string, logger log.Logger) int {
	pass := func() {
		report, err := orch.Reconcile(ctx)
		if err != nil {
			logger.Error("Reconciliation aborted", log.Err(err))
			return
		}
		exitCode(report, logger)
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(schedule, pass); err != nil {
		logger.Error("Invalid reconcile schedule", log.Str("schedule", schedule), log.Err(err))
		return 1
	}

	go pass()
	scheduler.Start()
	defer scheduler.Stop()

	<-ctx.Done()
	logger.Info("Shutting down runnerd")
	return 0
}

func exitCode(report *orchestrator.Report, logger log.Logger) int {
	restart := false
	for _, outcome := range report.Outcomes {
		switch {
		case outcome.Err != nil:
			logger.Error("Runner finished with error",
				log.Str("runner", outcome.Name), log.Err(outcome.Err))
		case outcome.Result.Outcome == supervisor.OutcomeRestartRequested:
			logger.Info("Runner requests clean restart", log.Str("runner", outcome.Name))
			restart = true
		default:
			logger.Info("Runner finished",
				log.Str("runner", outcome.Name),
				log.Int("exit_code", outcome.Result.ExitCode))
		}
	}

	failed := len(report.Failed())
	if failed > 0 && restart {
		// The restart request wins the single exit code; the failures stay
		// visible here and in the journal.
		logger.Warn("Requesting restart despite runner failures",
			log.Int("failed", failed))
	}
	if failed > 0 && !restart {
		return 1
	}
	return 0
}
