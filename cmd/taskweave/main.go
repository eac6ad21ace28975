package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/basket/taskweave/internal/bus"
	"github.com/basket/taskweave/internal/config"
	"github.com/basket/taskweave/internal/notify"
	"github.com/basket/taskweave/internal/orchestrator"
	otelPkg "github.com/basket/taskweave/internal/otel"
	"github.com/basket/taskweave/internal/persistence"
	"github.com/basket/taskweave/internal/runner"
	"github.com/basket/taskweave/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [flags] <command> [args]

COMMANDS:
  plan import <file.yaml>   Create a plan and its tasks from a plan file
  run <plan-id>             Run the full queue for a plan
  next <plan-id>            Run the single next runnable task
  status [plan-id]          Show plans, tasks and runs
  cancel <run-id>           Cancel one run
  abort <plan-id>           Abort the running queue for a plan
  retry <task-id>           Retry a failed task
  skip <task-id>            Skip a failed task
  watch                     Live event tail (connects to the daemon)
  serve                     Run the daemon: gateway and stale-run sweeper
  version                   Print the version

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKWEAVE_HOME            Data directory (default: ~/.taskweave)
`)
}

func main() {
	var (
		homeFlag = flag.String("config", "", "config home directory (default: ~/.taskweave)")
		dbFlag   = flag.String("db", "", "override SQLite database path")
		repoFlag = flag.String("repo", "", "override target repository path")
	)
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	if args[0] == "version" {
		fmt.Println("taskweave", Version)
		return
	}

	ctx := context.Background()
	a, err := newApp(*homeFlag, *dbFlag, *repoFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "taskweave:", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := dispatch(ctx, a, args); err != nil {
		fmt.Fprintln(os.Stderr, "taskweave:", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, a *app, args []string) error {
	switch args[0] {
	case "plan":
		if len(args) < 3 || args[1] != "import" {
			return errors.New("usage: plan import <file.yaml>")
		}
		return cmdPlanImport(ctx, a, args[2])
	case "run":
		if len(args) < 2 {
			return errors.New("usage: run <plan-id>")
		}
		return cmdRun(ctx, a, args[1])
	case "next":
		if len(args) < 2 {
			return errors.New("usage: next <plan-id>")
		}
		return cmdNext(ctx, a, args[1])
	case "status":
		planID := ""
		if len(args) > 1 {
			planID = args[1]
		}
		return cmdStatus(ctx, a, planID)
	case "cancel":
		if len(args) < 2 {
			return errors.New("usage: cancel <run-id>")
		}
		return cmdCancel(ctx, a, args[1])
	case "abort":
		if len(args) < 2 {
			return errors.New("usage: abort <plan-id>")
		}
		return cmdAbort(ctx, a, args[1])
	case "retry":
		if len(args) < 2 {
			return errors.New("usage: retry <task-id>")
		}
		return cmdRetry(ctx, a, args[1])
	case "skip":
		if len(args) < 2 {
			return errors.New("usage: skip <task-id>")
		}
		return cmdSkip(ctx, a, args[1])
	case "watch":
		return cmdWatch(ctx, a)
	case "serve":
		return cmdServe(ctx, a)
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// app wires the process-wide dependencies.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	bus    *bus.Bus
	store  *persistence.Store
	orch   *orchestrator.Orchestrator
	otel   *otelPkg.Provider

	logCloser io.Closer
}

func newApp(homeDir, dbPath, repoPath string) (*app, error) {
	if homeDir == "" {
		homeDir = config.HomeDir()
	}
	cfg, err := config.LoadFrom(homeDir)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if repoPath != "" {
		cfg.RepoPath = repoPath
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		return nil, err
	}

	provider, err := otelPkg.Init(context.Background(), otelPkg.Config{
		Exporter: cfg.Otel.Exporter,
		Endpoint: cfg.Otel.Endpoint,
	})
	if err != nil {
		return nil, err
	}

	eventBus := bus.New()
	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		return nil, err
	}

	service, err := runner.NewCLIRunner(cfg.Runner.Command, logger)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(store, service, eventBus, buildNotifier(cfg, logger), logger, provider.Tracer, provider.Meter, orchestrator.Config{
		RepoPath:           cfg.RepoPath,
		BranchPrefix:       cfg.Queue.BranchPrefix,
		DisallowedTrailers: cfg.Queue.DisallowedTrailers,
		CancelTimeout:      cfg.CancelTimeout(),
		StaleRunMaxAge:     cfg.StaleRunMaxAge(),
		MaxRetries:         cfg.Queue.MaxRetries,
	})

	return &app{
		cfg:       cfg,
		logger:    logger,
		bus:       eventBus,
		store:     store,
		orch:      orch,
		otel:      provider,
		logCloser: logCloser,
	}, nil
}

func buildNotifier(cfg config.Config, logger *slog.Logger) notify.Notifier {
	var notifiers notify.Multi
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.Notify.WebhookURL, logger))
	}
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != 0 {
		tg, err := notify.NewTelegramNotifier(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, logger)
		if err != nil {
			logger.Warn("telegram notifier disabled", "error", err)
		} else {
			notifiers = append(notifiers, tg)
		}
	}
	if len(notifiers) == 0 {
		return nil
	}
	return notifiers
}

func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.otel != nil {
		_ = a.otel.Shutdown(context.Background())
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}
