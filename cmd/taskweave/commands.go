package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskweave/internal/bus"
	"github.com/basket/taskweave/internal/config"
	"github.com/basket/taskweave/internal/cron"
	"github.com/basket/taskweave/internal/gateway"
	"github.com/basket/taskweave/internal/orchestrator"
	"github.com/basket/taskweave/internal/plan"
	"github.com/basket/taskweave/internal/tui"
)

func cmdPlanImport(ctx context.Context, a *app, path string) error {
	doc, err := plan.ParseFile(path)
	if err != nil {
		return err
	}
	planID, err := plan.Import(ctx, a.store, doc)
	if err != nil {
		return err
	}
	fmt.Printf("imported plan %q with %d tasks\nplan id: %s\n", doc.Name, len(doc.Tasks), planID)
	return nil
}

func cmdRun(ctx context.Context, a *app, planID string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A SIGINT aborts the queue instead of killing the process outright,
	// so in-flight runs get cancelled and worktrees torn down.
	go func() {
		<-ctx.Done()
		_ = a.orch.AbortQueue(context.Background(), planID)
	}()

	err := a.orch.RunAll(context.Background(), planID)
	if errors.Is(err, orchestrator.ErrQueueAborted) {
		fmt.Println("queue aborted")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Println("queue completed")
	return nil
}

func cmdNext(ctx context.Context, a *app, planID string) error {
	run, err := a.orch.RunNext(ctx, planID)
	if err != nil {
		return err
	}
	fmt.Printf("run %s finished: %s\n", run.ID, run.Status)
	if run.Result != "" {
		fmt.Println(run.Result)
	}
	return nil
}

func cmdCancel(ctx context.Context, a *app, runID string) error {
	if err := a.orch.CancelRun(ctx, runID); err != nil {
		return err
	}
	fmt.Println("run cancelled:", runID)
	return nil
}

func cmdAbort(ctx context.Context, a *app, planID string) error {
	if err := a.orch.AbortQueue(ctx, planID); err != nil {
		return err
	}
	fmt.Println("queue aborted:", planID)
	return nil
}

func cmdRetry(ctx context.Context, a *app, taskID string) error {
	run, err := a.orch.RetryTask(ctx, taskID)
	if err != nil {
		return err
	}
	fmt.Printf("retry run %s finished: %s (attempt %d)\n", run.ID, run.Status, run.RetryOrdinal)
	return nil
}

func cmdSkip(ctx context.Context, a *app, taskID string) error {
	if err := a.orch.SkipTask(ctx, taskID); err != nil {
		return err
	}
	fmt.Println("task skipped:", taskID)
	return nil
}

// cmdWatch connects to the daemon's websocket stream and republishes its
// frames onto an in-process bus for the TUI.
func cmdWatch(ctx context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, "ws://"+a.cfg.BindAddr+"/ws", nil)
	cancel()
	if err != nil {
		return fmt.Errorf("connect to daemon at %s (is `taskweave serve` running?): %w", a.cfg.BindAddr, err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	go func() {
		for {
			var frame struct {
				Topic   string          `json:"topic"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := wsjson.Read(ctx, conn, &frame); err != nil {
				return
			}
			a.bus.Publish(frame.Topic, decodeFrame(frame.Topic, frame.Payload))
		}
	}()

	return tui.Run(ctx, a.bus)
}

// decodeFrame restores the typed bus payload from its JSON form so the TUI
// renders daemon events the same as local ones.
func decodeFrame(topic string, raw json.RawMessage) interface{} {
	switch {
	case topic == bus.TopicRunLog:
		var ev bus.RunLogEvent
		if json.Unmarshal(raw, &ev) == nil {
			return ev
		}
	case strings.HasPrefix(topic, "run."):
		var ev bus.RunEvent
		if json.Unmarshal(raw, &ev) == nil {
			return ev
		}
	case strings.HasPrefix(topic, "queue."):
		var ev bus.QueueEvent
		if json.Unmarshal(raw, &ev) == nil {
			return ev
		}
	}
	return string(raw)
}

func cmdServe(ctx context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if recovered, err := a.orch.RecoverStaleRuns(ctx); err != nil {
		a.logger.Error("startup stale-run sweep failed", "error", err)
	} else if recovered > 0 {
		a.logger.Info("startup stale-run sweep", "recovered", recovered)
	}

	sweeper, err := cron.NewScheduler(cron.Config{
		Sweeper:  a.orch,
		Schedule: a.cfg.Queue.SweepSchedule,
		Logger:   a.logger,
	})
	if err != nil {
		return fmt.Errorf("sweep schedule: %w", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	watcher := config.NewWatcher(a.cfg.HomeDir, a.logger)
	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				a.logger.Info("config changed on disk; restart to apply")
			}
		}()
	}

	srv := gateway.NewServer(gateway.Config{
		BindAddr: a.cfg.BindAddr,
		Store:    a.store,
		Bus:      a.bus,
		Logger:   a.logger,
	})
	return srv.Start(ctx)
}
