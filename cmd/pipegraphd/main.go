// Command pipegraphd is the daemon wrapper around internal/pipegraph's
// Top-Level Runner: it re-invokes Run on a cron schedule and whenever its
// job-definitions directory changes, modeled on
// services/orchestrator/scheduler.go's AddSchedule/executeScheduledWorkflow
// and policy-service/main.go's fsnotify-debounced reload respectively.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/pipegraph/pipegraph/internal/config"
	"github.com/pipegraph/pipegraph/internal/exec"
	"github.com/pipegraph/pipegraph/internal/history"
	"github.com/pipegraph/pipegraph/internal/obs/logging"
	"github.com/pipegraph/pipegraph/internal/obs/otelinit"
	"github.com/pipegraph/pipegraph/internal/pipegraph"
)

func main() {
	// A re-exec'd isolated child must be intercepted before any other
	// startup work runs — in particular before this process touches the
	// history file or binds the cron scheduler a second time.
	if exec.RunChild(childRegistry()) {
		return
	}

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logging.Init(cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer := otelinit.InitTracer(ctx, cfg.ServiceName)
	meter, shutdownMeter := otelinit.InitMetrics(ctx, cfg.ServiceName)
	defer otelinit.Flush(context.Background(), shutdownTracer)
	defer otelinit.Flush(context.Background(), shutdownMeter)

	store, err := history.Open(cfg.HistoryPath, meter)
	if err != nil {
		slog.Error("open history store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	backend, err := exec.NewBackend(exec.Options{
		Capacity: cfg.Cores,
		RunDir:   cfg.RunDir,
		Registry: registryFor(cfg),
		Meter:    meter,
	})
	if err != nil {
		slog.Error("build execution backend", "error", err)
		os.Exit(1)
	}

	runner := pipegraph.New(pipegraph.Options{
		History: store,
		Backend: backend,
		Config:  cfg,
		Meter:   meter,
	})

	outDir := filepath.Join(cfg.RunDir, "out")
	runOnce := func(reason string) {
		dag, jobs, err := buildGraph(cfg.JobDefsDir, outDir)
		if err != nil {
			slog.Error("build graph", "reason", reason, "error", err)
			return
		}
		result, err := runner.Run(ctx, dag, jobs)
		if err != nil {
			slog.Warn("run finished with failures", "reason", reason, "error", err)
			return
		}
		slog.Info("run finished", "reason", reason, "run_id", result.RunID,
			"success", result.Stats.Success, "skipped", result.Stats.Skipped)
	}

	c := cron.New(cron.WithSeconds())
	if cfg.CronSchedule != "" {
		if _, err := c.AddFunc(cfg.CronSchedule, func() { runOnce("cron") }); err != nil {
			slog.Error("add cron schedule", "schedule", cfg.CronSchedule, "error", err)
			os.Exit(1)
		}
		c.Start()
		defer c.Stop()
	}

	go watchDefs(ctx, cfg.JobDefsDir, func() { runOnce("definitions changed") })
	runOnce("startup")

	<-ctx.Done()
	slog.Info("shutting down", "reason", ctx.Err())
	runner.Cancel("process shutdown")
}

// childRegistry and registryFor both build the same job set from the same
// config-derived directories so an isolated child process, re-exec'd with
// only its job id and the IPC pipe to go on, can look itself up — see
// internal/exec.RunChild's doc comment.
func childRegistry() *exec.Registry {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("load config for child registry", "error", err)
		os.Exit(1)
	}
	return registryFor(cfg)
}

func registryFor(cfg config.Config) *exec.Registry {
	outDir := filepath.Join(cfg.RunDir, "out")
	_, jobs, err := buildGraph(cfg.JobDefsDir, outDir)
	if err != nil {
		slog.Error("build graph for registry", "error", err)
		os.Exit(1)
	}
	return exec.NewRegistry(jobs)
}

// watchDefs debounces rapid filesystem events the same way
// policy-service/main.go's opaManager.Watch does: a 200ms timer reset on
// every event, fired once activity settles, rather than reacting to each
// individual write.
func watchDefs(ctx context.Context, dir string, onChange func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("watch job defs dir", "dir", dir, "error", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		slog.Error("watch job defs dir", "dir", dir, "error", err)
		return
	}

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events:
			if !ok {
				return
			}
			debounce.Reset(200 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("job defs watch error", "error", err)
		case <-debounce.C:
			onChange()
		}
	}
}
