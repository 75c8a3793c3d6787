// Package config collects the engine's environment-driven settings into one
// plain struct, populated with the same getEnvDefault idiom
// services/orchestrator/task_executor.go and plugins.go use.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// Config holds everything the top-level runner and its daemon wrapper need
// that isn't part of a specific run's job graph.
type Config struct {
	// HistoryPath is the bbolt file C1 loads from and saves to.
	HistoryPath string
	// RunDir is where C6 places per-job scratch stdout/stderr files.
	RunDir string
	// Cores is the execution backend's resource-pool capacity. A
	// configured value of 0 means ALL_CORES: host-detected count.
	Cores int
	// RaiseOnJobError mirrors spec.md §4.7's raise_on_job_error: when true,
	// any Failed status after a run turns into a returned RunFailed error
	// instead of a silently observable failure in the status map.
	RaiseOnJobError bool
	// JobDefsDir is the directory cmd/pipegraphd's fsnotify watcher
	// observes for a supplemental definition-reload trigger.
	JobDefsDir string
	// CronSchedule is the cron expression cmd/pipegraphd's scheduled
	// runner uses to re-invoke the top-level runner. Empty disables it.
	CronSchedule string
	// ServiceName tags logs, traces and metrics.
	ServiceName string
}

// FromEnv populates a Config from the process environment, applying the
// same defaults a bare `pipegraphd` invocation with no configuration would
// need to still run.
func FromEnv() (Config, error) {
	cores, err := envInt("PIPEGRAPH_CORES", 0)
	if err != nil {
		return Config{}, err
	}
	if cores == 0 {
		cores = runtime.NumCPU()
	}
	raiseOnError, err := envBool("PIPEGRAPH_RAISE_ON_JOB_ERROR", true)
	if err != nil {
		return Config{}, err
	}

	return Config{
		HistoryPath:     getEnvDefault("PIPEGRAPH_HISTORY_PATH", "pipegraph-history.bolt"),
		RunDir:          getEnvDefault("PIPEGRAPH_RUN_DIR", "pipegraph-run"),
		Cores:           cores,
		RaiseOnJobError: raiseOnError,
		JobDefsDir:      getEnvDefault("PIPEGRAPH_JOB_DEFS_DIR", "pipegraph-job-defs"),
		CronSchedule:    getEnvDefault("PIPEGRAPH_CRON_SCHEDULE", ""),
		ServiceName:     getEnvDefault("PIPEGRAPH_SERVICE_NAME", "pipegraphd"),
	}, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
