// Command mergefsd is the daemon entrypoint: it loads the configuration
// documents, wires the merge pass pipeline together, and runs the
// supervisor until a termination signal arrives (spec §6).
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mergefsd/mergefsd/internal/circuit"
	"github.com/mergefsd/mergefsd/internal/config"
	"github.com/mergefsd/mergefsd/internal/daemon"
	"github.com/mergefsd/mergefsd/internal/discovery"
	"github.com/mergefsd/mergefsd/internal/equivalence"
	"github.com/mergefsd/mergefsd/internal/executor"
	"github.com/mergefsd/mergefsd/internal/metrics"
	"github.com/mergefsd/mergefsd/internal/mountcmd"
	"github.com/mergefsd/mergefsd/internal/normalize"
	"github.com/mergefsd/mergefsd/internal/orchestrator"
	"github.com/mergefsd/mergefsd/internal/planner"
	"github.com/mergefsd/mergefsd/internal/priority"
	"github.com/mergefsd/mergefsd/internal/readiness"
	"github.com/mergefsd/mergefsd/internal/reconcile"
	"github.com/mergefsd/mergefsd/internal/snapshot"
	"github.com/mergefsd/mergefsd/internal/stager"
	"github.com/mergefsd/mergefsd/internal/watch"
	"github.com/mergefsd/mergefsd/pkg/health"
	"github.com/mergefsd/mergefsd/pkg/memmon"
	"github.com/mergefsd/mergefsd/pkg/recovery"
	"github.com/mergefsd/mergefsd/pkg/status"
	"github.com/mergefsd/mergefsd/pkg/utils"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger, err := utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		return daemon.ExitGenericFailure
	}

	puid, pgid, err := parseIdentityEnv()
	if err != nil {
		logger.Error("invalid PUID/PGID environment", map[string]interface{}{"error": err.Error()})
		return daemon.ExitInvalidArgument
	}
	logger.Info("resolved runtime identity", map[string]interface{}{"puid": puid, "pgid": pgid})

	settingsPath := envOrDefault("ENTRYPOINT_SETTINGS_PATH", "/config/settings.yml")
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		logger.Error("failed to load settings", map[string]interface{}{"error": err.Error(), "path": settingsPath})
		return daemon.ExitGenericFailure
	}

	if err := checkFUSEPreconditions(); err != nil {
		logger.Error("FUSE environment precondition failed", map[string]interface{}{"error": err.Error()})
		return daemon.ExitEnvPrecondition
	}

	if level, err := utils.ParseLogLevel(settings.LogLevel); err != nil {
		logger.Warn("invalid log_level in settings, keeping default", map[string]interface{}{"log_level": settings.LogLevel, "error": err.Error()})
	} else {
		logger.SetLevel(level)
	}

	diagnosticsDir := filepath.Join(settings.StateRoot, "diagnostics")
	rotatingLogger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:         logger.GetLevel(),
		Format:        utils.FormatJSON,
		IncludeCaller: true,
		Rotation:      utils.DiagnosticsRotationConfig(settings.StateRoot, settings.MaxFileSizeMB, settings.RetainedFileCount),
	})
	if err != nil {
		logger.Error("failed to initialize rotating log file, continuing on stdout", map[string]interface{}{"error": err.Error()})
	} else {
		logger = rotatingLogger
	}
	defer func() { _ = logger.Close() }()

	configDir := filepath.Dir(settingsPath)
	equivDoc, err := config.LoadEquivalenceDocument(filepath.Join(configDir, "manga_equivalents.yml"))
	if err != nil {
		logger.Error("failed to load equivalence document", map[string]interface{}{"error": err.Error()})
		return daemon.ExitGenericFailure
	}
	sceneTags, err := config.LoadSceneTagPatterns(filepath.Join(configDir, "scene_tags.yml"))
	if err != nil {
		logger.Error("failed to load scene tag patterns", map[string]interface{}{"error": err.Error()})
		return daemon.ExitGenericFailure
	}
	priorityDoc, err := config.LoadSourcePriorityDocument(filepath.Join(configDir, "source_priority.yml"))
	if err != nil {
		logger.Error("failed to load source priority document", map[string]interface{}{"error": err.Error()})
		return daemon.ExitGenericFailure
	}

	normalizer := normalize.New(&normalize.Config{}, sceneTags)

	equivGroups := make([]equivalence.Group, 0, len(equivDoc.Groups))
	for _, g := range equivDoc.Groups {
		equivGroups = append(equivGroups, equivalence.Group{Canonical: g.Canonical, Aliases: g.Aliases})
	}
	equivService, err := equivalence.New(normalizer, equivGroups, equivDoc.ExpandSceneTags)
	if err != nil {
		logger.Error("equivalence table construction failed", map[string]interface{}{"error": err.Error()})
		return daemon.ExitGenericFailure
	}

	priorityService, err := priority.New(priorityDoc.Order)
	if err != nil {
		logger.Error("priority table construction failed", map[string]interface{}{"error": err.Error()})
		return daemon.ExitGenericFailure
	}

	excluded := make(map[string]bool, len(settings.ExcludedSources))
	for _, s := range settings.ExcludedSources {
		excluded[strings.ToLower(s)] = true
	}

	disc := discovery.New(settings.SourceRoots, settings.OverrideRoots)
	plan := planner.New(equivService, priorityService, planner.Config{MergedRoot: settings.MergedRoot, ExcludedSources: excluded})
	stage := stager.New(settings.BranchLinksRoot)
	exec := executor.New()
	snap := snapshot.New(exec, snapshot.Config{})
	mount := mountcmd.New(exec, stage, snap, mountcmd.Config{
		BaseOptions:              settings.BaseMountOptions,
		CleanupApplyHighPriority: settings.CleanupApplyHighPriority,
		IOClass:                  settings.IOClass,
		NiceValue:                settings.NiceValue,
		BusyRetryBudget:          settings.BusyRetryBudget,
		ReadinessTimeout:         settings.ReadinessTimeout,
		ExpectedFSTypeMarker:     settings.ExpectedFSTypeMarker,
		PathComparer:             reconcile.CaseSensitiveComparer,
	})

	breakers := circuit.NewManager(circuit.Config{
		ReadyToTrip: circuit.ConsecutiveFailureReadyToTrip(uint32(settings.MaxConsecutiveMountFailures)),
	})

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		DumpPath:  filepath.Join(settings.StateRoot, "metrics.prom"),
		Namespace: "mergefsd",
	})
	if err != nil {
		logger.Error("failed to initialize metrics collector", map[string]interface{}{"error": err.Error()})
		return daemon.ExitGenericFailure
	}

	healthTracker := health.NewTracker(health.DefaultConfig())
	for _, comp := range []string{"discovery", "planner", "stager", "snapshot", "mountcmd", "watcher"} {
		healthTracker.RegisterComponent(comp)
	}

	orch := orchestrator.New(disc, plan, stage, snap, mount, breakers, collector, healthTracker, logger, orchestrator.Config{
		MaxConsecutiveMountFailures: settings.MaxConsecutiveMountFailures,
		CleanupForeignOnStartup:     settings.CleanupForeignOnStartup,
		CleanupForeignOnShutdown:    settings.CleanupForeignOnShutdown,
		MergedRoot:                  settings.MergedRoot,
		PathComparer:                reconcile.CaseSensitiveComparer,
	})

	var watcher *watch.Watcher
	if len(settings.WatchRoots) > 0 {
		watcher = watch.New(exec, watch.Config{
			Roots:         settings.WatchRoots,
			RetryDelay:    settings.WatchRetryDelay,
			MaxRetryDelay: settings.WatchMaxRetryDelay,
		})
	}

	trackerConfig := status.DefaultTrackerConfig()
	trackerConfig.HealthTracker = healthTracker
	tracker := status.NewTracker(trackerConfig)
	orch.SetStatusTracker(tracker)
	profiler := memmon.NewProfiler(filepath.Join(settings.StateRoot, "diagnostics"))

	recoveryConfig := recovery.DefaultRecoveryConfig()
	recoveryConfig.DefaultStrategy = recovery.StrategyGracefulDegradation
	recoveryConfig.Logger = logger
	recoveryConfig.StatusTracker = tracker
	recoveryMgr := recovery.NewRecoveryManager(recoveryConfig)

	readinessChecker, err := readiness.NewChecker(nil)
	if err != nil {
		logger.Error("failed to initialize readiness checker", map[string]interface{}{"error": err.Error()})
		return daemon.ExitGenericFailure
	}
	_ = readinessChecker.RegisterCheck("ping", "always-pass smoke test", readiness.CategoryCore, readiness.PriorityLow, readiness.PingCheck())
	_ = readinessChecker.RegisterCheck("merged_root_disk_space", "free space under the merged root", readiness.CategoryStorage, readiness.PriorityHigh,
		readiness.DiskSpaceCheck(settings.MergedRoot, 1))
	_ = readinessChecker.RegisterCheck("executor", "mount-tool executor can resolve its binaries", readiness.CategoryCore, readiness.PriorityCritical,
		readiness.ExecutorCheck(func(ctx context.Context) error {
			_, err := exec.Execute(ctx, executor.Request{FileName: "fusermount", Args: []string{"--version"}, Timeout: 5 * time.Second})
			return err
		}))
	if watcher != nil {
		_ = readinessChecker.RegisterCheck("watcher", "inotify watch sessions are running", readiness.CategoryCore, readiness.PriorityMedium,
			readiness.WatcherCheck(func(ctx context.Context) error {
				if watcher.Poll(ctx, 0).Outcome == watch.OutcomeCommandFailed {
					return fmt.Errorf("watcher sessions not running")
				}
				return nil
			}))
	}

	supervisor := daemon.New(orch, watcher, logger, tracker, profiler, recoveryMgr, readinessChecker, daemon.Config{
		LockPath:           filepath.Join(settings.StateRoot, "daemon.lock"),
		DiagnosticsDir:     diagnosticsDir,
		MergeInterval:      settings.MergeInterval,
		StopTimeoutSeconds: settings.StopTimeoutSeconds,
	})

	metricsCtx, cancelMetrics := context.WithCancel(context.Background())
	defer cancelMetrics()
	if err := collector.Start(metricsCtx); err != nil {
		logger.Error("failed to start metrics collector", map[string]interface{}{"error": err.Error()})
	}

	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	defer cancelMonitor()
	memMonitor := memmon.NewMemoryMonitor(memmon.MonitorConfig{
		SampleInterval: 30 * time.Second,
		AlertThreshold: 20.0,
		MaxSamples:     100,
		EnableGCStats:  true,
		GCPercentage:   100,
		Logger:         logger,
	})
	if err := memMonitor.Start(monitorCtx); err != nil {
		logger.Error("failed to start memory monitor", map[string]interface{}{"error": err.Error()})
	}
	defer func() { _ = memMonitor.Stop() }()
	supervisor.SetMemoryMonitor(memMonitor)

	return supervisor.Run(context.Background())
}

func parseIdentityEnv() (puid, pgid int, err error) {
	puid, err = parseNonNegativeEnv("PUID", 0)
	if err != nil {
		return 0, 0, err
	}
	pgid, err = parseNonNegativeEnv("PGID", 0)
	if err != nil {
		return 0, 0, err
	}
	return puid, pgid, nil
}

func parseNonNegativeEnv(name string, def int) (int, error) {
	val := os.Getenv(name)
	if val == "" {
		return def, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", name, val)
	}
	return n, nil
}

func envOrDefault(name, def string) string {
	if val := os.Getenv(name); val != "" {
		return val
	}
	return def
}

// checkFUSEPreconditions verifies the FUSE device and config path named
// by FUSE_DEVICE_PATH / FUSE_CONF_PATH are reachable and writable when
// required (spec §6: "environment precondition failure").
func checkFUSEPreconditions() error {
	devicePath := envOrDefault("FUSE_DEVICE_PATH", "/dev/fuse")
	if _, err := os.Stat(devicePath); err != nil {
		return fmt.Errorf("FUSE device %s unreachable: %w", devicePath, err)
	}

	confPath := envOrDefault("FUSE_CONF_PATH", "/etc/fuse.conf")
	if _, err := os.Stat(confPath); err != nil {
		return nil // absence is tolerated; only an existing, unwritable file is fatal
	}
	f, err := os.OpenFile(confPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("fuse.conf at %s not writable: %w", confPath, err)
	}
	f.Close()
	return nil
}
