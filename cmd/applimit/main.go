// Package main is the CLI entry point for applimit.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/app_limit/internal/bridge"
	"github.com/eliteGoblin/focusd/app_limit/internal/config"
	"github.com/eliteGoblin/focusd/app_limit/internal/daemon"
	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
	"github.com/eliteGoblin/focusd/app_limit/internal/infra"
	"github.com/eliteGoblin/focusd/app_limit/internal/policy"
	"github.com/eliteGoblin/focusd/app_limit/internal/usage"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "applimit",
	Short: "Daily app time limits - blocks apps once their limit is used up",
	Long: `applimit enforces per-application daily usage limits set by the host app.
Once an app has been in the foreground for longer than its limit today, a
block screen takes over until the next reset. The host app itself is never
blocked.`,
	Version: Version,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the enforcement daemon in the background",
	RunE:  runStart,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status",
	Long:  `Shows whether the daemon is running, its last heartbeat and the active block.`,
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List app limits and today's usage",
	RunE:  runList,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Reload policies and usage in the running daemon",
	RunE:  runRefresh,
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show recent block and unblock events (encrypted backend)",
	RunE:  runJournal,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and start the systemd unit",
	RunE:  runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the systemd unit",
	RunE:  runUninstall,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

// Hidden daemon command - used by start and by the systemd unit
var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Hidden: true,
	RunE:   runDaemon,
}

var (
	configPath   string
	jsonOutput   bool
	journalLimit int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default <data dir>/config.yaml)")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	journalCmd.Flags().IntVarP(&journalLimit, "limit", "n", 20, "Number of events to show")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(daemonCmd)
}

var (
	green  = color.New(color.FgGreen, color.Bold)
	yellow = color.New(color.FgYellow, color.Bold)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan, color.Bold)
)

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if live, ok := currentLiveness(cfg); ok && live.Running && !live.Stale {
		fmt.Println("applimit is already running")
		return nil
	}

	pid, err := daemon.StartDaemon(configPath)
	if err != nil {
		return err
	}

	fmt.Println("\n=== applimit Started ===")
	fmt.Printf("PID: %d\n", pid)
	fmt.Printf("Data dir: %s\n", cfg.DataDir)
	fmt.Printf("Log: %s\n", cfg.Log.Path)
	fmt.Println("========================")
	return nil
}

// currentLiveness reads the heartbeat record, if any.
func currentLiveness(cfg *config.Config) (daemon.Liveness, bool) {
	prefs, err := daemon.OpenPrefs(cfg, zap.NewNop())
	if err != nil {
		return daemon.Liveness{}, false
	}
	defer prefs.Close()

	status, ok, err := daemon.ReadStatus(prefs, cfg.Prefs.StatusKey)
	if err != nil || !ok {
		return daemon.Liveness{}, false
	}
	return daemon.CheckLiveness(status, cfg.HeartbeatInterval, time.Now()), true
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	prefs, err := daemon.OpenPrefs(cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer prefs.Close()

	fmt.Println("\n=== applimit Status ===")

	status, ok, err := daemon.ReadStatus(prefs, cfg.Prefs.StatusKey)
	if err != nil {
		return err
	}
	if !ok {
		red.Println("Status: NOT RUNNING")
		fmt.Println("\nRun 'applimit start' to enable enforcement.")
		return nil
	}

	live := daemon.CheckLiveness(status, cfg.HeartbeatInterval, time.Now())
	switch {
	case live.Running && !live.Stale:
		green.Println("Status: RUNNING")
	case live.Running:
		yellow.Println("Status: UNRESPONSIVE (heartbeat is stale)")
	default:
		red.Println("Status: NOT RUNNING (last record shown)")
	}

	fmt.Printf("PID: %d\n", status.PID)
	if status.Version != "" {
		fmt.Printf("Version: %s\n", status.Version)
	}
	fmt.Printf("Started: %s\n", time.Unix(status.StartedAt, 0).Format(time.RFC3339))
	fmt.Printf("Last heartbeat: %s ago\n", live.Age.Round(time.Second))
	if status.Enabled {
		fmt.Printf("Enforcing: %d app(s)\n", status.Tracked)
	} else {
		fmt.Println("Enforcing: nothing (no blocked apps configured)")
	}

	if b := status.ActiveBlock; b != nil {
		cyan.Printf("\nBlocking %s\n", b.AppDisplayName)
		fmt.Printf("  Package: %s\n", b.PackageID)
		fmt.Printf("  Used %d of %d minutes\n", b.UsedMinutesAtBlock, b.LimitMinutes)
		fmt.Printf("  Since: %s\n", b.StartedAt.Format(time.Kitchen))
	}

	fmt.Println("=======================")
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	prefs, err := daemon.OpenPrefs(cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer prefs.Close()

	guard := daemon.NewGuard(cfg, zap.NewNop())
	policies, err := policy.NewPrefsPolicyStore(prefs, cfg.Prefs.PolicyKey, zap.NewNop()).Load()
	if err != nil {
		return err
	}
	policies = guard.Filter(policies)

	boundary, err := usage.ParseBoundary(cfg.Monitor.ResetTime)
	if err != nil {
		return err
	}
	used := make(map[string]int64)
	day, records, err := usage.NewSnapshotStore(prefs, cfg.Prefs.UsageKey, cfg.Prefs.UsageDayKey, zap.NewNop()).Load()
	if err == nil && day == boundary.DayKey(time.Now()) {
		for _, r := range records {
			used[r.PackageID] = r.UsedMillisToday
		}
	}

	fmt.Println("\n=== App Limits ===")
	if len(policies) == 0 {
		fmt.Println("\nNo app limits configured.")
	}

	sort.Slice(policies, func(i, j int) bool { return policies[i].PackageID < policies[j].PackageID })
	for _, p := range policies {
		usedMin := used[p.PackageID] / time.Minute.Milliseconds()
		line := fmt.Sprintf("  %-40s %3d / %3d min", p.PackageID, usedMin, p.DailyLimitMinutes)
		switch {
		case !p.Tracked():
			fmt.Println(line + "  (paused)")
		case p.DailyLimitMinutes > 0 && used[p.PackageID] >= p.DailyLimit():
			red.Println(line + "  limit reached")
		default:
			green.Println(line)
		}
	}
	fmt.Printf("\nNext reset: %s\n", boundary.NextReset(time.Now()).Format("Mon 15:04"))
	fmt.Println("==================")
	return nil
}

func runRefresh(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	conn, err := bridge.Connect(cfg.Bus.Kind)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bridge.NewEngineClient(conn).Refresh(ctx); err != nil {
		return fmt.Errorf("daemon did not accept refresh: %w", err)
	}
	green.Println("Refresh requested")
	return nil
}

func runJournal(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	prefs, err := daemon.OpenPrefs(cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer prefs.Close()

	if prefs.Journal == nil {
		return errors.New("the lifecycle journal needs prefs.backend: encrypted")
	}
	events, err := prefs.Journal.Journal(journalLimit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No block events recorded.")
		return nil
	}
	for _, ev := range events {
		at := time.UnixMilli(ev.TimestampMillis).Format("2006-01-02 15:04:05")
		if ev.Kind == domain.LifecycleBlocked {
			red.Printf("%s  blocked    %s\n", at, ev.PackageID)
		} else {
			green.Printf("%s  unblocked  %s\n", at, ev.PackageID)
		}
	}
	return nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	mgr := infra.NewUnitManager(infra.DetectExecMode())
	unitCfg := infra.UnitConfig{
		ExecutablePath: executable,
		ConfigPath:     configPath,
		MetricsAddr:    cfg.Metrics.Addr,
		Watchdog:       2 * cfg.HeartbeatInterval,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if mgr.IsInstalled() && !mgr.NeedsUpdate(unitCfg) {
		fmt.Printf("%s is already installed (%s)\n", infra.ServiceName, mgr.GetMode())
		return nil
	}
	if err := mgr.Install(ctx, unitCfg); err != nil {
		return err
	}
	green.Printf("Installed %s\n", mgr.ServicePath())
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	mgr := infra.NewUnitManager(infra.DetectExecMode())
	if !mgr.IsInstalled() {
		fmt.Printf("%s is not installed\n", infra.ServiceName)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mgr.Uninstall(ctx); err != nil {
		return err
	}
	fmt.Printf("Removed %s\n", mgr.ServicePath())
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := createLogger(cfg.Log.Path, cfg.Log.Level)
	defer func() { _ = logger.Sync() }()

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	if err := daemon.Run(ctx, cfg, Version, logger); err != nil {
		logger.Error("daemon exited", zap.Error(err))
		return err
	}
	return nil
}

func createLogger(path, level string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{path}
	config.ErrorOutputPaths = []string{path}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, err := config.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		out, _ := json.Marshal(map[string]string{
			"version":    Version,
			"commit":     Commit,
			"build_time": BuildTime,
		})
		fmt.Println(string(out))
	} else {
		fmt.Printf("applimit %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
