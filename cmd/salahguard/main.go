// Package main is the CLI entry point for salahguard.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mksalih/salahguard/internal/agent"
	"github.com/mksalih/salahguard/internal/config"
	"github.com/mksalih/salahguard/internal/daemon"
	"github.com/mksalih/salahguard/internal/domain"
	"github.com/mksalih/salahguard/internal/hostmon"
	"github.com/mksalih/salahguard/internal/infra"
	"github.com/mksalih/salahguard/internal/metrics"
	"github.com/mksalih/salahguard/internal/notify"
	"github.com/mksalih/salahguard/internal/planner"
	"github.com/mksalih/salahguard/internal/registrar"
	"github.com/mksalih/salahguard/internal/selection"
	"github.com/mksalih/salahguard/internal/session"
	"github.com/mksalih/salahguard/internal/state"
	"github.com/mksalih/salahguard/internal/store"
	"github.com/mksalih/salahguard/internal/timetable"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "salahguard",
	Short: "Blocks distracting apps during prayer-time windows",
	Long: `salahguard schedules restriction windows aligned with the daily prayers
and blocks the selected applications while a window is active.

The main process plans windows and registers them with a local scheduler.
At each window boundary a short-lived agent process applies or clears the
restrictions; the two processes coordinate only through an encrypted
on-disk state store.`,
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the main scheduling daemon",
	Long: `Plans restriction windows from the prayer timetable, registers them with
the activity monitor, keeps killing selected apps while a window is
active, and re-derives the blocking session as the agent writes facts.`,
	RunE: runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current blocking session and flags",
	RunE:  runStatus,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the currently planned windows",
	RunE:  runPlan,
}

var confirmCmd = &cobra.Command{
	Use:   "confirm",
	Short: "Confirm a finished strict-mode window and lift restrictions",
	RunE:  runConfirm,
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Request an early unlock of the active window",
	Long: `Lifts the active restriction before the window's natural end. Available
in normal mode only, once per window, after enough of the window has
elapsed. A request made too early is a no-op.`,
	RunE: runUnlock,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

// Hidden agent command - invoked by the scheduler at window boundaries,
// in a separate short-lived process.
var agentCmd = &cobra.Command{
	Use:    "agent",
	Hidden: true,
	RunE:   runAgent,
}

var (
	configPath  string
	agentEvent  string
	agentWindow string
	jsonOutput  bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path")
	agentCmd.Flags().StringVar(&agentEvent, "event", "", "Boundary event (start/end/warn-start/warn-end)")
	agentCmd.Flags().StringVar(&agentWindow, "window", "", "Window id")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(confirmCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(agentCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := createLogger(cfg.DataDir)
	defer func() { _ = logger.Sync() }()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	watcher, err := store.NewWatcher(st.Path(), logger)
	if err != nil {
		return err
	}
	defer watcher.Close()

	monitor, err := hostmon.New(hostmon.SpawnAgent, logger)
	if err != nil {
		return err
	}
	defer monitor.Close()

	pm := infra.NewProcessManager()
	enforcer := infra.NewProcessEnforcer(pm, logger)
	source := timetable.NewYAMLSource(cfg.TimetablePath)
	plan := planner.New()
	registry := registrar.New(monitor, st, cfg.WarnBeforeStart, cfg.WarnBeforeEnd, logger)
	sessions := session.NewService(st)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	d := daemon.New(
		daemon.Config{
			ReplanInterval: cfg.ReplanInterval,
			SweepInterval:  cfg.SweepInterval,
			HorizonDays:    cfg.HorizonDays,
			Retention:      cfg.Retention,
		},
		st,
		watcher,
		source,
		plan,
		registry,
		enforcer,
		sessions,
		store.NewBackupManager(st.Path(), logger),
		cfg.Settings(),
		logger,
	)
	err = d.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func runAgent(cmd *cobra.Command, args []string) error {
	event, err := agent.ParseEvent(agentEvent)
	if err != nil {
		return err
	}
	if agentWindow == "" {
		return fmt.Errorf("--window is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := createLogger(cfg.DataDir)
	defer func() { _ = logger.Sync() }()

	st, err := openStore(cfg)
	if err != nil {
		// Past this point nothing may escape the callback boundary, but
		// without the store there is no boundary to be inside of yet.
		logger.Error("agent could not open store", zap.Error(err))
		return nil
	}
	defer st.Close()

	pm := infra.NewProcessManager()
	a := agent.New(
		st,
		infra.NewProcessEnforcer(pm, logger),
		selection.NewFileProvider(cfg.SelectionPath),
		notify.NewDesktopNotifier(logger),
		logger,
	)
	a.Handle(event, agentWindow)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, st, err := openForQuery()
	if err != nil {
		return err
	}
	defer st.Close()

	current, err := session.NewService(st).Current()
	if err != nil {
		return err
	}

	fmt.Println("\n=== salahguard Status ===")
	fmt.Printf("Phase: %s\n", current.Phase)
	if current.WindowID != "" {
		fmt.Printf("Window: %s (%s)\n", current.WindowID, current.Prayer)
	}
	fmt.Printf("Blocking: %v\n", current.IsBlocking)
	if current.IsBlocking {
		if since, err := state.EnforcementStart(st); err == nil && !since.IsZero() {
			fmt.Printf("Enforced since: %s\n", since.Format(time.RFC3339))
		}
	}
	if current.IsWaitingConfirmation {
		fmt.Println("Waiting for confirmation: run 'salahguard confirm'")
	}
	if current.TimeRemaining > 0 {
		fmt.Printf("Time remaining: %s\n", current.TimeRemaining.Round(time.Second))
	}
	if current.EarlyUnlockAvailable {
		fmt.Println("Early unlock available: run 'salahguard unlock'")
	}

	if needsAuth, _ := state.NeedsAuthorization(st); needsAuth {
		fmt.Println("\nWARNING: window registration was rejected; re-grant authorization.")
	}
	if warning, _ := state.GetNoSelectionWarning(st); warning != nil {
		fmt.Printf("\nWARNING: no apps selected at %s (window %s); nothing was blocked.\n",
			warning.At.Format(time.RFC3339), warning.WindowID)
		fmt.Printf("Edit %s to select apps.\n", cfg.SelectionPath)
	}

	fmt.Println("=========================")
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	_, st, err := openForQuery()
	if err != nil {
		return err
	}
	defer st.Close()

	windows, err := state.LoadPlan(st)
	if err != nil {
		return err
	}

	fmt.Println("\n=== Planned Windows ===")
	if len(windows) == 0 {
		fmt.Println("No windows planned.")
	}
	for _, w := range windows {
		fmt.Printf("  %-28s %s  %s - %s\n",
			w.ID, w.Prayer,
			w.StartsAt.Format("Mon 15:04"),
			w.EndsAt().Format("15:04"))
	}
	fmt.Println("=======================")
	return nil
}

func runConfirm(cmd *cobra.Command, args []string) error {
	cfg, st, err := openForQuery()
	if err != nil {
		return err
	}
	defer st.Close()

	logger := createLogger(cfg.DataDir)
	defer func() { _ = logger.Sync() }()

	a := newDirectAgent(cfg, st, logger)
	done, err := a.Confirm()
	if err != nil {
		return err
	}
	if done {
		fmt.Println("Confirmed. Restrictions lifted.")
	} else {
		fmt.Println("Nothing is waiting for confirmation.")
	}
	return nil
}

func runUnlock(cmd *cobra.Command, args []string) error {
	cfg, st, err := openForQuery()
	if err != nil {
		return err
	}
	defer st.Close()

	logger := createLogger(cfg.DataDir)
	defer func() { _ = logger.Sync() }()

	a := newDirectAgent(cfg, st, logger)
	done, err := a.EarlyUnlock()
	if err != nil {
		return err
	}
	if done {
		fmt.Println("Unlocked. Restrictions lifted for this window.")
	} else {
		fmt.Println("Early unlock is not available right now.")
	}
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("salahguard %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}

// newDirectAgent builds the agent for the direct immediate-apply path
// (confirm/unlock actions taken in the main process).
func newDirectAgent(cfg *config.Config, st domain.StateStore, logger *zap.Logger) *agent.Agent {
	pm := infra.NewProcessManager()
	return agent.New(
		st,
		infra.NewProcessEnforcer(pm, logger),
		selection.NewFileProvider(cfg.SelectionPath),
		notify.NewDesktopNotifier(logger),
		logger,
	)
}

func openStore(cfg *config.Config) (*store.Store, error) {
	keyProvider := store.NewFileKeyProvider(cfg.DataDir)
	key, err := store.EnsureKey(keyProvider)
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.DataDir, key)
}

func openForQuery() (*config.Config, *store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logger.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics listener stopped", zap.Error(err))
	}
}

func createLogger(dataDir string) *zap.Logger {
	_ = os.MkdirAll(dataDir, 0700)

	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{filepath.Join(dataDir, "salahguard.log")}
	cfg.ErrorOutputPaths = []string{filepath.Join(dataDir, "salahguard.error.log")}
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}
