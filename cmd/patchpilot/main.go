// patchpilot drives autonomous code-modification runs: an operator-authored
// plan is executed phase by phase through builder and auditor models, with
// validated, transactional patch application.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"patchpilot/internal/agent"
	"patchpilot/internal/config"
	"patchpilot/internal/doctor"
	"patchpilot/internal/logging"
	"patchpilot/internal/patch"
	"patchpilot/internal/router"
	"patchpilot/internal/state"
	"patchpilot/internal/store"
	"patchpilot/internal/supervisor"
	"patchpilot/internal/usage"
	"patchpilot/internal/vcs"
)

var (
	configPath string
	stateDir   string
	workDir    string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "patchpilot",
	Short: "Autonomous code-modification pipeline",
	Long: `patchpilot executes a run plan phase by phase: a builder model
proposes a patch, the validator and governed pipeline apply it
transactionally, auditor models review it, and the doctor decides how to
recover from failures.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Init(debug || os.Getenv("PATCHPILOT_DEBUG") != "")
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Execute a run plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		plan, err := config.LoadPlan(args[0])
		if err != nil {
			return err
		}
		run := plan.BuildRun(cfg)
		return executeRun(cmd.Context(), cfg, run, plan.RoutingOverrides)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a persisted run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.NewStore(stateDir)
		if err != nil {
			return err
		}
		run, err := st.LoadRun(args[0])
		if cerr := st.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("run %s not found in %s", args[0], stateDir)
		}
		if run.Status.Terminal() {
			return fmt.Errorf("run %s already finished with status %s", run.ID, run.Status)
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return executeRun(cmd.Context(), cfg, run, nil)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show persisted runs, or one run in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.NewStore(stateDir)
		if err != nil {
			return err
		}
		defer st.Close()

		if len(args) == 0 {
			runs, err := st.ListRuns()
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}
			for _, r := range runs {
				fmt.Printf("%s  %-10s  %8d tokens  %s\n", r.ID, r.Status, r.TokensUsed, r.Goal)
			}
			return nil
		}

		run, err := st.LoadRun(args[0])
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("run %s not found", args[0])
		}
		printRun(run)
		return nil
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token usage aggregated by provider, model, role, and run",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.NewStore(stateDir)
		if err != nil {
			return err
		}
		defer st.Close()

		events, err := st.LoadUsage()
		if err != nil {
			return err
		}
		tracker := usage.NewTracker(nil)
		tracker.Seed(events)
		stats := tracker.Aggregate()

		fmt.Printf("total: %d tokens (%d prompt, %d completion)\n\n",
			stats.Total.Total, stats.Total.Prompt, stats.Total.Completion)
		printBreakdown("by provider", stats.ByProvider)
		printBreakdown("by model", stats.ByModel)
		printBreakdown("by role", stats.ByRole)
		printBreakdown("by run", stats.ByRun)
		return nil
	},
}

func printBreakdown(title string, counts map[string]usage.TokenCounts) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Println(title + ":")
	for _, k := range keys {
		fmt.Printf("  %-40s %10d\n", k, counts[k].Total)
	}
	fmt.Println()
}

func printRun(run *state.Run) {
	fmt.Printf("run %s  [%s]\n", run.ID, run.Status)
	fmt.Printf("goal: %s\n", run.Goal)
	fmt.Printf("tokens: %d", run.TokensUsed)
	if run.TokenCap > 0 {
		fmt.Printf(" / %d", run.TokenCap)
	}
	fmt.Printf("   issues: %d minor, %d major\n", run.IssueCounts.Minor, run.IssueCounts.Major)
	if run.FailureKind != "" {
		fmt.Printf("failure: %s (phase %s)\n", run.FailureKind, run.FailedPhaseID)
	}
	for _, tier := range run.Tiers {
		fmt.Printf("\ntier %d %q [%s]\n", tier.Index, tier.Name, tier.Status)
		for _, p := range tier.Phases {
			fmt.Printf("  %-12s %s  (attempts b=%d a=%d replans=%d)\n",
				p.Status, p.Description, p.BuilderAttempts, p.AuditorAttempts, p.ReplanCount)
			if p.Reason != "" {
				fmt.Printf("               reason: %s\n", p.Reason)
			}
		}
	}
}

// buildClients constructs one agent client per configured provider. Gemini
// uses the native SDK; everything else speaks the OpenAI-compatible wire
// format.
func buildClients(ctx context.Context, cfg *config.Config) (map[string]agent.Client, error) {
	clients := make(map[string]agent.Client, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		apiKey := os.Getenv(pc.APIKeyEnv)
		if name == "gemini" {
			client, err := agent.NewGeminiClient(ctx, apiKey)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			clients[name] = client
			continue
		}
		clients[name] = agent.NewOpenAICompatClient(agent.OpenAICompatConfig{
			Provider: name,
			APIKey:   apiKey,
			BaseURL:  pc.BaseURL,
			Timeout:  pc.Timeout,
		})
	}
	return clients, nil
}

func executeRun(ctx context.Context, cfg *config.Config, run *state.Run, overrides map[string]config.RoutingPolicy) error {
	st, err := store.NewStore(stateDir)
	if err != nil {
		return err
	}
	defer st.Close()

	tracker := usage.NewTracker(st)
	if events, err := st.LoadUsage(); err == nil {
		tracker.Seed(events)
	}
	quota := router.NewQuotaState(tracker, cfg.Providers)

	worktree, err := vcs.Open(workDir)
	if err != nil {
		return err
	}
	watcher, err := vcs.NewWatcher(worktree.Root())
	if err != nil {
		return err
	}
	watcher.Start(ctx)
	defer watcher.Stop()

	clients, err := buildClients(ctx, cfg)
	if err != nil {
		return err
	}

	anchors := doctor.NewAnchorStore()
	if goals, err := st.LoadAnchors(); err == nil {
		anchors.Seed(goals)
	}

	rt := router.New(cfg, quota)
	sup := supervisor.New(supervisor.Deps{
		Config:    cfg,
		Machine:   state.NewMachine(),
		Router:    rt,
		Tracker:   tracker,
		Validator: patch.NewValidator(cfg.Validator),
		Worktree:  worktree,
		Watcher:   watcher,
		Doctor:    doctor.New(cfg.Doctor, quota, anchors).WithAgents(rt, clients),
		Store:     st,
		Clients:   clients,
		Overrides: overrides,
	})

	go func() {
		for ev := range sup.Events() {
			logging.Get(logging.CategorySupervisor).Info("event",
				zap.String("type", ev.Type),
				zap.String("phase_id", ev.PhaseID),
				zap.String("message", ev.Message))
		}
	}()

	start := time.Now()
	if err := sup.Run(ctx, run); err != nil {
		return err
	}
	fmt.Printf("run %s finished: %s in %s (%d tokens)\n",
		run.ID, run.Status, time.Since(start).Round(time.Second), run.TokensUsed)
	if run.Status != state.RunCompleted {
		return fmt.Errorf("run ended with status %s", run.Status)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "patchpilot.yaml", "configuration file")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", ".patchpilot", "state database directory")
	rootCmd.PersistentFlags().StringVarP(&workDir, "worktree", "w", ".", "working tree patches are applied to")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(runCmd, resumeCmd, statusCmd, usageCmd)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
