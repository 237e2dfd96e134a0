package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/oceanbase/powerfuse-go/pkg/core"
	"github.com/oceanbase/powerfuse-go/pkg/maintenance"
)

// =============================================================================
// Context Commands
// =============================================================================

func buildContextCmd(flags *globalFlags) *cobra.Command {
	var (
		userID  string
		agentID string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "context [message]",
		Short: "Build and print the context bundle for a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := openEngine(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer engine.Close()

			resp, err := engine.BuildContext(cmd.Context(), core.Request{
				UserID:  userID,
				AgentID: agentID,
				Message: args[0],
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, map[string]interface{}{
					"prompt":   resp.Prompt(),
					"signal":   resp.Signal,
					"tokens":   resp.Bundle.TotalTokens,
					"degraded": resp.Degraded,
				})
			}
			fmt.Fprint(out, resp.Prompt())
			if len(resp.Degraded) > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "degraded: %s\n", strings.Join(resp.Degraded, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User ID (required)")
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "Agent ID (required)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the bundle as JSON")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

// =============================================================================
// Turn Commands
// =============================================================================

func buildTurnCmd(flags *globalFlags) *cobra.Command {
	var (
		userID   string
		agentID  string
		turnID   string
		userText string
		reply    string
	)
	cmd := &cobra.Command{
		Use:   "turn",
		Short: "Persist a completed turn and print the persistence report",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := openEngine(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer engine.Close()

			report := <-engine.CompleteTurn(cmd.Context(), core.TurnInput{
				TurnID:   turnID,
				UserID:   userID,
				AgentID:  agentID,
				UserText: userText,
				Reply:    reply,
			})
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.OK() {
				return fmt.Errorf("%d persistence target(s) failed", len(report.Failed()))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User ID (required)")
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "Agent ID (required)")
	cmd.Flags().StringVar(&turnID, "turn-id", "", "Turn ID; repeating one is a no-op")
	cmd.Flags().StringVar(&userText, "message", "", "The user's message (required)")
	cmd.Flags().StringVar(&reply, "reply", "", "The agent's reply")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

// =============================================================================
// Trend Commands
// =============================================================================

func buildTrendCmd(flags *globalFlags) *cobra.Command {
	var (
		userID  string
		agentID string
		window  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "trend",
		Short: "Show the relationship state and conversation quality trend of a pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := openEngine(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer engine.Close()

			state, trend, err := engine.Relationship(cmd.Context(), userID, agentID, window)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
				"trust":             state.Trust,
				"affection":         state.Affection,
				"attunement":        state.Attunement,
				"depth":             state.Depth(),
				"interaction_count": state.InteractionCount,
				"trend":             trend.Direction,
				"slope":             trend.Slope,
				"mean_quality":      trend.Mean,
				"points":            trend.Points,
				"insufficient":      trend.Insufficient,
			})
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User ID (required)")
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "Agent ID (required)")
	cmd.Flags().DurationVar(&window, "window", 0, "Trend window (default: configured trend window)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

// =============================================================================
// Maintenance Commands
// =============================================================================

func buildMaintainCmd(flags *globalFlags) *cobra.Command {
	var (
		runJob      string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run the maintenance scheduler in the foreground",
		Long: `Run the maintenance jobs (archive, prewarm) on their cron schedules until
interrupted. With --run, run one job immediately and exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cfg, err := openEngine(cmd, flags, func(cfg *core.Config) {
				cfg.Maintenance.Enabled = true
				if runJob != "" {
					// One-shot runs must not also fire on schedule.
					cfg.Maintenance.ArchiveSpec = ""
					cfg.Maintenance.PrewarmSpec = ""
				}
			})
			if err != nil {
				return err
			}
			defer engine.Close()

			sched := engine.Scheduler()
			if runJob != "" {
				if err := sched.RunNow(cmd.Context(), runJob); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: done\n", runJob)
				return nil
			}

			if metricsAddr == "" {
				metricsAddr = cfg.Observability.MetricsAddr
			}
			return serveMaintenance(cmd.Context(), engine, sched, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&runJob, "run", "", fmt.Sprintf("Run one job now (%s, %s) and exit", maintenance.JobArchive, maintenance.JobPrewarm))
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
	return cmd
}

func serveMaintenance(ctx context.Context, engine *core.Engine, sched *maintenance.Scheduler, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var server *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(engine.Metrics().Registry(), promhttp.HandlerOpts{}))
		server = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "addr", metricsAddr, "error", err)
			}
		}()
	}

	slog.Info("maintenance scheduler running", "jobs", sched.Jobs(), "metrics_addr", metricsAddr)
	<-ctx.Done()
	slog.Info("shutting down")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
	return nil
}

func writeJSON(w interface{ Write([]byte) (int, error) }, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
