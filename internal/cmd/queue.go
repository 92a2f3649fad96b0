package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/dreamteam/internal/orchestrator"
	"github.com/aristath/dreamteam/internal/scheduler"
)

// queryCmd builds a command that prints the result of one read query.
func (a *app) queryCmd(use, short string, fn func(ctx context.Context, svc *orchestrator.Service) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *orchestrator.Service) error {
				v, err := fn(ctx, svc)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), v)
			})
		},
	}
}

func newQueueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect queue health",
	}
	cmd.AddCommand(
		newQueueHealthCmd(a),
		a.queryCmd("blocked", "List pending tasks and what blocks them", func(ctx context.Context, svc *orchestrator.Service) (any, error) {
			return svc.GetBlocked(ctx)
		}),
		a.queryCmd("stale", "List tasks blocked for longer than the stale threshold", func(ctx context.Context, svc *orchestrator.Service) (any, error) {
			return svc.GetStale(ctx)
		}),
		a.queryCmd("stuck", "List active tasks past their timeout", func(ctx context.Context, svc *orchestrator.Service) (any, error) {
			return svc.GetStuck(ctx)
		}),
		a.queryCmd("retryable", "List pending retries whose backoff has elapsed", func(ctx context.Context, svc *orchestrator.Service) (any, error) {
			return svc.GetRetryable(ctx)
		}),
		a.queryCmd("sweep", "Requeue stuck tasks and fail tasks blocked by failed dependencies", func(ctx context.Context, svc *orchestrator.Service) (any, error) {
			return svc.SweepStuck(ctx)
		}),
	)
	return cmd
}

func newQueueHealthCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Summarize queue depth, failures and alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *orchestrator.Service) error {
				health, err := svc.GetQueueHealth(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), health)
				}
				printHealth(cmd, health)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printHealth(cmd *cobra.Command, h *orchestrator.QueueHealth) {
	w := cmd.OutOrStdout()
	var counts []string
	for _, status := range scheduler.AllStatuses {
		counts = append(counts, fmt.Sprintf("%s=%d", status, h.Counts[status]))
	}
	fmt.Fprintf(w, "Tasks:          %s\n", strings.Join(counts, " "))
	fmt.Fprintf(w, "Eligible:       %d\n", h.Eligible)
	fmt.Fprintf(w, "Blocked:        %d (%d on failed dependencies)\n", h.Blocked, h.BlockedFailed)
	fmt.Fprintf(w, "Backing off:    %d\n", h.PendingRetry)
	fmt.Fprintf(w, "Stuck:          %d\n", h.Stuck)
	fmt.Fprintf(w, "Stale:          %d\n", h.Stale)
	if h.OldestPendingSeconds > 0 {
		fmt.Fprintf(w, "Oldest pending: %s\n", (time.Duration(h.OldestPendingSeconds) * time.Second).String())
	}
	fmt.Fprintf(w, "Failure rate:   %.1f%%\n", h.FailureRate*100)
	for _, alert := range h.Alerts {
		fmt.Fprintf(w, "ALERT: %s\n", alert)
	}
}

func newTreeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tree <id>...",
		Short: "Show the dependency tree of tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *orchestrator.Service) error {
				tree, err := svc.GetDependencyTree(ctx, args)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), tree)
			})
		},
	}
}

func newMetricsCmd(a *app) *cobra.Command {
	var role string
	var window time.Duration

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Record and read queue metric snapshots",
	}
	snapshot := a.queryCmd("snapshot", "Show the latest snapshot", func(ctx context.Context, svc *orchestrator.Service) (any, error) {
		return svc.GetMetricsSnapshot(ctx, role)
	})
	trend := a.queryCmd("trend", "Show snapshots within a window", func(ctx context.Context, svc *orchestrator.Service) (any, error) {
		return svc.GetMetricsTrend(ctx, role, window)
	})
	record := a.queryCmd("record", "Record snapshots now", func(ctx context.Context, svc *orchestrator.Service) (any, error) {
		return svc.RecordPerRole(ctx)
	})
	snapshot.Flags().StringVar(&role, "role", "", "role (empty for the whole queue)")
	trend.Flags().StringVar(&role, "role", "", "role (empty for the whole queue)")
	trend.Flags().DurationVar(&window, "window", 24*time.Hour, "how far back to look")

	cmd.AddCommand(snapshot, trend, record)
	return cmd
}
