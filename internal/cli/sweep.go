package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/magabrotheeeer/trading-subscriptions/internal/app/core"
	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
	"github.com/magabrotheeeer/trading-subscriptions/internal/services/reconcile"
)

// NewSweepCommand создаёт команду однократной сверки подписок.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep over active and expired subscriptions",
		Long: `Run one reconciliation sweep.

Evaluates every active and expired subscription, opens or closes grace periods,
heals drift between account and subscription end dates and prints the summary.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rootOpts.withCore(cmd, func(ctx context.Context, c *core.Core) error {
				return runSweep(ctx, rootOpts.formatter(cmd), c.Sweeper)
			})
		},
	}
	return cmd
}

type sweepRunner interface {
	RunSweep(ctx context.Context, trigger string) (models.SweepSummary, error)
}

func runSweep(ctx context.Context, f *OutputFormatter, sweeper sweepRunner) error {
	summary, err := sweeper.RunSweep(ctx, reconcile.TriggerCLI)
	if err != nil {
		_ = f.Error("sweep_failed", err.Error())
		return WrapExitError(ExitFailure, "sweep failed", err)
	}
	f.VerboseLog("sweep started at %s", summary.StartedAt.Format("2006-01-02T15:04:05Z07:00"))
	return f.Success(summary, formatSummary(summary))
}

func formatSummary(s models.SweepSummary) string {
	return fmt.Sprintf(
		"sweep %s: processed=%d expired=%d grace_started=%d cancelled=%d skipped=%d failed=%d healed=%d (%s)\n",
		s.Trigger, s.Processed, s.Expired, s.GraceStarted, s.Cancelled, s.Skipped, s.Failed, s.Healed,
		s.FinishedAt.Sub(s.StartedAt),
	)
}
