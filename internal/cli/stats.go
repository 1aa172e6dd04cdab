package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/magabrotheeeer/trading-subscriptions/internal/app/core"
	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
)

// NewStatsCommand создаёт команду подсчёта подписок по статусам.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats",
		Short:         "Print subscription counts by status",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rootOpts.withCore(cmd, func(ctx context.Context, c *core.Core) error {
				return runStats(ctx, rootOpts.formatter(cmd), c.Subscriptions)
			})
		},
	}
}

type statsSource interface {
	Stats(ctx context.Context) (map[models.SubscriptionStatus]int64, error)
}

func runStats(ctx context.Context, f *OutputFormatter, src statsSource) error {
	counts, err := src.Stats(ctx)
	if err != nil {
		_ = f.Error("stats_failed", err.Error())
		return WrapExitError(ExitFailure, "stats failed", err)
	}
	var b strings.Builder
	for _, st := range models.AllStatuses {
		fmt.Fprintf(&b, "%-10s %d\n", st, counts[st])
	}
	return f.Success(counts, b.String())
}
