package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/magabrotheeeer/trading-subscriptions/internal/app/core"
)

// NewExpireTrialsCommand создаёт команду истечения пробных периодов.
func NewExpireTrialsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "expire-trials",
		Short:         "Move accounts with finished trial periods to inactive",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rootOpts.withCore(cmd, func(ctx context.Context, c *core.Core) error {
				return runExpireTrials(ctx, rootOpts.formatter(cmd), c.Trials)
			})
		},
	}
}

type trialExpirer interface {
	ExpireTrials(ctx context.Context) (int, error)
	Wait()
}

func runExpireTrials(ctx context.Context, f *OutputFormatter, trials trialExpirer) error {
	n, err := trials.ExpireTrials(ctx)
	trials.Wait()
	if err != nil {
		_ = f.Error("expire_trials_failed", err.Error())
		return WrapExitError(ExitFailure, "trial expiration failed", err)
	}
	return f.Success(map[string]int{"expired": n}, fmt.Sprintf("expired trials: %d\n", n))
}
