// Package cli реализует административную утилиту subctl.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/magabrotheeeer/trading-subscriptions/internal/app/core"
	"github.com/magabrotheeeer/trading-subscriptions/internal/config"
)

// RootOptions глобальные флаги всех команд.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Open собирает зависимости команды. По умолчанию core.New.
	Open   func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core.Core, error)
	Getenv func(string) string
}

// ValidFormats допустимые форматы вывода.
var ValidFormats = []string{"text", "json"}

// NewRootCommand создаёт корневую команду subctl.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{Open: core.New, Getenv: os.Getenv})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subctl",
		Short: "subctl - administrative tool for trading subscriptions",
		Long:  "Runs reconciliation sweeps, trial expiration, status counts and database migrations outside the HTTP service.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file (defaults to CONFIG_PATH)")

	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewExpireTrialsCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))

	return cmd
}

// loadConfig читает конфиг из --config или переменной CONFIG_PATH.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	path := o.ConfigPath
	if path == "" && o.Getenv != nil {
		path = o.Getenv("CONFIG_PATH")
	}
	if path == "" {
		return nil, NewExitError(ExitCommandError, "config path is not set: use --config or CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "cannot read config", err)
	}
	return cfg, nil
}

// logger пишет в stderr, чтобы не портить JSON-вывод. Без --verbose только предупреждения и ошибки.
func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// withCore загружает конфиг, собирает зависимости, вызывает fn и закрывает соединения.
func (o *RootOptions) withCore(cmd *cobra.Command, fn func(ctx context.Context, c *core.Core) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := o.Open(ctx, cfg, o.logger(cmd.ErrOrStderr()))
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot initialize", err)
	}
	defer c.Close()
	return fn(ctx, c)
}
