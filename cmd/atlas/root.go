package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/opentalon/atlas/internal/app"
	"github.com/opentalon/atlas/internal/config"
	"github.com/opentalon/atlas/internal/logging"
	"github.com/opentalon/atlas/internal/version"
)

const (
	exitOK    = 0
	exitError = 1
)

type rootOptions struct {
	configPath string
	logLevel   string
	stderr     io.Writer
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{stderr: os.Stderr}
	cmd := &cobra.Command{
		Use:   "atlas",
		Short: "Answer weather and place questions by orchestrating capabilities",
		Long: `atlas turns a natural-language request into a short sequence of
capability calls (geocoding, current weather, place details) and renders
the answer. Capabilities can be local or served over HTTP, MCP or gRPC.`,
		Version:       version.Get().Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate(`{{printf "atlas version %s\n" .Version}}`)
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCmd(opts),
		newAskCmd(opts),
		newToolHostCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// load reads the config, applies flag overrides and builds the application.
func (o *rootOptions) load(ctx context.Context) (*app.App, zerolog.Logger, error) {
	cfg := config.Defaults()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, zerolog.Nop(), err
		}
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	logger, err := logging.New(o.stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, logger, err
	}
	return a, logger, nil
}

var errTurnFailed = errors.New("turn failed")

func execute(ctx context.Context, args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errTurnFailed) {
			fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		}
		return exitError
	}
	return exitOK
}
