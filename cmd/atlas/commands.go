package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/opentalon/atlas/internal/version"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, scheduler and tool host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, logger, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			logger.Info().Str("version", version.Get().String()).Msg("starting")
			return a.Serve(cmd.Context())
		},
	}
}

func newToolHostCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "toolhost",
		Short: "Serve only the capabilities, over HTTP, MCP and gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			return a.ServeToolHost(cmd.Context())
		},
	}
}

func newAskCmd(opts *rootOptions) *cobra.Command {
	var (
		session string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "ask <request>",
		Short: "Run one request and print the answer",
		Example: `  atlas ask "what's the weather in Paris?"
  atlas ask --json "where is Machu Picchu"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if session == "" {
				session = "cli:" + uuid.NewString()
			}
			out := a.Ask(cmd.Context(), session, strings.Join(args, " "))
			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				if err := enc.Encode(out); err != nil {
					return err
				}
			} else if out.OK() {
				fmt.Fprintln(w, out.Response)
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s error: %s\n", out.Kind, out.Response)
			}
			if !out.OK() {
				return errTurnFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session id (default: a new one)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full outcome as JSON")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get())
		},
	}
}
