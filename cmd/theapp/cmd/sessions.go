package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/theapp/server/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Session maintenance",
	Long:  `Commands for maintaining stored sessions outside the running server.`,
}

var sessionsReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Delete sessions idle past the inactivity timeout",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		st, err := openStores(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		reaper, err := session.NewReaper(st.sessions, cfg.InactivityTimeout, cfg.ReapInterval,
			session.WithReaperLogger(logger))
		if err != nil {
			return err
		}
		return reapSessions(cmd.Context(), cmd.OutOrStdout(), reaper)
	},
}

func reapSessions(ctx context.Context, out io.Writer, reaper *session.Reaper) error {
	n, err := reaper.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "removed %d expired sessions\n", n)
	return nil
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsReapCmd)
}
