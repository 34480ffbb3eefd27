package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/theapp/server/config"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "theapp",
	Short: "theapp is the session authentication server",
	Long: `Serves account sign-up, sign-in and session management over HTTP.
Configuration comes from flags, the environment and an optional .env file.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())
}
