// Package cmd wires the chatrelay command line.
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/pockode/chatrelay/config"
)

// Version is set at build time with -ldflags.
var Version = "dev"

func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	v := config.New()

	rootCmd := &cobra.Command{
		Use:           "chatrelay",
		Short:         "Direct message relay with presence and typing indicators",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default chatrelay.toml in . or the data dir)")
	flags.String("data-dir", "data", "directory for messages, users and logs")
	_ = v.BindPFlag(config.KeyConfig, flags.Lookup("config"))
	_ = v.BindPFlag(config.KeyDataDir, flags.Lookup("data-dir"))

	rootCmd.AddCommand(
		newServeCmd(v),
		newUsersCmd(v),
		newChatCmd(v),
		newMCPCmd(v),
		newVersionCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write([]byte(Version + "\n"))
			return err
		},
	}
}
