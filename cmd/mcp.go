package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pockode/chatrelay/client"
	"github.com/pockode/chatrelay/logger"
	"github.com/pockode/chatrelay/mcp"
)

const connectTimeout = 10 * time.Second

func newMCPCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve relay tools to an AI agent over stdio",
		Long:  "mcp connects to a running relay as the token's user and exposes chat tools over the MCP stdio transport.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, token, err := clientSettings(cmd, v)
			if err != nil {
				return err
			}
			// stdout carries the MCP protocol.
			logger.Init(logger.Config{Level: v.GetString("log_level"), Output: os.Stderr})

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			c := client.New(client.Config{URL: url, Token: token})
			runErr := make(chan error, 1)
			go func() { runErr <- c.Run(ctx) }()

			waitCtx, waitCancel := context.WithTimeout(ctx, connectTimeout)
			defer waitCancel()
			if err := c.WaitConnected(waitCtx); err != nil {
				select {
				case err := <-runErr:
					return err
				default:
				}
				return fmt.Errorf("connect to %s: %w", url, err)
			}

			return mcp.NewServer(c, c.Identity()).ServeStdio()
		},
	}
	addClientFlags(cmd, v)
	return cmd
}
