package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pockode/chatrelay/client"
	"github.com/pockode/chatrelay/logger"
	"github.com/pockode/chatrelay/reconcile"
)

func newChatCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <user>",
		Short: "Chat with another user from the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, token, err := clientSettings(cmd, v)
			if err != nil {
				return err
			}
			logger.Init(logger.Config{Level: "warn", Output: cmd.ErrOrStderr()})

			c := client.New(client.Config{URL: url, Token: token, Peer: args[0]})
			return runChat(cmd.Context(), c, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	addClientFlags(cmd, v)
	return cmd
}

// runChat sends every input line to peer and prints events until input ends.
func runChat(ctx context.Context, c *client.Client, peer string, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-c.Events():
				if line := formatEvent(ev, c.Identity(), peer); line != "" {
					fmt.Fprintln(out, line)
				}
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case err := <-runErr:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				cancel()
				<-runErr
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if _, err := c.Send(ctx, peer, line); err != nil && !errors.Is(err, client.ErrNotConnected) {
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}

// formatEvent renders ev as one terminal line, or "" when there is nothing
// worth showing for this conversation.
func formatEvent(ev client.Event, self, peer string) string {
	switch ev.Kind {
	case client.EventConnected:
		return fmt.Sprintf("* connected as %s", ev.Identity)
	case client.EventDisconnected:
		if ev.Err != nil {
			return fmt.Sprintf("* disconnected: %v", ev.Err)
		}
		return "* disconnected"
	case client.EventPresence:
		if ev.Identity != peer {
			if ev.Identities != nil && slices.Contains(ev.Identities, peer) {
				return fmt.Sprintf("* %s is online", peer)
			}
			return ""
		}
		if ev.Online {
			return fmt.Sprintf("* %s is online", peer)
		}
		return fmt.Sprintf("* %s went offline", peer)
	case client.EventTyping:
		if ev.Identity != peer {
			return ""
		}
		if ev.Started {
			return fmt.Sprintf("* %s is typing...", peer)
		}
		return ""
	case client.EventMessage:
		return formatItem(ev.Item, ev.Outcome, self, peer)
	case client.EventHistory:
		var b strings.Builder
		for i, item := range ev.View {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(formatItem(item, reconcile.OutcomeAppended, self, peer))
		}
		return b.String()
	case client.EventFailed:
		return fmt.Sprintf("! not sent: %q (%s)", ev.Item.Message.Body, ev.Item.Reason)
	case client.EventRead:
		if ev.Item.Message.Receiver == peer {
			return fmt.Sprintf("* %s read %q", peer, ev.Item.Message.Body)
		}
	}
	return ""
}

func formatItem(item reconcile.Item, outcome reconcile.Outcome, self, peer string) string {
	msg := item.Message
	if msg.Sender != peer && msg.Receiver != peer {
		return ""
	}
	switch {
	case item.Pending:
		return fmt.Sprintf("  %s: %s (sending)", self, msg.Body)
	case outcome == reconcile.OutcomeReplaced:
		return fmt.Sprintf("  %s: %s (sent %s)", msg.Sender, msg.Body, msg.CreatedAt.Format("15:04"))
	default:
		return fmt.Sprintf("[%s] %s: %s", msg.CreatedAt.Format("15:04"), msg.Sender, msg.Body)
	}
}
