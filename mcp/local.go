package mcp

import (
	"context"

	"github.com/pockode/chatrelay/directory"
	"github.com/pockode/chatrelay/message"
	"github.com/pockode/chatrelay/presence"
	"github.com/pockode/chatrelay/relay"
	"github.com/pockode/chatrelay/rpc"
)

// LocalBackend runs tools in the server process.
type LocalBackend struct {
	relay     *relay.Relay
	presence  *presence.Broadcaster
	directory directory.Directory
}

func NewLocalBackend(rl *relay.Relay, pb *presence.Broadcaster, dir directory.Directory) *LocalBackend {
	return &LocalBackend{relay: rl, presence: pb, directory: dir}
}

func (b *LocalBackend) Online(ctx context.Context) ([]string, error) {
	return b.presence.Online(), nil
}

func (b *LocalBackend) Users(ctx context.Context, identity string) ([]rpc.UserEntry, error) {
	return b.presence.Annotate(b.directory.ListOthers(identity)), nil
}

func (b *LocalBackend) History(ctx context.Context, identity, with string) ([]message.Message, error) {
	return b.relay.History(ctx, identity, with)
}

func (b *LocalBackend) SendAs(ctx context.Context, identity string, req rpc.SendParams) (message.Message, error) {
	return b.relay.SendAs(ctx, identity, req)
}
