package ws

import (
	"context"
	"errors"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/pockode/chatrelay/session"
)

// JSONRPCNotifier adapts jsonrpc2.Conn to session.Transport.
type JSONRPCNotifier struct {
	conn *jsonrpc2.Conn
}

var _ session.Transport = (*JSONRPCNotifier)(nil)

func NewJSONRPCNotifier(conn *jsonrpc2.Conn) *JSONRPCNotifier {
	return &JSONRPCNotifier{conn: conn}
}

func (n *JSONRPCNotifier) Notify(ctx context.Context, method string, params any) error {
	return n.conn.Notify(ctx, method, params)
}

// Close is a no-op when the peer already disconnected.
func (n *JSONRPCNotifier) Close() error {
	err := n.conn.Close()
	if errors.Is(err, jsonrpc2.ErrClosed) {
		return nil
	}
	return err
}
