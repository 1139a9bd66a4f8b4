package presence

import "context"

// Mirror receives online/offline transitions in registry order. It is called
// with the broadcaster lock held and must not block.
type Mirror interface {
	Online(ctx context.Context, identity string)
	Offline(ctx context.Context, identity string)
}
