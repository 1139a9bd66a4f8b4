package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pockode/chatrelay/rpc"
)

const (
	redisOnlineKey     = "presence:online"
	redisEventsChannel = "presence:events"

	mirrorQueueSize = 1024
	mirrorTimeout   = 5 * time.Second
)

type transition struct {
	identity string
	online   bool
}

// RedisMirror publishes presence to Redis for other processes. Routing never
// reads it back. Transitions are applied by one worker goroutine so the set
// and the event stream follow registry order.
type RedisMirror struct {
	client *redis.Client

	mu     sync.Mutex
	closed bool
	queue  chan transition
	done   chan struct{}
}

// NewRedisMirror connects to redisURL and resets the shared presence set,
// which only this process writes.
func NewRedisMirror(ctx context.Context, redisURL string) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	if err := client.Del(ctx, redisOnlineKey).Err(); err != nil {
		client.Close()
		return nil, err
	}

	m := &RedisMirror{
		client: client,
		queue:  make(chan transition, mirrorQueueSize),
		done:   make(chan struct{}),
	}
	go m.run()
	return m, nil
}

func (m *RedisMirror) Online(ctx context.Context, identity string) {
	m.push(transition{identity: identity, online: true})
}

func (m *RedisMirror) Offline(ctx context.Context, identity string) {
	m.push(transition{identity: identity, online: false})
}

func (m *RedisMirror) push(t transition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	select {
	case m.queue <- t:
	default:
		slog.Warn("presence mirror queue full, transition dropped",
			"identity", t.identity,
			"online", t.online)
	}
}

func (m *RedisMirror) run() {
	defer close(m.done)

	for t := range m.queue {
		if err := m.apply(t); err != nil {
			slog.Warn("failed to mirror presence",
				"identity", t.identity,
				"online", t.online,
				"error", err)
		}
	}
}

func (m *RedisMirror) apply(t transition) error {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	payload, err := json.Marshal(rpc.PresenceChangedParams{Identity: t.identity, Online: t.online})
	if err != nil {
		return err
	}

	pipe := m.client.TxPipeline()
	if t.online {
		pipe.SAdd(ctx, redisOnlineKey, t.identity)
	} else {
		pipe.SRem(ctx, redisOnlineKey, t.identity)
	}
	pipe.Publish(ctx, redisEventsChannel, payload)
	_, err = pipe.Exec(ctx)
	return err
}

// Members returns the mirrored presence set, sorted.
func (m *RedisMirror) Members(ctx context.Context) ([]string, error) {
	members, err := m.client.SMembers(ctx, redisOnlineKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

// Close drains pending transitions and closes the Redis client.
func (m *RedisMirror) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()

	<-m.done
	return m.client.Close()
}
