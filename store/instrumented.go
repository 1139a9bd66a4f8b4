package store

import (
	"context"
	"time"

	"github.com/pockode/chatrelay/message"
	"github.com/pockode/chatrelay/metrics"
)

// Instrumented records per-operation latency of the wrapped Store.
type Instrumented struct {
	Store
}

func NewInstrumented(s Store) *Instrumented {
	return &Instrumented{Store: s}
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *Instrumented) Persist(ctx context.Context, msg *message.Message) error {
	defer observe("persist", time.Now())
	return s.Store.Persist(ctx, msg)
}

func (s *Instrumented) FindHistory(ctx context.Context, a, b string) ([]message.Message, error) {
	defer observe("find_history", time.Now())
	return s.Store.FindHistory(ctx, a, b)
}

func (s *Instrumented) MarkRead(ctx context.Context, id, reader string) (message.Message, error) {
	defer observe("mark_read", time.Now())
	return s.Store.MarkRead(ctx, id, reader)
}
