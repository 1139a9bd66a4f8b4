// Package relay routes direct messages and typing signals between sessions.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pockode/chatrelay/logger"
	"github.com/pockode/chatrelay/message"
	"github.com/pockode/chatrelay/metrics"
	"github.com/pockode/chatrelay/registry"
	"github.com/pockode/chatrelay/rpc"
	"github.com/pockode/chatrelay/session"
	"github.com/pockode/chatrelay/store"
)

var ErrPersistence = errors.New("message could not be persisted")

const DefaultPersistTimeout = 10 * time.Second

type Config struct {
	MaxBodyLength  int
	PersistTimeout time.Duration
}

// Relay validates, persists and routes messages. It never queues for an
// absent receiver: offline users recover through history.
type Relay struct {
	cfg      Config
	store    store.Store
	registry *registry.Registry
}

func New(cfg Config, st store.Store, reg *registry.Registry) *Relay {
	if cfg.MaxBodyLength <= 0 {
		cfg.MaxBodyLength = message.DefaultMaxBodyLength
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	return &Relay{cfg: cfg, store: st, registry: reg}
}

// Send relays a message from an announced session. The sender always gets
// exactly one outcome on its own session: message.new as the ack, or
// message.error.
func (r *Relay) Send(ctx context.Context, from *session.Session, req rpc.SendParams) (message.Message, error) {
	return r.send(ctx, from.Identity(), req, from)
}

// SendAs relays on behalf of sender without a session of its own. The ack
// goes to sender's live session when one exists.
func (r *Relay) SendAs(ctx context.Context, sender string, req rpc.SendParams) (message.Message, error) {
	ackTo, _ := r.registry.Lookup(sender)
	return r.send(ctx, sender, req, ackTo)
}

func (r *Relay) send(ctx context.Context, sender string, req rpc.SendParams, ackTo *session.Session) (message.Message, error) {
	log := slog.With("sender", sender, "receiver", req.Receiver, "clientToken", req.ClientToken)

	if err := message.Validate(sender, req.Receiver, req.Body, r.cfg.MaxBodyLength); err != nil {
		metrics.MessagesSent.WithLabelValues("validation").Inc()
		log.Debug("message rejected", "error", err, "bodyLength", len(req.Body))
		r.reject(ackTo, req, rpc.ErrorCodeValidation, err)
		return message.Message{}, err
	}

	msg := &message.Message{
		Sender:   sender,
		Receiver: req.Receiver,
		Body:     message.NormalizeBody(req.Body),
		ReadBy:   []string{},
	}
	// the receiver counts as delivered whether or not it is online
	msg.MarkDelivered(req.Receiver)

	// A closed connection must not abort a write the sender may already
	// consider in flight.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PersistTimeout)
	err := r.store.Persist(persistCtx, msg)
	cancel()
	if err != nil {
		metrics.MessagesSent.WithLabelValues("persistence").Inc()
		log.Error("failed to persist message", "error", err)
		r.reject(ackTo, req, rpc.ErrorCodePersistence, ErrPersistence)
		return message.Message{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	metrics.MessagesSent.WithLabelValues("ok").Inc()

	if target, ok := r.registry.Lookup(msg.Receiver); ok {
		if target.Enqueue(rpc.MethodMessageNew, rpc.MessageNewParams{Message: *msg}) {
			metrics.Deliveries.WithLabelValues("receiver").Inc()
		}
	}

	if ackTo != nil {
		if ackTo.Enqueue(rpc.MethodMessageNew, rpc.MessageNewParams{Message: *msg, ClientToken: req.ClientToken}) {
			metrics.Deliveries.WithLabelValues("ack").Inc()
		}
	}

	log.Debug("message relayed", "messageId", msg.ID, "body", logger.Truncate(msg.Body, 40))
	return *msg, nil
}

func (r *Relay) reject(to *session.Session, req rpc.SendParams, code rpc.ErrorCode, cause error) {
	if to == nil {
		return
	}
	to.Enqueue(rpc.MethodMessageError, rpc.SendErrorParams{
		ClientToken: req.ClientToken,
		Receiver:    req.Receiver,
		Body:        req.Body,
		Code:        code,
		Reason:      cause.Error(),
	})
}

// MarkRead records that reader has read the message. Only the receiver may
// mark a message read. The sender's live session is notified the first time.
func (r *Relay) MarkRead(ctx context.Context, reader, messageID string) (message.Message, error) {
	msg, err := r.store.Get(ctx, messageID)
	if err != nil {
		return message.Message{}, err
	}
	if msg.Receiver != reader {
		return message.Message{}, message.ErrNotReceiver
	}
	if msg.IsReadBy(reader) {
		return msg, nil
	}

	updated, err := r.store.MarkRead(ctx, messageID, reader)
	if err != nil {
		return message.Message{}, fmt.Errorf("mark read: %w", err)
	}

	if s, ok := r.registry.Lookup(updated.Sender); ok {
		s.Enqueue(rpc.MethodMessageRead, rpc.MessageReadParams{Message: updated})
	}
	return updated, nil
}

// History returns the conversation between caller and other, oldest first.
func (r *Relay) History(ctx context.Context, caller, other string) ([]message.Message, error) {
	if other == "" || other == caller {
		return nil, message.ErrInvalidReceiver
	}
	return r.store.FindHistory(ctx, caller, other)
}
