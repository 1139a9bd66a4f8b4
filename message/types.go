// Package message defines the direct message record shared by the relay,
// the stores, and the client reconciliation engine.
package message

import (
	"errors"
	"slices"
	"time"
)

var (
	ErrNotFound        = errors.New("message not found")
	ErrEmptyBody       = errors.New("message body is empty")
	ErrBodyTooLong     = errors.New("message body is too long")
	ErrInvalidReceiver = errors.New("invalid receiver")
	ErrNotReceiver     = errors.New("only the receiver can mark a message as read")
)

// Message is a directed communication unit between two identities.
// ID and CreatedAt are assigned by the store at persistence time.
type Message struct {
	ID          string    `json:"id"`
	Sender      string    `json:"sender"`
	Receiver    string    `json:"receiver"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
	DeliveredTo []string  `json:"delivered_to"`
	ReadBy      []string  `json:"read_by"`
}

// Key is the content tuple a client uses to match an optimistic placeholder
// with its authoritative copy when no correlation token is available.
type Key struct {
	Sender   string
	Receiver string
	Body     string
}

func (m Message) Key() Key {
	return Key{Sender: m.Sender, Receiver: m.Receiver, Body: m.Body}
}

// MarkDelivered adds identity to DeliveredTo. Returns false if already present.
func (m *Message) MarkDelivered(identity string) bool {
	return addToSet(&m.DeliveredTo, identity)
}

// MarkRead adds identity to ReadBy. Returns false if already present.
func (m *Message) MarkRead(identity string) bool {
	return addToSet(&m.ReadBy, identity)
}

func (m Message) IsReadBy(identity string) bool {
	return slices.Contains(m.ReadBy, identity)
}

func addToSet(set *[]string, v string) bool {
	if slices.Contains(*set, v) {
		return false
	}
	*set = append(*set, v)
	return true
}
