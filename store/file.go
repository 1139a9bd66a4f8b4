package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pockode/chatrelay/message"
)

type recordOp string

const (
	opMessage recordOp = "message"
	opRead    recordOp = "read"
)

// record is one line of messages.jsonl. The file is append-only; read
// receipts are recorded as separate lines and replayed on load.
type record struct {
	Op      recordOp         `json:"op"`
	Message *message.Message `json:"message,omitempty"`
	ID      string           `json:"id,omitempty"`
	Reader  string           `json:"reader,omitempty"`
}

// FileStore implements Store on a JSONL log with an in-memory index.
type FileStore struct {
	path string

	mu       sync.RWMutex
	messages map[string]*message.Message
	byPair   map[pairKey][]string // pair -> message IDs in persistence order
}

type pairKey struct{ lo, hi string }

func newPairKey(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// NewFileStore opens (or creates) dataDir/messages/messages.jsonl and replays it.
func NewFileStore(dataDir string) (*FileStore, error) {
	dir := filepath.Join(dataDir, "messages")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	s := &FileStore{
		path:     filepath.Join(dir, "messages.jsonl"),
		messages: make(map[string]*message.Message),
		byPair:   make(map[pairKey][]string),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return s, nil
}

func (s *FileStore) load() error {
	file, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		s.apply(rec)
	}
	return scanner.Err()
}

// apply updates the in-memory index. Caller must hold mu (or be in load).
func (s *FileStore) apply(rec record) {
	switch rec.Op {
	case opMessage:
		if rec.Message == nil {
			return
		}
		msg := *rec.Message
		s.messages[msg.ID] = &msg
		key := newPairKey(msg.Sender, msg.Receiver)
		s.byPair[key] = append(s.byPair[key], msg.ID)
	case opRead:
		if msg, ok := s.messages[rec.ID]; ok {
			msg.MarkRead(rec.Reader)
		}
	}
}

func (s *FileStore) appendRecord(rec record) error {
	file, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = file.Write(data)
	return err
}

func (s *FileStore) Persist(ctx context.Context, msg *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	assignIdentity(msg, time.Now())
	stored := cloneMessage(*msg)
	rec := record{Op: opMessage, Message: &stored}
	if err := s.appendRecord(rec); err != nil {
		return err
	}
	s.apply(rec)
	return nil
}

func (s *FileStore) Get(ctx context.Context, id string) (message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return message.Message{}, message.ErrNotFound
	}
	return cloneMessage(*msg), nil
}

func (s *FileStore) FindHistory(ctx context.Context, a, b string) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byPair[newPairKey(a, b)]
	out := make([]message.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneMessage(*s.messages[id]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *FileStore) MarkRead(ctx context.Context, id, reader string) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return message.Message{}, message.ErrNotFound
	}
	if msg.IsReadBy(reader) {
		return cloneMessage(*msg), nil
	}

	rec := record{Op: opRead, ID: id, Reader: reader}
	if err := s.appendRecord(rec); err != nil {
		return message.Message{}, err
	}
	s.apply(rec)
	return cloneMessage(*msg), nil
}

func (s *FileStore) Ping(ctx context.Context) error {
	_, err := os.Stat(filepath.Dir(s.path))
	return err
}

func (s *FileStore) Close() error { return nil }

func cloneMessage(m message.Message) message.Message {
	m.DeliveredTo = append([]string{}, m.DeliveredTo...)
	m.ReadBy = append([]string{}, m.ReadBy...)
	return m
}
