package store

import (
	"context"
	"strconv"
	"sync"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// Memory keeps messages in process memory. It is the default for tests and
// local development; everything is lost on restart.
type Memory struct {
	mu       sync.RWMutex
	messages []chat.Message
	nextID   uint64
	closed   bool
	clock    *clock
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{clock: newClock()}
}

// Append stores c with the next sequential id.
func (m *Memory) Append(ctx context.Context, c chat.Candidate) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, persistenceErr("append", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return chat.Message{}, persistenceErr("append", chat.ErrStoreClosed)
	}

	m.nextID++
	msg := chat.Message{
		ID:        strconv.FormatUint(m.nextID, 10),
		User:      c.User,
		Text:      c.Text,
		Timestamp: m.clock.next(),
	}
	m.messages = append(m.messages, msg)
	return msg, nil
}

// RecentHistory returns a copy of the newest limit messages, oldest first.
func (m *Memory) RecentHistory(ctx context.Context, limit int) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, persistenceErr("history", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, persistenceErr("history", chat.ErrStoreClosed)
	}

	start := len(m.messages) - normalizeLimit(limit)
	if start < 0 {
		start = 0
	}
	return append([]chat.Message{}, m.messages[start:]...), nil
}

// Close marks the store closed; later calls fail with chat.ErrPersistence.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
