//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks

// Package store persists chat messages. Every backend is append-only: a
// message gets its id and timestamp on Append and is never changed afterwards.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// DefaultHistoryLimit is the number of messages returned by RecentHistory
// when the caller passes a non-positive limit.
const DefaultHistoryLimit = 50

// Store is the persistence contract consumed by the hub.
type Store interface {
	// Append assigns an id and a timestamp to c, persists it and returns the
	// stored record. Failures wrap chat.ErrPersistence.
	Append(ctx context.Context, c chat.Candidate) (chat.Message, error)

	// RecentHistory returns up to limit of the most recent messages, oldest first.
	RecentHistory(ctx context.Context, limit int) ([]chat.Message, error)

	Close() error
}

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// Config selects and locates a backend.
type Config struct {
	Driver string `yaml:"driver"`
	// Path is the sqlite file or the badger directory. An empty badger path
	// runs badger in memory.
	Path string `yaml:"path"`
}

// Open builds the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverMemory, "":
		return NewMemory(), nil
	case DriverSQLite:
		s, err := OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverBadger:
		b, err := OpenBadger(cfg.Path)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}

func persistenceErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", chat.ErrPersistence, op, err)
}

// clock hands out timestamps that never go backwards, even if the wall clock
// does. Equal timestamps keep insertion order through the backend's ids.
type clock struct {
	mu   sync.Mutex
	now  func() time.Time // injectable for deterministic tests
	last time.Time
}

func newClock() *clock {
	return &clock{now: time.Now}
}

func (c *clock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC()
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}

// observe raises the floor to t, used when reopening a persisted store.
func (c *clock) observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.last) {
		c.last = t
	}
}
