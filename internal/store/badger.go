package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

var (
	messagePrefix = []byte("msg:")
	sequenceKey   = []byte("seq:messages")
)

// Badger stores messages in a badger key-value database. Keys are
// "msg:{sequence}" with the sequence zero-padded to 20 digits, so
// lexicographic key order is insertion order.
type Badger struct {
	db    *badger.DB
	seq   *badger.Sequence
	clock *clock

	// held across sequence allocation and write so key order matches
	// timestamp order
	writeMu sync.Mutex
}

type badgerRecord struct {
	ID   uint64 `json:"id"`
	User string `json:"user"`
	Text string `json:"text"`
	At   int64  `json:"at"`
}

// OpenBadger opens the database in dir. An empty dir runs in memory.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger %q: %w", dir, err)
	}

	seq, err := db.GetSequence(sequenceKey, 100)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: badger sequence: %w", err)
	}

	b := &Badger{db: db, seq: seq, clock: newClock()}

	last, err := b.history(1)
	if err != nil {
		_ = seq.Release()
		_ = db.Close()
		return nil, fmt.Errorf("store: badger read last message: %w", err)
	}
	if len(last) == 1 {
		b.clock.observe(last[0].Timestamp)
	}
	return b, nil
}

// Append writes c under the next sequence number.
func (b *Badger) Append(ctx context.Context, c chat.Candidate) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, persistenceErr("append", err)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	n, err := b.seq.Next()
	if err != nil {
		return chat.Message{}, persistenceErr("next sequence", err)
	}
	rec := badgerRecord{ID: n + 1, User: c.User, Text: c.Text, At: b.clock.next().UnixNano()}

	value, err := json.Marshal(rec)
	if err != nil {
		return chat.Message{}, persistenceErr("encode message", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(rec.ID), value)
	})
	if err != nil {
		return chat.Message{}, persistenceErr("write message", err)
	}
	return rec.message(), nil
}

// RecentHistory scans the message prefix backwards and returns the newest
// limit messages, oldest first.
func (b *Badger) RecentHistory(ctx context.Context, limit int) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, persistenceErr("history", err)
	}
	msgs, err := b.history(normalizeLimit(limit))
	if err != nil {
		return nil, persistenceErr("history", err)
	}
	return msgs, nil
}

func (b *Badger) history(limit int) ([]chat.Message, error) {
	msgs := make([]chat.Message, 0, limit)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = messagePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, messagePrefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(messagePrefix) && len(msgs) < limit; it.Next() {
			var rec badgerRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			msgs = append(msgs, rec.message())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return lo.Reverse(msgs), nil
}

// Close releases the sequence lease and closes the database.
func (b *Badger) Close() error {
	if err := b.seq.Release(); err != nil {
		_ = b.db.Close()
		return fmt.Errorf("store: release badger sequence: %w", err)
	}
	return b.db.Close()
}

func messageKey(id uint64) []byte {
	return []byte(fmt.Sprintf("msg:%020d", id))
}

func (r badgerRecord) message() chat.Message {
	return chat.Message{
		ID:        strconv.FormatUint(r.ID, 10),
		User:      r.User,
		Text:      r.Text,
		Timestamp: time.Unix(0, r.At).UTC(),
	}
}
