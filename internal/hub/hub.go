// Package hub coordinates message intake, persistence and fan-out. The Hub
// owns the connection registry; transports report connection lifecycle
// events and inbound frames, and the Hub pushes every persisted message to
// all registered connections.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// IntakeHook is told about every inbound message that was dropped, either
// because it failed validation or because it could not be persisted. c is nil
// when the sender is no longer registered.
type IntakeHook interface {
	IntakeFailed(c Conn, err error)
}

// IntakeHookFunc adapts a function to IntakeHook.
type IntakeHookFunc func(c Conn, err error)

// IntakeFailed calls f(c, err).
func (f IntakeHookFunc) IntakeFailed(c Conn, err error) { f(c, err) }

// Stats is a point-in-time copy of the hub counters.
type Stats struct {
	Connections      int
	Connects         uint64
	Disconnects      uint64
	Persisted        uint64
	Delivered        uint64
	Evicted          uint64
	ValidationDrops  uint64
	PersistenceDrops uint64
	ThrottleDrops    uint64
}

type counters struct {
	connects         atomic.Uint64
	disconnects      atomic.Uint64
	persisted        atomic.Uint64
	delivered        atomic.Uint64
	evicted          atomic.Uint64
	validationDrops  atomic.Uint64
	persistenceDrops atomic.Uint64
	throttleDrops    atomic.Uint64
}

// hookHolder lets an interface value live in an atomic.Pointer.
type hookHolder struct {
	IntakeHook
}

// Hub is safe for concurrent use. It runs no goroutines of its own; all work
// happens on the caller's goroutine.
type Hub struct {
	store        store.Store
	registry     *Registry
	log          *slog.Logger
	limits       chat.Limits
	historyLimit int
	hook         atomic.Pointer[hookHolder]

	// publishMu spans Append and Broadcast so frames reach every connection
	// in the order the store accepted them.
	publishMu sync.Mutex

	stats counters
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// WithHistoryLimit sets how many messages FetchHistory returns.
func WithHistoryLimit(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.historyLimit = n
		}
	}
}

// WithLimits sets the field length limits applied to inbound messages.
func WithLimits(l chat.Limits) Option {
	return func(h *Hub) { h.limits = l }
}

// WithIntakeHook installs a hook for dropped inbound messages.
func WithIntakeHook(hook IntakeHook) Option {
	return func(h *Hub) { h.SetIntakeHook(hook) }
}

// New creates a Hub persisting through st.
func New(st store.Store, opts ...Option) *Hub {
	h := &Hub{
		store:        st,
		registry:     NewRegistry(),
		log:          slog.Default(),
		historyLimit: store.DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With("component", "hub")
	return h
}

// SetIntakeHook replaces the intake hook. It may be called while traffic is
// flowing; a nil hook restores silent drops.
func (h *Hub) SetIntakeHook(hook IntakeHook) {
	if hook == nil {
		h.hook.Store(nil)
		return
	}
	h.hook.Store(&hookHolder{hook})
}

// OnConnect registers c. Registering the same id twice is a no-op.
func (h *Hub) OnConnect(c Conn) {
	if !h.registry.Add(c) {
		return
	}
	h.stats.connects.Add(1)
	h.log.Info("connection registered", "connID", c.ID(), "connections", h.registry.Len())
}

// OnDisconnect unregisters the connection with the given id. Unknown ids are
// ignored, so transports may call it more than once.
func (h *Hub) OnDisconnect(id string) {
	if _, ok := h.registry.Remove(id); !ok {
		return
	}
	h.stats.disconnects.Add(1)
	h.log.Info("connection unregistered", "connID", id, "connections", h.registry.Len())
}

// OnClientMessage handles the data object of a sendMessage frame received on
// connection id. The message is validated, persisted and broadcast. Failures
// are logged and handed to the intake hook; nothing is returned to the caller.
func (h *Hub) OnClientMessage(ctx context.Context, id string, data []byte) {
	candidate, err := chat.DecodeCandidate(data, h.limits)
	if err != nil {
		h.stats.validationDrops.Add(1)
		h.log.Warn("dropping malformed message", "connID", id, "err", err)
		h.intakeFailed(id, err)
		return
	}

	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	msg, err := h.store.Append(ctx, candidate)
	if err != nil {
		h.stats.persistenceDrops.Add(1)
		h.log.Error("dropping message that could not be saved", "connID", id, "err", err)
		h.intakeFailed(id, err)
		return
	}
	h.stats.persisted.Add(1)

	h.Broadcast(msg)
}

// OnThrottled records a frame from connection id that the transport refused
// to process because the sender exceeded its rate limit. The frame never
// reaches the store; the drop is counted and handed to the intake hook.
func (h *Hub) OnThrottled(id string) {
	h.stats.throttleDrops.Add(1)
	h.log.Warn("dropping rate-limited message", "connID", id)
	h.intakeFailed(id, chat.ErrRateLimited)
}

// Broadcast sends msg to every registered connection, the sender included.
// A connection that cannot take the frame is removed and closed without
// affecting delivery to the others. It returns the number of connections
// the frame was queued on.
func (h *Hub) Broadcast(msg chat.Message) int {
	frame, err := chat.EncodeReceive(msg)
	if err != nil {
		h.log.Error("encode broadcast", "messageID", msg.ID, "err", err)
		return 0
	}

	conns := h.registry.Snapshot()
	delivered := 0
	var failed []Conn
	for _, c := range conns {
		if h.safeSend(c, frame) {
			delivered++
			continue
		}
		failed = append(failed, c)
	}
	h.stats.delivered.Add(uint64(delivered))

	h.log.Debug("broadcast message", "messageID", msg.ID, "delivered", delivered, "failed", len(failed))
	h.evict(failed)
	return delivered
}

// safeSend keeps a panicking transport from taking the hub down with it.
func (h *Hub) safeSend(c Conn, frame []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("recovered from panic in send", "connID", c.ID(), "panic", r)
			ok = false
		}
	}()
	return c.Send(frame)
}

func (h *Hub) evict(failed []Conn) {
	for _, c := range failed {
		if !h.registry.removeIf(c.ID(), c) {
			continue
		}
		h.stats.evicted.Add(1)
		h.stats.disconnects.Add(1)
		h.log.Warn("connection removed after failed delivery", "connID", c.ID())
		c.Close()
	}
}

// FetchHistory returns the most recent messages, oldest first.
func (h *Hub) FetchHistory(ctx context.Context) ([]chat.Message, error) {
	msgs, err := h.store.RecentHistory(ctx, h.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", chat.ErrHistoryFetch, err)
	}
	return msgs, nil
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	return h.registry.Len()
}

// Stats returns a copy of the hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Connections:      h.registry.Len(),
		Connects:         h.stats.connects.Load(),
		Disconnects:      h.stats.disconnects.Load(),
		Persisted:        h.stats.persisted.Load(),
		Delivered:        h.stats.delivered.Load(),
		Evicted:          h.stats.evicted.Load(),
		ValidationDrops:  h.stats.validationDrops.Load(),
		PersistenceDrops: h.stats.persistenceDrops.Load(),
		ThrottleDrops:    h.stats.throttleDrops.Load(),
	}
}

// CloseAll unregisters and closes every connection. Used during shutdown.
func (h *Hub) CloseAll() {
	conns := h.registry.drain()
	for _, c := range conns {
		c.Close()
	}
	h.stats.disconnects.Add(uint64(len(conns)))
	h.log.Info("closed all connections", "count", len(conns))
}

func (h *Hub) intakeFailed(id string, err error) {
	holder := h.hook.Load()
	if holder == nil {
		return
	}
	c, _ := h.registry.Get(id)
	holder.IntakeFailed(c, err)
}
