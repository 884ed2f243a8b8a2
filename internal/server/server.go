// Package server implements the HTTP server functionality for the chat relay.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/hub"
)

// Server owns the HTTP surface of the relay: the websocket endpoint, the
// history API and the operational endpoints. Connection state lives in the hub.
type Server struct {
	hub      *hub.Hub
	origins  *OriginPolicy
	log      *slog.Logger
	upgrader websocket.Upgrader

	cfgMu sync.RWMutex
	cfg   Config

	// ctx is handed to clients and cancelled on Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Server backed by h. When cfg.AckErrors is set, dropped
// messages are reported back to their sender.
func New(cfg *Config, h *hub.Hub, log *slog.Logger) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "server")

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		hub:     h,
		origins: NewOriginPolicy(cfg.AllowedOrigins, cfg.AllowMissingOrigin, log),
		log:     log,
		cfg:     *cfg,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}

	if cfg.AckErrors {
		h.SetIntakeHook(&AckHook{log: log})
	}
	return s
}

// Origins returns the policy shared by the API and the websocket handshake.
func (s *Server) Origins() *OriginPolicy {
	return s.origins
}

// ApplyConfig swaps in the settings that can change without a restart: the
// origin allow-list and the limits used for new connections.
func (s *Server) ApplyConfig(cfg *Config) {
	s.origins.Update(cfg.AllowedOrigins, cfg.AllowMissingOrigin)

	s.cfgMu.Lock()
	s.cfg.MaxMessageSize = cfg.MaxMessageSize
	s.cfg.SendBuffer = cfg.SendBuffer
	s.cfg.RateLimit = cfg.RateLimit
	s.cfgMu.Unlock()

	s.log.Info("configuration reloaded", "allowedOrigins", s.origins.Origins())
}

func (s *Server) currentConfig() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Shutdown closes every client and waits for their pumps to exit, or until
// the timeout is reached.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.log.Info("shutting down websocket clients")
	s.cancel()
	s.hub.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("websocket clients stopped")
		return nil
	case <-time.After(timeout):
		s.log.Warn("shutdown timeout reached, some client goroutines may still be running")
		return context.DeadlineExceeded
	}
}

// AckHook answers a dropped message with an error frame on the sender's
// connection.
type AckHook struct {
	log *slog.Logger
}

var _ hub.IntakeHook = (*AckHook)(nil)

// IntakeFailed implements hub.IntakeHook.
func (a *AckHook) IntakeFailed(c hub.Conn, err error) {
	if c == nil {
		return
	}

	reason := "message rejected"
	switch {
	case errors.Is(err, chat.ErrPersistence):
		reason = "message could not be saved"
	case errors.Is(err, chat.ErrRateLimited):
		reason = chat.ErrRateLimited.Error()
	}

	frame, encErr := chat.EncodeError(reason)
	if encErr != nil {
		a.log.Error("encode error frame", "err", encErr)
		return
	}
	if !c.Send(frame) {
		a.log.Debug("error frame not queued", "connID", c.ID())
	}
}
