// Package server normalizes and validates HTTP origins for API and WebSocket
// requests to enforce the configured cross-origin allow-list.
package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// placeholderOrigin marks an allow-list entry left unedited in a deploy
// template. Entries containing it, in any case, are ignored.
const placeholderOrigin = "YOUR_FRONTEND_URL"

// OriginPolicy decides which cross-origin callers may use the server. The
// same policy guards the HTTP API and the websocket handshake. It can be
// replaced at runtime with Update.
type OriginPolicy struct {
	mu           sync.RWMutex
	allowed      map[string]struct{}
	list         []string
	allowAll     bool
	allowMissing bool
	log          *slog.Logger
}

// NewOriginPolicy builds a policy from raw allow-list entries.
func NewOriginPolicy(origins []string, allowMissing bool, log *slog.Logger) *OriginPolicy {
	if log == nil {
		log = slog.Default()
	}
	p := &OriginPolicy{log: log}
	p.Update(origins, allowMissing)
	return p
}

// Update replaces the allow-list.
func (p *OriginPolicy) Update(origins []string, allowMissing bool) {
	normalized, allowAll := p.normalizeOrigins(origins)

	allowed := make(map[string]struct{}, len(normalized))
	for _, o := range normalized {
		allowed[o] = struct{}{}
	}

	p.mu.Lock()
	p.allowed = allowed
	p.list = normalized
	p.allowAll = allowAll
	p.allowMissing = allowMissing
	p.mu.Unlock()
}

// Origins returns the normalized allow-list, without the "*" wildcard.
func (p *OriginPolicy) Origins() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.list...)
}

// Allowed reports whether a request carrying the given Origin header value
// may proceed. An empty value means the header was absent.
func (p *OriginPolicy) Allowed(origin string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if origin == "" {
		return p.allowMissing
	}
	if p.allowAll {
		return true
	}

	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, exists := p.allowed[normalized]
	return exists
}

// checkOrigin is the websocket upgrader hook.
func (p *OriginPolicy) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if p.Allowed(origin) {
		return true
	}

	p.log.Warn("blocked websocket connection from disallowed origin", "origin", origin)
	return false
}

func (p *OriginPolicy) normalizeOrigins(origins []string) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	seen := make(map[string]struct{}, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" || strings.Contains(strings.ToUpper(trimmed), placeholderOrigin) {
			continue
		}

		if trimmed == "*" {
			allowAll = true
			continue
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			p.log.Warn("ignoring invalid origin in configuration", "origin", origin)
			continue
		}

		if _, dup := seen[normalizedOrigin]; dup {
			continue
		}
		seen[normalizedOrigin] = struct{}{}
		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	normalized := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
	return normalized, true
}
