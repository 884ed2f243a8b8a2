package server

import (
	"net/http"
	"strings"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

var (
	corsMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodOptions}, ", ")
	corsHeaders = "Content-Type"
)

// cors applies the origin policy to every HTTP request. Disallowed origins get
// 403, allowed ones get the Access-Control headers, and preflight requests are
// answered here with 204.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if !s.origins.Allowed(origin) {
			s.log.Warn("blocked request", "origin", origin, "path", r.URL.Path, "err", chat.ErrOriginRejected)
			http.Error(w, chat.ErrOriginRejected.Error(), http.StatusForbidden)
			return
		}

		if origin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
