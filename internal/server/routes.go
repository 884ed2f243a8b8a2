// Package server wires HTTP handlers into a ServeMux for the chat relay via
// routing helpers.
package server

import "net/http"

// Routes returns the application handler: every route sits behind the
// cross-origin policy.
func (s *Server) Routes() http.Handler {
	return s.cors(s.SetupRoutes())
}

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
func (s *Server) SetupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/messages", s.handleMessages)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /test", s.handleTestPage)
	return mux
}
