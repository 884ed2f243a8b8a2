// Package server implements the HTTP and WebSocket surface of the chat relay.
//
// The implementation is organized into specialized files for configuration,
// origin policy, clients, routing, metrics and HTTP handlers. Message intake,
// persistence and fan-out live in the hub package; this package only adapts
// websocket connections and HTTP requests to it.
package server
