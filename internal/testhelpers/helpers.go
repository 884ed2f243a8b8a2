// Package testhelpers provides common utilities for testing the chat relay
// over real HTTP and websocket connections.
//
// It provides functions for dialing the websocket endpoint with an Origin
// header, exchanging protocol envelopes and asserting response properties to
// reduce code duplication in test files.
package testhelpers

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:3000"

// WebSocketURL converts an httptest server URL into the websocket endpoint URL.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// MakeRequest creates and executes an HTTP request with an optional Origin
// header, returning the response. It fails the test if the request cannot be
// created or executed.
func MakeRequest(t *testing.T, method, url, origin string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if origin != "" {
		req.Header.Set("Origin", origin)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	return resp
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// ConnectWebSocket dials url with TestOrigin.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	return ConnectWebSocketWithOrigin(url, TestOrigin)
}

// ConnectWebSocketWithOrigin dials url with the given Origin header. An empty
// origin sends no header.
func ConnectWebSocketWithOrigin(url, origin string) (*websocket.Conn, error) {
	conn, _, err := DialWebSocket(url, origin)
	return conn, err
}

// DialWebSocket is ConnectWebSocketWithOrigin that also reports the
// handshake status code, or 0 when no response was received. The status is
// reported even when the dial fails.
func DialWebSocket(url, origin string) (*websocket.Conn, int, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	status := 0
	if resp != nil {
		status = resp.StatusCode
		_ = resp.Body.Close()
	}
	return conn, status, err
}

// SendChatMessage sends a sendMessage envelope.
func SendChatMessage(conn *websocket.Conn, user, text string) error {
	frame, err := chat.EncodeSend(user, text)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// ReceiveChatMessage reads frames until a receiveMessage envelope arrives or
// the timeout expires, and returns its message.
func ReceiveChatMessage(conn *websocket.Conn, timeout time.Duration) (chat.Message, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return chat.Message{}, err
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return chat.Message{}, err
		}
		if gjson.GetBytes(raw, "event").String() != chat.EventReceiveMessage {
			continue
		}
		data := gjson.GetBytes(raw, "data")
		return chat.Message{
			ID:        data.Get("id").String(),
			User:      data.Get("user").String(),
			Text:      data.Get("text").String(),
			Timestamp: data.Get("timestamp").Time(),
		}, nil
	}
}

// ReceiveRawFrame reads one frame with a deadline.
func ReceiveRawFrame(conn *websocket.Conn, timeout time.Duration) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	_, raw, err := conn.ReadMessage()
	return raw, err
}

// ExpectNoFrame fails the test if a frame arrives within wait. The read
// deadline leaves conn unreadable afterwards, so call it last.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	raw, err := ReceiveRawFrame(conn, wait)
	if err == nil {
		t.Errorf("Expected no frame, got %s", raw)
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// WaitFor polls cond until it holds or the timeout expires.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting: %s", fmt.Sprintf(format, args...))
}
