package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/hub"
	"github.com/Tyrowin/chatrelay/internal/mocks"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/store"
	"github.com/Tyrowin/chatrelay/internal/testhelpers"
)

const (
	receiveTimeout = 2 * time.Second
	silenceWindow  = 300 * time.Millisecond
	evilOrigin     = "https://evil.example.com"
)

type testEnv struct {
	ts  *httptest.Server
	srv *server.Server
	hub *hub.Hub
	ws  string
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, st store.Store, mutate func(*server.Config)) *testEnv {
	t.Helper()

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{testhelpers.TestOrigin}
	if mutate != nil {
		mutate(cfg)
	}
	return newTestEnvWithConfig(t, st, cfg)
}

// newDefaultTestEnv runs the relay with the configuration an operator gets
// from LoadConfig with no file and no environment.
func newDefaultTestEnv(t *testing.T) (*testEnv, *server.Config) {
	t.Helper()
	for _, k := range []string{
		"PORT", "APP_ENV", "ALLOWED_ORIGINS", "ALLOW_MISSING_ORIGIN", "MAX_MESSAGE_SIZE",
		"SEND_BUFFER", "HISTORY_LIMIT", "MAX_USER_LENGTH", "MAX_TEXT_LENGTH", "ACK_ERRORS",
		"LOG_LEVEL", "RATE_LIMIT_BURST", "RATE_LIMIT_REFILL_INTERVAL", "STORE_DRIVER", "STORE_PATH",
	} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}

	cfg, err := server.LoadConfig("")
	require.NoError(t, err)
	return newTestEnvWithConfig(t, store.NewMemory(), cfg), cfg
}

func newTestEnvWithConfig(t *testing.T, st store.Store, cfg *server.Config) *testEnv {
	t.Helper()

	h := hub.New(st,
		hub.WithLogger(quietLogger()),
		hub.WithHistoryLimit(cfg.HistoryLimit),
		hub.WithLimits(chat.Limits{MaxUser: cfg.MaxUserLength, MaxText: cfg.MaxTextLength}),
	)
	srv := server.New(cfg, h, quietLogger())
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		_ = srv.Shutdown(2 * time.Second)
		ts.Close()
	})

	return &testEnv{ts: ts, srv: srv, hub: h, ws: testhelpers.WebSocketURL(ts.URL)}
}

// connect dials the relay and waits until the hub has registered the client.
func (e *testEnv) connect(t *testing.T) *websocket.Conn {
	t.Helper()
	before := e.hub.Stats().Connects
	conn, err := testhelpers.ConnectWebSocket(e.ws)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	testhelpers.WaitFor(t, receiveTimeout, func() bool { return e.hub.Stats().Connects > before },
		"connection registration")
	return conn
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, store.NewMemory(), nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.ts.URL+"/", "")
	defer func() { _ = resp.Body.Close() }()
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "Chat Server Running", string(body))

	unknown := testhelpers.MakeRequest(t, http.MethodGet, env.ts.URL+"/nope", "")
	defer func() { _ = unknown.Body.Close() }()
	testhelpers.AssertStatusCode(t, unknown, http.StatusNotFound)
}

func TestMessagesEndpointReturnsRecentHistoryOldestFirst(t *testing.T) {
	req := require.New(t)
	st := store.NewMemory()
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		_, err := st.Append(ctx, chat.Candidate{User: "u", Text: fmt.Sprintf("msg %d", i)})
		req.NoError(err)
	}
	env := newTestEnv(t, st, nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.ts.URL+"/api/messages", testhelpers.TestOrigin)
	defer func() { _ = resp.Body.Close() }()
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	req.Equal("application/json", resp.Header.Get("Content-Type"))
	req.Equal(testhelpers.TestOrigin, resp.Header.Get("Access-Control-Allow-Origin"))

	var msgs []chat.Message
	req.NoError(json.NewDecoder(resp.Body).Decode(&msgs))
	req.Len(msgs, 50)
	req.Equal("msg 10", msgs[0].Text)
	req.Equal("msg 59", msgs[49].Text)
	for i := 1; i < len(msgs); i++ {
		req.False(msgs[i].Timestamp.Before(msgs[i-1].Timestamp))
	}
}

func TestMessagesEndpointEmptyStore(t *testing.T) {
	env := newTestEnv(t, store.NewMemory(), nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.ts.URL+"/api/messages", "")
	defer func() { _ = resp.Body.Close() }()
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, "[]", string(body))
}

func TestMessagesEndpointStoreFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	st.EXPECT().
		RecentHistory(gomock.Any(), store.DefaultHistoryLimit).
		Return(nil, fmt.Errorf("%w: connection refused", chat.ErrPersistence))

	env := newTestEnv(t, st, nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.ts.URL+"/api/messages", "")
	defer func() { _ = resp.Body.Close() }()
	testhelpers.AssertStatusCode(t, resp, http.StatusInternalServerError)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "Server Error: Failed to fetch messages", string(body))
}

func TestCORSPolicy(t *testing.T) {
	env := newTestEnv(t, store.NewMemory(), nil)

	t.Run("disallowed origin", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodGet, env.ts.URL+"/api/messages", evilOrigin)
		defer func() { _ = resp.Body.Close() }()
		testhelpers.AssertStatusCode(t, resp, http.StatusForbidden)
		require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight", func(t *testing.T) {
		r, err := http.NewRequest(http.MethodOptions, env.ts.URL+"/api/messages", http.NoBody)
		require.NoError(t, err)
		r.Header.Set("Origin", testhelpers.TestOrigin)
		r.Header.Set("Access-Control-Request-Method", http.MethodGet)

		resp, err := http.DefaultClient.Do(r)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		testhelpers.AssertStatusCode(t, resp, http.StatusNoContent)
		require.Equal(t, testhelpers.TestOrigin, resp.Header.Get("Access-Control-Allow-Origin"))
		require.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), http.MethodGet)
	})

	t.Run("liveness shares the policy", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodGet, env.ts.URL+"/", evilOrigin)
		defer func() { _ = resp.Body.Close() }()
		testhelpers.AssertStatusCode(t, resp, http.StatusForbidden)
	})
}

func TestWebSocketBroadcastReachesEveryClient(t *testing.T) {
	req := require.New(t)
	st := store.NewMemory()
	env := newTestEnv(t, st, nil)

	a := env.connect(t)
	b := env.connect(t)
	req.Equal(2, env.hub.Count())

	req.NoError(testhelpers.SendChatMessage(a, "alice", "hi"))

	for _, conn := range []*websocket.Conn{a, b} {
		msg, err := testhelpers.ReceiveChatMessage(conn, receiveTimeout)
		req.NoError(err)
		req.Equal("1", msg.ID)
		req.Equal("alice", msg.User)
		req.Equal("hi", msg.Text)
		req.False(msg.Timestamp.IsZero())
	}

	history, err := st.RecentHistory(context.Background(), 50)
	req.NoError(err)
	req.Len(history, 1)
	req.Equal("hi", history[0].Text)
}

func TestWebSocketNewClientGetsNoReplay(t *testing.T) {
	st := store.NewMemory()
	_, err := st.Append(context.Background(), chat.Candidate{User: "old", Text: "before you came"})
	require.NoError(t, err)

	env := newTestEnv(t, st, nil)
	conn := env.connect(t)
	testhelpers.ExpectNoFrame(t, conn, silenceWindow)
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	env := newTestEnv(t, store.NewMemory(), nil)

	conn, status, err := testhelpers.DialWebSocket(env.ws, evilOrigin)
	if conn != nil {
		_ = conn.Close()
	}
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, 0, env.hub.Count())
	require.Zero(t, env.hub.Stats().Connects)
}

func TestWebSocketMissingOrigin(t *testing.T) {
	t.Run("allowed by default", func(t *testing.T) {
		env := newTestEnv(t, store.NewMemory(), nil)
		conn, err := testhelpers.ConnectWebSocketWithOrigin(env.ws, "")
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()
		testhelpers.WaitFor(t, receiveTimeout, func() bool { return env.hub.Count() == 1 }, "registration")
	})

	t.Run("refused when disabled", func(t *testing.T) {
		env := newTestEnv(t, store.NewMemory(), func(cfg *server.Config) {
			cfg.AllowMissingOrigin = false
		})
		_, status, err := testhelpers.DialWebSocket(env.ws, "")
		require.Error(t, err)
		require.Equal(t, http.StatusForbidden, status)
		require.Equal(t, 0, env.hub.Count())
	})
}

func TestWebSocketRejectsNonGET(t *testing.T) {
	env := newTestEnv(t, store.NewMemory(), nil)
	resp := testhelpers.MakeRequest(t, http.MethodPost, env.ts.URL+"/ws", testhelpers.TestOrigin)
	defer func() { _ = resp.Body.Close() }()
	testhelpers.AssertStatusCode(t, resp, http.StatusMethodNotAllowed)
}

func TestWebSocketMalformedFramesAreIgnored(t *testing.T) {
	req := require.New(t)
	st := store.NewMemory()
	env := newTestEnv(t, st, nil)
	a := env.connect(t)
	b := env.connect(t)

	bad := []string{
		`not json`,
		`{"event":"sendMessage"}`,
		`{"event":"sendMessage","data":{"user":"alice"}}`,
		`{"event":"sendMessage","data":{"user":1,"text":"x"}}`,
		`{"event":"typing","data":{"user":"alice"}}`,
	}
	for _, frame := range bad {
		req.NoError(a.WriteMessage(websocket.TextMessage, []byte(frame)))
	}
	req.NoError(testhelpers.SendChatMessage(a, "alice", "still here"))

	for _, conn := range []*websocket.Conn{a, b} {
		msg, err := testhelpers.ReceiveChatMessage(conn, receiveTimeout)
		req.NoError(err)
		req.Equal("still here", msg.Text)
	}

	history, err := st.RecentHistory(context.Background(), 50)
	req.NoError(err)
	req.Len(history, 1)
	req.Equal(uint64(3), env.hub.Stats().ValidationDrops, "only sendMessage frames reach validation")
}

func TestWebSocketPersistenceFailureIsSilent(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	st.EXPECT().
		Append(gomock.Any(), chat.Candidate{User: "alice", Text: "lost"}).
		Return(chat.Message{}, fmt.Errorf("%w: disk full", chat.ErrPersistence))

	env := newTestEnv(t, st, nil)
	a := env.connect(t)
	b := env.connect(t)

	require.NoError(t, testhelpers.SendChatMessage(a, "alice", "lost"))
	testhelpers.WaitFor(t, receiveTimeout, func() bool { return env.hub.Stats().PersistenceDrops == 1 },
		"persistence drop")

	testhelpers.ExpectNoFrame(t, b, silenceWindow)
	testhelpers.ExpectNoFrame(t, a, silenceWindow)
	require.Equal(t, 2, env.hub.Count(), "sender stays connected")
}

func TestWebSocketAckErrors(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, store.NewMemory(), func(cfg *server.Config) {
		cfg.AckErrors = true
	})
	a := env.connect(t)
	b := env.connect(t)

	req.NoError(a.WriteMessage(websocket.TextMessage, []byte(`{"event":"sendMessage","data":{"text":"who am i"}}`)))

	raw, err := testhelpers.ReceiveRawFrame(a, receiveTimeout)
	req.NoError(err)
	req.JSONEq(`{"event":"error","data":{"error":"message rejected"}}`, string(raw))

	testhelpers.ExpectNoFrame(t, b, silenceWindow)
}

func TestWebSocketTextLengthLimit(t *testing.T) {
	env := newTestEnv(t, store.NewMemory(), func(cfg *server.Config) {
		cfg.MaxTextLength = 5
	})
	a := env.connect(t)

	require.NoError(t, testhelpers.SendChatMessage(a, "alice", "way too long"))
	require.NoError(t, testhelpers.SendChatMessage(a, "alice", "short"))

	msg, err := testhelpers.ReceiveChatMessage(a, receiveTimeout)
	require.NoError(t, err)
	require.Equal(t, "short", msg.Text)
}

func TestWebSocketPreservesPerConnectionOrder(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, store.NewMemory(), nil)
	sender := env.connect(t)
	receiver := env.connect(t)

	const n = 30
	for i := 0; i < n; i++ {
		req.NoError(testhelpers.SendChatMessage(sender, "alice", fmt.Sprintf("%02d", i)))
	}

	for i := 0; i < n; i++ {
		msg, err := testhelpers.ReceiveChatMessage(receiver, receiveTimeout)
		req.NoError(err)
		req.Equal(fmt.Sprintf("%02d", i), msg.Text)
	}
}

func TestWebSocketConcurrentSendersAgreeOnOrder(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, store.NewMemory(), nil)

	senders := []*websocket.Conn{env.connect(t), env.connect(t), env.connect(t)}
	observers := []*websocket.Conn{env.connect(t), env.connect(t)}

	const perSender = 10
	var wg sync.WaitGroup
	for s, conn := range senders {
		wg.Add(1)
		go func(s int, conn *websocket.Conn) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if err := testhelpers.SendChatMessage(conn, fmt.Sprintf("s%d", s), fmt.Sprintf("%d", i)); err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}(s, conn)
	}
	wg.Wait()

	total := len(senders) * perSender
	orders := make([][]string, len(observers))
	for o, conn := range observers {
		for i := 0; i < total; i++ {
			msg, err := testhelpers.ReceiveChatMessage(conn, receiveTimeout)
			req.NoError(err)
			orders[o] = append(orders[o], msg.ID)
		}
	}
	req.Equal(orders[0], orders[1], "every observer sees the store order")
}

func TestWebSocketRateLimitDiscardsExcess(t *testing.T) {
	env := newTestEnv(t, store.NewMemory(), func(cfg *server.Config) {
		cfg.RateLimit = server.RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	})
	a := env.connect(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, testhelpers.SendChatMessage(a, "alice", fmt.Sprintf("%d", i)))
	}
	for i := 0; i < 2; i++ {
		msg, err := testhelpers.ReceiveChatMessage(a, receiveTimeout)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("%d", i), msg.Text)
	}
	testhelpers.ExpectNoFrame(t, a, silenceWindow)

	testhelpers.WaitFor(t, receiveTimeout, func() bool { return env.hub.Stats().ThrottleDrops == 3 },
		"throttled messages counted")
	require.EqualValues(t, 2, env.hub.Stats().Persisted)
}

func TestWebSocketRateLimitAcksSender(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, store.NewMemory(), func(cfg *server.Config) {
		cfg.AckErrors = true
		cfg.RateLimit = server.RateLimitConfig{Burst: 1, RefillInterval: time.Hour}
	})
	a := env.connect(t)

	req.NoError(testhelpers.SendChatMessage(a, "alice", "first"))
	msg, err := testhelpers.ReceiveChatMessage(a, receiveTimeout)
	req.NoError(err)
	req.Equal("first", msg.Text)

	req.NoError(testhelpers.SendChatMessage(a, "alice", "second"))
	raw, err := testhelpers.ReceiveRawFrame(a, receiveTimeout)
	req.NoError(err)
	req.JSONEq(`{"event":"error","data":{"error":"message rate limit exceeded"}}`, string(raw))
	req.EqualValues(1, env.hub.Stats().ThrottleDrops)
}

func TestWebSocketDefaultConfigDoesNotThrottle(t *testing.T) {
	req := require.New(t)
	env, cfg := newDefaultTestEnv(t)
	req.Zero(cfg.RateLimit.Burst)

	sender := env.connect(t)
	receiver := env.connect(t)

	const n = 15
	for i := 0; i < n; i++ {
		req.NoError(testhelpers.SendChatMessage(sender, "alice", fmt.Sprintf("%02d", i)))
	}
	for i := 0; i < n; i++ {
		msg, err := testhelpers.ReceiveChatMessage(receiver, receiveTimeout)
		req.NoError(err)
		req.Equal(fmt.Sprintf("%02d", i), msg.Text)
	}
	req.Zero(env.hub.Stats().ThrottleDrops)
}

func TestWebSocketDefaultConfigAllowsOwnTestPage(t *testing.T) {
	env, _ := newDefaultTestEnv(t)

	// The /test page is served by the relay itself on its default port.
	conn, err := testhelpers.ConnectWebSocketWithOrigin(env.ws, "http://localhost:5000")
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	testhelpers.WaitFor(t, receiveTimeout, func() bool { return env.hub.Count() == 1 }, "registration")

	require.NoError(t, testhelpers.SendChatMessage(conn, "tester", "hello from /test"))
	msg, err := testhelpers.ReceiveChatMessage(conn, receiveTimeout)
	require.NoError(t, err)
	require.Equal(t, "hello from /test", msg.Text)
}

func TestWebSocketOversizedFrameClosesConnection(t *testing.T) {
	env := newTestEnv(t, store.NewMemory(), func(cfg *server.Config) {
		cfg.MaxMessageSize = 128
	})
	a := env.connect(t)

	big := make([]byte, 1024)
	for i := range big {
		big[i] = 'x'
	}
	require.NoError(t, testhelpers.SendChatMessage(a, "alice", string(big)))

	testhelpers.WaitFor(t, receiveTimeout, func() bool { return env.hub.Count() == 0 }, "oversized sender removal")
}

func TestDisconnectUnregisters(t *testing.T) {
	env := newTestEnv(t, store.NewMemory(), nil)
	a := env.connect(t)
	b := env.connect(t)
	require.Equal(t, 2, env.hub.Count())

	require.NoError(t, testhelpers.CloseWebSocket(a))
	testhelpers.WaitFor(t, receiveTimeout, func() bool { return env.hub.Count() == 1 }, "unregister")

	require.NoError(t, testhelpers.SendChatMessage(b, "bob", "anyone?"))
	msg, err := testhelpers.ReceiveChatMessage(b, receiveTimeout)
	require.NoError(t, err)
	require.Equal(t, "anyone?", msg.Text)
}

func TestShutdownClosesClients(t *testing.T) {
	env := newTestEnv(t, store.NewMemory(), nil)
	conns := []*websocket.Conn{env.connect(t), env.connect(t), env.connect(t)}

	require.NoError(t, env.srv.Shutdown(2*time.Second))
	require.Equal(t, 0, env.hub.Count())

	for i, conn := range conns {
		_, err := testhelpers.ReceiveRawFrame(conn, receiveTimeout)
		require.Error(t, err, "client %d should be disconnected", i)
	}
}

func TestApplyConfigUpdatesOrigins(t *testing.T) {
	env := newTestEnv(t, store.NewMemory(), nil)
	const newOrigin = "https://new.example.com"

	_, status, err := testhelpers.DialWebSocket(env.ws, newOrigin)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, status)

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{newOrigin}
	env.srv.ApplyConfig(cfg)

	conn, err := testhelpers.ConnectWebSocketWithOrigin(env.ws, newOrigin)
	require.NoError(t, err)
	_ = conn.Close()

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.ts.URL+"/api/messages", testhelpers.TestOrigin)
	defer func() { _ = resp.Body.Close() }()
	testhelpers.AssertStatusCode(t, resp, http.StatusForbidden)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, store.NewMemory(), nil)
	a := env.connect(t)

	require.NoError(t, testhelpers.SendChatMessage(a, "alice", "count me"))
	_, err := testhelpers.ReceiveChatMessage(a, receiveTimeout)
	require.NoError(t, err)

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.ts.URL+"/metrics", "")
	defer func() { _ = resp.Body.Close() }()
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	require.Contains(t, text, "# TYPE chatrelay_connections gauge")
	require.Contains(t, text, "chatrelay_connections 1")
	require.Contains(t, text, "chatrelay_messages_persisted_total 1")
	require.Contains(t, text, "chatrelay_frames_delivered_total 1")
	require.Contains(t, text, "chatrelay_messages_throttled_total 0")
}

func TestTestPage(t *testing.T) {
	env := newTestEnv(t, store.NewMemory(), nil)
	resp := testhelpers.MakeRequest(t, http.MethodGet, env.ts.URL+"/test", "")
	defer func() { _ = resp.Body.Close() }()
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "sendMessage")
	require.Contains(t, string(body), "/api/messages")
}
