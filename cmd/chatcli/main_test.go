package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/hub"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/store"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startRelay(t *testing.T, st store.Store) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := server.NewConfig()
	h := hub.New(st, hub.WithLogger(log))
	srv := server.New(cfg, h, log)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		_ = srv.Shutdown(2 * time.Second)
		ts.Close()
	})
	return ts
}

func TestWebsocketURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:5000":        "ws://localhost:5000/ws",
		"https://chat.example.com/":    "wss://chat.example.com/ws",
		"https://chat.example.com/api": "wss://chat.example.com/api/ws",
		"ws://127.0.0.1:9000":          "ws://127.0.0.1:9000/ws",
	}
	for in, want := range tests {
		got, err := websocketURL(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got)
	}

	_, err := websocketURL("ftp://example.com")
	require.Error(t, err)
}

func TestRenderHistory(t *testing.T) {
	var out bytes.Buffer
	renderHistory(&out, []chat.Message{
		{ID: "1", User: "alice", Text: "hi", Timestamp: time.Now()},
		{ID: "2", User: "bob", Text: "hello there", Timestamp: time.Now()},
	})

	text := out.String()
	require.Contains(t, text, "USER")
	require.Contains(t, text, "alice")
	require.Contains(t, text, "hello there")
	require.Less(t, strings.Index(text, "alice"), strings.Index(text, "bob"))
}

func TestPrinterFrames(t *testing.T) {
	var out bytes.Buffer
	p := printer{out: &out}

	frame, err := chat.EncodeReceive(chat.Message{ID: "7", User: "alice", Text: "hi", Timestamp: time.Now()})
	require.NoError(t, err)
	p.frame(frame)

	errFrame, err := chat.EncodeError("message rejected")
	require.NoError(t, err)
	p.frame(errFrame)

	p.frame([]byte(`{"event":"typing"}`))

	text := out.String()
	require.Contains(t, text, "alice: hi")
	require.Contains(t, text, "! message rejected")
	require.Contains(t, text, `* {"event":"typing"}`)
}

func TestFetchHistory(t *testing.T) {
	st := store.NewMemory()
	for i := 0; i < 3; i++ {
		_, err := st.Append(context.Background(), chat.Candidate{User: "u", Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}
	ts := startRelay(t, st)

	msgs, err := fetchHistory(context.Background(), options{server: ts.URL, origin: "http://localhost:3000"})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "m0", msgs[0].Text)

	_, err = fetchHistory(context.Background(), options{server: ts.URL, origin: "https://evil.example.com"})
	require.ErrorContains(t, err, "403")
}

func TestChatLoopSendsAndPrints(t *testing.T) {
	st := store.NewMemory()
	ts := startRelay(t, st)

	in, feed := io.Pipe()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- chatLoop(context.Background(), options{server: ts.URL, origin: "http://localhost:3000", user: "carol"}, in, out)
	}()

	_, err := io.WriteString(feed, "hello relay\n")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "carol: hello relay")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, feed.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("chat loop did not stop after stdin closed")
	}

	history, err := st.RecentHistory(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "carol", history[0].User)
}
