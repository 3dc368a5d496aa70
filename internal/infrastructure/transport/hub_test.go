package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ticksettle/internal/core/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingListener struct {
	mu          sync.Mutex
	connects    []domain.AccountID
	disconnects []domain.AccountID
	reject      error
}

func (l *recordingListener) OnConnect(ctx context.Context, stream domain.StreamID, viewer domain.AccountID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reject != nil {
		return l.reject
	}
	l.connects = append(l.connects, viewer)
	return nil
}

func (l *recordingListener) OnDisconnect(ctx context.Context, stream domain.StreamID, viewer domain.AccountID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects = append(l.disconnects, viewer)
}

func (l *recordingListener) connected() []domain.AccountID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.AccountID(nil), l.connects...)
}

func (l *recordingListener) disconnectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.disconnects)
}

func newTestHub(t *testing.T, listener SessionListener) (*Hub, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PingInterval = time.Second
	cfg.PongTimeout = 5 * time.Second
	hub := NewHub(cfg, listener, zaptest.NewLogger(t).Sugar())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, domain.StreamID(r.URL.Query().Get("stream")), domain.AccountID(r.URL.Query().Get("viewer")))
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, stream, viewer string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?stream=" + stream + "&viewer=" + viewer
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func activeCount(hub *Hub) int {
	conns, _ := hub.ListActiveConnections(context.Background())
	return len(conns)
}

func TestHub_ConnectRegistersActiveConnection(t *testing.T) {
	listener := &recordingListener{}
	hub, srv := newTestHub(t, listener)

	conn := dial(t, srv, "s1", "alice")
	assert.Equal(t, MessageWatching, readMessage(t, conn).Type)

	conns, err := hub.ListActiveConnections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.Connection{{StreamID: "s1", Viewer: "alice"}}, conns)
	assert.Equal(t, []domain.AccountID{"alice"}, listener.connected())
}

func TestHub_PauseExcludesViewerUntilResume(t *testing.T) {
	hub, srv := newTestHub(t, &recordingListener{})
	ctx := context.Background()

	conn := dial(t, srv, "s1", "alice")
	readMessage(t, conn)

	require.NoError(t, hub.PauseViewer(ctx, "s1", "alice", domain.PauseLimitExceeded))
	msg := readMessage(t, conn)
	assert.Equal(t, MessagePause, msg.Type)
	assert.Equal(t, domain.PauseLimitExceeded, msg.Reason)
	assert.Equal(t, "viewing paused - spending limit reached", msg.Message)
	assert.Equal(t, 0, activeCount(hub))
	assert.Equal(t, 1, hub.SessionCount())

	require.NoError(t, hub.ResumeViewer(ctx, "s1", "alice"))
	assert.Equal(t, MessageResume, readMessage(t, conn).Type)
	assert.Equal(t, 1, activeCount(hub))
}

func TestHub_PausedViewerStaysPausedOnReconnect(t *testing.T) {
	hub, srv := newTestHub(t, &recordingListener{})

	require.NoError(t, hub.PauseViewer(context.Background(), "s1", "alice", domain.PauseInsufficientBalance))

	conn := dial(t, srv, "s1", "alice")
	msg := readMessage(t, conn)
	assert.Equal(t, MessagePause, msg.Type)
	assert.Equal(t, domain.PauseInsufficientBalance, msg.Reason)
	assert.Equal(t, 0, activeCount(hub))
}

type staticPlayback struct {
	reason domain.PauseReason
	err    error
}

func (s staticPlayback) PlaybackState(ctx context.Context, stream domain.StreamID, viewer domain.AccountID) (domain.PlaybackState, domain.PauseReason, error) {
	if s.err != nil {
		return "", "", s.err
	}
	if s.reason != "" {
		return domain.PlaybackPaused, s.reason, nil
	}
	return domain.PlaybackActive, "", nil
}

func TestHub_ConnectRestoresStoredPause(t *testing.T) {
	hub, srv := newTestHub(t, &recordingListener{})
	hub.SetPlaybackSource(staticPlayback{reason: domain.PauseLimitExceeded})

	conn := dial(t, srv, "s1", "alice")
	msg := readMessage(t, conn)
	assert.Equal(t, MessagePause, msg.Type)
	assert.Equal(t, domain.PauseLimitExceeded, msg.Reason)
	assert.Equal(t, 0, activeCount(hub))
	assert.Equal(t, 1, hub.SessionCount())

	// the same pause delivered later is not repeated to the viewer
	require.NoError(t, hub.PauseViewer(context.Background(), "s1", "alice", domain.PauseLimitExceeded))
	require.NoError(t, hub.ResumeViewer(context.Background(), "s1", "alice"))
	assert.Equal(t, MessageResume, readMessage(t, conn).Type)
	assert.Equal(t, 1, activeCount(hub))
}

func TestHub_UnavailablePlaybackSourceDoesNotBlockConnect(t *testing.T) {
	hub, srv := newTestHub(t, &recordingListener{})
	hub.SetPlaybackSource(staticPlayback{err: errors.New("store down")})

	conn := dial(t, srv, "s1", "alice")
	assert.Equal(t, MessageWatching, readMessage(t, conn).Type)
	assert.Equal(t, 1, activeCount(hub))
}

func TestHub_DisconnectLeavesStream(t *testing.T) {
	listener := &recordingListener{}
	hub, srv := newTestHub(t, listener)

	conn := dial(t, srv, "s1", "alice")
	readMessage(t, conn)
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		return listener.disconnectCount() == 1 && hub.SessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_ReconnectReplacesSession(t *testing.T) {
	listener := &recordingListener{}
	hub, srv := newTestHub(t, listener)

	first := dial(t, srv, "s1", "alice")
	readMessage(t, first)
	second := dial(t, srv, "s1", "alice")
	readMessage(t, second)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	assert.Equal(t, 1, hub.SessionCount())
	assert.Equal(t, 1, activeCount(hub))
	// the replaced session does not leave the stream
	assert.Equal(t, 0, listener.disconnectCount())
}

func TestHub_RejectedConnect(t *testing.T) {
	listener := &recordingListener{reject: errors.New("stream not active")}
	hub, srv := newTestHub(t, listener)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?stream=s1&viewer=alice"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, hub.SessionCount())
}

func TestHub_Heartbeat(t *testing.T) {
	_, srv := newTestHub(t, &recordingListener{})

	conn := dial(t, srv, "s1", "alice")
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageHeartbeat}))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageHeartbeat, msg.Type)
	assert.Equal(t, domain.StreamID("s1"), msg.StreamID)
}

func TestHub_ReportsSessionCount(t *testing.T) {
	var mu sync.Mutex
	var last int
	hub, srv := newTestHub(t, &recordingListener{})
	hub.OnSessionCount(func(n int) {
		mu.Lock()
		last = n
		mu.Unlock()
	})

	dial(t, srv, "s1", "alice")
	dial(t, srv, "s1", "bob")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last == 2
	}, 2*time.Second, 10*time.Millisecond)
}
