package transport

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"ticksettle/internal/core/domain"
	"ticksettle/pkg/tracing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SessionListener is told when a viewer's watch session opens and closes.
// A failing OnConnect rejects the session.
type SessionListener interface {
	OnConnect(ctx context.Context, stream domain.StreamID, viewer domain.AccountID) error
	OnDisconnect(ctx context.Context, stream domain.StreamID, viewer domain.AccountID)
}

// PlaybackSource reports the stored playback state of a viewer. The hub asks it
// on connect, so a pause issued before this process started still holds.
type PlaybackSource interface {
	PlaybackState(ctx context.Context, stream domain.StreamID, viewer domain.AccountID) (domain.PlaybackState, domain.PauseReason, error)
}

type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
}

// DefaultConfig returns keepalive and frame limits suited to browser viewers.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 4 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

// Message is the JSON frame exchanged with viewers.
type Message struct {
	Type     string             `json:"type"`
	StreamID domain.StreamID    `json:"stream_id,omitempty"`
	Reason   domain.PauseReason `json:"reason,omitempty"`
	Message  string             `json:"message,omitempty"`
}

const (
	MessagePause     = "pause"
	MessageResume    = "resume"
	MessageWatching  = "watching"
	MessageHeartbeat = "heartbeat"
	MessageError     = "error"
)

type sessionKey struct {
	stream domain.StreamID
	viewer domain.AccountID
}

type session struct {
	key       sessionKey
	conn      *websocket.Conn
	send      chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// enqueue drops the frame if the viewer is not reading fast enough.
func (s *session) enqueue(msg Message) bool {
	select {
	case s.send <- msg:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// Hub holds the open watch sessions. It is the live-connection registry read by
// the tick submitter and the sink for pause and resume signals. A paused
// session stays open but is not reported as active, so it stops accruing ticks.
type Hub struct {
	config   Config
	upgrader websocket.Upgrader
	listener SessionListener
	source   PlaybackSource
	logger   *zap.SugaredLogger

	mu       sync.RWMutex
	sessions map[sessionKey]*session
	paused   map[sessionKey]domain.PauseReason

	onSessions func(n int)
}

// NewHub builds a hub; listener may be nil.
func NewHub(config Config, listener SessionListener, logger *zap.SugaredLogger) *Hub {
	h := &Hub{
		config:   config,
		listener: listener,
		logger:   logger,
		sessions: make(map[sessionKey]*session),
		paused:   make(map[sessionKey]domain.PauseReason),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetListener replaces the session listener. It must be called before serving.
func (h *Hub) SetListener(listener SessionListener) {
	h.listener = listener
}

// SetPlaybackSource installs the source consulted on connect. It must be called
// before serving.
func (h *Hub) SetPlaybackSource(source PlaybackSource) {
	h.source = source
}

// OnSessionCount registers a callback for the number of open sessions.
func (h *Hub) OnSessionCount(fn func(n int)) {
	h.onSessions = fn
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Serve upgrades the request and runs the session until the viewer goes away.
// The caller has already authenticated viewer.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, stream domain.StreamID, viewer domain.AccountID) {
	ctx, span := tracing.TraceWebSocketMessage(r.Context(), "connect", string(viewer))
	if h.listener != nil {
		if err := h.listener.OnConnect(ctx, stream, viewer); err != nil {
			span.End()
			h.logger.Infow("Watch session rejected", "stream_id", stream, "viewer", viewer, "error", err)
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
	}
	h.restorePause(ctx, stream, viewer)
	span.End()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("Websocket upgrade failed", "error", err)
		if h.listener != nil {
			h.listener.OnDisconnect(context.WithoutCancel(r.Context()), stream, viewer)
		}
		return
	}

	s := &session{
		key:  sessionKey{stream: stream, viewer: viewer},
		conn: conn,
		send: make(chan Message, 16),
		done: make(chan struct{}),
	}
	reason, paused := h.register(s)
	if paused {
		s.enqueue(Message{Type: MessagePause, StreamID: stream, Reason: reason, Message: reason.Message()})
	} else {
		s.enqueue(Message{Type: MessageWatching, StreamID: stream})
	}

	h.logger.Infow("Viewer connected", "stream_id", stream, "viewer", viewer, "paused", paused)

	go h.writePump(s)
	h.readPump(s)

	if h.unregister(s) && h.listener != nil {
		h.listener.OnDisconnect(context.WithoutCancel(r.Context()), stream, viewer)
	}
	h.logger.Infow("Viewer disconnected", "stream_id", stream, "viewer", viewer)
}

// restorePause marks the pair paused when the playback source says so. A failing
// source leaves the hub's own state untouched.
func (h *Hub) restorePause(ctx context.Context, stream domain.StreamID, viewer domain.AccountID) {
	if h.source == nil {
		return
	}
	state, reason, err := h.source.PlaybackState(ctx, stream, viewer)
	if err != nil {
		h.logger.Warnw("Failed to load playback state", "stream_id", stream, "viewer", viewer, "error", err)
		return
	}
	if state != domain.PlaybackPaused {
		return
	}
	h.mu.Lock()
	h.paused[sessionKey{stream: stream, viewer: viewer}] = reason
	h.mu.Unlock()
}

// register installs s, closing any previous session for the same pair.
func (h *Hub) register(s *session) (domain.PauseReason, bool) {
	h.mu.Lock()
	old, reconnect := h.sessions[s.key]
	h.sessions[s.key] = s
	reason, paused := h.paused[s.key]
	n := len(h.sessions)
	h.mu.Unlock()

	if reconnect {
		h.logger.Infow("Closing previous session for reconnecting viewer",
			"stream_id", s.key.stream,
			"viewer", s.key.viewer,
		)
		old.close()
	}
	h.reportSessions(n)
	return reason, paused
}

// unregister reports whether s was still the current session for its pair.
func (h *Hub) unregister(s *session) bool {
	s.close()

	h.mu.Lock()
	current := h.sessions[s.key] == s
	if current {
		delete(h.sessions, s.key)
	}
	n := len(h.sessions)
	h.mu.Unlock()

	h.reportSessions(n)
	return current
}

func (h *Hub) reportSessions(n int) {
	if h.onSessions != nil {
		h.onSessions(n)
	}
}

func (h *Hub) readPump(s *session) {
	if h.config.MaxMessageSize > 0 {
		s.conn.SetReadLimit(h.config.MaxMessageSize)
	}
	s.conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	})

	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debugw("Websocket read failed", "viewer", s.key.viewer, "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))

		switch msg.Type {
		case MessageHeartbeat:
			s.enqueue(Message{Type: MessageHeartbeat, StreamID: s.key.stream})
		default:
			s.enqueue(Message{Type: MessageError, Message: "unsupported message type"})
		}
	}
}

func (h *Hub) writePump(s *session) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := s.conn.WriteJSON(msg); err != nil {
				h.logger.Debugw("Websocket write failed", "viewer", s.key.viewer, "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// ListActiveConnections returns open, unpaused sessions in stream/viewer order.
func (h *Hub) ListActiveConnections(ctx context.Context) ([]domain.Connection, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]domain.Connection, 0, len(h.sessions))
	for key := range h.sessions {
		if _, paused := h.paused[key]; paused {
			continue
		}
		result = append(result, domain.Connection{StreamID: key.stream, Viewer: key.viewer})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StreamID != result[j].StreamID {
			return result[i].StreamID < result[j].StreamID
		}
		return result[i].Viewer < result[j].Viewer
	})
	return result, nil
}

// PauseViewer stops the pair from accruing ticks. The viewer is only told when
// the hub did not already hold the same pause.
func (h *Hub) PauseViewer(ctx context.Context, stream domain.StreamID, viewer domain.AccountID, reason domain.PauseReason) error {
	key := sessionKey{stream: stream, viewer: viewer}

	h.mu.Lock()
	held, paused := h.paused[key]
	h.paused[key] = reason
	s := h.sessions[key]
	h.mu.Unlock()

	if s != nil && (!paused || held != reason) {
		s.enqueue(Message{Type: MessagePause, StreamID: stream, Reason: reason, Message: reason.Message()})
	}
	return nil
}

// ResumeViewer lets the pair accrue ticks again.
func (h *Hub) ResumeViewer(ctx context.Context, stream domain.StreamID, viewer domain.AccountID) error {
	key := sessionKey{stream: stream, viewer: viewer}

	h.mu.Lock()
	delete(h.paused, key)
	s := h.sessions[key]
	h.mu.Unlock()

	if s != nil {
		s.enqueue(Message{Type: MessageResume, StreamID: stream})
	}
	return nil
}

// SessionCount counts open sessions, paused ones included.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close terminates every open session.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		s.close()
	}
}
