package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/remote-agent-terminal/agent-sessions/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

// ErrUpgradeFailed is returned when the HTTP connection could not be
// upgraded. The upgrader has already written the HTTP error response.
var ErrUpgradeFailed = errors.New("websocket upgrade failed")

// FrameType identifies a stream frame.
type FrameType string

const (
	FrameUpdate       FrameType = "update"
	FrameGap          FrameType = "gap"
	FrameSessionState FrameType = "session_state"
	FrameReplayDone   FrameType = "replay_done"
	FramePing         FrameType = "ping"
	FramePong         FrameType = "pong"
	FrameError        FrameType = "error"
)

// Frame is one JSON message on a session stream.
type Frame struct {
	Type   FrameType           `json:"type"`
	Update *model.AgentUpdate  `json:"update,omitempty"`
	Gap    *Gap                `json:"gap,omitempty"`
	Status model.SessionStatus `json:"status,omitempty"`
	Latest uint64              `json:"latest,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// StreamSource attaches stream subscribers to sessions.
type StreamSource interface {
	// Attach validates the session and subscribes to its updates starting
	// at from (nil replays everything retained).
	Attach(ctx context.Context, sessionID string, from *uint64) (*Subscriber, model.SessionStatus, error)
	// Detach releases a subscriber. It must be idempotent.
	Detach(sub *Subscriber)
}

// Handler serves session update streams over WebSocket.
type Handler struct {
	source   StreamSource
	upgrader websocket.Upgrader
}

// NewHandler creates a new stream handler. A nil checkOrigin accepts every
// origin.
func NewHandler(source StreamSource, checkOrigin func(r *http.Request) bool) *Handler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// HandleConnection attaches to the session and upgrades the connection.
// Attach errors are returned before anything is written, so the caller can
// map them to an HTTP status.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request, sessionID string, from *uint64) error {
	sub, status, err := h.source.Attach(r.Context(), sessionID, from)
	if err != nil {
		return err
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.source.Detach(sub)
		return errors.Join(ErrUpgradeFailed, err)
	}

	s := &stream{
		conn:    conn,
		sub:     sub,
		source:  h.source,
		control: make(chan Frame, 8),
		log:     slog.With("sessionID", sessionID, "subscriberID", sub.ID()),
	}
	s.log.Info("Stream attached", "replayed", sub.Replayed(), "latest", sub.LatestAtAttach())

	go s.writePump(status)
	go s.readPump()
	return nil
}

type stream struct {
	conn    *websocket.Conn
	sub     *Subscriber
	source  StreamSource
	control chan Frame
	log     *slog.Logger
}

// readPump handles client frames until the connection fails, then detaches
// the subscriber, which ends the write pump.
func (s *stream) readPump() {
	defer func() {
		s.source.Detach(s.sub)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("WebSocket read failed", "error", err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(message, &f); err != nil {
			s.queueControl(Frame{Type: FrameError, Error: "malformed frame"})
			continue
		}
		switch f.Type {
		case FramePing:
			s.queueControl(Frame{Type: FramePong})
		default:
			s.queueControl(Frame{Type: FrameError, Error: "unsupported frame type: " + string(f.Type)})
		}
	}
}

func (s *stream) queueControl(f Frame) {
	select {
	case s.control <- f:
	default:
	}
}

// writePump sends the session state, the replay, a replay_done marker and
// then live events, each in its own frame.
func (s *stream) writePump(status model.SessionStatus) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.source.Detach(s.sub)
		s.conn.Close()
		s.log.Info("Stream detached", "dropped", s.sub.Dropped())
	}()

	if !s.write(Frame{Type: FrameSessionState, Status: status, Latest: s.sub.LatestAtAttach()}) {
		return
	}

	pending := s.sub.Replayed()
	if pending == 0 && !s.write(Frame{Type: FrameReplayDone, Latest: s.sub.LatestAtAttach()}) {
		return
	}

	for {
		select {
		case ev, ok := <-s.sub.Events():
			if !ok {
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"))
				return
			}
			if !s.write(eventFrame(ev)) {
				return
			}
			if pending > 0 {
				pending--
				if pending == 0 && !s.write(Frame{Type: FrameReplayDone, Latest: s.sub.LatestAtAttach()}) {
					return
				}
			}

		case f := <-s.control:
			if !s.write(f) {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *stream) write(f Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		s.log.Error("Failed to marshal frame", "type", f.Type, "error", err)
		return true
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return false
	}
	return true
}

func eventFrame(ev Event) Frame {
	if ev.Gap != nil {
		return Frame{Type: FrameGap, Gap: ev.Gap}
	}
	return Frame{Type: FrameUpdate, Update: ev.Update}
}
