package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/voxlink/voicechat/internal/protocol"
	"github.com/voxlink/voicechat/internal/room"
	"github.com/voxlink/voicechat/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsSendBuffer   = 64
)

var (
	errConnClosed   = errors.New("connection closed")
	errBackpressure = errors.New("outbound queue full")
)

// wsConn adapts a websocket to room.Conn. Writes go through a buffered
// queue drained by a single writer goroutine; a full queue counts as a
// dead member, the same as a failed write.
type wsConn struct {
	id   string
	sock *websocket.Conn
	send chan any
	done chan struct{}
	once sync.Once
}

func newWSConn(sock *websocket.Conn) *wsConn {
	return &wsConn{
		id:   uuid.NewString(),
		sock: sock,
		send: make(chan any, wsSendBuffer),
		done: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(v any) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- v:
		return nil
	default:
		return errBackpressure
	}
}

func (c *wsConn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}

func (s *Server) handleRoomWS(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := newWSConn(sock)
	defer conn.shutdown()
	log.Debug().Str("module", "httpapi").Str("conn", conn.id).Msg("ws connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-conn.done:
				return
			case msg := <-conn.send:
				_ = sock.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := sock.WriteJSON(msg); err != nil {
					log.Debug().Err(err).Str("module", "httpapi").Str("conn", conn.id).Msg("ws write failed")
					conn.shutdown()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	sock.SetReadLimit(2 << 20)
	_ = sock.SetReadDeadline(time.Now().Add(wsReadTimeout))
	sock.SetPongHandler(func(string) error {
		_ = sock.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	ctx := r.Context()
	for {
		msgType, data, err := sock.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = sock.SetReadDeadline(time.Now().Add(wsReadTimeout))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.sendWSError(conn, "", "invalid_client_message", err.Error(), false)
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		s.handleRoomMessage(ctx, conn, parsed)
	}

	// A dropped connection is an implicit leave. The request context is on
	// its way out, so cleanup runs on a fresh one.
	s.rooms.Disconnect(context.Background(), conn)
	conn.shutdown()
	<-writerDone
	log.Debug().Str("module", "httpapi").Str("conn", conn.id).Msg("ws disconnected")
}

func (s *Server) handleRoomMessage(ctx context.Context, conn *wsConn, parsed any) {
	switch msg := parsed.(type) {
	case protocol.Join:
		if err := s.rooms.Join(ctx, msg.SessionID, conn); err != nil {
			s.sendWSCoreError(conn, msg.SessionID, err)
		}
	case protocol.AudioChunk:
		payload, err := base64.StdEncoding.DecodeString(msg.AudioBase64)
		if err != nil {
			s.sendWSError(conn, msg.SessionID, "invalid_audio", "audio payload is not valid base64", false)
			return
		}
		unit := room.Unit{SessionID: msg.SessionID, Seq: msg.Seq, Payload: payload}
		if err := s.rooms.Dispatch(ctx, unit); err != nil {
			s.sendWSCoreError(conn, msg.SessionID, err)
		}
	case protocol.Leave:
		_ = s.rooms.Leave(ctx, msg.SessionID, conn)
		status := string(session.StatusClosed)
		if sess, err := s.store.Get(ctx, msg.SessionID); err == nil {
			status = string(sess.Status)
		}
		// The leaver is already out of the room, so it gets its own
		// confirmation directly.
		_ = conn.Send(protocol.Left{
			Type:      protocol.TypeLeft,
			SessionID: msg.SessionID,
			Status:    status,
			Members:   s.rooms.MemberCount(msg.SessionID),
		})
	}
}

func (s *Server) sendWSCoreError(conn *wsConn, sessionID string, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		s.sendWSError(conn, sessionID, "session_not_found", err.Error(), false)
	case errors.Is(err, room.ErrSessionNotActive):
		s.sendWSError(conn, sessionID, "session_not_active", err.Error(), false)
	case errors.Is(err, session.ErrBackendUnavailable):
		s.sendWSError(conn, sessionID, "backend_unavailable", err.Error(), true)
	default:
		s.sendWSError(conn, sessionID, "internal_error", err.Error(), false)
	}
}

func (s *Server) sendWSError(conn *wsConn, sessionID, code, detail string, retryable bool) {
	event := protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Retryable: retryable,
		Detail:    detail,
	}
	if err := conn.Send(event); err != nil {
		log.Debug().Err(err).Str("module", "httpapi").Str("conn", conn.id).Msg("dropping error event")
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.Join:
		return m.Type, true
	case protocol.AudioChunk:
		return m.Type, true
	case protocol.Leave:
		return m.Type, true
	case protocol.Joined:
		return m.Type, true
	case protocol.Processed:
		return m.Type, true
	case protocol.Left:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
