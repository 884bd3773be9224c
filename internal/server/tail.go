package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ehrlich-b/objlog/internal/errs"
	"github.com/ehrlich-b/objlog/internal/protocol"
	"github.com/ehrlich-b/objlog/internal/version"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 90 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 30 * time.Second

	// Tail clients only send pings.
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // credentials travel in the request, not in cookies
	},
}

// TailHandler streams records appended through the API to websocket clients.
type TailHandler struct {
	logs map[string]Log
	hub  *Hub
	log  *slog.Logger
}

// NewTailHandler creates a new tail handler.
func NewTailHandler(logs []Log, hub *Hub, log *slog.Logger) *TailHandler {
	if log == nil {
		log = slog.Default()
	}
	h := &TailHandler{
		logs: make(map[string]Log, len(logs)),
		hub:  hub,
		log:  log,
	}
	for _, l := range logs {
		h.logs[l.Name()] = l
	}
	return h
}

// ServeHTTP handles tail requests.
// Expected path: /ws/logs/{name}, with an optional since=<RFC 3339> query to
// replay stored records first.
func (h *TailHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/ws/logs/"), "/")
	if name == "" {
		http.Error(w, "missing log name", http.StatusBadRequest)
		return
	}
	l, ok := h.logs[name]
	if !ok {
		http.Error(w, "log not found", http.StatusNotFound)
		return
	}
	since, err := parseTime(r.URL.Query().Get("since"))
	if err != nil {
		http.Error(w, "invalid since", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	// Subscribe before replaying so nothing published meanwhile is lost.
	sub := h.hub.Subscribe(name)
	cutoff := time.Now()
	h.log.Debug("tail client connected", "log", name, "since", since)

	if err := h.sendMessage(conn, protocol.TypeHello, protocol.Hello{Log: name, ServerVersion: version.String()}); err != nil {
		h.hub.Unsubscribe(sub)
		conn.Close()
		return
	}
	if !since.IsZero() {
		if err := h.replay(r.Context(), conn, l, since, cutoff); err != nil {
			h.log.Warn("failed to replay stored records", "log", name, "error", err)
			_ = h.sendMessage(conn, protocol.TypeError, protocol.Error{Error: err.Error()})
			h.hub.Unsubscribe(sub)
			conn.Close()
			return
		}
	}

	go h.writePump(conn, sub)
	go h.readPump(conn, sub)
}

// replay sends the stored records of l in [since, cutoff).
func (h *TailHandler) replay(ctx context.Context, conn *websocket.Conn, l Log, since, cutoff time.Time) error {
	set, err := l.GetSince(ctx, since)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, rec := range set.Range(since, cutoff) {
		if rec.Time.Before(since) || !rec.Time.Before(cutoff) {
			continue
		}
		if err := h.sendMessage(conn, protocol.TypeRecord, protocol.NewRecord(l.Name(), rec.Time, rec.Payload)); err != nil {
			return err
		}
	}
	return nil
}

func (h *TailHandler) sendMessage(conn *websocket.Conn, msgType string, payload any) error {
	msg, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// readPump answers client pings and detects disconnects.
func (h *TailHandler) readPump(conn *websocket.Conn, sub *Subscriber) {
	defer func() {
		h.hub.Unsubscribe(sub)
		conn.Close()
		h.log.Debug("tail client disconnected", "log", sub.Log)
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read error", "log", sub.Log, "error", err)
			}
			return
		}

		msgType, payload, err := protocol.Decode(message)
		if err != nil || msgType != protocol.TypePing {
			continue
		}
		ping, err := protocol.DecodePayload[protocol.Ping](payload)
		if err != nil {
			continue
		}
		pong, err := protocol.Encode(protocol.TypePong, protocol.Pong{Timestamp: ping.Timestamp})
		if err != nil {
			continue
		}
		h.hub.enqueue(sub, pong)
	}
}

// writePump pumps messages from the hub to the WebSocket.
func (h *TailHandler) writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-sub.Send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
