package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"slidesync/internal/document/model"
	"slidesync/internal/document/service"
	"slidesync/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 2 * pingPeriod
	maxMessage = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by the CORS layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Client struct {
	Hub    *Hub
	Conn   *websocket.Conn
	DocID  string
	UserID string
	Send   chan []byte
	Role   string

	session *service.Session
}

// ServeWs joins an authenticated collaborator to a document room.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, userID string) {
	docID := r.URL.Query().Get("docId")
	if docID == "" {
		http.Error(w, "Missing docId parameter", http.StatusBadRequest)
		return
	}

	role, err := hub.service.Role(r.Context(), docID, userID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		logger.Sugar.Warnf("Connection rejected: Document %s not found", docID)
		http.Error(w, "Document not found", http.StatusNotFound)
		return
	case errors.Is(err, service.ErrForbidden):
		logger.Sugar.Warnf("Connection rejected: %s has no access to %s", userID, docID)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	case err != nil:
		logger.Sugar.Errorf("Database error checking role: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	sess, err := hub.service.Open(r.Context(), docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to open document %s: %v", docID, err)
		http.Error(w, "Failed to open document", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Error(err)
		return
	}

	client := &Client{
		Hub:     hub,
		Conn:    conn,
		DocID:   docID,
		UserID:  userID,
		Role:    role,
		Send:    make(chan []byte, 256),
		session: sess,
	}

	hub.queued.Add(1)
	select {
	case hub.Register <- client:
	case <-hub.done:
		hub.queued.Add(-1)
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.Hub.Unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessage)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, rawMessage, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Sugar.Errorf("error: %v", err)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(rawMessage, &msg); err != nil {
			logger.Sugar.Errorf("Error unmarshalling message: %v", err)
			continue
		}

		// Server-authoritative fields, so nobody can speak for someone else.
		msg.DocID = c.DocID
		msg.UserID = c.UserID

		c.handle(msg)
	}
}

func (c *Client) handle(msg WSMessage) {
	switch msg.Type {
	case CursorType:
		var p CursorPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.reject(msg.Type, "invalid cursor payload")
			return
		}
		c.Hub.updateCursor(c.DocID, c.UserID, p)
		c.Hub.relay(msg)

	case SelectionType:
		var p SelectionPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.reject(msg.Type, "invalid selection payload")
			return
		}
		c.Hub.updateSelection(c.DocID, c.UserID, p)
		c.Hub.relay(msg)

	case LockRequestType, LockReleaseType:
		if !service.CanWrite(c.Role) {
			logger.Sugar.Warnf("Permission Denied: User %s (Role: %s) tried to lock in doc %s", c.UserID, c.Role, c.DocID)
			c.reject(msg.Type, "read-only access")
			return
		}
		var p LockPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.SlideID == "" || p.ComponentID == "" {
			c.reject(msg.Type, "invalid lock payload")
			return
		}
		c.lock(msg.Type, p)

	default:
		logger.Sugar.Debugf("Ignoring %q message from %s", msg.Type, c.UserID)
	}
}

func (c *Client) lock(typ string, p LockPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var result any
	if typ == LockRequestType {
		res, err := c.session.RequestLock(ctx, c.UserID, p.SlideID, p.ComponentID)
		if err != nil {
			logger.Sugar.Errorf("Lock request by %s failed: %v", c.UserID, err)
			c.reject(typ, "lock store unavailable")
			return
		}
		result = res
	} else {
		released, err := c.session.ReleaseLock(ctx, c.UserID, p.SlideID, p.ComponentID, p.Force)
		if err != nil {
			logger.Sugar.Errorf("Lock release by %s failed: %v", c.UserID, err)
			c.reject(typ, "lock store unavailable")
			return
		}
		result = map[string]any{"slide_id": p.SlideID, "component_id": p.ComponentID, "released": released}
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	c.Hub.sendTo(c, encode(WSMessage{Type: LockResultType, DocID: c.DocID, UserID: c.UserID, Payload: payload}))
}

func (c *Client) reject(typ, reason string) {
	payload, _ := json.Marshal(map[string]string{"request": typ, "error": reason})
	c.Hub.sendTo(c, encode(WSMessage{Type: ErrorType, DocID: c.DocID, UserID: c.UserID, Payload: payload}))
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
