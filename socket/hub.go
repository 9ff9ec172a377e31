package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"slidesync/internal/document/service"
	"slidesync/internal/presence"
	"slidesync/pkg/logger"
)

const (
	CursorType         = "CURSOR"          // Pointer moved over a slide
	SelectionType      = "SELECTION"       // Selected components changed
	JoinType           = "JOIN"            // Collaborator opened the document (relay only)
	LeaveType          = "LEAVE"           // Collaborator closed the tab (relay only)
	LockRequestType    = "LOCK_REQUEST"    // Ask for a component lock
	LockReleaseType    = "LOCK_RELEASE"    // Give a component lock back
	PresenceUpdateType = "PRESENCE_UPDATE" // Who is here and where
	LockResultType     = "LOCK_RESULT"     // Answer to LOCK_REQUEST / LOCK_RELEASE
	LockUpdateType     = "LOCK_UPDATE"     // Locks of a slide changed
	DocumentUpdateType = "DOCUMENT_UPDATE" // An applied change, or the initial snapshot
	ErrorType          = "ERROR"

	SnapshotEvent = "document.snapshot"
)

type WSMessage struct {
	Type    string          `json:"type"`
	DocID   string          `json:"document_id"`
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload"`
}

type CursorPayload struct {
	SlideID string  `json:"slide_id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

type SelectionPayload struct {
	SlideID      string   `json:"slide_id"`
	ComponentIDs []string `json:"component_ids"`
}

type LockPayload struct {
	SlideID     string `json:"slide_id"`
	ComponentID string `json:"component_id"`
	Force       bool   `json:"force,omitempty"`
}

type LockUpdatePayload struct {
	SlideID string `json:"slide_id"`
	Locks   any    `json:"locks"`
}

type Stats struct {
	ActiveConnections int64 `json:"activeConnections"`
	TotalConnections  int64 `json:"totalConnections"`
	QueuedConnections int64 `json:"queuedConnections"`
}

type Options struct {
	// CursorRate is the number of cursor frames per second each user may
	// broadcast. Zero disables throttling.
	CursorRate float64
	// Relay fans presence out to other nodes. Nil keeps it node-local.
	Relay Relay
}

type Hub struct {
	Rooms      map[string]map[*Client]bool
	Register   chan *Client
	Unregister chan *Client
	Presence   map[string]*presence.Tracker // docID -> collaborators
	mu         sync.Mutex

	service *service.DocumentService
	opts    Options
	done    chan struct{}

	active atomic.Int64
	total  atomic.Int64
	queued atomic.Int64
}

func NewHub(svc *service.DocumentService, opts Options) *Hub {
	h := &Hub{
		Rooms:      make(map[string]map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Presence:   make(map[string]*presence.Tracker),
		service:    svc,
		opts:       opts,
		done:       make(chan struct{}),
	}
	svc.SetNotifier(h)
	return h
}

// Run owns room membership. It never calls into the document service, so
// service callbacks may always reach the hub.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	if h.opts.Relay != nil {
		stop, err := h.opts.Relay.Subscribe(ctx, h.applyRelayed)
		if err != nil {
			logger.Sugar.Errorf("Presence relay unavailable, presence stays node-local: %v", err)
		} else {
			defer stop()
		}
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.Register:
			h.queued.Add(-1)
			h.mu.Lock()
			if h.Rooms[client.DocID] == nil {
				h.Rooms[client.DocID] = make(map[*Client]bool)
			}
			h.Rooms[client.DocID][client] = true
			h.tracker(client.DocID).Join(client.UserID)
			h.mu.Unlock()
			h.active.Add(1)
			h.total.Add(1)

			// The joining client gets the whole document first.
			doc := client.session.Snapshot()
			snapshot, err := json.Marshal(service.Event{Type: SnapshotEvent, Version: doc.Version, Document: doc})
			if err == nil {
				h.sendTo(client, encode(WSMessage{Type: DocumentUpdateType, DocID: client.DocID, Payload: snapshot}))
			}
			h.relay(WSMessage{Type: JoinType, DocID: client.DocID, UserID: client.UserID})
			h.broadcastPresenceUpdate(client.DocID, "")

		case client := <-h.Unregister:
			h.mu.Lock()
			docID := client.DocID
			if _, ok := h.Rooms[docID][client]; ok {
				delete(h.Rooms[docID], client)
				close(client.Send)
				h.active.Add(-1)

				left := true
				for other := range h.Rooms[docID] {
					if other.UserID == client.UserID {
						left = false
						break
					}
				}
				if left {
					h.tracker(docID).Leave(client.UserID)
				}
				if len(h.Rooms[docID]) == 0 {
					delete(h.Rooms, docID)
					delete(h.Presence, docID)
					logger.Sugar.Infof("Closed empty room: %s", docID)
				}
				h.mu.Unlock()

				if left {
					h.relay(WSMessage{Type: LeaveType, DocID: docID, UserID: client.UserID})
					// Lock release publishes back into the hub.
					go func(sess *service.Session, userID string) {
						ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						defer cancel()
						if err := sess.ReleaseAll(ctx, userID); err != nil {
							logger.Sugar.Warnf("Releasing locks of %s on %s failed: %v", userID, docID, err)
						}
					}(client.session, client.UserID)
				}
				h.broadcastPresenceUpdate(docID, "")
			} else {
				h.mu.Unlock()
			}
		}
	}
}

// Publish implements service.Notifier. Applied changes reach every client in
// the room, the author included.
func (h *Hub) Publish(docID string, ev service.Event) {
	if ev.Type == service.EventLocksChanged {
		payload, err := json.Marshal(LockUpdatePayload{SlideID: ev.SlideID, Locks: ev.Locks})
		if err != nil {
			logger.Sugar.Errorf("Error marshalling lock update: %v", err)
			return
		}
		h.deliver(docID, encode(WSMessage{Type: LockUpdateType, DocID: docID, UserID: ev.Actor, Payload: payload}), "")
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling document event: %v", err)
		return
	}
	h.deliver(docID, encode(WSMessage{Type: DocumentUpdateType, DocID: docID, UserID: ev.Actor, Payload: payload}), "")
}

func (h *Hub) Stats() Stats {
	return Stats{
		ActiveConnections: h.active.Load(),
		TotalConnections:  h.total.Load(),
		QueuedConnections: h.queued.Load(),
	}
}

func (h *Hub) ServeStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Stats())
}

// tracker must be called with h.mu held.
func (h *Hub) tracker(docID string) *presence.Tracker {
	t, ok := h.Presence[docID]
	if !ok {
		t = presence.NewTracker(h.opts.CursorRate)
		h.Presence[docID] = t
	}
	return t
}

func (h *Hub) updateCursor(docID, userID string, p CursorPayload) {
	h.mu.Lock()
	_, send := h.tracker(docID).UpdateCursor(userID, p.SlideID, p.X, p.Y)
	h.mu.Unlock()
	if send {
		h.broadcastPresenceUpdate(docID, userID)
	}
}

func (h *Hub) updateSelection(docID, userID string, p SelectionPayload) {
	h.mu.Lock()
	h.tracker(docID).UpdateSelection(userID, p.SlideID, p.ComponentIDs)
	h.mu.Unlock()
	h.broadcastPresenceUpdate(docID, userID)
}

// applyRelayed merges presence from another node into the local view of
// rooms this node hosts.
func (h *Hub) applyRelayed(msg WSMessage) {
	h.mu.Lock()
	_, hosted := h.Rooms[msg.DocID]
	h.mu.Unlock()
	if !hosted {
		return
	}
	switch msg.Type {
	case JoinType:
		h.mu.Lock()
		h.tracker(msg.DocID).Join(msg.UserID)
		h.mu.Unlock()
		h.broadcastPresenceUpdate(msg.DocID, "")
	case LeaveType:
		h.mu.Lock()
		if t, ok := h.Presence[msg.DocID]; ok {
			t.Leave(msg.UserID)
		}
		h.mu.Unlock()
		h.broadcastPresenceUpdate(msg.DocID, "")
	case CursorType:
		var p CursorPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		h.updateCursor(msg.DocID, msg.UserID, p)
	case SelectionType:
		var p SelectionPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		h.updateSelection(msg.DocID, msg.UserID, p)
	}
}

func (h *Hub) relay(msg WSMessage) {
	if h.opts.Relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.opts.Relay.Publish(ctx, msg); err != nil {
		logger.Sugar.Warnf("Relaying %s for %s failed: %v", msg.Type, msg.DocID, err)
	}
}

// deliver sends payload to every client of the room except excludeUser.
// A client whose buffer is full is disconnected; its read pump then
// unregisters it.
func (h *Hub) deliver(docID string, payload []byte, excludeUser string) {
	if payload == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.Rooms[docID] {
		if excludeUser != "" && client.UserID == excludeUser {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			logger.Sugar.Warnf("Client %s's send buffer is full. Disconnecting.", client.UserID)
			client.Conn.Close()
		}
	}
}

func (h *Hub) sendTo(client *Client, payload []byte) {
	if payload == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.Rooms[client.DocID][client] {
		return
	}
	select {
	case client.Send <- payload:
	default:
		logger.Sugar.Warnf("Client %s's send buffer is full. Disconnecting.", client.UserID)
		client.Conn.Close()
	}
}

func (h *Hub) broadcastPresenceUpdate(docID, excludeUser string) {
	h.mu.Lock()
	t, ok := h.Presence[docID]
	var statuses []presence.UserStatus
	if ok {
		statuses = t.Snapshot()
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	payload, err := json.Marshal(statuses)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling presence broadcast: %v", err)
		return
	}
	h.deliver(docID, encode(WSMessage{Type: PresenceUpdateType, DocID: docID, Payload: payload}), excludeUser)
}

// RemoveDocument disconnects everyone from a deleted document.
func (h *Hub) RemoveDocument(docID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.Presence, docID)
	for client := range h.Rooms[docID] {
		client.Conn.Close() // the read pump unregisters
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.Rooms {
		for client := range clients {
			client.Conn.Close()
		}
	}
}

func encode(msg WSMessage) []byte {
	b, err := json.Marshal(msg)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling %s message: %v", msg.Type, err)
		return nil
	}
	return b
}
