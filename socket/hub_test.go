package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidesync/internal/document/model"
	"slidesync/internal/document/repository"
	"slidesync/internal/document/service"
	"slidesync/internal/presence"
)

// readMessage reads one message with a deadline so tests never hang.
func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	var msg WSMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, p, err := conn.ReadMessage()
	require.NoError(t, err, "Failed to read message from WebSocket")
	require.NoError(t, json.Unmarshal(p, &msg), "Failed to unmarshal WSMessage JSON")
	return msg
}

// readUntil skips messages until one of type typ that satisfies ok arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string, ok func(WSMessage) bool) WSMessage {
	t.Helper()
	for i := 0; i < 50; i++ {
		msg := readMessage(t, conn)
		if msg.Type == typ && (ok == nil || ok(msg)) {
			return msg
		}
	}
	t.Fatalf("no %s message arrived", typ)
	return WSMessage{}
}

func presenceOf(t *testing.T, msg WSMessage) []presence.UserStatus {
	t.Helper()
	var statuses []presence.UserStatus
	require.NoError(t, json.Unmarshal(msg.Payload, &statuses))
	return statuses
}

func withUsers(n int) func(WSMessage) bool {
	return func(msg WSMessage) bool {
		var statuses []presence.UserStatus
		return json.Unmarshal(msg.Payload, &statuses) == nil && len(statuses) == n
	}
}

type fixture struct {
	svc   *service.DocumentService
	hub   *Hub
	wsURL string
	docID string
}

func newFixture(t *testing.T, repo *repository.MemoryRepository, docID string, opts Options) *fixture {
	t.Helper()
	svc := service.NewDocumentService(repo, service.Options{})
	hub := NewHub(svc, opts)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r, r.URL.Query().Get("user_id"))
	}))
	t.Cleanup(func() {
		server.Close()
		cancel()
		svc.Shutdown(context.Background())
	})
	return &fixture{svc: svc, hub: hub, wsURL: "ws" + strings.TrimPrefix(server.URL, "http"), docID: docID}
}

func setupDoc(t *testing.T, repo *repository.MemoryRepository) string {
	t.Helper()
	svc := service.NewDocumentService(repo, service.Options{})
	doc, err := svc.CreateDocument(context.Background(), "user1", model.CreateDocRequest{Title: "Deck"})
	require.NoError(t, err)
	require.NoError(t, repo.AddCollaborator(context.Background(), doc.ID, "user2", repository.RoleWriter))
	require.NoError(t, repo.AddCollaborator(context.Background(), doc.ID, "reader", repository.RoleReader))
	return doc.ID
}

func (f *fixture) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL+"/ws?docId="+f.docID+"&user_id="+user, nil)
	require.NoError(t, err, "%s failed to connect", user)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	p, err := json.Marshal(payload)
	require.NoError(t, err)
	b, err := json.Marshal(WSMessage{Type: typ, Payload: p})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func TestHubIntegration(t *testing.T) {
	repo := repository.NewMemoryRepository()
	f := newFixture(t, repo, setupDoc(t, repo), Options{})

	conn1 := f.dial(t, "user1")
	initial := readMessage(t, conn1)
	assert.Equal(t, DocumentUpdateType, initial.Type)
	assert.Equal(t, f.docID, initial.DocID)
	var ev service.Event
	require.NoError(t, json.Unmarshal(initial.Payload, &ev))
	assert.Equal(t, SnapshotEvent, ev.Type)
	require.NotNil(t, ev.Document)
	assert.Equal(t, "Deck", ev.Document.Title)

	conn2 := f.dial(t, "user2")
	assert.Equal(t, DocumentUpdateType, readMessage(t, conn2).Type)

	presenceMsg := readUntil(t, conn1, PresenceUpdateType, withUsers(2))
	users := presenceOf(t, presenceMsg)
	assert.Equal(t, "user1", users[0].UserID)
	assert.Equal(t, "user2", users[1].UserID)

	// user2 moves the pointer; user1 sees it.
	send(t, conn2, CursorType, CursorPayload{SlideID: "s1", X: 10, Y: 20})
	cursorMsg := readUntil(t, conn1, PresenceUpdateType, func(m WSMessage) bool {
		for _, s := range presenceOf(t, m) {
			if s.UserID == "user2" && s.Cursor != nil {
				return true
			}
		}
		return false
	})
	for _, s := range presenceOf(t, cursorMsg) {
		if s.UserID == "user2" {
			assert.Equal(t, 10.0, s.Cursor.X)
			assert.Equal(t, "s1", s.SlideID)
		}
	}

	// A change made through the service reaches both sockets.
	sess, ok := f.svc.Session(f.docID)
	require.True(t, ok)
	added, err := sess.AddSlide(service.WithActor(context.Background(), "user1"), "Two", -1)
	require.NoError(t, err)
	for _, conn := range []*websocket.Conn{conn1, conn2} {
		msg := readUntil(t, conn, DocumentUpdateType, nil)
		var got service.Event
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, service.EventSlideAdded, got.Type)
		assert.Equal(t, added.Slide.ID, got.SlideID)
		assert.Equal(t, "user1", msg.UserID)
	}

	stats := f.hub.Stats()
	assert.Equal(t, int64(2), stats.ActiveConnections)
	assert.Equal(t, int64(2), stats.TotalConnections)
	assert.Equal(t, int64(0), stats.QueuedConnections)
}

func TestLocksOverWebsocket(t *testing.T) {
	repo := repository.NewMemoryRepository()
	f := newFixture(t, repo, setupDoc(t, repo), Options{})
	conn1 := f.dial(t, "user1")
	readMessage(t, conn1)
	conn2 := f.dial(t, "user2")
	readMessage(t, conn2)

	sess, ok := f.svc.Session(f.docID)
	require.True(t, ok)
	slide := sess.Snapshot().Slides[0]
	add, err := sess.AddComponent(context.Background(), slide.ID, model.Component{Type: "text"}, 0)
	require.NoError(t, err)
	compID := add.Component.ID

	send(t, conn1, LockRequestType, LockPayload{SlideID: slide.ID, ComponentID: compID})
	res := readUntil(t, conn1, LockResultType, nil)
	var granted model.LockResult
	require.NoError(t, json.Unmarshal(res.Payload, &granted))
	assert.Equal(t, model.LockGranted, granted.Status)

	update := readUntil(t, conn2, LockUpdateType, nil)
	var locks struct {
		SlideID string       `json:"slide_id"`
		Locks   []model.Lock `json:"locks"`
	}
	require.NoError(t, json.Unmarshal(update.Payload, &locks))
	require.Len(t, locks.Locks, 1)
	assert.Equal(t, "user1", locks.Locks[0].Owner)

	send(t, conn2, LockRequestType, LockPayload{SlideID: slide.ID, ComponentID: compID})
	res = readUntil(t, conn2, LockResultType, nil)
	var denied model.LockResult
	require.NoError(t, json.Unmarshal(res.Payload, &denied))
	assert.Equal(t, model.LockDenied, denied.Status)
	assert.Equal(t, "user1", denied.Holder)

	// Disconnecting frees the holder's locks.
	conn1.Close()
	readUntil(t, conn2, LockUpdateType, func(m WSMessage) bool {
		var p struct {
			Locks []model.Lock `json:"locks"`
		}
		return json.Unmarshal(m.Payload, &p) == nil && len(p.Locks) == 0
	})
	assert.Eventually(t, func() bool { return f.hub.Stats().ActiveConnections == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestReaderCannotLock(t *testing.T) {
	repo := repository.NewMemoryRepository()
	f := newFixture(t, repo, setupDoc(t, repo), Options{})
	conn := f.dial(t, "reader")
	readMessage(t, conn)

	send(t, conn, LockRequestType, LockPayload{SlideID: "s", ComponentID: "c"})
	msg := readUntil(t, conn, ErrorType, nil)
	assert.Contains(t, string(msg.Payload), "read-only")
}

func TestServeWsRejectsStrangers(t *testing.T) {
	repo := repository.NewMemoryRepository()
	f := newFixture(t, repo, setupDoc(t, repo), Options{})

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL+"/ws?docId="+f.docID+"&user_id=mallory", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(f.wsURL+"/ws?docId=missing&user_id=user1", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// memoryRelay connects hubs in one process.
type memoryRelay struct {
	mu   sync.Mutex
	subs map[int]func(WSMessage)
	next int
	bus  *memoryRelay
	self map[int]bool
}

func newRelayPair() (*memoryRelay, *memoryRelay) {
	bus := &memoryRelay{subs: map[int]func(WSMessage){}}
	return &memoryRelay{bus: bus, self: map[int]bool{}}, &memoryRelay{bus: bus, self: map[int]bool{}}
}

func (r *memoryRelay) Publish(_ context.Context, msg WSMessage) error {
	r.bus.mu.Lock()
	var fns []func(WSMessage)
	for id, fn := range r.bus.subs {
		if !r.self[id] {
			fns = append(fns, fn)
		}
	}
	r.bus.mu.Unlock()
	for _, fn := range fns {
		go fn(msg)
	}
	return nil
}

func (r *memoryRelay) Subscribe(_ context.Context, fn func(WSMessage)) (func(), error) {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	id := r.bus.next
	r.bus.next++
	r.bus.subs[id] = fn
	r.self[id] = true
	return func() {
		r.bus.mu.Lock()
		delete(r.bus.subs, id)
		r.bus.mu.Unlock()
	}, nil
}

func TestPresenceRelaysAcrossNodes(t *testing.T) {
	repo := repository.NewMemoryRepository()
	docID := setupDoc(t, repo)
	ra, rb := newRelayPair()
	a := newFixture(t, repo, docID, Options{Relay: ra})
	b := newFixture(t, repo, docID, Options{Relay: rb})

	connA := a.dial(t, "user1")
	readMessage(t, connA)
	connB := b.dial(t, "user2")
	readMessage(t, connB)

	send(t, connA, SelectionType, SelectionPayload{SlideID: "s1", ComponentIDs: []string{"c1"}})
	msg := readUntil(t, connB, PresenceUpdateType, func(m WSMessage) bool {
		for _, s := range presenceOf(t, m) {
			if s.UserID == "user1" && len(s.Selection) == 1 {
				return true
			}
		}
		return false
	})
	assert.Len(t, presenceOf(t, msg), 2)
}
