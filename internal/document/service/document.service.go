package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"slidesync/internal/document/history"
	"slidesync/internal/document/lock"
	"slidesync/internal/document/model"
	"slidesync/internal/document/mutator"
	"slidesync/internal/document/repository"
	"slidesync/internal/document/scheduler"
	"slidesync/internal/document/shard"
	"slidesync/internal/document/version"
	"slidesync/pkg/logger"
)

var (
	ErrForbidden = errors.New("forbidden")
	ErrClosed    = errors.New("document service closed")
)

// Store is everything the service needs from persistence.
type Store interface {
	history.Backend
	CreateDocument(ctx context.Context, doc *model.Document, ownerID string) error
	LoadDocument(ctx context.Context, docID string) (*model.Document, error)
	DeleteDocument(ctx context.Context, docID, ownerID string) (int64, error)
	ListDocuments(ctx context.Context, userID string) ([]model.DocumentSummary, error)
	Role(ctx context.Context, docID, userID string) (string, error)
	AddCollaborator(ctx context.Context, docID, userID, role string) error
}

type Options struct {
	// Realtime picks the Replicated strategy for every session.
	Realtime  bool
	Transport shard.Transport
	Outbox    shard.Outbox
	// LockStore builds the lock store of one document; nil keeps locks in memory.
	LockStore        func(docID string) lock.Store
	NodeID           string
	LockTTL          time.Duration
	AutosaveInterval time.Duration
	Retention        int
	ShardLoadTimeout time.Duration
}

type DocumentService struct {
	store    Store
	opts     Options
	stamps   *version.Generator
	notifier Notifier

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewDocumentService(store Store, opts Options) *DocumentService {
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.Realtime && opts.Transport == nil {
		opts.Transport = shard.NewMemoryTransport()
	}
	return &DocumentService{
		store:    store,
		opts:     opts,
		stamps:   version.NewGenerator(),
		notifier: nopNotifier{},
		sessions: map[string]*Session{},
	}
}

// SetNotifier wires the realtime channel. It must be called before the
// first session opens.
func (s *DocumentService) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n == nil {
		n = nopNotifier{}
	}
	s.notifier = n
}

func (s *DocumentService) CreateDocument(ctx context.Context, userID string, req model.CreateDocRequest) (*model.Document, error) {
	if req.Title == "" {
		req.Title = "Untitled Presentation"
	}
	if req.Width <= 0 || req.Height <= 0 {
		req.Width, req.Height = 1280, 720
	}
	doc := &model.Document{
		ID:     uuid.NewString(),
		Title:  req.Title,
		Width:  req.Width,
		Height: req.Height,
		Slides: []*model.Slide{model.NewSlide("")},
	}
	doc.Version = s.stamps.Next(model.VersionStamp{}, history.Hash(doc))
	doc.UpdatedAt = doc.Version.CreatedAt
	if err := s.store.CreateDocument(ctx, doc, userID); err != nil {
		return nil, err
	}
	logger.Sugar.Infof("User %s created document %s", userID, doc.ID)
	return doc, nil
}

func (s *DocumentService) ListDocuments(ctx context.Context, userID string) ([]model.DocumentSummary, error) {
	return s.store.ListDocuments(ctx, userID)
}

// Role returns the caller's role; no access is ErrForbidden.
func (s *DocumentService) Role(ctx context.Context, docID, userID string) (string, error) {
	role, err := s.store.Role(ctx, docID, userID)
	if err != nil {
		return "", err
	}
	if role == "" {
		return "", fmt.Errorf("user %s on document %s: %w", userID, docID, ErrForbidden)
	}
	return role, nil
}

// CanWrite reports whether role may mutate a document.
func CanWrite(role string) bool {
	return role == repository.RoleOwner || role == repository.RoleWriter
}

func (s *DocumentService) AddCollaborator(ctx context.Context, docID, ownerID string, req model.AddCollaboratorRequest) error {
	role, err := s.Role(ctx, docID, ownerID)
	if err != nil {
		return err
	}
	if role != repository.RoleOwner {
		return fmt.Errorf("only the owner can share: %w", ErrForbidden)
	}
	if req.Role != repository.RoleWriter && req.Role != repository.RoleReader {
		return fmt.Errorf("role %q: %w", req.Role, model.ErrInvariant)
	}
	return s.store.AddCollaborator(ctx, docID, req.UserID, req.Role)
}

func (s *DocumentService) DeleteDocument(ctx context.Context, docID, userID string) error {
	role, err := s.Role(ctx, docID, userID)
	if err != nil {
		return err
	}
	if role != repository.RoleOwner {
		return fmt.Errorf("only the owner can delete: %w", ErrForbidden)
	}
	s.Close(ctx, docID)
	n, err := s.store.DeleteDocument(ctx, docID, userID)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("only the owner can delete: %w", ErrForbidden)
	}
	return nil
}

// Open returns the live session of a document, starting it on first use.
func (s *DocumentService) Open(ctx context.Context, docID string) (*Session, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if sess, ok := s.sessions[docID]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	doc, err := s.store.LoadDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	sess, err := s.start(ctx, doc)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[docID]; ok {
		// Lost a race with another Open.
		go sess.close(context.Background())
		return existing, nil
	}
	s.sessions[docID] = sess
	logger.Sugar.Infof("Opened session for document %s (%s)", docID, sess.mut.Name())
	return sess, nil
}

// Session returns an open session without starting one.
func (s *DocumentService) Session(docID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[docID]
	return sess, ok
}

// Close stops a document's session after a final save.
func (s *DocumentService) Close(ctx context.Context, docID string) {
	s.mu.Lock()
	sess, ok := s.sessions[docID]
	delete(s.sessions, docID)
	s.mu.Unlock()
	if ok {
		sess.close(ctx)
		logger.Sugar.Infof("Closed session for document %s", docID)
	}
}

// Shutdown closes every session.
func (s *DocumentService) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Close(ctx, id)
	}
}

func (s *DocumentService) start(ctx context.Context, doc *model.Document) (*Session, error) {
	s.mu.Lock()
	notifier := s.notifier
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	persisted := doc.Clone()
	sess := &Session{
		id:       doc.ID,
		stamps:   s.stamps,
		notifier: notifier,
		history:  history.New(doc.ID, s.store),
		sched:    scheduler.New(doc),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	var store lock.Store
	if s.opts.LockStore != nil {
		store = s.opts.LockStore(doc.ID)
	}
	if store == nil {
		store = lock.NewMemoryStore()
	}
	sess.locks = lock.NewManager(store, s.opts.LockTTL)

	if s.opts.Realtime {
		router := shard.NewRouter(doc.ID, s.opts.Transport, shard.Options{
			Actor:       s.opts.NodeID,
			LoadTimeout: s.opts.ShardLoadTimeout,
			Outbox:      s.opts.Outbox,
			OnRemote:    sess.onRemote,
		})
		if err := router.Start(runCtx); err != nil {
			cancel()
			return nil, fmt.Errorf("subscribe to document %s: %w", doc.ID, err)
		}
		sess.mut = mutator.NewReplicated(router)
	} else {
		sess.mut = mutator.NewLocalOnly()
	}

	// The scheduler is not running yet, so doc may still be touched here.
	if err := sess.mut.Open(ctx, doc); err != nil {
		sess.mut.Close(ctx)
		cancel()
		return nil, err
	}
	sess.sched.Start(runCtx)
	// Pick up remote ops that merged between seeding and Start.
	sess.sched.Schedule("refresh", func(ctx context.Context, tx *scheduler.Tx) error {
		sess.mut.Refresh(ctx, tx.Doc, shard.StructureID)
		for _, sl := range tx.Doc.Slides {
			sess.mut.Refresh(ctx, tx.Doc, sl.ID)
		}
		return nil
	})

	sess.autosaver = history.NewAutosaver(doc.ID, s.store, sess.sched.Snapshot, s.opts.AutosaveInterval, s.opts.Retention)
	sess.autosaver.MarkSaved(persisted)
	go func() {
		defer close(sess.done)
		sess.autosaver.Run(runCtx)
	}()
	return sess, nil
}
