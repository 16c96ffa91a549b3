package app

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/sk28832/carbonpaper-app/internal/config"
	"github.com/sk28832/carbonpaper-app/internal/gateway"
	"github.com/sk28832/carbonpaper-app/internal/history"
	"github.com/sk28832/carbonpaper-app/internal/inflight"
	"github.com/sk28832/carbonpaper-app/internal/reconcile"
	"github.com/sk28832/carbonpaper-app/internal/search"
	"github.com/sk28832/carbonpaper-app/internal/store"
)

type dataStore interface {
	Ping(context.Context) error
	List(context.Context) ([]store.Document, error)
	Get(context.Context, string) (store.Document, error)
	Create(context.Context, store.Document) (store.Document, error)
	Replace(context.Context, store.Document) (store.Document, bool, error)
	Patch(context.Context, string, store.Patch) (store.Document, error)
	AppendMessage(context.Context, string, store.Message) (store.Document, error)
	Delete(context.Context, string) error
}

type assistant interface {
	Ask(context.Context, gateway.Question) (gateway.Reply, error)
	SuggestEdit(context.Context, gateway.EditRequest) (gateway.Suggestion, error)
	Transform(ctx context.Context, command, text string) (string, error)
}

type revisionLog interface {
	Commit(documentID, content, message string) (history.Revision, error)
	History(documentID string, limit int) ([]history.Revision, error)
	ContentAt(documentID, hash string) (string, history.Revision, error)
	Remove(documentID string) error
}

type searchService interface {
	Search(context.Context, search.Query) search.Response
	IndexDocument(store.Document)
	DeleteDocument(string)
	ReindexAll([]store.Document)
}

// Deps are the collaborators of a Service. Only Store is required; AI is
// nil when no model is configured and History is nil when revisions are
// not kept.
type Deps struct {
	Store      dataStore
	AI         assistant
	History    revisionLog
	Search     searchService
	Inflight   *inflight.Registry
	Reconciler *reconcile.Reconciler
	Logger     *zap.Logger
}

type Service struct {
	cfg        config.Config
	store      dataStore
	ai         assistant
	history    revisionLog
	search     searchService
	inflight   *inflight.Registry
	reconciler *reconcile.Reconciler
	logger     *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*documentLock
}

// documentLock is held or awaited by refs callers.
type documentLock struct {
	mu   sync.Mutex
	refs int
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:        cfg,
		store:      deps.Store,
		ai:         deps.AI,
		history:    deps.History,
		search:     deps.Search,
		inflight:   deps.Inflight,
		reconciler: deps.Reconciler,
		logger:     deps.Logger,
		locks:      make(map[string]*documentLock),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.reconciler == nil {
		s.reconciler = reconcile.New()
	}
	if s.inflight == nil {
		s.inflight = inflight.NewRegistry(inflight.NewMemoryBackend(cfg.InflightTTL), s.logger)
	}
	if s.search == nil {
		s.search = search.NewService(nil, search.NewScan(s.store), s.logger)
	}
	return s
}

var seedDocuments = []store.Document{
	{ID: "1", Name: "Document 1", Content: "<p>Content of Document 1</p>", IsSaved: true},
	{ID: "2", Name: "Document 2", Content: "<p>Content of Document 2</p>", IsSaved: true},
}

// Bootstrap seeds an empty store and rebuilds the search index.
func (s *Service) Bootstrap(ctx context.Context) error {
	docs, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		for _, seed := range seedDocuments {
			doc, err := s.store.Create(ctx, seed)
			if err != nil && !errors.Is(err, store.ErrConflict) {
				return err
			}
			if err == nil {
				s.recordRevision(doc, "Create document")
				docs = append(docs, doc)
			}
		}
		s.logger.Info("seeded documents", zap.Int("count", len(docs)))
	}
	s.search.ReindexAll(docs)
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// AIConfigured reports whether a model is wired in.
func (s *Service) AIConfigured() bool {
	return s.ai != nil
}

func (s *Service) requireAI() error {
	if s.ai == nil {
		return domainError(http.StatusServiceUnavailable, "AI_UNAVAILABLE", "AI assistant is not configured", nil)
	}
	return nil
}

// lockDocument serializes mutations of one document. The returned func
// unlocks and drops the entry once no caller holds or awaits it.
func (s *Service) lockDocument(documentID string) func() {
	s.locksMu.Lock()
	lock, ok := s.locks[documentID]
	if !ok {
		lock = &documentLock{}
		s.locks[documentID] = lock
	}
	lock.refs++
	s.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.locksMu.Lock()
		defer s.locksMu.Unlock()
		if lock.refs--; lock.refs == 0 {
			delete(s.locks, documentID)
		}
	}
}

// recordRevision commits content to the revision log. Failures are logged
// only; the store stays the source of truth.
func (s *Service) recordRevision(doc store.Document, message string) {
	if s.history == nil {
		return
	}
	if _, err := s.history.Commit(doc.ID, doc.Content, message); err != nil {
		s.logger.Warn("record revision", zap.String("document_id", doc.ID), zap.Error(err))
	}
}

// Fingerprint identifies a document's content and edit state.
func Fingerprint(doc store.Document) string {
	h, _ := blake2b.New256(nil)
	_, _ = h.Write([]byte(doc.Content))
	if doc.TrackedChanges != nil {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(doc.TrackedChanges.AnchorID))
		for _, v := range doc.TrackedChanges.Versions {
			_, _ = h.Write([]byte{0})
			_, _ = h.Write([]byte(v))
		}
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(strconv.Itoa(doc.TrackedChanges.CurrentVersionIndex)))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func contentFingerprint(content string) [32]byte {
	return blake2b.Sum256([]byte(content))
}
