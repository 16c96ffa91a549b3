package search

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sk28832/carbonpaper-app/internal/store"
)

// Index is the write side of a search backend.
type Index interface {
	IndexRecords(records []Record) error
	DeleteRecord(id string) error
	Healthy() bool
}

// Service is the facade that tries Meilisearch first and falls back to a
// scan of the store.
type Service struct {
	primary  Searcher
	index    Index
	fallback Searcher
	logger   *zap.Logger
	pending  sync.WaitGroup
}

// NewService creates a search service. meili may be nil when Meilisearch
// is not configured.
func NewService(meili *Meili, fallback Searcher, logger *zap.Logger) *Service {
	s := &Service{fallback: fallback, logger: logger}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if meili != nil {
		s.primary, s.index = meili, meili
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to scan", zap.Error(err))
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("scan search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDocument pushes doc to the index without waiting for it.
func (s *Service) IndexDocument(doc store.Document) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	rec := RecordOf(doc)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.index.IndexRecords([]Record{rec}); err != nil {
			s.logger.Warn("index document", zap.String("document_id", rec.ID), zap.Error(err))
		}
	}()
}

// DeleteDocument removes a document from the index without waiting for it.
func (s *Service) DeleteDocument(id string) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.index.DeleteRecord(id); err != nil {
			s.logger.Warn("delete document from index", zap.String("document_id", id), zap.Error(err))
		}
	}()
}

// ReindexAll pushes every document in docs to the index.
func (s *Service) ReindexAll(docs []store.Document) {
	if s.index == nil || !s.index.Healthy() || len(docs) == 0 {
		return
	}
	records := make([]Record, 0, len(docs))
	for _, doc := range docs {
		records = append(records, RecordOf(doc))
	}
	if err := s.index.IndexRecords(records); err != nil {
		s.logger.Warn("reindex documents", zap.Int("count", len(records)), zap.Error(err))
	}
}

// Wait blocks until queued index updates have been sent.
func (s *Service) Wait() {
	s.pending.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
