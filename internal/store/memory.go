package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps documents in process memory in insertion order. The
// mutex keeps the slice consistent; concurrent writers to one document
// still race at the application level, last write wins.
type MemoryStore struct {
	mu   sync.RWMutex
	docs []Document
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) List(context.Context) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.index(id)
	if i == -1 {
		return Document{}, ErrNotFound
	}
	return s.docs[i].Clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, doc Document) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index(doc.ID) != -1 {
		return Document{}, ErrConflict
	}
	now := s.now().UTC()
	doc.CreatedAt, doc.UpdatedAt = now, now
	doc = doc.Clone()
	s.docs = append(s.docs, doc)
	return doc.Clone(), nil
}

// Replace overwrites the document with doc.ID, inserting it when absent.
func (s *MemoryStore) Replace(_ context.Context, doc Document) (Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	doc.UpdatedAt = now
	doc = doc.Clone()
	if i := s.index(doc.ID); i != -1 {
		doc.CreatedAt = s.docs[i].CreatedAt
		s.docs[i] = doc
		return doc.Clone(), false, nil
	}
	doc.CreatedAt = now
	s.docs = append(s.docs, doc)
	return doc.Clone(), true, nil
}

func (s *MemoryStore) Patch(_ context.Context, id string, p Patch) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i == -1 {
		return Document{}, ErrNotFound
	}
	p.Apply(&s.docs[i])
	s.docs[i].UpdatedAt = s.now().UTC()
	return s.docs[i].Clone(), nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, id string, m Message) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i == -1 {
		return Document{}, ErrNotFound
	}
	s.docs[i].Messages = append(s.docs[i].Messages, cloneMessages([]Message{m})...)
	s.docs[i].UpdatedAt = s.now().UTC()
	return s.docs[i].Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i == -1 {
		return ErrNotFound
	}
	s.docs = append(s.docs[:i], s.docs[i+1:]...)
	return nil
}

func (s *MemoryStore) index(id string) int {
	for i := range s.docs {
		if s.docs[i].ID == id {
			return i
		}
	}
	return -1
}
