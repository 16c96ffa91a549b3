// Package inflight tracks AI actions that are waiting on the model, so that
// at most one of them per document can apply its result.
package inflight

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSuperseded is returned, and set as the context cause, when a newer
// action for the same document has started.
var ErrSuperseded = errors.New("superseded by a newer ai action")

// Ticket identifies one started action.
type Ticket struct {
	DocumentID string
	Token      string
	StartedAt  time.Time
	cancel     context.CancelCauseFunc
}

type running struct {
	token  string
	cancel context.CancelCauseFunc
}

// Registry cancels the previous action of a document when a new one starts.
// Across processes the backend decides which action is newest; a remote
// supersede is noticed at Commit rather than by cancellation.
type Registry struct {
	backend Backend
	logger  *zap.Logger

	mu      sync.Mutex
	running map[string]running
}

func NewRegistry(backend Backend, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{backend: backend, logger: logger, running: map[string]running{}}
}

// Start registers a new action for documentID. The returned context is
// canceled with ErrSuperseded when another action starts for the document.
func (r *Registry) Start(ctx context.Context, documentID string) (context.Context, Ticket, error) {
	actionCtx, cancel := context.WithCancelCause(ctx)
	ticket := Ticket{
		DocumentID: documentID,
		Token:      uuid.NewString(),
		StartedAt:  time.Now().UTC(),
		cancel:     cancel,
	}
	if err := r.backend.Claim(ctx, documentID, ticket.Token); err != nil {
		cancel(err)
		return nil, Ticket{}, err
	}

	r.mu.Lock()
	prev, had := r.running[documentID]
	r.running[documentID] = running{token: ticket.Token, cancel: cancel}
	r.mu.Unlock()

	if had {
		prev.cancel(ErrSuperseded)
		r.logger.Info("ai action superseded", zap.String("document_id", documentID), zap.String("token", prev.token))
	}
	return actionCtx, ticket, nil
}

// Commit reports whether t is still the newest action for its document.
func (r *Registry) Commit(ctx context.Context, t Ticket) error {
	current, ok, err := r.backend.Current(ctx, t.DocumentID)
	if err != nil {
		return fmt.Errorf("commit ai action: %w", err)
	}
	if !ok || current != t.Token {
		return ErrSuperseded
	}
	return nil
}

// Finish releases t. It is safe to call for a superseded ticket.
func (r *Registry) Finish(t Ticket) {
	if t.cancel != nil {
		t.cancel(nil)
	}
	r.mu.Lock()
	if cur, ok := r.running[t.DocumentID]; ok && cur.token == t.Token {
		delete(r.running, t.DocumentID)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.backend.Release(ctx, t.DocumentID, t.Token); err != nil {
		r.logger.Warn("release ai action", zap.String("document_id", t.DocumentID), zap.Error(err))
	}
}

// Supersede makes any running action for documentID stale without
// starting a new one. Used when the document's edit state is resolved.
func (r *Registry) Supersede(ctx context.Context, documentID string) error {
	_, t, err := r.Start(ctx, documentID)
	if err != nil {
		return err
	}
	r.Finish(t)
	return nil
}

// Active returns the number of actions running in this process.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}
