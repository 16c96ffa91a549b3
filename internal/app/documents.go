package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/sk28832/carbonpaper-app/internal/history"
	"github.com/sk28832/carbonpaper-app/internal/htmldoc"
	"github.com/sk28832/carbonpaper-app/internal/reconcile"
	"github.com/sk28832/carbonpaper-app/internal/store"
	"github.com/sk28832/carbonpaper-app/internal/util"
)

var documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

type CreateDocumentInput struct {
	Name    string `json:"name" validate:"required"`
	Content string `json:"content" validate:"required"`
}

// ReplaceDocumentInput is the body of a full save. Messages and
// TrackedChanges keep their stored value when absent; an explicit null
// clears the tracked change.
type ReplaceDocumentInput struct {
	Name           string          `json:"name"`
	Content        string          `json:"content"`
	Messages       []store.Message `json:"messages"`
	TrackedChanges json.RawMessage `json:"trackedChanges"`
}

type PatchDocumentInput struct {
	Name           *string          `json:"name"`
	Content        *string          `json:"content"`
	IsSaved        *bool            `json:"isSaved"`
	Messages       *[]store.Message `json:"messages"`
	TrackedChanges json.RawMessage  `json:"trackedChanges"`
}

type MessageInput struct {
	ID          string             `json:"id"`
	Role        string             `json:"role" validate:"required"`
	Content     string             `json:"content"`
	Type        string             `json:"type"`
	Attachments []store.Attachment `json:"attachments"`
	Status      string             `json:"status"`
	Citations   []string           `json:"citations"`
}

func (s *Service) ListDocuments(ctx context.Context) ([]store.Document, error) {
	docs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []store.Document{}
	}
	return docs, nil
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	return s.store.Get(ctx, documentID)
}

func (s *Service) CreateDocument(ctx context.Context, input CreateDocumentInput) (store.Document, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" || input.Content == "" {
		return store.Document{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Name and content are required", nil)
	}
	content, err := normalizeContent(input.Content, nil)
	if err != nil {
		return store.Document{}, err
	}
	doc, err := s.store.Create(ctx, store.Document{
		ID:       util.NewID("doc"),
		Name:     name,
		Content:  content,
		IsSaved:  true,
		Messages: []store.Message{},
	})
	if err != nil {
		return store.Document{}, err
	}
	s.recordRevision(doc, "Create document")
	s.search.IndexDocument(doc)
	s.logger.Info("document created", zap.String("document_id", doc.ID))
	return doc, nil
}

// ReplaceDocument saves a whole document, creating it when the id is new.
func (s *Service) ReplaceDocument(ctx context.Context, documentID string, input ReplaceDocumentInput) (store.Document, bool, error) {
	if !documentIDPattern.MatchString(documentID) {
		return store.Document{}, false, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid document id", nil)
	}
	update, err := decodeChangeUpdate(input.TrackedChanges)
	if err != nil {
		return store.Document{}, false, err
	}
	if err := validateMessages(input.Messages); err != nil {
		return store.Document{}, false, err
	}

	unlock := s.lockDocument(documentID)
	defer unlock()

	existing, err := s.store.Get(ctx, documentID)
	exists := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return store.Document{}, false, err
	}

	doc := store.Document{ID: documentID, IsSaved: true, Messages: []store.Message{}}
	if exists {
		doc.Name = existing.Name
		doc.Messages = existing.Messages
		doc.TrackedChanges = existing.TrackedChanges
	}
	if name := strings.TrimSpace(input.Name); name != "" {
		doc.Name = name
	}
	if doc.Name == "" {
		doc.Name = "Untitled"
	}
	if input.Messages != nil {
		doc.Messages = input.Messages
	}
	if update != nil {
		doc.TrackedChanges = update.Change
	}
	if doc.Content, err = normalizeContent(input.Content, doc.TrackedChanges); err != nil {
		return store.Document{}, false, err
	}

	saved, created, err := s.store.Replace(ctx, doc)
	if err != nil {
		return store.Document{}, false, err
	}
	if created || existing.Content != saved.Content {
		s.recordRevision(saved, "Save document")
	}
	s.search.IndexDocument(saved)
	return saved, created, nil
}

func (s *Service) PatchDocument(ctx context.Context, documentID string, input PatchDocumentInput) (store.Document, error) {
	update, err := decodeChangeUpdate(input.TrackedChanges)
	if err != nil {
		return store.Document{}, err
	}

	unlock := s.lockDocument(documentID)
	defer unlock()

	existing, err := s.store.Get(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}

	patch := store.Patch{IsSaved: input.IsSaved, TrackedChanges: update}
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return store.Document{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name cannot be empty", nil)
		}
		patch.Name = &name
	}
	if input.Messages != nil {
		if err := validateMessages(*input.Messages); err != nil {
			return store.Document{}, err
		}
		patch.Messages = input.Messages
	}
	change := existing.TrackedChanges
	if update != nil {
		change = update.Change
	}
	switch {
	case input.Content != nil:
		content, err := normalizeContent(*input.Content, change)
		if err != nil {
			return store.Document{}, err
		}
		patch.Content = &content
	case update != nil:
		// A replaced or cleared change takes its stale marker with it.
		content, err := normalizeContent(existing.Content, change)
		if err != nil {
			return store.Document{}, err
		}
		if content != existing.Content {
			patch.Content = &content
		}
	}
	if patch.Empty() {
		return existing, nil
	}

	saved, err := s.store.Patch(ctx, documentID, patch)
	if err != nil {
		return store.Document{}, err
	}
	if saved.Content != existing.Content {
		s.recordRevision(saved, "Save document")
	}
	s.search.IndexDocument(saved)
	return saved, nil
}

func (s *Service) DeleteDocument(ctx context.Context, documentID string) error {
	unlock := s.lockDocument(documentID)
	defer unlock()

	if err := s.store.Delete(ctx, documentID); err != nil {
		return err
	}
	if err := s.inflight.Supersede(ctx, documentID); err != nil {
		s.logger.Warn("cancel ai actions of deleted document", zap.String("document_id", documentID), zap.Error(err))
	}
	if s.history != nil {
		if err := s.history.Remove(documentID); err != nil {
			s.logger.Warn("remove revisions", zap.String("document_id", documentID), zap.Error(err))
		}
	}
	s.search.DeleteDocument(documentID)
	s.logger.Info("document deleted", zap.String("document_id", documentID))
	return nil
}

// AppendMessage adds one chat message to the document's conversation.
func (s *Service) AppendMessage(ctx context.Context, documentID string, input MessageInput) (store.Message, error) {
	message := store.Message{
		ID:          strings.TrimSpace(input.ID),
		Role:        strings.TrimSpace(input.Role),
		Content:     input.Content,
		Type:        strings.TrimSpace(input.Type),
		Attachments: input.Attachments,
		Status:      strings.TrimSpace(input.Status),
		Citations:   input.Citations,
	}
	if message.ID == "" {
		message.ID = util.NewID("msg")
	}
	if message.Type == "" {
		message.Type = store.TypeText
	}
	if err := message.Validate(); err != nil {
		return store.Message{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	if _, err := s.store.AppendMessage(ctx, documentID, message); err != nil {
		return store.Message{}, err
	}
	return message, nil
}

func (s *Service) History(ctx context.Context, documentID string, limit int) (map[string]any, error) {
	if _, err := s.store.Get(ctx, documentID); err != nil {
		return nil, err
	}
	revisions := []history.Revision{}
	if s.history != nil {
		found, err := s.history.History(documentID, limit)
		if err != nil {
			return nil, err
		}
		revisions = append(revisions, found...)
	}
	return map[string]any{
		"documentId": documentID,
		"revisions":  revisions,
	}, nil
}

func (s *Service) Revision(ctx context.Context, documentID, hash string) (map[string]any, error) {
	if _, err := s.store.Get(ctx, documentID); err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, history.ErrRevisionNotFound
	}
	content, revision, err := s.history.ContentAt(documentID, hash)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"documentId": documentID,
		"revision":   revision,
		"content":    content,
	}, nil
}

// normalizeContent canonicalizes content and unwraps every marker except
// the one belonging to change.
func normalizeContent(content string, change *reconcile.TrackedChange) (string, error) {
	doc, err := htmldoc.Parse(content)
	if err != nil {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is not valid HTML", nil).wrap(err)
	}
	for _, marker := range doc.Markers() {
		if change == nil || marker.AnchorID() != change.AnchorID {
			marker.Unwrap()
		}
	}
	return doc.HTML(), nil
}

func decodeChangeUpdate(raw json.RawMessage) (*store.ChangeUpdate, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if string(raw) == "null" {
		return &store.ChangeUpdate{}, nil
	}
	var change reconcile.TrackedChange
	if err := json.Unmarshal(raw, &change); err != nil {
		return nil, domainError(http.StatusBadRequest, "INVALID_BODY", "trackedChanges is malformed", nil).wrap(err)
	}
	if err := change.Validate(); err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil).wrap(err)
	}
	return &store.ChangeUpdate{Change: &change}, nil
}

func validateMessages(messages []store.Message) error {
	for _, m := range messages {
		if err := m.Validate(); err != nil {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		}
	}
	return nil
}
