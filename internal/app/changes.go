package app

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/sk28832/carbonpaper-app/internal/gateway"
	"github.com/sk28832/carbonpaper-app/internal/htmldoc"
	"github.com/sk28832/carbonpaper-app/internal/inflight"
	"github.com/sk28832/carbonpaper-app/internal/metrics"
	"github.com/sk28832/carbonpaper-app/internal/reconcile"
	"github.com/sk28832/carbonpaper-app/internal/store"
)

// BeginChangeInput starts a tracked change either from a selection and a
// quick action, or from a free-form instruction over the whole document.
type BeginChangeInput struct {
	SelectedText string `json:"selectedText"`
	Occurrence   int    `json:"occurrence" validate:"gte=0"`
	Command      string `json:"command"`
	Instruction  string `json:"instruction"`
}

type ManualVersionInput struct {
	Text string `json:"text" validate:"required"`
}

// TrackedChangeView is the edit state returned by every tracked-change
// operation.
type TrackedChangeView struct {
	DocumentID     string                   `json:"documentId"`
	Content        string                   `json:"content"`
	TrackedChanges *reconcile.TrackedChange `json:"trackedChanges"`
	Diff           []reconcile.DiffSegment  `json:"diff"`
	CanPrev        bool                     `json:"canPrev"`
	CanNext        bool                     `json:"canNext"`
	Fingerprint    string                   `json:"fingerprint"`
}

func viewOf(doc store.Document) TrackedChangeView {
	view := TrackedChangeView{
		DocumentID:     doc.ID,
		Content:        doc.Content,
		TrackedChanges: doc.TrackedChanges,
		Diff:           []reconcile.DiffSegment{},
		Fingerprint:    Fingerprint(doc),
	}
	if c := doc.TrackedChanges; c != nil && c.Validate() == nil {
		view.Diff = reconcile.Diff(*c)
		view.CanPrev, view.CanNext = c.CanPrev(), c.CanNext()
	}
	return view
}

func draftOf(doc store.Document) reconcile.Draft {
	return reconcile.Draft{Content: doc.Content, State: reconcile.StateOf(doc.TrackedChanges)}
}

func (s *Service) TrackedChange(ctx context.Context, documentID string) (TrackedChangeView, error) {
	doc, err := s.store.Get(ctx, documentID)
	if err != nil {
		return TrackedChangeView{}, err
	}
	return viewOf(doc), nil
}

// BeginTrackedChange asks the model for a suggestion and shows it as the
// document's pending change. The model is called without holding the
// document lock; a newer action on the same document cancels this one.
func (s *Service) BeginTrackedChange(ctx context.Context, documentID string, input BeginChangeInput) (TrackedChangeView, error) {
	if err := s.requireAI(); err != nil {
		return TrackedChangeView{}, err
	}
	instruction := strings.TrimSpace(input.Instruction)
	if strings.TrimSpace(input.SelectedText) == "" && instruction == "" {
		return TrackedChangeView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "selectedText or instruction is required", nil)
	}

	doc, err := s.store.Get(ctx, documentID)
	if err != nil {
		return TrackedChangeView{}, err
	}
	if doc.TrackedChanges != nil {
		return TrackedChangeView{}, reconcile.ErrEditPending
	}

	var (
		begun     reconcile.Draft
		anchor    reconcile.Anchor
		selected  string
		suggested string
		command   string
	)
	if strings.TrimSpace(input.SelectedText) != "" {
		begun, anchor, err = s.reconciler.BeginEdit(draftOf(doc), reconcile.Selection{
			Text:       input.SelectedText,
			Occurrence: input.Occurrence,
		})
		if err != nil {
			return TrackedChangeView{}, err
		}
		command = firstNonBlank(input.Command, instruction, string(gateway.Improve))
	} else {
		command = instruction
	}

	actionCtx, ticket, err := s.inflight.Start(ctx, documentID)
	if err != nil {
		return TrackedChangeView{}, err
	}
	defer s.inflight.Finish(ticket)

	if anchor.ID != "" {
		suggested, err = s.ai.Transform(actionCtx, command, anchor.OriginalText)
	} else {
		var suggestion gateway.Suggestion
		suggestion, err = s.ai.SuggestEdit(actionCtx, gateway.EditRequest{
			Instruction:  instruction,
			DocumentText: plainText(doc.Content),
		})
		selected, suggested = suggestion.Original, suggestion.Suggested
	}
	if err != nil {
		return TrackedChangeView{}, err
	}

	unlock := s.lockDocument(documentID)
	defer unlock()

	fresh, err := s.store.Get(ctx, documentID)
	if err != nil {
		return TrackedChangeView{}, err
	}
	if err := s.inflight.Commit(ctx, ticket); err != nil {
		return TrackedChangeView{}, err
	}
	if fresh.TrackedChanges != nil {
		return TrackedChangeView{}, reconcile.ErrEditPending
	}

	draft := draftOf(fresh)
	switch {
	case anchor.ID == "":
		draft, anchor, err = s.reconciler.BeginEdit(draft, reconcile.Selection{Text: selected})
		if err != nil {
			return TrackedChangeView{}, err
		}
	case contentFingerprint(fresh.Content) == contentFingerprint(doc.Content):
		draft = begun
	default:
		s.logger.Info("content changed during ai call, recovering anchor",
			zap.String("document_id", documentID),
			zap.String("anchor_id", anchor.ID),
		)
	}

	applied, err := s.reconciler.ApplySuggestion(draft, anchor, suggested, command)
	if err != nil {
		return TrackedChangeView{}, err
	}
	saved, err := s.persistDraft(ctx, documentID, applied)
	if err != nil {
		return TrackedChangeView{}, err
	}
	s.search.IndexDocument(saved)
	return viewOf(saved), nil
}

// ReprocessTrackedChange asks for another suggestion based on the version
// on display and appends it.
func (s *Service) ReprocessTrackedChange(ctx context.Context, documentID string) (TrackedChangeView, error) {
	if err := s.requireAI(); err != nil {
		return TrackedChangeView{}, err
	}
	doc, err := s.store.Get(ctx, documentID)
	if err != nil {
		return TrackedChangeView{}, err
	}
	change := doc.TrackedChanges
	if change == nil {
		return TrackedChangeView{}, reconcile.ErrNoPendingChange
	}
	if err := change.Validate(); err != nil {
		return TrackedChangeView{}, err
	}

	actionCtx, ticket, err := s.inflight.Start(ctx, documentID)
	if err != nil {
		return TrackedChangeView{}, err
	}
	defer s.inflight.Finish(ticket)

	text, err := s.ai.Transform(actionCtx, firstNonBlank(change.Command, string(gateway.Improve)), change.Current())
	if err != nil {
		return TrackedChangeView{}, err
	}

	unlock := s.lockDocument(documentID)
	defer unlock()

	fresh, err := s.store.Get(ctx, documentID)
	if err != nil {
		return TrackedChangeView{}, err
	}
	if err := s.inflight.Commit(ctx, ticket); err != nil {
		return TrackedChangeView{}, err
	}
	if fresh.TrackedChanges == nil {
		return TrackedChangeView{}, reconcile.ErrNoPendingChange
	}
	if fresh.TrackedChanges.AnchorID != change.AnchorID {
		return TrackedChangeView{}, inflight.ErrSuperseded
	}

	next, err := s.reconciler.AppendVersion(draftOf(fresh), text)
	if err != nil {
		return TrackedChangeView{}, err
	}
	saved, err := s.persistDraft(ctx, documentID, next)
	if err != nil {
		return TrackedChangeView{}, err
	}
	return viewOf(saved), nil
}

func (s *Service) NavigateTrackedChange(ctx context.Context, documentID string, dir reconcile.Direction) (TrackedChangeView, error) {
	_, after, err := s.applyDraft(ctx, documentID, func(d reconcile.Draft) (reconcile.Draft, error) {
		return s.reconciler.Navigate(d, dir)
	})
	if err != nil {
		return TrackedChangeView{}, err
	}
	return viewOf(after), nil
}

// AppendManualVersion stores text the user typed over the suggestion as
// the newest version.
func (s *Service) AppendManualVersion(ctx context.Context, documentID string, input ManualVersionInput) (TrackedChangeView, error) {
	if strings.TrimSpace(input.Text) == "" {
		return TrackedChangeView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text is required", nil)
	}
	_, after, err := s.applyDraft(ctx, documentID, func(d reconcile.Draft) (reconcile.Draft, error) {
		return s.reconciler.AppendVersion(d, input.Text)
	})
	if err != nil {
		return TrackedChangeView{}, err
	}
	return viewOf(after), nil
}

const (
	ResolutionAccept  = "accept"
	ResolutionReject  = "reject"
	ResolutionDiscard = "discard"
)

// ResolveTrackedChange accepts, rejects or discards the pending change.
// Resolving an idle document returns it unchanged.
func (s *Service) ResolveTrackedChange(ctx context.Context, documentID, resolution string) (TrackedChangeView, error) {
	var op func(reconcile.Draft) (reconcile.Draft, error)
	message := ""
	switch resolution {
	case ResolutionAccept:
		op, message = s.reconciler.Accept, "Accept tracked change"
	case ResolutionReject:
		op, message = s.reconciler.Reject, "Reject tracked change"
	case ResolutionDiscard:
		op = s.reconciler.Discard
	default:
		return TrackedChangeView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown resolution", nil)
	}

	before, after, err := s.applyDraft(ctx, documentID, op)
	if err != nil {
		return TrackedChangeView{}, err
	}
	if before.TrackedChanges == nil {
		return viewOf(after), nil
	}

	metrics.ObserveResolution(resolution)
	if err := s.inflight.Supersede(ctx, documentID); err != nil {
		s.logger.Warn("cancel ai actions after resolution", zap.String("document_id", documentID), zap.Error(err))
	}
	if message != "" {
		s.recordRevision(after, message)
	}
	s.search.IndexDocument(after)
	s.logger.Info("tracked change resolved",
		zap.String("document_id", documentID),
		zap.String("resolution", resolution),
		zap.Int("versions", len(before.TrackedChanges.Versions)),
	)
	return viewOf(after), nil
}

// applyDraft runs op on the stored draft under the document lock and
// persists the result when it differs.
func (s *Service) applyDraft(ctx context.Context, documentID string, op func(reconcile.Draft) (reconcile.Draft, error)) (store.Document, store.Document, error) {
	unlock := s.lockDocument(documentID)
	defer unlock()

	before, err := s.store.Get(ctx, documentID)
	if err != nil {
		return store.Document{}, store.Document{}, err
	}
	next, err := op(draftOf(before))
	if err != nil {
		return store.Document{}, store.Document{}, err
	}

	candidate := before
	candidate.Content = next.Content
	candidate.TrackedChanges = reconcile.ChangeOf(next.State)
	if Fingerprint(candidate) == Fingerprint(before) {
		return before, before, nil
	}
	after, err := s.persistDraft(ctx, documentID, next)
	if err != nil {
		return store.Document{}, store.Document{}, err
	}
	return before, after, nil
}

func (s *Service) persistDraft(ctx context.Context, documentID string, d reconcile.Draft) (store.Document, error) {
	content := d.Content
	return s.store.Patch(ctx, documentID, store.Patch{
		Content:        &content,
		TrackedChanges: &store.ChangeUpdate{Change: reconcile.ChangeOf(d.State)},
	})
}

func plainText(content string) string {
	text, err := htmldoc.TextOf(content)
	if err != nil {
		return content
	}
	return text
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
