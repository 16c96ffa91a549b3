package reconcile

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sk28832/carbonpaper-app/internal/htmldoc"
)

// Reconciler applies tracked-change operations to drafts.
type Reconciler struct {
	newID func() string
	now   func() time.Time
}

type Option func(*Reconciler)

// WithIDs overrides anchor id generation.
func WithIDs(fn func() string) Option {
	return func(r *Reconciler) { r.newID = fn }
}

func WithClock(fn func() time.Time) Option {
	return func(r *Reconciler) { r.now = fn }
}

func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		newID: func() string { return "cp-" + uuid.NewString() },
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BeginEdit wraps the selected span in a fresh marker. The returned draft
// is still idle; ApplySuggestion turns it into a pending change.
func (r *Reconciler) BeginEdit(d Draft, sel Selection) (Draft, Anchor, error) {
	if _, ok := d.pending(); ok {
		return d, Anchor{}, ErrEditPending
	}
	if strings.TrimSpace(sel.Text) == "" {
		return d, Anchor{}, ErrEmptySelection
	}
	doc, err := htmldoc.Parse(d.Content)
	if err != nil {
		return d, Anchor{}, err
	}
	id := r.newID()
	marker, err := doc.WrapText(sel.Text, sel.Occurrence, id)
	if err != nil {
		return d, Anchor{}, fmt.Errorf("begin edit: %w", err)
	}
	anchor := Anchor{
		ID:           id,
		OriginalText: marker.Text(),
		OriginalHTML: marker.InnerHTML(),
	}
	return Draft{Content: doc.HTML(), State: Idle{}}, anchor, nil
}

// ApplySuggestion shows suggested in place of the anchored span and makes
// the draft pending. A draft that already has a pending change is refused.
func (r *Reconciler) ApplySuggestion(d Draft, anchor Anchor, suggested, command string) (Draft, error) {
	if _, ok := d.pending(); ok {
		return d, ErrEditPending
	}
	if suggested == "" {
		return d, ErrEmptySuggestion
	}
	if anchor.ID == "" || anchor.OriginalText == "" {
		return d, ErrEmptySelection
	}
	doc, err := htmldoc.Parse(d.Content)
	if err != nil {
		return d, err
	}
	marker, recovered, err := locate(doc, anchor.ID, anchor.OriginalText)
	if err != nil {
		return d, err
	}

	originalHTML := anchor.OriginalHTML
	if recovered || originalHTML == "" {
		originalHTML = marker.InnerHTML()
	}
	if text, err := htmldoc.TextOf(originalHTML); err != nil || text != anchor.OriginalText {
		originalHTML = html.EscapeString(anchor.OriginalText)
	}

	marker.SetText(suggested)
	marker.SetHighlighted(true)

	change := TrackedChange{
		OriginalText:        anchor.OriginalText,
		OriginalHTML:        originalHTML,
		Versions:            []string{suggested},
		CurrentVersionIndex: 0,
		AnchorID:            anchor.ID,
		Command:             command,
		CreatedAt:           r.now().UTC(),
	}
	return Draft{Content: doc.HTML(), State: Pending{Change: change}}, nil
}

// Navigate moves to the previous or next version. Moving past either end
// is a no-op.
func (r *Reconciler) Navigate(d Draft, dir Direction) (Draft, error) {
	change, ok := d.pending()
	if !ok {
		return d, ErrNoPendingChange
	}
	if err := change.Validate(); err != nil {
		return d, err
	}
	index := change.CurrentVersionIndex
	switch dir {
	case Prev:
		index = max(0, index-1)
	case Next:
		index = min(len(change.Versions)-1, index+1)
	default:
		return d, fmt.Errorf("unknown direction %q", dir)
	}
	if index == change.CurrentVersionIndex {
		return d, nil
	}
	return render(d, change.withVersions(change.Versions, index))
}

// AppendVersion adds text as the newest version and shows it. Reprocessing
// and manual edits of a suggestion both end here.
func (r *Reconciler) AppendVersion(d Draft, text string) (Draft, error) {
	change, ok := d.pending()
	if !ok {
		return d, ErrNoPendingChange
	}
	if err := change.Validate(); err != nil {
		return d, err
	}
	if text == "" {
		return d, ErrEmptySuggestion
	}
	versions := make([]string, 0, len(change.Versions)+1)
	versions = append(versions, change.Versions...)
	versions = append(versions, text)
	return render(d, change.withVersions(versions, len(versions)-1))
}

// Accept keeps the displayed version as plain content. Accepting an idle
// draft does nothing.
func (r *Reconciler) Accept(d Draft) (Draft, error) {
	change, ok := d.pending()
	if !ok {
		return d, nil
	}
	if err := change.Validate(); err != nil {
		return d, err
	}
	doc, err := htmldoc.Parse(d.Content)
	if err != nil {
		return d, err
	}
	marker, recovered, err := locate(doc, change.AnchorID, change.OriginalText)
	if err != nil {
		return d, err
	}
	if recovered {
		marker.SetText(change.Current())
	}
	marker.Unwrap()
	return Draft{Content: doc.HTML(), State: Idle{}}, nil
}

// Reject restores the original span. Rejecting an idle draft does nothing.
func (r *Reconciler) Reject(d Draft) (Draft, error) {
	change, ok := d.pending()
	if !ok {
		return d, nil
	}
	if err := change.Validate(); err != nil {
		return d, err
	}
	doc, err := htmldoc.Parse(d.Content)
	if err != nil {
		return d, err
	}
	marker, _, err := locate(doc, change.AnchorID, change.OriginalText)
	if err != nil {
		return d, err
	}
	original := change.OriginalHTML
	if original == "" {
		original = html.EscapeString(change.OriginalText)
	}
	if err := marker.ReplaceWithHTML(original); err != nil {
		return d, err
	}
	return Draft{Content: doc.HTML(), State: Idle{}}, nil
}

// Discard drops a pending change without restoring anything. A marker
// still present is unwrapped so no highlight is left behind.
func (r *Reconciler) Discard(d Draft) (Draft, error) {
	change, ok := d.pending()
	if !ok {
		return d, nil
	}
	doc, err := htmldoc.Parse(d.Content)
	if err != nil {
		return d, err
	}
	if marker, found := doc.FindAnchor(change.AnchorID); found {
		marker.Unwrap()
	}
	return Draft{Content: doc.HTML(), State: Idle{}}, nil
}

// render shows change's current version inside its marker. On failure d
// is returned as it was.
func render(d Draft, change TrackedChange) (Draft, error) {
	doc, err := htmldoc.Parse(d.Content)
	if err != nil {
		return d, err
	}
	marker, _, err := locate(doc, change.AnchorID, change.OriginalText)
	if err != nil {
		return d, err
	}
	marker.SetText(change.Current())
	marker.SetHighlighted(true)
	return Draft{Content: doc.HTML(), State: Pending{Change: change}}, nil
}

// locate finds the marker for anchorID. When the marker is gone it wraps
// the first whitespace-tolerant occurrence of originalText in a new marker
// with the same id. This can pick the wrong span when originalText is not
// unique in the document.
func locate(doc *htmldoc.Document, anchorID, originalText string) (*htmldoc.Marker, bool, error) {
	if marker, ok := doc.FindAnchor(anchorID); ok {
		return marker, false, nil
	}
	start, end, ok := htmldoc.LocateLoose(doc.Text(), originalText)
	if !ok {
		return nil, false, ErrAnchorLost
	}
	marker, err := doc.WrapRange(start, end, anchorID)
	if err != nil {
		if errors.Is(err, htmldoc.ErrSelectionCrossesElement) {
			return nil, false, fmt.Errorf("%w: %v", ErrAnchorLost, err)
		}
		return nil, false, err
	}
	return marker, true, nil
}
