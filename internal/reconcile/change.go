// Package reconcile keeps AI-suggested edits consistent with the document
// they apply to. Every operation takes a Draft and returns a new one; the
// input is never modified.
package reconcile

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrEditPending     = errors.New("a tracked change is already pending")
	ErrNoPendingChange = errors.New("no tracked change is pending")
	ErrAnchorLost      = errors.New("tracked change anchor could not be located")
	ErrEmptySelection  = errors.New("selection is empty")
	ErrEmptySuggestion = errors.New("suggestion is empty")
	ErrInvalidChange   = errors.New("tracked change is invalid")
)

// TrackedChange is one unresolved AI-suggested replacement of a span.
type TrackedChange struct {
	OriginalText        string    `json:"originalText"`
	OriginalHTML        string    `json:"originalHtml,omitempty"`
	Versions            []string  `json:"versions"`
	CurrentVersionIndex int       `json:"currentVersionIndex"`
	AnchorID            string    `json:"anchorId"`
	Command             string    `json:"command,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Current returns the version on display.
func (c TrackedChange) Current() string {
	return c.Versions[c.CurrentVersionIndex]
}

func (c TrackedChange) CanPrev() bool {
	return c.CurrentVersionIndex > 0
}

func (c TrackedChange) CanNext() bool {
	return c.CurrentVersionIndex < len(c.Versions)-1
}

// Validate checks the invariants a persisted change must satisfy.
func (c TrackedChange) Validate() error {
	if len(c.Versions) == 0 {
		return fmt.Errorf("%w: no versions", ErrInvalidChange)
	}
	if c.CurrentVersionIndex < 0 || c.CurrentVersionIndex >= len(c.Versions) {
		return fmt.Errorf("%w: version index %d out of range [0,%d)", ErrInvalidChange, c.CurrentVersionIndex, len(c.Versions))
	}
	if c.AnchorID == "" {
		return fmt.Errorf("%w: missing anchor id", ErrInvalidChange)
	}
	return nil
}

func (c TrackedChange) withVersions(versions []string, index int) TrackedChange {
	c.Versions = versions
	c.CurrentVersionIndex = index
	return c
}

// State is the edit state of a document: Idle or Pending.
type State interface {
	isState()
}

// Idle means no tracked change is awaiting review.
type Idle struct{}

// Pending holds the one tracked change awaiting accept or reject.
type Pending struct {
	Change TrackedChange
}

func (Idle) isState()    {}
func (Pending) isState() {}

// StateOf converts the persisted form (nil when idle) into a State.
func StateOf(change *TrackedChange) State {
	if change == nil {
		return Idle{}
	}
	return Pending{Change: *change}
}

// ChangeOf converts a State back to its persisted form.
func ChangeOf(state State) *TrackedChange {
	if p, ok := state.(Pending); ok {
		change := p.Change
		change.Versions = append([]string(nil), p.Change.Versions...)
		return &change
	}
	return nil
}

// Draft is document content together with its edit state.
type Draft struct {
	Content string
	State   State
}

func (d Draft) pending() (TrackedChange, bool) {
	p, ok := d.State.(Pending)
	return p.Change, ok
}

// Direction selects the neighbouring version.
type Direction string

const (
	Prev Direction = "prev"
	Next Direction = "next"
)

// Selection identifies the span an edit starts from: the occurrence-th
// (zero based) match of Text in the document's plain text.
type Selection struct {
	Text       string
	Occurrence int
}

// Anchor is the result of BeginEdit.
type Anchor struct {
	ID           string
	OriginalText string
	OriginalHTML string
}
