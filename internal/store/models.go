package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/sk28832/carbonpaper-app/internal/reconcile"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrConflict = errors.New("document already exists")
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	TypeText     = "text"
	TypeChanges  = "changes"
	TypeDraft    = "draft"
	TypeResearch = "research"

	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
	StatusInserted = "inserted"
)

type Document struct {
	ID             string                   `json:"id"`
	Name           string                   `json:"name"`
	Content        string                   `json:"content"`
	IsSaved        bool                     `json:"isSaved"`
	Messages       []Message                `json:"messages"`
	TrackedChanges *reconcile.TrackedChange `json:"trackedChanges"`
	CreatedAt      time.Time                `json:"createdAt"`
	UpdatedAt      time.Time                `json:"updatedAt"`
}

type Attachment struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Message struct {
	ID          string       `json:"id"`
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Type        string       `json:"type"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Status      string       `json:"status,omitempty"`
	Citations   []string     `json:"citations,omitempty"`
}

// Validate checks the enumerated fields of a chat message.
func (m Message) Validate() error {
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return fmt.Errorf("invalid message role %q", m.Role)
	}
	switch m.Type {
	case TypeText, TypeChanges, TypeDraft, TypeResearch:
	default:
		return fmt.Errorf("invalid message type %q", m.Type)
	}
	switch m.Status {
	case "", StatusPending, StatusAccepted, StatusRejected, StatusInserted:
	default:
		return fmt.Errorf("invalid message status %q", m.Status)
	}
	for _, a := range m.Attachments {
		if a.Type != "pdf" && a.Type != "docx" {
			return fmt.Errorf("invalid attachment type %q", a.Type)
		}
	}
	return nil
}

// ChangeUpdate sets or clears (Change == nil) the tracked change.
type ChangeUpdate struct {
	Change *reconcile.TrackedChange
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Name           *string
	Content        *string
	IsSaved        *bool
	Messages       *[]Message
	TrackedChanges *ChangeUpdate
}

func (p Patch) Empty() bool {
	return p.Name == nil && p.Content == nil && p.IsSaved == nil && p.Messages == nil && p.TrackedChanges == nil
}

// Apply writes the present fields of p onto doc.
func (p Patch) Apply(doc *Document) {
	if p.Name != nil {
		doc.Name = *p.Name
	}
	if p.Content != nil {
		doc.Content = *p.Content
	}
	if p.IsSaved != nil {
		doc.IsSaved = *p.IsSaved
	}
	if p.Messages != nil {
		doc.Messages = cloneMessages(*p.Messages)
	}
	if p.TrackedChanges != nil {
		doc.TrackedChanges = cloneChange(p.TrackedChanges.Change)
	}
}

// Clone returns a deep copy so callers never share slices with a store.
func (d Document) Clone() Document {
	d.Messages = cloneMessages(d.Messages)
	d.TrackedChanges = cloneChange(d.TrackedChanges)
	return d
}

func cloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
		m.Citations = append([]string(nil), m.Citations...)
		out[i] = m
	}
	return out
}

func cloneChange(c *reconcile.TrackedChange) *reconcile.TrackedChange {
	if c == nil {
		return nil
	}
	copied := *c
	copied.Versions = append([]string(nil), c.Versions...)
	return &copied
}
