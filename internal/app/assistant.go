package app

import (
	"context"
	"net/http"
	"strings"

	"github.com/sk28832/carbonpaper-app/internal/gateway"
	"github.com/sk28832/carbonpaper-app/internal/search"
	"github.com/sk28832/carbonpaper-app/internal/store"
)

const (
	InputModeQuestion = "question"
	InputModeEdit     = "edit"
	InputModeDraft    = "draft"
	InputModeResearch = "research"
)

// ProcessInput is one chat submission from the assistant panel.
type ProcessInput struct {
	Input               string
	EditorContent       string
	InputMode           string
	ConversationHistory []store.Message
	SelectedSources     []string
	SelectedText        string
	Attachments         []store.Attachment
	// PendingChange is the suggestion the client is still reviewing.
	PendingChange *gateway.PendingEdit
}

type HoverbarInput struct {
	SelectedText string `json:"selectedText" validate:"required"`
	Command      string `json:"command" validate:"required"`
}

// Process answers a question or proposes an edit. With a selection the
// input is applied to the selected text as a quick action.
func (s *Service) Process(ctx context.Context, input ProcessInput) (map[string]any, error) {
	if strings.TrimSpace(input.Input) == "" {
		return nil, domainError(http.StatusBadRequest, "INVALID_BODY", "Invalid request format", nil)
	}
	if err := s.requireAI(); err != nil {
		return nil, err
	}

	var (
		result map[string]any
		err    error
	)
	switch {
	case strings.TrimSpace(input.SelectedText) != "":
		result, err = s.quickAction(ctx, input)
	case input.InputMode == InputModeQuestion:
		result, err = s.answer(ctx, input)
	case input.InputMode == InputModeEdit:
		result, err = s.proposeEdit(ctx, input)
	default:
		return nil, domainError(http.StatusBadRequest, "INVALID_INPUT_MODE", "Invalid input mode", map[string]any{
			"inputMode": input.InputMode,
			"supported": []string{InputModeQuestion, InputModeEdit},
		})
	}
	if err != nil {
		return nil, err
	}
	if len(input.Attachments) > 0 {
		result["attachments"] = input.Attachments
	}
	return result, nil
}

func (s *Service) quickAction(ctx context.Context, input ProcessInput) (map[string]any, error) {
	text, err := s.ai.Transform(ctx, input.Input, input.SelectedText)
	if err != nil {
		return nil, err
	}
	if input.InputMode == InputModeEdit {
		return proposedChange(input.SelectedText, text), nil
	}
	return map[string]any{
		"type":      InputModeQuestion,
		"reply":     text,
		"citations": []string{},
	}, nil
}

func (s *Service) answer(ctx context.Context, input ProcessInput) (map[string]any, error) {
	reply, err := s.ai.Ask(ctx, gateway.Question{
		Input:        input.Input,
		DocumentText: plainText(input.EditorContent),
		Sources:      input.SelectedSources,
		History:      chatHistory(input.ConversationHistory),
	})
	if err != nil {
		return nil, err
	}
	citations := reply.Citations
	if citations == nil {
		citations = []string{}
	}
	return map[string]any{
		"type":      InputModeQuestion,
		"reply":     reply.Text,
		"citations": citations,
	}, nil
}

func (s *Service) proposeEdit(ctx context.Context, input ProcessInput) (map[string]any, error) {
	suggestion, err := s.ai.SuggestEdit(ctx, gateway.EditRequest{
		Instruction:  input.Input,
		DocumentText: plainText(input.EditorContent),
		Pending:      input.PendingChange,
	})
	if err != nil {
		return nil, err
	}
	return proposedChange(suggestion.Original, suggestion.Suggested), nil
}

func proposedChange(original, suggested string) map[string]any {
	return map[string]any{
		"type": InputModeEdit,
		"trackedChanges": map[string]any{
			"original":            original,
			"versions":            []string{suggested},
			"currentVersionIndex": 0,
		},
	}
}

// chatHistory keeps the user and assistant turns of a conversation.
func chatHistory(messages []store.Message) []gateway.ChatMessage {
	out := make([]gateway.ChatMessage, 0, len(messages))
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case store.RoleUser:
			out = append(out, gateway.ChatMessage{Role: gateway.RoleUser, Content: m.Content})
		case store.RoleAssistant:
			out = append(out, gateway.ChatMessage{Role: gateway.RoleAssistant, Content: m.Content})
		}
	}
	return out
}

// Hoverbar runs a quick action on selected text. Unknown commands fall
// back to improve.
func (s *Service) Hoverbar(ctx context.Context, input HoverbarInput) (string, error) {
	if strings.TrimSpace(input.SelectedText) == "" || strings.TrimSpace(input.Command) == "" {
		return "", domainError(http.StatusBadRequest, "INVALID_BODY", "Invalid request format", nil)
	}
	if err := s.requireAI(); err != nil {
		return "", err
	}
	command, ok := gateway.ParseCommand(input.Command)
	if !ok {
		command = gateway.Improve
	}
	return s.ai.Transform(ctx, string(command), input.SelectedText)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(ctx, q)
}
