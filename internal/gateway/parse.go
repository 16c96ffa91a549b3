package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sk28832/carbonpaper-app/internal/htmldoc"
)

// Suggestion names a span of the document and its replacement.
type Suggestion struct {
	Original  string `json:"original"`
	Suggested string `json:"suggested"`
}

// ParseSuggestion decodes a model answer. Markdown fences and prose around
// the outermost JSON object are ignored. Both fields must be present and
// Original must occur in documentText.
func ParseSuggestion(raw, documentText string) (Suggestion, error) {
	body := stripFences(raw)
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start == -1 || end < start {
		return Suggestion{}, fmt.Errorf("%w: no JSON object", ErrMalformedResponse)
	}
	var s Suggestion
	if err := json.Unmarshal([]byte(body[start:end+1]), &s); err != nil {
		return Suggestion{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if strings.TrimSpace(s.Original) == "" || strings.TrimSpace(s.Suggested) == "" {
		return Suggestion{}, fmt.Errorf("%w: original and suggested are required", ErrMalformedResponse)
	}
	if !htmldoc.Contains(documentText, s.Original) {
		return Suggestion{}, fmt.Errorf("%w: original text is not in the document", ErrMalformedResponse)
	}
	return s, nil
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl != -1 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

// Citations returns the sentences of documentText that reply quotes,
// compared case-insensitively, in document order without duplicates.
func Citations(reply, documentText string) []string {
	lowered := strings.ToLower(reply)
	sentences := strings.FieldsFunc(documentText, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	out := []string{}
	seen := map[string]bool{}
	for _, sentence := range sentences {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" || seen[sentence] {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(sentence)) {
			seen[sentence] = true
			out = append(out, sentence)
		}
	}
	return out
}
