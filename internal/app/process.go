package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/sk28832/carbonpaper-app/internal/gateway"
	"github.com/sk28832/carbonpaper-app/internal/store"
)

const (
	defaultMaxUploadBytes = 10 << 20
	maxConcurrentSniffs   = 4
)

var attachmentMagic = map[string][]byte{
	"pdf":  []byte("%PDF-"),
	"docx": []byte("PK\x03\x04"),
}

// processForm is the JSON form of a /process submission. The multipart
// form carries the same fields with list values encoded as JSON strings.
type processForm struct {
	Input               string          `json:"input"`
	EditorContent       string          `json:"editorContent"`
	InputMode           string          `json:"inputMode"`
	ConversationHistory []store.Message `json:"conversationHistory"`
	SelectedSources     []string        `json:"selectedSources"`
	TrackedChanges      json.RawMessage `json:"trackedChanges"`
	SelectedText        string          `json:"selectedText"`
}

func (s *HTTPServer) handleProcess(w http.ResponseWriter, r *http.Request) {
	limit := s.service.cfg.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	input, err := readProcessInput(r, limit)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Upload exceeds the size limit", map[string]any{"limitBytes": limit})
			return
		}
		s.writeServiceError(w, r, err)
		return
	}

	result, err := s.service.Process(r.Context(), input)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func readProcessInput(r *http.Request, limit int64) (ProcessInput, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var form processForm
		if err := decodeBody(r, &form); err != nil {
			return ProcessInput{}, domainError(http.StatusBadRequest, "INVALID_BODY", "Invalid request format", nil).wrap(err)
		}
		return form.toInput(nil)
	}

	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return ProcessInput{}, err
		}
		return ProcessInput{}, domainError(http.StatusBadRequest, "INVALID_BODY", "Invalid request format", nil).wrap(err)
	}
	defer r.MultipartForm.RemoveAll()

	form := processForm{
		Input:         r.FormValue("input"),
		EditorContent: r.FormValue("editorContent"),
		InputMode:     r.FormValue("inputMode"),
		SelectedText:  r.FormValue("selectedText"),
	}
	if err := decodeFormJSON(r.FormValue("conversationHistory"), &form.ConversationHistory); err != nil {
		return ProcessInput{}, err
	}
	if err := decodeFormJSON(r.FormValue("selectedSources"), &form.SelectedSources); err != nil {
		return ProcessInput{}, err
	}
	if raw := strings.TrimSpace(r.FormValue("trackedChanges")); raw != "" {
		form.TrackedChanges = json.RawMessage(raw)
	}

	attachments, err := readAttachments(r.Context(), r.MultipartForm.File["files"])
	if err != nil {
		return ProcessInput{}, err
	}
	return form.toInput(attachments)
}

func (f processForm) toInput(attachments []store.Attachment) (ProcessInput, error) {
	pending, err := decodePendingEdit(f.TrackedChanges)
	if err != nil {
		return ProcessInput{}, err
	}
	return ProcessInput{
		Input:               f.Input,
		EditorContent:       f.EditorContent,
		InputMode:           f.InputMode,
		ConversationHistory: f.ConversationHistory,
		SelectedSources:     f.SelectedSources,
		SelectedText:        f.SelectedText,
		Attachments:         attachments,
		PendingChange:       pending,
	}, nil
}

// clientChange is the tracked-change state the editor sends along with a
// chat message. Older clients name the original text "original".
type clientChange struct {
	Original            string   `json:"original"`
	OriginalText        string   `json:"originalText"`
	Versions            []string `json:"versions"`
	CurrentVersionIndex int      `json:"currentVersionIndex"`
}

// decodePendingEdit returns nil for an absent, null or empty change.
func decodePendingEdit(raw json.RawMessage) (*gateway.PendingEdit, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var change clientChange
	if err := json.Unmarshal(raw, &change); err != nil {
		return nil, domainError(http.StatusBadRequest, "INVALID_BODY", "trackedChanges is malformed", nil).wrap(err)
	}
	if change.CurrentVersionIndex < 0 || change.CurrentVersionIndex >= len(change.Versions) {
		return nil, nil
	}
	return &gateway.PendingEdit{
		Original: firstNonBlank(change.OriginalText, change.Original),
		Current:  change.Versions[change.CurrentVersionIndex],
	}, nil
}

func decodeFormJSON(raw string, target any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return domainError(http.StatusBadRequest, "INVALID_BODY", "Invalid request format", nil).wrap(err)
	}
	return nil
}

// readAttachments checks each uploaded file against its declared type.
// Only the metadata is kept.
func readAttachments(ctx context.Context, files []*multipart.FileHeader) ([]store.Attachment, error) {
	if len(files) == 0 {
		return nil, nil
	}
	attachments := make([]store.Attachment, len(files))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentSniffs)
	for i, header := range files {
		g.Go(func() error {
			kind, err := sniffAttachment(header)
			if err != nil {
				return err
			}
			attachments[i] = store.Attachment{Name: filepath.Base(header.Filename), Type: kind}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return attachments, nil
}

func sniffAttachment(header *multipart.FileHeader) (string, error) {
	kind := strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), ".")
	magic, ok := attachmentMagic[kind]
	if !ok {
		return "", domainError(http.StatusUnsupportedMediaType, "UNSUPPORTED_ATTACHMENT", "Only pdf and docx files are supported", map[string]any{"file": header.Filename})
	}
	file, err := header.Open()
	if err != nil {
		return "", err
	}
	defer file.Close()

	head := make([]byte, len(magic))
	if _, err := io.ReadFull(file, head); err != nil || !bytes.Equal(head, magic) {
		return "", domainError(http.StatusUnprocessableEntity, "INVALID_ATTACHMENT", "File content does not match its type", map[string]any{"file": header.Filename})
	}
	return kind, nil
}
