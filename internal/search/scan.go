package search

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sk28832/carbonpaper-app/internal/store"
)

// Lister is the part of the document store the scan searcher reads.
type Lister interface {
	List(ctx context.Context) ([]store.Document, error)
}

// Scan searches by reading every document from the store. It serves when
// Meilisearch is not configured or unhealthy.
type Scan struct {
	source Lister
}

func NewScan(source Lister) *Scan {
	return &Scan{source: source}
}

// Healthy is true whenever the store is; a store outage fails the request anyway.
func (s *Scan) Healthy() bool {
	return true
}

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	q = normalize(q)
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return nil, 0, nil
	}
	docs, err := s.source.List(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("scan documents: %w", err)
	}

	var matches []Result
	for _, doc := range docs {
		rec := RecordOf(doc)
		nameHit := strings.Contains(strings.ToLower(rec.Name), needle)
		at := strings.Index(strings.ToLower(rec.Text), needle)
		if !nameHit && at == -1 {
			continue
		}
		matches = append(matches, Result{ID: rec.ID, Name: rec.Name, Snippet: snippet(rec.Text, at, len(needle))})
	}

	total := len(matches)
	if q.Offset >= total {
		return []Result{}, total, nil
	}
	end := min(total, q.Offset+q.Limit)
	return matches[q.Offset:end], total, nil
}

const snippetRadius = 60

// snippet returns the text around [at, at+n). ToLower can change byte
// lengths for some scripts, so offsets are clamped and snapped to rune
// boundaries.
func snippet(text string, at, n int) string {
	if at < 0 {
		at, n = 0, 0
	}
	at = min(at, len(text))
	start := max(0, at-snippetRadius)
	end := min(len(text), at+n+snippetRadius)
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	out := strings.TrimSpace(text[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(text) {
		out += "…"
	}
	return out
}
