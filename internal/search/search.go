package search

import (
	"context"

	"github.com/sk28832/carbonpaper-app/internal/htmldoc"
	"github.com/sk28832/carbonpaper-app/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Snippet string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Record is the data we index for a document: its name and plain text.
type Record struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Text string `json:"text"`
}

// RecordOf extracts the searchable fields of doc. Tracked-change markers
// are dropped; the text shown inside a marker is indexed as written.
func RecordOf(doc store.Document) Record {
	text := doc.Content
	if parsed, err := htmldoc.Parse(doc.Content); err == nil {
		parsed.StripMarkers()
		text = parsed.Text()
	}
	return Record{ID: doc.ID, Name: doc.Name, Text: text}
}

func normalize(q Query) Query {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
