// Package htmldoc models the editable region of a document as an HTML
// fragment and provides the anchor markers tracked changes are built on.
package htmldoc

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// AnchorAttr identifies a marker span. Its value is the anchor id.
const AnchorAttr = "data-cp-anchor"

// HighlightClass is set on a marker while it shows an unresolved suggestion.
const HighlightClass = "cp-tracked-change"

var (
	ErrEmptyRange              = errors.New("selection is empty")
	ErrRangeOutOfBounds        = errors.New("selection is outside the document")
	ErrSelectionCrossesElement = errors.New("selection cuts through a formatted element")
	ErrTextNotFound            = errors.New("text not found in document")
)

// Document is a parsed HTML fragment. It is not safe for concurrent use.
type Document struct {
	root *html.Node
}

func newContainer() *html.Node {
	return &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
}

// Parse parses content as the children of a <body> element.
func Parse(content string) (*Document, error) {
	root := newContainer()
	nodes, err := html.ParseFragment(strings.NewReader(content), newContainer())
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	for _, node := range nodes {
		root.AppendChild(node)
	}
	return &Document{root: root}, nil
}

// Canonicalize returns content as Parse followed by HTML would render it.
func Canonicalize(content string) (string, error) {
	doc, err := Parse(content)
	if err != nil {
		return "", err
	}
	return doc.HTML(), nil
}

// TextOf returns the plain text of an HTML fragment.
func TextOf(content string) (string, error) {
	doc, err := Parse(content)
	if err != nil {
		return "", err
	}
	return doc.Text(), nil
}

// HTML renders the fragment.
func (d *Document) HTML() string {
	return renderChildren(d.root)
}

// Text returns the concatenated text nodes, skipping script and style.
func (d *Document) Text() string {
	var b strings.Builder
	for _, seg := range d.segments() {
		b.WriteString(seg.node.Data)
	}
	return b.String()
}

type segment struct {
	node  *html.Node
	start int
}

func (s segment) end() int {
	return s.start + len(s.node.Data)
}

func (d *Document) segments() []segment {
	var out []segment
	offset := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if n.Data != "" {
				out = append(out, segment{node: n, start: offset})
				offset += len(n.Data)
			}
			return
		case html.ElementNode:
			if n.DataAtom == atom.Script || n.DataAtom == atom.Style {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(d.root)
	return out
}

// WrapText wraps the occurrence-th match of text in a new marker. Exact
// matches are preferred; the whitespace-tolerant pattern is the fallback.
func (d *Document) WrapText(text string, occurrence int, anchorID string) (*Marker, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyRange
	}
	start, end, ok := Locate(d.Text(), text, occurrence)
	if !ok {
		return nil, ErrTextNotFound
	}
	return d.WrapRange(start, end, anchorID)
}

// WrapRange wraps the plain-text byte range [start, end) in a marker
// carrying anchorID. Text nodes are split at the boundaries; a boundary
// inside an element that is only partly covered is rejected so that
// unwrapping the marker restores the original tree exactly.
func (d *Document) WrapRange(start, end int, anchorID string) (*Marker, error) {
	if start >= end {
		return nil, ErrEmptyRange
	}
	segs := d.segments()
	if start < 0 || len(segs) == 0 || end > segs[len(segs)-1].end() {
		return nil, ErrRangeOutOfBounds
	}

	first, last := -1, -1
	for i, seg := range segs {
		if first == -1 && start < seg.end() {
			first = i
		}
		if end <= seg.end() {
			last = i
			break
		}
	}
	if first == -1 || last == -1 || first > last {
		return nil, ErrRangeOutOfBounds
	}

	startNode := segs[first].node
	if offset := start - segs[first].start; offset > 0 {
		startNode = splitText(startNode, offset)
		if last == first {
			segs[last] = segment{node: startNode, start: start}
		}
	}
	endNode := segs[last].node
	if offset := end - segs[last].start; offset < len(endNode.Data) {
		splitText(endNode, offset)
	}

	startParent, endParent := startNode.Parent, endNode.Parent
	rejoin := func() {
		mergeText(startParent)
		mergeText(endParent)
	}

	parent := commonParent(startNode, endNode)
	if !holdsInline(parent) {
		rejoin()
		return nil, ErrSelectionCrossesElement
	}
	from, err := liftStart(startNode, parent)
	if err != nil {
		rejoin()
		return nil, err
	}
	to, err := liftEnd(endNode, parent)
	if err != nil {
		rejoin()
		return nil, err
	}

	marker := &html.Node{
		Type:     html.ElementNode,
		Data:     "span",
		DataAtom: atom.Span,
		Attr:     []html.Attribute{{Key: AnchorAttr, Val: anchorID}},
	}
	parent.InsertBefore(marker, from)
	for n := from; ; {
		next := n.NextSibling
		parent.RemoveChild(n)
		marker.AppendChild(n)
		if n == to {
			break
		}
		n = next
	}

	wrapped := &Marker{node: marker}
	if !survivesReparse(d, anchorID, wrapped.Text()) {
		wrapped.Unwrap()
		rejoin()
		return nil, ErrSelectionCrossesElement
	}
	return wrapped, nil
}

// holdsInline reports whether the parser keeps a <span> child of n in
// place. Table structure and select foster-parent it elsewhere.
func holdsInline(n *html.Node) bool {
	if n == nil {
		return false
	}
	switch n.DataAtom {
	case atom.Table, atom.Tbody, atom.Thead, atom.Tfoot, atom.Tr, atom.Colgroup, atom.Col, atom.Select, atom.Html, atom.Head:
		return false
	}
	return true
}

// survivesReparse renders d, parses it again and checks that the marker
// still holds text.
func survivesReparse(d *Document, anchorID, text string) bool {
	again, err := Parse(d.HTML())
	if err != nil {
		return false
	}
	marker, ok := again.FindAnchor(anchorID)
	return ok && marker.Text() == text
}

// splitText cuts n at offset, inserts the tail after n and returns it.
func splitText(n *html.Node, offset int) *html.Node {
	tail := &html.Node{Type: html.TextNode, Data: n.Data[offset:]}
	n.Data = n.Data[:offset]
	n.Parent.InsertBefore(tail, n.NextSibling)
	return tail
}

func commonParent(a, b *html.Node) *html.Node {
	seen := make(map[*html.Node]struct{})
	for p := a.Parent; p != nil; p = p.Parent {
		seen[p] = struct{}{}
	}
	for p := b.Parent; p != nil; p = p.Parent {
		if _, ok := seen[p]; ok {
			return p
		}
	}
	return nil
}

func liftStart(n, parent *html.Node) (*html.Node, error) {
	for n.Parent != parent {
		for s := n.PrevSibling; s != nil; s = s.PrevSibling {
			if hasText(s) {
				return nil, ErrSelectionCrossesElement
			}
		}
		n = n.Parent
	}
	return n, nil
}

func liftEnd(n, parent *html.Node) (*html.Node, error) {
	for n.Parent != parent {
		for s := n.NextSibling; s != nil; s = s.NextSibling {
			if hasText(s) {
				return nil, ErrSelectionCrossesElement
			}
		}
		n = n.Parent
	}
	return n, nil
}

func hasText(n *html.Node) bool {
	if n.Type == html.TextNode {
		return n.Data != ""
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if hasText(c) {
			return true
		}
	}
	return false
}

// FindAnchor returns the first marker carrying anchorID.
func (d *Document) FindAnchor(anchorID string) (*Marker, bool) {
	for _, m := range d.Markers() {
		if m.AnchorID() == anchorID {
			return m, true
		}
	}
	return nil, false
}

// Markers lists every marker in document order.
func (d *Document) Markers() []*Marker {
	var out []*Marker
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if _, ok := attr(n, AnchorAttr); ok {
				out = append(out, &Marker{node: n})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(d.root)
	return out
}

// StripMarkers unwraps every marker and reports how many were removed.
func (d *Document) StripMarkers() int {
	markers := d.Markers()
	for _, m := range markers {
		m.Unwrap()
	}
	return len(markers)
}

func renderChildren(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&b, c)
	}
	return b.String()
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// mergeText joins adjacent text nodes under parent and drops empty ones.
func mergeText(parent *html.Node) {
	for c := parent.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type != html.TextNode {
			c = next
			continue
		}
		if c.Data == "" {
			parent.RemoveChild(c)
			c = next
			continue
		}
		for next != nil && next.Type == html.TextNode {
			c.Data += next.Data
			after := next.NextSibling
			parent.RemoveChild(next)
			next = after
		}
		c = next
	}
}
