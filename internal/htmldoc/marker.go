package htmldoc

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Marker is an anchor span inside a Document.
type Marker struct {
	node *html.Node
}

func (m *Marker) AnchorID() string {
	id, _ := attr(m.node, AnchorAttr)
	return id
}

// Text returns the plain text inside the marker.
func (m *Marker) Text() string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(m.node)
	return b.String()
}

func (m *Marker) InnerHTML() string {
	return renderChildren(m.node)
}

// Highlighted reports whether the marker carries HighlightClass.
func (m *Marker) Highlighted() bool {
	class, _ := attr(m.node, "class")
	return class == HighlightClass
}

// SetText replaces the marker content with a single text node.
func (m *Marker) SetText(text string) {
	for c := m.node.FirstChild; c != nil; {
		next := c.NextSibling
		m.node.RemoveChild(c)
		c = next
	}
	if text != "" {
		m.node.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
}

func (m *Marker) SetHighlighted(on bool) {
	attrs := m.node.Attr[:0]
	for _, a := range m.node.Attr {
		if a.Namespace == "" && a.Key == "class" {
			continue
		}
		attrs = append(attrs, a)
	}
	if on {
		attrs = append(attrs, html.Attribute{Key: "class", Val: HighlightClass})
	}
	m.node.Attr = attrs
}

// Unwrap removes the marker and keeps its content in place.
func (m *Marker) Unwrap() {
	parent := m.node.Parent
	if parent == nil {
		return
	}
	for c := m.node.FirstChild; c != nil; {
		next := c.NextSibling
		m.node.RemoveChild(c)
		parent.InsertBefore(c, m.node)
		c = next
	}
	parent.RemoveChild(m.node)
	mergeText(parent)
}

// ReplaceWithHTML removes the marker and puts the parsed fragment in its
// place. The fragment is parsed in the context of the marker's parent.
func (m *Marker) ReplaceWithHTML(fragment string) error {
	parent := m.node.Parent
	if parent == nil {
		return fmt.Errorf("marker %s is detached", m.AnchorID())
	}
	context := &html.Node{Type: html.ElementNode, Data: parent.Data, DataAtom: parent.DataAtom, Namespace: parent.Namespace}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), context)
	if err != nil {
		return fmt.Errorf("parse replacement: %w", err)
	}
	for _, n := range nodes {
		parent.InsertBefore(n, m.node)
	}
	parent.RemoveChild(m.node)
	mergeText(parent)
	return nil
}
