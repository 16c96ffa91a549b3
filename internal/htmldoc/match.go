package htmldoc

import (
	"regexp"
	"strings"
	"unicode"
)

// Locate finds the occurrence-th (zero based) match of needle in haystack
// and returns its byte range. Exact matches win; otherwise needle is
// matched with every whitespace run treated as a wildcard for any
// whitespace run, including non-breaking spaces.
func Locate(haystack, needle string, occurrence int) (start, end int, ok bool) {
	if needle == "" || occurrence < 0 {
		return 0, 0, false
	}
	if start, ok := indexNth(haystack, needle, occurrence); ok {
		return start, start + len(needle), true
	}
	pattern := LoosePattern(needle)
	if pattern == nil {
		return 0, 0, false
	}
	matches := pattern.FindAllStringIndex(haystack, occurrence+1)
	if len(matches) <= occurrence {
		return 0, 0, false
	}
	m := matches[occurrence]
	return m[0], m[1], true
}

// LocateLoose returns the first whitespace-tolerant match of needle. Any
// exact occurrence is also a loose one, so this is the first occurrence
// under either rule.
func LocateLoose(haystack, needle string) (start, end int, ok bool) {
	pattern := LoosePattern(needle)
	if pattern == nil {
		return 0, 0, false
	}
	m := pattern.FindStringIndex(haystack)
	if m == nil {
		return 0, 0, false
	}
	return m[0], m[1], true
}

// Contains reports whether needle occurs in haystack under Locate's rules.
func Contains(haystack, needle string) bool {
	_, _, ok := Locate(haystack, needle, 0)
	return ok
}

const looseSpace = `[\s\x{00A0}]+`

// LoosePattern compiles the whitespace-tolerant pattern for text, or nil
// when text is blank.
func LoosePattern(text string) *regexp.Regexp {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	var b strings.Builder
	if startsWithSpace(text) {
		b.WriteString(looseSpace)
	}
	b.WriteString(strings.Join(words, looseSpace))
	if endsWithSpace(text) {
		b.WriteString(looseSpace)
	}
	return regexp.MustCompile(b.String())
}

func indexNth(haystack, needle string, n int) (int, bool) {
	offset := 0
	for i := 0; ; i++ {
		idx := strings.Index(haystack[offset:], needle)
		if idx == -1 {
			return 0, false
		}
		if i == n {
			return offset + idx, true
		}
		offset += idx + 1
	}
}

func startsWithSpace(s string) bool {
	for _, r := range s {
		return unicode.IsSpace(r)
	}
	return false
}

func endsWithSpace(s string) bool {
	trimmed := strings.TrimRightFunc(s, unicode.IsSpace)
	return len(trimmed) != len(s)
}
