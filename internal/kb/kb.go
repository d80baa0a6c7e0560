// Package kb holds the identifiers and small value types shared by the
// knowledge-base graph packages: article numbers, canonical edge keys, node
// types, link statuses and external destination categories.
package kb

import (
	"errors"
	"regexp"
	"strings"
)

// EdgeSeparator joins the two identifiers of an edge key. Article numbers are
// alphanumeric and normalized URLs percent-encode control characters, so the
// separator never occurs inside an identifier.
const EdgeSeparator = "\x1f"

// ErrMalformedEdgeKey is returned by ParseEdgeKey for keys that were not built
// by CanonicalEdgeKey.
var ErrMalformedEdgeKey = errors.New("malformed edge key")

var (
	articleNumberRe = regexp.MustCompile(`^KB\d+$`)
	articleTokenRe  = regexp.MustCompile(`\bKB\d+\b`)
)

// CanonicalEdgeKey returns the key of the undirected edge between a and b.
// The pair is sorted first, so CanonicalEdgeKey(a, b) == CanonicalEdgeKey(b, a).
func CanonicalEdgeKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + EdgeSeparator + b
}

// ParseEdgeKey splits a key built by CanonicalEdgeKey back into its endpoints,
// in sorted order.
func ParseEdgeKey(key string) (a, b string, err error) {
	a, b, ok := strings.Cut(key, EdgeSeparator)
	if !ok || a == "" || b == "" || strings.Contains(b, EdgeSeparator) {
		return "", "", ErrMalformedEdgeKey
	}
	return a, b, nil
}

// NormalizeArticleNumber trims and upper-cases s and reports whether the
// result is a well-formed article number such as KB0010001.
func NormalizeArticleNumber(s string) (string, bool) {
	n := strings.ToUpper(strings.TrimSpace(s))
	if !articleNumberRe.MatchString(n) {
		return "", false
	}
	return n, true
}

// IsArticleNumber reports whether s is already a normalized article number.
func IsArticleNumber(s string) bool {
	return articleNumberRe.MatchString(s)
}

// FindArticleNumber returns the first article-number token in text, matched
// case-insensitively, or "" when there is none.
func FindArticleNumber(text string) string {
	return articleTokenRe.FindString(strings.ToUpper(text))
}

// NodeType distinguishes knowledge-base articles from external destinations.
type NodeType int

const (
	TypeArticle NodeType = iota
	TypeExternal
)

func (t NodeType) String() string {
	if t == TypeExternal {
		return "external"
	}
	return "article"
}

// ProbeKey returns the health-check cache key for a node: "kb:" for articles
// and "url:" for external destinations.
func ProbeKey(t NodeType, id string) string {
	if t == TypeExternal {
		return "url:" + id
	}
	return "kb:" + id
}
