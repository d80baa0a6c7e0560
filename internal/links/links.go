// Package links extracts article references and external destinations from
// knowledge-base article bodies. Bodies are usually the HTML stored in the
// article's text field; exported articles may be markdown instead.
package links

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/latebit/kbgraph/internal/kb"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// DefaultDocsHosts are the hosts categorized as documentation when an
// Extractor has no DocsHosts of its own.
var DefaultDocsHosts = []string{
	"docs.servicenow.com",
	"developer.servicenow.com",
	"learn.microsoft.com",
	"docs.microsoft.com",
	"support.google.com",
	"docs.aws.amazon.com",
}

var htmlTagRe = regexp.MustCompile(`(?i)<(a|p|div|span|br|h[1-6]|ul|ol|li|table|html|body)[\s>/]`)

// InternalRef is a reference to another article.
type InternalRef struct {
	ID    string
	Label string
}

// ExternalRef is a link to anything that is not an article.
type ExternalRef struct {
	URL      string
	Label    string
	Category kb.Category
}

// Result holds the references found in one body, deduplicated, in document
// order.
type Result struct {
	Internal []InternalRef
	External []ExternalRef
	// Unresolved counts links that point at an article page but carry no
	// recognizable article number.
	Unresolved int
}

// Extractor turns article bodies into references. Base is the instance
// origin used to resolve relative links and to tell same-instance records
// apart from other sites; it may be nil for offline bodies.
type Extractor struct {
	Base      *url.URL
	DocsHosts []string
}

type anchor struct {
	href  string
	label string
}

// Extract parses body and returns its article references and external links.
func (e Extractor) Extract(body string) Result {
	var res Result
	seenInternal := make(map[string]bool)
	seenExternal := make(map[string]bool)

	for _, a := range anchors(body) {
		href := strings.TrimSpace(a.href)
		if skipHref(href) {
			continue
		}
		u := e.resolve(href)
		if u == nil {
			continue
		}

		if isArticleLink(u) {
			id := articleID(u, a.label)
			if id == "" {
				res.Unresolved++
				continue
			}
			if seenInternal[id] {
				continue
			}
			seenInternal[id] = true
			label := a.label
			if label == "" {
				label = id
			}
			res.Internal = append(res.Internal, InternalRef{ID: id, Label: label})
			continue
		}

		if u.Scheme != "http" && u.Scheme != "https" {
			continue
		}
		u.Fragment = ""
		u.RawFragment = ""
		dest := u.String()
		if seenExternal[dest] {
			continue
		}
		seenExternal[dest] = true
		label := a.label
		if label == "" {
			label = dest
		}
		res.External = append(res.External, ExternalRef{URL: dest, Label: label, Category: e.Categorize(u)})
	}
	return res
}

// Categorize places an external destination in one of the closed categories.
func (e Extractor) Categorize(u *url.URL) kb.Category {
	host := strings.ToLower(u.Hostname())
	if e.Base != nil && host == strings.ToLower(e.Base.Hostname()) {
		return kb.CategoryRecord
	}
	docs := e.DocsHosts
	if len(docs) == 0 {
		docs = DefaultDocsHosts
	}
	for _, d := range docs {
		if host == d {
			return kb.CategoryDocs
		}
	}
	if strings.HasSuffix(host, ".service-now.com") || strings.HasSuffix(host, ".servicenow.com") {
		return kb.CategoryInstance
	}
	return kb.CategoryWeb
}

func (e Extractor) resolve(href string) *url.URL {
	ref, err := url.Parse(href)
	if err != nil {
		return nil
	}
	if e.Base == nil || ref.IsAbs() {
		return ref
	}
	return e.Base.ResolveReference(ref)
}

func skipHref(href string) bool {
	if href == "" || strings.HasPrefix(href, "#") {
		return true
	}
	lower := strings.ToLower(href)
	for _, p := range []string{"javascript:", "mailto:", "tel:"} {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

func isArticleLink(u *url.URL) bool {
	switch path.Base(u.Path) {
	case "kb_view.do", "kb_article.do":
		return true
	}
	q := u.Query()
	if q.Get("id") == "kb_article" || q.Get("id") == "kb_article_view" {
		return true
	}
	// nav_to.do?uri=kb_view.do%3Fsysparm_article%3DKB...
	if uri := q.Get("uri"); uri != "" {
		if inner, err := url.Parse(uri); err == nil {
			return isArticleLink(inner)
		}
	}
	return false
}

func articleID(u *url.URL, label string) string {
	q := u.Query()
	for _, key := range []string{"sysparm_article", "number"} {
		if id, ok := kb.NormalizeArticleNumber(q.Get(key)); ok {
			return id
		}
	}
	if uri := q.Get("uri"); uri != "" {
		if inner, err := url.Parse(uri); err == nil {
			if id := articleID(inner, ""); id != "" {
				return id
			}
		}
	}
	return kb.FindArticleNumber(label)
}

func isHTML(body string) bool {
	return htmlTagRe.MatchString(body)
}

func anchors(body string) []anchor {
	if isHTML(body) {
		return htmlAnchors(body)
	}
	return markdownAnchors(body)
}

func htmlAnchors(body string) []anchor {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil
	}
	var out []anchor
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		out = append(out, anchor{href: href, label: collapseSpace(s.Text())})
	})
	return out
}

func markdownAnchors(body string) []anchor {
	src := []byte(body)
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))

	var out []anchor
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch link := n.(type) {
		case *ast.Link:
			out = append(out, anchor{href: string(link.Destination), label: collapseSpace(string(link.Text(src)))})
		case *ast.AutoLink:
			if link.AutoLinkType == ast.AutoLinkURL {
				out = append(out, anchor{href: string(link.URL(src)), label: string(link.Label(src))})
			}
		}
		return ast.WalkContinue, nil
	})
	return out
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Resolve resolves a possibly-relative link dest against baseURL.
func Resolve(baseURL, dest string) string {
	if strings.Contains(dest, "://") {
		return dest
	}
	base, err := url.Parse(baseURL)
	if err != nil || baseURL == "" {
		return dest
	}
	ref, err := url.Parse(dest)
	if err != nil {
		return dest
	}
	return base.ResolveReference(ref).String()
}

// ExtractTitle returns the text of the first top-level heading in body, which
// may be HTML or markdown. An HTML document without an h1 falls back to its
// title element. Returns empty string if no heading is found.
func ExtractTitle(body string) string {
	if isHTML(body) || strings.Contains(strings.ToLower(body), "<title") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
		if err != nil {
			return ""
		}
		if h := collapseSpace(doc.Find("h1").First().Text()); h != "" {
			return h
		}
		return collapseSpace(doc.Find("title").First().Text())
	}

	src := []byte(body)
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))

	var title string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		heading, ok := n.(*ast.Heading)
		if !ok || heading.Level != 1 {
			return ast.WalkContinue, nil
		}
		title = string(heading.Text(src))
		return ast.WalkStop, nil
	})
	return title
}
