// Package export renders graph snapshots as JSON, YAML, Graphviz DOT or an
// indented text tree.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/latebit/kbgraph/internal/graph"
	"github.com/latebit/kbgraph/internal/kb"
	"github.com/latebit/kbgraph/internal/links"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatDOT  = "dot"
)

// Formats lists the accepted format names.
var Formats = []string{FormatText, FormatJSON, FormatYAML, FormatDOT}

// Document is the serialized form of a graph snapshot.
type Document struct {
	Root     string `json:"root" yaml:"root"`
	MaxNodes int    `json:"max_nodes" yaml:"max_nodes"`
	Nodes    []Node `json:"nodes" yaml:"nodes"`
	Edges    []Edge `json:"edges" yaml:"edges"`
}

// Node is one serialized node. URL is the article page for articles and the
// destination for external nodes.
type Node struct {
	ID            string `json:"id" yaml:"id"`
	Label         string `json:"label" yaml:"label"`
	Type          string `json:"type" yaml:"type"`
	Depth         int    `json:"depth" yaml:"depth"`
	Status        string `json:"status" yaml:"status"`
	Expanded      bool   `json:"expanded" yaml:"expanded"`
	TitleResolved bool   `json:"title_resolved" yaml:"title_resolved"`
	URL           string `json:"url,omitempty" yaml:"url,omitempty"`
	Category      string `json:"category,omitempty" yaml:"category,omitempty"`
}

// Edge is one serialized edge.
type Edge struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// ArticleURL returns the page of an article on instance, or "" without an
// instance.
func ArticleURL(instance, id string) string {
	if instance == "" {
		return ""
	}
	return links.Resolve(strings.TrimRight(instance, "/")+"/", "kb_view.do?sysparm_article="+id)
}

// FromNode converts a graph node.
func FromNode(n graph.Node, instance string) Node {
	out := Node{
		ID:            n.ID,
		Label:         n.Label,
		Type:          n.Type().String(),
		Depth:         n.Depth,
		Status:        n.Status.String(),
		Expanded:      n.Expanded,
		TitleResolved: n.TitleResolved,
	}
	if n.External != nil {
		out.URL = n.External.URL
		out.Category = string(n.External.Category)
	} else {
		out.URL = ArticleURL(instance, n.ID)
	}
	return out
}

// FromSnapshot converts a snapshot. instance, when set, is used to build
// article page URLs.
func FromSnapshot(s graph.Snapshot, instance string) Document {
	doc := Document{
		Root:     s.Root,
		MaxNodes: s.MaxNodes,
		Nodes:    make([]Node, len(s.Nodes)),
		Edges:    make([]Edge, len(s.Edges)),
	}
	for i, n := range s.Nodes {
		doc.Nodes[i] = FromNode(n, instance)
	}
	for i, e := range s.Edges {
		doc.Edges[i] = Edge{Source: e.Source, Target: e.Target}
	}
	return doc
}

// Write renders doc in the named format.
func Write(w io.Writer, format string, doc Document) error {
	switch strings.ToLower(format) {
	case FormatText, "":
		return Tree(w, doc)
	case FormatJSON:
		return JSON(w, doc)
	case FormatYAML:
		return YAML(w, doc)
	case FormatDOT:
		return DOT(w, doc)
	}
	return fmt.Errorf("unknown format %q (want one of %s)", format, strings.Join(Formats, ", "))
}

// JSON writes doc as indented JSON.
func JSON(w io.Writer, doc Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// YAML writes doc as YAML.
func YAML(w io.Writer, doc Document) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

var statusColors = map[string]string{
	kb.StatusOK.String():           "darkgreen",
	kb.StatusBroken.String():       "red",
	kb.StatusAuthRequired.String(): "orange",
}

// DOT writes doc as an undirected Graphviz graph. Articles are boxes,
// external nodes ellipses; the outline color follows the link status.
func DOT(w io.Writer, doc Document) error {
	var b strings.Builder
	b.WriteString("graph kbgraph {\n")
	b.WriteString("  node [fontname=\"Helvetica\"];\n")
	for _, n := range doc.Nodes {
		shape := "box"
		if n.Type == kb.TypeExternal.String() {
			shape = "ellipse"
		}
		attrs := []string{"label=" + dotQuote(n.Label), "shape=" + shape}
		if c, ok := statusColors[n.Status]; ok {
			attrs = append(attrs, "color="+c)
		}
		if n.ID == doc.Root {
			attrs = append(attrs, "penwidth=2")
		}
		if n.URL != "" {
			attrs = append(attrs, "URL="+dotQuote(n.URL))
		}
		fmt.Fprintf(&b, "  %s [%s];\n", dotQuote(n.ID), strings.Join(attrs, ", "))
	}
	for _, e := range doc.Edges {
		fmt.Fprintf(&b, "  %s -- %s;\n", dotQuote(e.Source), dotQuote(e.Target))
	}
	b.WriteString("}\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func dotQuote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}

// Tree writes the graph as an indented tree rooted at doc.Root. Each node is
// listed once, under the first neighbor one level closer to the root; nodes
// the tree cannot reach are listed at the end.
func Tree(w io.Writer, doc Document) error {
	byID := make(map[string]Node, len(doc.Nodes))
	for _, n := range doc.Nodes {
		byID[n.ID] = n
	}
	adj := make(map[string][]string)
	for _, e := range doc.Edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
		adj[e.Target] = append(adj[e.Target], e.Source)
	}
	for id := range adj {
		slices.Sort(adj[id])
	}

	var b strings.Builder
	seen := make(map[string]bool)
	var walk func(id string, indent int)
	walk = func(id string, indent int) {
		n, ok := byID[id]
		if !ok || seen[id] {
			return
		}
		seen[id] = true
		b.WriteString(strings.Repeat("  ", indent))
		b.WriteString(treeLine(n))
		b.WriteByte('\n')
		for _, next := range adj[id] {
			if c, ok := byID[next]; ok && c.Depth == n.Depth+1 {
				walk(next, indent+1)
			}
		}
	}
	if doc.Root != "" {
		walk(doc.Root, 0)
	}
	for _, n := range doc.Nodes {
		if !seen[n.ID] {
			walk(n.ID, 0)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func treeLine(n Node) string {
	var b strings.Builder
	b.WriteString(n.ID)
	if n.Label != n.ID {
		fmt.Fprintf(&b, "  %s", n.Label)
	}
	var tags []string
	if n.Category != "" {
		tags = append(tags, n.Category)
	}
	if n.Status != kb.StatusUnknown.String() {
		tags = append(tags, n.Status)
	}
	if n.Type == kb.TypeArticle.String() && !n.Expanded {
		tags = append(tags, "unexpanded")
	}
	if len(tags) > 0 {
		fmt.Fprintf(&b, "  [%s]", strings.Join(tags, ", "))
	}
	return b.String()
}
