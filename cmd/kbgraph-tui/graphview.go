package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/latebit/kbgraph/internal/export"
	"github.com/latebit/kbgraph/internal/graph"
	"github.com/latebit/kbgraph/internal/kb"
)

// treeItem is one visible row of the tree view.
type treeItem struct {
	node        graph.Node
	level       int
	hasChildren bool
	collapsed   bool
}

// graphSource is the part of the graph model the tree is built from.
type graphSource interface {
	Root() string
	Node(id string) (graph.Node, bool)
	Nodes() []graph.Node
	Neighbors(id string) []string
}

// flattenTree lays the graph out as a tree: a breadth-first walk from the
// root makes each node the child of the first node that reached it, so
// every node shows up once. Children of collapsed nodes are hidden. Nodes
// the walk never reaches are listed at the end, at level 0.
func flattenTree(g graphSource, collapsed map[string]bool) []treeItem {
	root := g.Root()
	if _, ok := g.Node(root); !ok {
		return nil
	}

	children := make(map[string][]string)
	seen := map[string]bool{root: true}
	queue := []string{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, nb := range g.Neighbors(id) {
			if !seen[nb] {
				seen[nb] = true
				children[id] = append(children[id], nb)
				queue = append(queue, nb)
			}
		}
	}

	var items []treeItem
	var walk func(id string, level int)
	walk = func(id string, level int) {
		n, ok := g.Node(id)
		if !ok {
			return
		}
		item := treeItem{
			node:        n,
			level:       level,
			hasChildren: len(children[id]) > 0,
			collapsed:   collapsed[id],
		}
		items = append(items, item)
		if item.collapsed {
			return
		}
		for _, c := range children[id] {
			walk(c, level+1)
		}
	}
	walk(root, 0)

	for _, n := range g.Nodes() {
		if !seen[n.ID] {
			items = append(items, treeItem{node: n})
		}
	}
	return items
}

var (
	statusStyles = map[kb.LinkStatus]lipgloss.Style{
		kb.StatusOK:           lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		kb.StatusBroken:       lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		kb.StatusAuthRequired: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		kb.StatusUnknown:      lipgloss.NewStyle().Faint(true),
	}
	cursorStyle     = lipgloss.NewStyle().Bold(true).Reverse(true)
	unexpandedStyle = lipgloss.NewStyle().Faint(true)
	externalStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
)

func statusIcon(n graph.Node) string {
	icon := "○"
	switch n.Status {
	case kb.StatusOK:
		icon = "●"
	case kb.StatusBroken:
		icon = "✗"
	case kb.StatusAuthRequired:
		icon = "⚿"
	}
	if n.External != nil && n.Status == kb.StatusUnknown {
		icon = "→"
	}
	return statusStyles[n.Status].Render(icon)
}

func toggleGlyph(item treeItem) string {
	switch {
	case !item.hasChildren:
		return " "
	case item.collapsed:
		return "▸"
	}
	return "▾"
}

// renderTree renders the visible rows for the viewport, marking the row at
// cursor.
func renderTree(items []treeItem, cursor, width int) string {
	if len(items) == 0 {
		return "\n  No nodes yet.\n"
	}

	var b strings.Builder
	for i, item := range items {
		n := item.node
		name := n.Label
		if name == "" {
			name = n.ID
		}
		label := name
		switch {
		case n.External != nil:
			label = externalStyle.Render(label) + " (" + string(n.External.Category) + ")"
		case !n.Expanded:
			label = unexpandedStyle.Render(label)
		}
		if n.External == nil && name != n.ID {
			label += " " + unexpandedStyle.Render(n.ID)
		}

		line := fmt.Sprintf("%s%s %s %s", strings.Repeat("  ", item.level), toggleGlyph(item), statusIcon(n), label)
		if lipgloss.Width(line) > width-2 && width > 5 {
			line = truncate(line, width-2)
		}
		if i == cursor {
			line = cursorStyle.Render(line)
		}
		b.WriteString(" ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func truncate(s string, width int) string {
	runes := []rune(s)
	for len(runes) > 0 && lipgloss.Width(string(runes)) > width-1 {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "…"
}

// nodeDetails describes a node as markdown for the details pane.
func nodeDetails(n graph.Node, instance string, neighbors []string) string {
	en := export.FromNode(n, instance)
	title := en.Label
	if title == "" {
		title = en.ID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "| | |\n|---|---|\n")
	fmt.Fprintf(&b, "| id | `%s` |\n", en.ID)
	fmt.Fprintf(&b, "| type | %s |\n", en.Type)
	if en.Category != "" {
		fmt.Fprintf(&b, "| category | %s |\n", en.Category)
	}
	fmt.Fprintf(&b, "| depth | %d |\n", en.Depth)
	fmt.Fprintf(&b, "| status | %s |\n", en.Status)
	if n.External == nil {
		fmt.Fprintf(&b, "| expanded | %t |\n", en.Expanded)
	}
	if en.URL != "" {
		fmt.Fprintf(&b, "\n<%s>\n", en.URL)
	}
	if len(neighbors) > 0 {
		fmt.Fprintf(&b, "\n## Linked with (%d)\n\n", len(neighbors))
		for _, id := range neighbors {
			fmt.Fprintf(&b, "- %s\n", id)
		}
	}
	return b.String()
}
