// Command kbgraph-mcp is an MCP server that exposes the knowledge-base link
// graph as tools for LLM agents: crawl from an article, expand single
// nodes, and health-check the links found, over stdio transport.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/latebit/kbgraph/internal/app"
	"github.com/latebit/kbgraph/internal/article"
	"github.com/latebit/kbgraph/internal/config"
	"github.com/latebit/kbgraph/internal/export"
	"github.com/latebit/kbgraph/internal/graph"
	"github.com/latebit/kbgraph/internal/health"
	"github.com/latebit/kbgraph/internal/kb"
	"github.com/latebit/kbgraph/internal/logging"
	"github.com/latebit/kbgraph/internal/tokens"
)

const maxDepth = 5

func main() {
	configPath := flag.String("config", "", "config file (default ~/.kbgraph/config.toml if present)")
	instance := flag.String("instance", "", "instance URL (env: KBGRAPH_INSTANCE)")
	token := flag.String("token", "", "session token (env: KBGRAPH_TOKEN)")
	articlesDir := flag.String("articles-dir", "", "read articles from a directory instead of the instance")
	flag.Parse()

	cfg, err := config.Load(config.Locate(*configPath))
	if err != nil {
		log.Fatal(err)
	}
	if *instance != "" {
		cfg.Instance = *instance
	}
	if *articlesDir != "" {
		cfg.ArticlesDir = *articlesDir
	}
	cfg.Token = app.ResolveToken(*token, cfg, tokens.DefaultPath())
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	// stdout carries the protocol, so logs go to stderr.
	logger := logging.New(cfg.LogFormat, cfg.LogLevel, os.Stderr)
	h := newHandler(func() (*app.App, error) { return app.New(cfg, logger) }, cfg.Instance)
	defer h.close()

	s := server.NewMCPServer("kbgraph-mcp", "0.1.0")
	s.AddTool(kbGraphTool(), h.kbGraph)
	s.AddTool(kbExpandTool(), h.kbExpand)
	s.AddTool(kbCheckTool(), h.kbCheck)
	s.AddTool(kbExternalsTool(), h.kbExternals)

	if err := server.ServeStdio(s); err != nil {
		log.Fatal(err)
	}
}

// handler owns the graph the tools operate on. kb_graph replaces it; the
// other tools work on the current one.
type handler struct {
	newApp   func() (*app.App, error)
	instance string

	mu      sync.Mutex
	current *app.App
}

func newHandler(newApp func() (*app.App, error), instance string) *handler {
	return &handler{newApp: newApp, instance: instance}
}

func (h *handler) session() (*app.App, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return nil, errors.New("no graph yet: call kb_graph first")
	}
	return h.current, nil
}

func (h *handler) replace(a *app.App) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil {
		h.current.Close()
	}
	h.current = a
}

func (h *handler) close() {
	h.replace(nil)
}

// Tool definitions.

func kbGraphTool() mcp.Tool {
	return mcp.NewTool("kb_graph",
		mcp.WithDescription(
			"Crawl the knowledge-base articles linked from an article and return the link graph. "+
				"Starts a new graph each call, replacing the previous one. Article links are followed "+
				"up to the given depth; links to other sites are recorded, not followed. "+
				"Use this to understand how articles relate or to find broken links.",
		),
		mcp.WithString("article",
			mcp.Required(),
			mcp.Description("root article number, e.g. KB0010001"),
		),
		mcp.WithNumber("depth",
			mcp.Description(fmt.Sprintf("link hops to follow from the root (default 2, max %d)", maxDepth)),
		),
		mcp.WithString("format",
			mcp.Description("text (indented tree, default) or json"),
		),
	)
}

func kbExpandTool() mcp.Tool {
	return mcp.NewTool("kb_expand",
		mcp.WithDescription(
			"Fetch one article of the current graph and add the articles it links to. "+
				"Requires a graph from kb_graph. Returns the nodes and edges that were added.",
		),
		mcp.WithString("article",
			mcp.Required(),
			mcp.Description("article number of a node in the current graph"),
		),
	)
}

func kbCheckTool() mcp.Tool {
	return mcp.NewTool("kb_check",
		mcp.WithDescription(
			"Check every link of the current graph whose status is still unknown and "+
				"report the ones that are broken or need authorization.",
		),
	)
}

func kbExternalsTool() mcp.Tool {
	return mcp.NewTool("kb_externals",
		mcp.WithDescription(
			"Show or hide links to pages outside the knowledge base in the current graph.",
		),
		mcp.WithBoolean("enabled",
			mcp.Required(),
			mcp.Description("true to add external links as nodes, false to remove them"),
		),
	)
}

// Tool handlers.
// Handler signatures are dictated by mcp-go's ToolHandlerFunc type.

func (h *handler) kbGraph(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) { //nolint:gocritic // signature required by mcp-go
	root, err := req.RequireString("article")
	if err != nil {
		return mcp.NewToolResultError("article is required"), nil
	}
	depth := max(1, min(req.GetInt("depth", 2), maxDepth))
	format := req.GetString("format", export.FormatText)
	if format != export.FormatText && format != export.FormatJSON {
		return mcp.NewToolResultError(fmt.Sprintf("format must be text or json, got %q", format)), nil
	}

	a, err := h.newApp()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session: %v", err)), nil
	}
	if _, err := a.Seed(ctx, root); err != nil {
		a.Close()
		return mcp.NewToolResultError(fmt.Sprintf("fetch %s failed: %v", root, err)), nil
	}
	report, err := a.Model.ExpandAll(ctx, graph.CrawlOptions{MaxDepth: depth, Workers: a.Config.Workers})
	h.replace(a)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("crawl stopped after %d articles: %v", report.Expanded, err)), nil
	}
	if _, err := a.Model.FetchTitlesForUnexpanded(ctx); err != nil {
		a.Logger.Warn("title backfill", "err", err)
	}

	doc := export.FromSnapshot(a.Model.Snapshot(), h.instance)
	var b bytes.Buffer
	if format == export.FormatText {
		fmt.Fprintf(&b, "Crawled %d nodes, %d edges from %s (depth %d)\n", len(doc.Nodes), len(doc.Edges), doc.Root, depth)
		if report.CapacityReached {
			fmt.Fprintf(&b, "Node limit of %d reached; the graph is partial.\n", doc.MaxNodes)
		}
		b.WriteString("\n")
	}
	if err := export.Write(&b, format, doc); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (h *handler) kbExpand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) { //nolint:gocritic // signature required by mcp-go
	id, err := req.RequireString("article")
	if err != nil {
		return mcp.NewToolResultError("article is required"), nil
	}
	a, err := h.session()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	id = strings.ToUpper(strings.TrimSpace(id))
	exp, err := a.Model.ExpandNode(ctx, id)
	switch {
	case errors.Is(err, graph.ErrAlreadyExpanded):
		return mcp.NewToolResultText(fmt.Sprintf("%s is already expanded; nothing added.", id)), nil
	case errors.Is(err, graph.ErrCapacityExceeded):
		return mcp.NewToolResultError(fmt.Sprintf("node limit of %d reached", a.Model.MaxNodes())), nil
	case article.IsAuth(err):
		return mcp.NewToolResultError(fmt.Sprintf("not authorized to read %s: check the session token", id)), nil
	case err != nil:
		return mcp.NewToolResultError(fmt.Sprintf("expand failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatExpansion(id, exp, h.instance)), nil
}

func (h *handler) kbCheck(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) { //nolint:gocritic // signature required by mcp-go
	a, err := h.session()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	pending := health.Pending(a.Model.Nodes())
	if _, err := a.Checker.CheckBatch(ctx, a.Model, pending); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("check interrupted: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Checked %d links.\n", len(pending))
	problems := 0
	for _, n := range a.Model.Nodes() {
		if n.Status.Determinate() && n.Status != kb.StatusOK {
			problems++
			fmt.Fprintf(&b, "  [%s] %s (linked from %s)\n", n.Status, n.ID, strings.Join(a.Model.Neighbors(n.ID), ", "))
		}
	}
	if problems == 0 {
		b.WriteString("No broken links.\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (h *handler) kbExternals(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) { //nolint:gocritic // signature required by mcp-go
	on, err := req.RequireBool("enabled")
	if err != nil {
		return mcp.NewToolResultError("enabled is required"), nil
	}
	a, err := h.session()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	added, removed := a.Model.SetExternalVisibility(on)
	if !on {
		return mcp.NewToolResultText(fmt.Sprintf("Removed %d external nodes.", removed)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Added %d external nodes.\n%s",
		len(added.NewNodes), formatNodes(added.NewNodes, h.instance))), nil
}

// formatExpansion renders an expansion as a plain-text summary for LLM
// consumption.
func formatExpansion(id string, exp graph.Expansion, instance string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Expanded %s: %d new nodes, %d new edges\n", id, len(exp.NewNodes), len(exp.NewEdges))
	if exp.CapacityReached {
		fmt.Fprintf(&b, "%d links dropped: node limit reached.\n", exp.Rejected)
	}
	b.WriteString(formatNodes(exp.NewNodes, instance))
	return b.String()
}

func formatNodes(nodes []graph.Node, instance string) string {
	var b strings.Builder
	for _, n := range nodes {
		en := export.FromNode(n, instance)
		fmt.Fprintf(&b, "  [%-8s] %-12s %q  %s\n", en.Type, en.ID, en.Label, en.URL)
	}
	return b.String()
}
