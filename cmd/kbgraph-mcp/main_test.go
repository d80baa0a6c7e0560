package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/latebit/kbgraph/internal/app"
	"github.com/latebit/kbgraph/internal/config"
	"github.com/latebit/kbgraph/internal/export"
)

// newTestHandler serves a small article set from a temporary directory:
// KB0010001 links to KB0010002, KB0010009 (missing) and an external page;
// KB0010002 links to KB0010003.
func newTestHandler(t *testing.T) *handler {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"KB0010001.html": `<h1>Root</h1>` +
			`<a href="/kb_view.do?sysparm_article=KB0010002">Next</a>` +
			`<a href="/kb_view.do?sysparm_article=KB0010009">Gone</a>` +
			`<a href="https://example.com/guide">Guide</a>`,
		"KB0010002.html": `<h1>Next</h1><a href="/kb_view.do?sysparm_article=KB0010003">Third</a>`,
		"KB0010003.html": `<h1>Third</h1>`,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfg := config.Default()
	cfg.ArticlesDir = dir
	h := newHandler(func() (*app.App, error) { return app.New(cfg, nil) }, "")
	t.Cleanup(h.close)
	return h
}

// newCallToolRequest builds a CallToolRequest with the given arguments.
func newCallToolRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name         string
		tool         mcp.Tool
		wantName     string
		wantRequired []string
		wantDesc     string // substring to check
	}{
		{"kb_graph", kbGraphTool(), "kb_graph", []string{"article"}, "Crawl the knowledge-base"},
		{"kb_expand", kbExpandTool(), "kb_expand", []string{"article"}, "Requires a graph from kb_graph"},
		{"kb_check", kbCheckTool(), "kb_check", nil, "broken"},
		{"kb_externals", kbExternalsTool(), "kb_externals", []string{"enabled"}, "outside the knowledge base"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.tool.Name != tt.wantName {
				t.Errorf("name = %q, want %q", tt.tool.Name, tt.wantName)
			}
			if !strings.Contains(tt.tool.Description, tt.wantDesc) {
				t.Errorf("description %q does not contain %q", tt.tool.Description, tt.wantDesc)
			}
			schema := tt.tool.InputSchema
			for _, req := range tt.wantRequired {
				if !slices.Contains(schema.Required, req) {
					t.Errorf("required params %v missing %q", schema.Required, req)
				}
				if _, ok := schema.Properties[req]; !ok {
					t.Errorf("properties missing key %q", req)
				}
			}
		})
	}
}

func TestHandlerKBGraph(t *testing.T) {
	h := newTestHandler(t)

	result, err := h.kbGraph(context.Background(), newCallToolRequest(map[string]any{"article": "KB0010001", "depth": 1}))
	if err != nil {
		t.Fatalf("unexpected Go error: %v", err)
	}
	text := resultText(t, result)
	if result.IsError {
		t.Fatalf("tool error: %s", text)
	}
	for _, want := range []string{"Crawled 3 nodes, 2 edges from KB0010001 (depth 1)", "Root", "Next", "broken"} {
		if !strings.Contains(text, want) {
			t.Errorf("output %q does not contain %q", text, want)
		}
	}
}

func TestHandlerKBGraph_JSON(t *testing.T) {
	h := newTestHandler(t)

	result, _ := h.kbGraph(context.Background(), newCallToolRequest(map[string]any{
		"article": "KB0010001",
		"depth":   2,
		"format":  "json",
	}))
	var doc export.Document
	if err := json.Unmarshal([]byte(resultText(t, result)), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Root != "KB0010001" || len(doc.Nodes) != 4 {
		t.Errorf("doc = root %q with %d nodes, want 4", doc.Root, len(doc.Nodes))
	}
}

func TestHandlerKBGraph_Errors(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing article", map[string]any{}, "article is required"},
		{"bad format", map[string]any{"article": "KB0010001", "format": "dot"}, "format must be text or json"},
		{"missing root", map[string]any{"article": "KB0099999"}, "fetch KB0099999 failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t)
			result, err := h.kbGraph(context.Background(), newCallToolRequest(tt.args))
			if err != nil {
				t.Fatalf("unexpected Go error: %v", err)
			}
			assertIsToolError(t, result, tt.want)
		})
	}
}

func TestHandlerKBExpand(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	result, _ := h.kbExpand(ctx, newCallToolRequest(map[string]any{"article": "KB0010002"}))
	assertIsToolError(t, result, "call kb_graph first")

	if result, _ := h.kbGraph(ctx, newCallToolRequest(map[string]any{"article": "KB0010001", "depth": 1})); result.IsError {
		t.Fatalf("kb_graph: %s", resultText(t, result))
	}

	result, _ = h.kbExpand(ctx, newCallToolRequest(map[string]any{"article": "kb0010002"}))
	text := resultText(t, result)
	if result.IsError || !strings.Contains(text, "Expanded KB0010002: 1 new nodes, 1 new edges") || !strings.Contains(text, "KB0010003") {
		t.Errorf("expand output = %q", text)
	}

	result, _ = h.kbExpand(ctx, newCallToolRequest(map[string]any{"article": "KB0010002"}))
	if text := resultText(t, result); result.IsError || !strings.Contains(text, "already expanded") {
		t.Errorf("second expand = %q", text)
	}

	result, _ = h.kbExpand(ctx, newCallToolRequest(map[string]any{"article": "KB0077777"}))
	assertIsToolError(t, result, "node not found")
}

func TestHandlerKBCheck(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	if result, _ := h.kbGraph(ctx, newCallToolRequest(map[string]any{"article": "KB0010001", "depth": 1})); result.IsError {
		t.Fatalf("kb_graph: %s", resultText(t, result))
	}

	result, err := h.kbCheck(ctx, newCallToolRequest(nil))
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, result)
	if !strings.Contains(text, "[broken] KB0010009 (linked from KB0010001)") {
		t.Errorf("check output = %q", text)
	}
}

func TestHandlerKBExternals(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	if result, _ := h.kbGraph(ctx, newCallToolRequest(map[string]any{"article": "KB0010001", "depth": 1})); result.IsError {
		t.Fatalf("kb_graph: %s", resultText(t, result))
	}

	result, _ := h.kbExternals(ctx, newCallToolRequest(map[string]any{"enabled": true}))
	if text := resultText(t, result); !strings.Contains(text, "Added 1 external nodes") || !strings.Contains(text, "https://example.com/guide") {
		t.Errorf("enable output = %q", text)
	}
	result, _ = h.kbExternals(ctx, newCallToolRequest(map[string]any{"enabled": false}))
	if text := resultText(t, result); text != "Removed 1 external nodes." {
		t.Errorf("disable output = %q", text)
	}
	result, _ = h.kbExternals(ctx, newCallToolRequest(map[string]any{}))
	assertIsToolError(t, result, "enabled is required")
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("expected content in result")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return text.Text
}

// assertIsToolError checks that a CallToolResult is an error containing the given substring.
func assertIsToolError(t *testing.T, result *mcp.CallToolResult, substr string) {
	t.Helper()
	if !result.IsError {
		t.Fatalf("expected tool error result, got %q", resultText(t, result))
	}
	if text := resultText(t, result); !strings.Contains(text, substr) {
		t.Errorf("error text %q does not contain %q", text, substr)
	}
}
