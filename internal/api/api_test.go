package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/latebit/kbgraph/internal/article"
	"github.com/latebit/kbgraph/internal/auth"
	"github.com/latebit/kbgraph/internal/export"
	"github.com/latebit/kbgraph/internal/graph"
	"github.com/latebit/kbgraph/internal/health"
	"github.com/latebit/kbgraph/internal/kb"
	"github.com/latebit/kbgraph/internal/ratelimit"
)

// stubFetcher serves articles from a map; missing ids fail with err, or
// not-found when err is nil.
type stubFetcher struct {
	articles map[string]article.Article
	errs     map[string]error
}

func (s *stubFetcher) Fetch(_ context.Context, id string) (article.Article, error) {
	if err, ok := s.errs[id]; ok {
		return article.Article{}, err
	}
	if a, ok := s.articles[id]; ok {
		return a, nil
	}
	return article.Article{}, &article.FetchError{ID: id, Kind: article.KindNotFound}
}

type stubProber struct{}

func (stubProber) ProbeArticle(_ context.Context, id string) (kb.LinkStatus, error) {
	if id == "KB3" {
		return kb.StatusBroken, nil
	}
	return kb.StatusOK, nil
}

func (stubProber) ProbeURL(context.Context, string) (kb.LinkStatus, error) {
	return kb.StatusOK, nil
}

func link(id string) string {
	return fmt.Sprintf(`<a href="/kb_view.do?sysparm_article=%s">%s</a>`, id, id)
}

// newTestServer builds a graph rooted at KB1 linking to KB2, KB3 and an
// external page.
func newTestServer(t *testing.T, maxNodes int) (*Server, *graph.Model) {
	t.Helper()
	f := &stubFetcher{
		articles: map[string]article.Article{
			"KB2": {ID: "KB2", Title: "Second", Body: link("KB4")},
		},
		errs: map[string]error{
			"KB5": &article.FetchError{ID: "KB5", Kind: article.KindUnauthorized},
		},
	}
	m := graph.New(f, graph.Options{MaxNodes: maxNodes})
	body := link("KB2") + link("KB3") + link("KB5") + `<a href="https://example.com/page">Example</a>`
	if _, err := m.SeedRoot("KB1", "Root", body); err != nil {
		t.Fatal(err)
	}
	checker := health.New(stubProber{}, health.Options{})
	return New(m, checker, Options{Instance: "https://acme.service-now.com"}), m
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func TestHealthCheck(t *testing.T) {
	s, _ := newTestServer(t, 0)
	w := do(t, s, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	got := decode[map[string]any](t, w)
	if got["status"] != "ok" || got["nodes"] != float64(4) {
		t.Errorf("health = %v", got)
	}
}

func TestGetGraph(t *testing.T) {
	s, _ := newTestServer(t, 0)
	w := do(t, s, http.MethodGet, "/api/graph", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	doc := decode[export.Document](t, w)
	if doc.Root != "KB1" || len(doc.Nodes) != 4 || len(doc.Edges) != 3 {
		t.Errorf("doc = root %q, %d nodes, %d edges", doc.Root, len(doc.Nodes), len(doc.Edges))
	}
	if doc.Nodes[0].URL != "https://acme.service-now.com/kb_view.do?sysparm_article=KB1" {
		t.Errorf("root url = %q", doc.Nodes[0].URL)
	}
}

func TestGetGraphFormats(t *testing.T) {
	s, _ := newTestServer(t, 0)
	tests := []struct {
		format      string
		code        int
		contentType string
		contains    string
	}{
		{"yaml", http.StatusOK, "application/yaml", "root: KB1"},
		{"dot", http.StatusOK, "text/vnd.graphviz", "graph kbgraph {"},
		{"xml", http.StatusBadRequest, "application/json", "format must be"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			w := do(t, s, http.MethodGet, "/api/graph?format="+tt.format, "")
			if w.Code != tt.code {
				t.Fatalf("status = %d, want %d", w.Code, tt.code)
			}
			if ct := w.Header().Get("Content-Type"); ct != tt.contentType {
				t.Errorf("Content-Type = %q, want %q", ct, tt.contentType)
			}
			if !strings.Contains(w.Body.String(), tt.contains) {
				t.Errorf("body %q does not contain %q", w.Body.String(), tt.contains)
			}
		})
	}
}

func TestGetNode(t *testing.T) {
	s, _ := newTestServer(t, 0)

	w := do(t, s, http.MethodGet, "/api/nodes/kb2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	n := decode[export.Node](t, w)
	if n.ID != "KB2" || n.Depth != 1 || n.Expanded {
		t.Errorf("node = %+v", n)
	}

	w = do(t, s, http.MethodGet, "/api/nodes/KB99", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing node status = %d, want 404", w.Code)
	}
}

func TestGetNeighbors(t *testing.T) {
	s, _ := newTestServer(t, 0)
	w := do(t, s, http.MethodGet, "/api/nodes/KB1/neighbors", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[NeighborsResponse](t, w)
	if resp.ID != "KB1" || len(resp.Neighbors) != 3 {
		t.Errorf("neighbors = %+v", resp)
	}
}

func TestExpandNode(t *testing.T) {
	s, m := newTestServer(t, 0)

	w := do(t, s, http.MethodPost, "/api/nodes/KB2/expand", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	resp := decode[ExpansionResponse](t, w)
	if len(resp.NewNodes) != 1 || resp.NewNodes[0].ID != "KB4" || len(resp.NewEdges) != 1 {
		t.Errorf("expansion = %+v", resp)
	}
	if n, _ := m.Node("KB2"); !n.Expanded || n.Label != "Second" {
		t.Errorf("KB2 after expand = %+v", n)
	}

	w = do(t, s, http.MethodPost, "/api/nodes/KB2/expand", "")
	if w.Code != http.StatusOK {
		t.Fatalf("second expand status = %d", w.Code)
	}
	resp = decode[ExpansionResponse](t, w)
	if !resp.AlreadyExpanded || len(resp.NewNodes) != 0 {
		t.Errorf("second expansion = %+v", resp)
	}
}

func TestExpandNodeErrors(t *testing.T) {
	tests := []struct {
		name     string
		maxNodes int
		id       string
		code     int
		status   kb.LinkStatus
	}{
		{"unknown node", 0, "KB99", http.StatusNotFound, kb.StatusUnknown},
		{"missing article", 0, "KB3", http.StatusNotFound, kb.StatusBroken},
		{"auth", 0, "KB5", http.StatusUnauthorized, kb.StatusAuthRequired},
		{"full graph", 4, "KB2", http.StatusConflict, kb.StatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, m := newTestServer(t, tt.maxNodes)
			w := do(t, s, http.MethodPost, "/api/nodes/"+tt.id+"/expand", "")
			if w.Code != tt.code {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.code, w.Body.String())
			}
			if n, ok := m.Node(tt.id); ok && n.Status != tt.status {
				t.Errorf("node status = %v, want %v", n.Status, tt.status)
			}
		})
	}
}

func TestRetryExpansion(t *testing.T) {
	s, m := newTestServer(t, 0)
	if w := do(t, s, http.MethodPost, "/api/nodes/KB3/expand", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expand status = %d", w.Code)
	}
	w := do(t, s, http.MethodPost, "/api/nodes/KB3/retry", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("retry status = %d, want 404", w.Code)
	}
	if n, _ := m.Node("KB3"); !n.Expanded || n.Status != kb.StatusBroken {
		t.Errorf("KB3 after retry = %+v", n)
	}
}

func TestFetchTitles(t *testing.T) {
	s, m := newTestServer(t, 0)
	w := do(t, s, http.MethodPost, "/api/titles", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 from KB5: %s", w.Code, w.Body.String())
	}
	got := decode[map[string]any](t, w)
	changed, _ := got["changed"].([]any)
	if len(changed) != 3 {
		t.Errorf("changed = %v, want KB2, KB3 and KB5", got["changed"])
	}
	if n, _ := m.Node("KB2"); n.Label != "Second" {
		t.Errorf("KB2 label = %q", n.Label)
	}
}

func TestCheckHealth(t *testing.T) {
	s, m := newTestServer(t, 0)

	w := do(t, s, http.MethodPost, "/api/check", `{"ids":["KB3"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	resp := decode[ChangedResponse](t, w)
	if len(resp.Changed) != 1 || resp.Changed[0] != "KB3" {
		t.Errorf("changed = %v", resp.Changed)
	}
	if n, _ := m.Node("KB3"); n.Status != kb.StatusBroken {
		t.Errorf("KB3 status = %v", n.Status)
	}

	w = do(t, s, http.MethodPost, "/api/check", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if n, _ := m.Node("KB2"); n.Status != kb.StatusOK {
		t.Errorf("KB2 status = %v after checking pending nodes", n.Status)
	}

	w = do(t, s, http.MethodPost, "/api/check", "{")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d", w.Code)
	}
}

func TestCheckHealthUnconfigured(t *testing.T) {
	_, m := newTestServer(t, 0)
	s := New(m, nil, Options{})
	if w := do(t, s, http.MethodPost, "/api/check", ""); w.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", w.Code)
	}
}

func TestSetExternals(t *testing.T) {
	s, m := newTestServer(t, 0)

	w := do(t, s, http.MethodPut, "/api/externals?enabled=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[ExternalsResponse](t, w)
	if !resp.ShowExternal || len(resp.Added.NewNodes) != 1 {
		t.Fatalf("enable = %+v", resp)
	}
	ext := resp.Added.NewNodes[0]
	if ext.ID != "https://example.com/page" || ext.Type != "external" || ext.Category != string(kb.CategoryWeb) {
		t.Errorf("external node = %+v", ext)
	}

	w = do(t, s, http.MethodPut, "/api/externals?enabled=false", "")
	resp = decode[ExternalsResponse](t, w)
	if resp.ShowExternal || resp.Removed != 1 || m.NodeCount() != 4 {
		t.Errorf("disable = %+v, %d nodes", resp, m.NodeCount())
	}

	if w := do(t, s, http.MethodPut, "/api/externals?enabled=maybe", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad flag status = %d", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	_, m := newTestServer(t, 0)
	limiter := ratelimit.New(0.001, 1)
	defer limiter.Stop()
	s := New(m, nil, Options{Limiter: limiter})

	if w := do(t, s, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/health", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", w.Code)
	}
}

func TestAPIKeys(t *testing.T) {
	_, m := newTestServer(t, 0)
	keys := auth.NewKeyStore(map[string]auth.Key{
		auth.HashKey("reader"): {Paths: []string{"/api/*"}, Operations: []string{auth.OpRead}},
		auth.HashKey("writer"): {Paths: []string{"/api/*"}, Operations: []string{auth.OpRead, auth.OpWrite}},
	})
	s := New(m, nil, Options{Keys: keys})

	tests := []struct {
		name   string
		method string
		target string
		key    string
		code   int
	}{
		{"health is open", http.MethodGet, "/health", "", http.StatusOK},
		{"no key", http.MethodGet, "/api/graph", "", http.StatusUnauthorized},
		{"wrong key", http.MethodGet, "/api/graph", "guess", http.StatusUnauthorized},
		{"reader reads", http.MethodGet, "/api/graph", "reader", http.StatusOK},
		{"reader cannot write", http.MethodPut, "/api/externals?enabled=true", "reader", http.StatusForbidden},
		{"writer writes", http.MethodPut, "/api/externals?enabled=true", "writer", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			if tt.key != "" {
				req.Header.Set("Authorization", "Bearer "+tt.key)
			}
			w := httptest.NewRecorder()
			s.Routes().ServeHTTP(w, req)
			if w.Code != tt.code {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.code, w.Body.String())
			}
		})
	}
}
