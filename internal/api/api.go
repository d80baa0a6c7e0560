// Package api exposes a graph model over HTTP: read-only projections of the
// graph plus the expansion, title, health and visibility operations.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/latebit/kbgraph/internal/article"
	"github.com/latebit/kbgraph/internal/auth"
	"github.com/latebit/kbgraph/internal/export"
	"github.com/latebit/kbgraph/internal/graph"
	"github.com/latebit/kbgraph/internal/health"
	"github.com/latebit/kbgraph/internal/kb"
	"github.com/latebit/kbgraph/internal/logging"
	"github.com/latebit/kbgraph/internal/ratelimit"
)

// Options configures a Server.
type Options struct {
	Instance string             // used to build article URLs in responses
	Limiter  *ratelimit.Limiter // per-client pacing, nil to disable
	Keys     *auth.KeyStore     // API keys required on /api, nil to allow anyone
	Logger   *slog.Logger
}

// Server holds the HTTP handler dependencies.
type Server struct {
	model   *graph.Model
	checker *health.Checker
	opts    Options
}

// New creates an API server over model. checker may be nil, in which case
// POST /api/check answers 501.
func New(model *graph.Model, checker *health.Checker, opts Options) *Server {
	opts.Logger = logging.OrDiscard(opts.Logger)
	return &Server{model: model, checker: checker, opts: opts}
}

// Routes returns the router serving the API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	if s.opts.Limiter != nil {
		r.Use(s.rateLimit)
	}

	r.Get("/health", s.HealthCheck)
	r.Route("/api", func(r chi.Router) {
		if s.opts.Keys != nil {
			r.Use(s.requireKey)
		}
		r.Get("/graph", s.GetGraph)
		r.Get("/nodes/{id}", s.GetNode)
		r.Get("/nodes/{id}/neighbors", s.GetNeighbors)
		r.Post("/nodes/{id}/expand", s.ExpandNode)
		r.Post("/nodes/{id}/retry", s.RetryExpansion)
		r.Post("/titles", s.FetchTitles)
		r.Post("/check", s.CheckHealth)
		r.Put("/externals", s.SetExternals)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.opts.Logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.opts.Limiter.Allow(ratelimit.HostKey(r.RemoteAddr)) {
			writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireKey checks the bearer key of every request. GET requests need the
// read operation, everything else write.
func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		op := auth.OpWrite
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			op = auth.OpRead
		}
		switch err := s.opts.Keys.Authorize(strings.TrimSpace(raw), r.URL.Path, op); {
		case errors.Is(err, auth.ErrNotPermitted):
			writeError(w, http.StatusForbidden, err)
		case err != nil:
			w.Header().Set("WWW-Authenticate", `Bearer realm="kbgraph"`)
			writeError(w, http.StatusUnauthorized, err)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// ExpansionResponse is the body returned by the expand and retry endpoints.
type ExpansionResponse struct {
	NewNodes        []export.Node `json:"new_nodes"`
	NewEdges        []export.Edge `json:"new_edges"`
	Rejected        int           `json:"rejected"`
	CapacityReached bool          `json:"capacity_reached"`
	AlreadyExpanded bool          `json:"already_expanded"`
}

// ChangedResponse lists the nodes an operation changed.
type ChangedResponse struct {
	Changed []string `json:"changed"`
}

// ExternalsResponse is the body returned by PUT /api/externals.
type ExternalsResponse struct {
	ShowExternal bool              `json:"show_external"`
	Added        ExpansionResponse `json:"added"`
	Removed      int               `json:"removed"`
}

// NeighborsResponse is the body returned by GET /api/nodes/{id}/neighbors.
type NeighborsResponse struct {
	ID        string        `json:"id"`
	Neighbors []export.Node `json:"neighbors"`
}

// HealthCheck handles GET /health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"nodes":  s.model.NodeCount(),
		"edges":  s.model.EdgeCount(),
	})
}

// GetGraph handles GET /api/graph
// Supports ?format=json (default), yaml or dot.
func (s *Server) GetGraph(w http.ResponseWriter, r *http.Request) {
	doc := export.FromSnapshot(s.model.Snapshot(), s.opts.Instance)
	format := r.URL.Query().Get("format")
	switch format {
	case "", export.FormatJSON:
		writeJSON(w, http.StatusOK, doc)
	case export.FormatYAML:
		w.Header().Set("Content-Type", "application/yaml")
		_ = export.YAML(w, doc)
	case export.FormatDOT:
		w.Header().Set("Content-Type", "text/vnd.graphviz")
		_ = export.DOT(w, doc)
	default:
		writeError(w, http.StatusBadRequest, errors.New("format must be json, yaml or dot"))
	}
}

// GetNode handles GET /api/nodes/{id}
func (s *Server) GetNode(w http.ResponseWriter, r *http.Request) {
	n, ok := s.model.Node(nodeID(r))
	if !ok {
		writeError(w, http.StatusNotFound, graph.ErrNodeNotFound)
		return
	}
	writeJSON(w, http.StatusOK, export.FromNode(n, s.opts.Instance))
}

// GetNeighbors handles GET /api/nodes/{id}/neighbors
func (s *Server) GetNeighbors(w http.ResponseWriter, r *http.Request) {
	id := nodeID(r)
	if _, ok := s.model.Node(id); !ok {
		writeError(w, http.StatusNotFound, graph.ErrNodeNotFound)
		return
	}
	resp := NeighborsResponse{ID: id, Neighbors: []export.Node{}}
	for _, nid := range s.model.Neighbors(id) {
		if n, ok := s.model.Node(nid); ok {
			resp.Neighbors = append(resp.Neighbors, export.FromNode(n, s.opts.Instance))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ExpandNode handles POST /api/nodes/{id}/expand
func (s *Server) ExpandNode(w http.ResponseWriter, r *http.Request) {
	s.expand(w, r, s.model.ExpandNode)
}

// RetryExpansion handles POST /api/nodes/{id}/retry
func (s *Server) RetryExpansion(w http.ResponseWriter, r *http.Request) {
	s.expand(w, r, s.model.RetryExpansion)
}

func (s *Server) expand(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (graph.Expansion, error)) {
	id := nodeID(r)
	exp, err := op(r.Context(), id)
	resp := s.expansionResponse(exp)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, graph.ErrAlreadyExpanded):
		resp.AlreadyExpanded = true
		writeJSON(w, http.StatusOK, resp)
	default:
		writeError(w, statusFor(err), err)
	}
}

func (s *Server) expansionResponse(exp graph.Expansion) ExpansionResponse {
	resp := ExpansionResponse{
		NewNodes:        make([]export.Node, len(exp.NewNodes)),
		NewEdges:        make([]export.Edge, len(exp.NewEdges)),
		Rejected:        exp.Rejected,
		CapacityReached: exp.CapacityReached,
	}
	for i, n := range exp.NewNodes {
		resp.NewNodes[i] = export.FromNode(n, s.opts.Instance)
	}
	for i, e := range exp.NewEdges {
		resp.NewEdges[i] = export.Edge{Source: e.Source, Target: e.Target}
	}
	return resp
}

// FetchTitles handles POST /api/titles
func (s *Server) FetchTitles(w http.ResponseWriter, r *http.Request) {
	changed, err := s.model.FetchTitlesForUnexpanded(r.Context())
	resp := ChangedResponse{Changed: nonNil(changed)}
	if err != nil {
		s.opts.Logger.Warn("title backfill", "err", err)
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "changed": resp.Changed})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// CheckRequest is the optional body of POST /api/check. Without ids every
// node whose status is still unknown is checked.
type CheckRequest struct {
	IDs []string `json:"ids"`
}

// CheckHealth handles POST /api/check
func (s *Server) CheckHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeError(w, http.StatusNotImplemented, errors.New("health checks are not configured"))
		return
	}
	var req CheckRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	ids := req.IDs
	if len(ids) == 0 {
		ids = health.Pending(s.model.Nodes())
	}
	changed, err := s.checker.CheckBatch(r.Context(), s.model, ids)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ChangedResponse{Changed: nonNil(changed)})
}

// SetExternals handles PUT /api/externals?enabled=bool
func (s *Server) SetExternals(w http.ResponseWriter, r *http.Request) {
	on, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("enabled must be true or false"))
		return
	}
	added, removed := s.model.SetExternalVisibility(on)
	writeJSON(w, http.StatusOK, ExternalsResponse{
		ShowExternal: on,
		Added:        s.expansionResponse(added),
		Removed:      removed,
	})
}

// nodeID returns the id path parameter, normalized when it is an article
// number.
func nodeID(r *http.Request) string {
	id := chi.URLParam(r, "id")
	if num, ok := kb.NormalizeArticleNumber(id); ok {
		return num
	}
	return id
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, graph.ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, graph.ErrCapacityExceeded):
		return http.StatusConflict
	case article.IsAuth(err):
		return http.StatusUnauthorized
	case errors.Is(err, article.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
