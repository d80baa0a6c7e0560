// Package graph holds the in-memory link graph of knowledge-base articles and
// the external destinations they point to. The graph grows by expanding
// nodes: fetching an article, extracting its references and merging them in,
// never exceeding a fixed node cap.
package graph

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/latebit/kbgraph/internal/article"
	"github.com/latebit/kbgraph/internal/cache"
	"github.com/latebit/kbgraph/internal/kb"
	"github.com/latebit/kbgraph/internal/links"
	"github.com/latebit/kbgraph/internal/logging"
)

// DefaultMaxNodes is the node cap used when Options.MaxNodes is not set.
const DefaultMaxNodes = 100

var (
	// ErrNodeNotFound is returned for operations on ids the graph does not hold.
	ErrNodeNotFound = errors.New("node not found")
	// ErrAlreadyExpanded signals a no-op: the node was expanded before, or is
	// an external node, which has nothing to expand.
	ErrAlreadyExpanded = errors.New("node already expanded")
	// ErrCapacityExceeded is returned when the graph holds its maximum number
	// of nodes and the operation would add more.
	ErrCapacityExceeded = errors.New("graph node limit reached")
	// ErrRootExists is returned by SeedRoot on a graph that already has a root.
	ErrRootExists = errors.New("graph already has a root")
)

// External carries the fields that only external nodes have.
type External struct {
	URL      string
	Category kb.Category
}

// Node is a snapshot of one graph node. External is non-nil exactly for
// external destinations.
type Node struct {
	ID            string
	Label         string
	Depth         int
	Status        kb.LinkStatus
	Expanded      bool
	TitleResolved bool
	External      *External
}

// Type reports whether the node is an article or an external destination.
func (n Node) Type() kb.NodeType {
	if n.External != nil {
		return kb.TypeExternal
	}
	return kb.TypeArticle
}

// Edge is an undirected link between two nodes.
type Edge struct {
	Source string
	Target string
}

// Key returns the canonical key of the edge.
func (e Edge) Key() string {
	return kb.CanonicalEdgeKey(e.Source, e.Target)
}

// Expansion lists what one operation added to the graph. Rejected counts
// references that were dropped because the graph was full.
type Expansion struct {
	NewNodes        []Node
	NewEdges        []Edge
	Rejected        int
	CapacityReached bool
}

// Empty reports whether nothing was added.
func (e Expansion) Empty() bool {
	return len(e.NewNodes) == 0 && len(e.NewEdges) == 0
}

// ArticleFetcher retrieves articles; *article.Fetcher satisfies it.
type ArticleFetcher interface {
	Fetch(ctx context.Context, id string) (article.Article, error)
}

// Options configures a Model.
type Options struct {
	MaxNodes         int             // node cap (default: 100)
	ShowExternal     bool            // merge external references on expansion
	Extractor        links.Extractor // how article bodies are read
	TitleConcurrency int             // parallel title fetches (default: 6)
	Logger           *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.MaxNodes <= 0 {
		o.MaxNodes = DefaultMaxNodes
	}
	if o.TitleConcurrency <= 0 {
		o.TitleConcurrency = 6
	}
	o.Logger = logging.OrDiscard(o.Logger)
}

// Model is a concurrency-safe undirected graph bounded to MaxNodes nodes.
// The lock is never held across a fetch.
type Model struct {
	fetcher  ArticleFetcher
	opts     Options
	requests *cache.Cache[article.Article]

	mu           sync.RWMutex
	root         string
	nodes        map[string]*Node
	edges        map[string]struct{}
	showExternal bool
}

// New creates an empty graph that fetches articles through fetcher.
func New(fetcher ArticleFetcher, opts Options) *Model {
	opts.applyDefaults()
	return &Model{
		fetcher:      fetcher,
		opts:         opts,
		requests:     cache.New[article.Article](),
		nodes:        make(map[string]*Node),
		edges:        make(map[string]struct{}),
		showExternal: opts.ShowExternal,
	}
}

// AddNode inserts a node, or merges into the node already stored under id:
// a shorter depth replaces the stored one and a real label replaces an id
// placeholder. Passing a non-nil ext creates an external node. It returns
// the stored node.
func (m *Model) AddNode(id, label string, depth int, ext *External) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _, err := m.addNodeLocked(id, label, depth, ext)
	if err != nil {
		return Node{}, err
	}
	return *n, nil
}

func (m *Model) addNodeLocked(id, label string, depth int, ext *External) (*Node, bool, error) {
	if id == "" {
		return nil, false, errors.New("empty node id")
	}
	if strings.Contains(id, kb.EdgeSeparator) {
		return nil, false, fmt.Errorf("node id %q contains the edge key separator", id)
	}
	if n, ok := m.nodes[id]; ok {
		if depth < n.Depth {
			n.Depth = depth
		}
		if label != "" && label != id && n.Label == n.ID {
			n.Label = label
		}
		return n, false, nil
	}
	if len(m.nodes) >= m.opts.MaxNodes {
		return nil, false, ErrCapacityExceeded
	}
	if label == "" {
		label = id
	}
	n := &Node{ID: id, Label: label, Depth: depth}
	if ext != nil {
		e := *ext
		n.External = &e
		n.Expanded = true
		n.TitleResolved = true
	}
	m.nodes[id] = n
	return n, true, nil
}

// AddLink records an edge between a and b and reports whether it was new.
// Self links and links to unknown nodes are ignored.
func (m *Model) AddLink(a, b string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLinkLocked(a, b)
}

func (m *Model) addLinkLocked(a, b string) bool {
	if a == b {
		return false
	}
	if _, ok := m.nodes[a]; !ok {
		return false
	}
	if _, ok := m.nodes[b]; !ok {
		return false
	}
	key := kb.CanonicalEdgeKey(a, b)
	if _, ok := m.edges[key]; ok {
		return false
	}
	m.edges[key] = struct{}{}
	return true
}

// SeedRoot creates the root article from content already at hand. The root
// is expanded and title-resolved at once and its references are merged at
// depth 1.
func (m *Model) SeedRoot(id, title, body string) (Expansion, error) {
	num, ok := kb.NormalizeArticleNumber(id)
	if !ok {
		return Expansion{}, fmt.Errorf("%w: %q", article.ErrInvalidID, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.root != "" {
		return Expansion{}, ErrRootExists
	}
	n, _, err := m.addNodeLocked(num, title, 0, nil)
	if err != nil {
		return Expansion{}, err
	}
	m.root = num
	n.Expanded = true
	n.TitleResolved = true
	n.Status = kb.StatusOK
	if title == "" {
		title = num
	}
	m.requests.Put(num, article.Article{ID: num, Title: title, Body: body})

	var exp Expansion
	m.mergeLocked(n, m.opts.Extractor.Extract(body), &exp)
	return exp, nil
}

// ExpandNode fetches the article behind id and merges its references into
// the graph. The node is marked expanded before the fetch and stays
// expanded when the fetch fails; the failure is recorded as the node's
// status and returned. ErrAlreadyExpanded comes back with an empty
// Expansion.
func (m *Model) ExpandNode(ctx context.Context, id string) (Expansion, error) {
	m.mu.Lock()
	n, ok := m.nodes[id]
	switch {
	case !ok:
		m.mu.Unlock()
		return Expansion{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	case n.Expanded || n.External != nil:
		m.mu.Unlock()
		return Expansion{}, ErrAlreadyExpanded
	case len(m.nodes) >= m.opts.MaxNodes:
		m.mu.Unlock()
		return Expansion{}, ErrCapacityExceeded
	}
	n.Expanded = true
	m.mu.Unlock()

	a, err := m.fetch(ctx, id)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		applyFetchError(n, err)
		m.opts.Logger.Debug("expansion failed", "id", id, "status", n.Status, "err", err)
		return Expansion{}, fmt.Errorf("expand %s: %w", id, err)
	}
	applyArticle(n, a)

	var exp Expansion
	m.mergeLocked(n, m.opts.Extractor.Extract(a.Body), &exp)
	m.opts.Logger.Debug("expanded node", "id", id, "depth", n.Depth,
		"new_nodes", len(exp.NewNodes), "new_edges", len(exp.NewEdges), "rejected", exp.Rejected)
	return exp, nil
}

// RetryExpansion expands a node again after a failed expansion: the cached
// fetch result is dropped and the node is marked unexpanded first. Nodes
// whose expansion succeeded return ErrAlreadyExpanded.
func (m *Model) RetryExpansion(ctx context.Context, id string) (Expansion, error) {
	m.mu.Lock()
	n, ok := m.nodes[id]
	switch {
	case !ok:
		m.mu.Unlock()
		return Expansion{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	case n.External != nil, n.Expanded && n.Status == kb.StatusOK:
		m.mu.Unlock()
		return Expansion{}, ErrAlreadyExpanded
	}
	if n.Expanded {
		m.requests.Forget(id)
		n.Expanded = false
	}
	m.mu.Unlock()
	return m.ExpandNode(ctx, id)
}

// fetch goes through the request cache, so concurrent callers for one id
// share a single fetch. Cancellations are not cached.
func (m *Model) fetch(ctx context.Context, id string) (article.Article, error) {
	a, err := m.requests.Do(id, func() (article.Article, error) {
		return m.fetcher.Fetch(ctx, id)
	})
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		m.requests.Forget(id)
	}
	return a, err
}

func applyArticle(n *Node, a article.Article) {
	n.Status = kb.StatusOK
	n.TitleResolved = true
	if a.Title != "" && a.Title != n.ID {
		n.Label = a.Title
	}
}

// applyFetchError records a failed fetch. Transient failures leave the
// status as it was.
func applyFetchError(n *Node, err error) {
	switch {
	case article.IsAuth(err):
		n.Status = kb.StatusAuthRequired
		n.TitleResolved = true
	case errors.Is(err, article.ErrNotFound), errors.Is(err, article.ErrInvalidID):
		n.Status = kb.StatusBroken
		n.TitleResolved = true
	}
}

func (m *Model) mergeLocked(src *Node, res links.Result, exp *Expansion) {
	for _, ref := range res.Internal {
		if ref.ID == src.ID {
			continue
		}
		m.mergeRefLocked(src.ID, ref.ID, ref.Label, src.Depth+1, nil, exp)
	}
	if m.showExternal {
		m.mergeExternalsLocked(src.ID, res.External, src.Depth+1, exp)
	}
}

func (m *Model) mergeExternalsLocked(parentID string, refs []links.ExternalRef, depth int, exp *Expansion) {
	for _, ref := range refs {
		m.mergeRefLocked(parentID, ref.URL, ref.Label, depth, &External{URL: ref.URL, Category: ref.Category}, exp)
	}
}

func (m *Model) mergeRefLocked(parentID, id, label string, depth int, ext *External, exp *Expansion) {
	n, created, err := m.addNodeLocked(id, label, depth, ext)
	if err != nil {
		exp.Rejected++
		if errors.Is(err, ErrCapacityExceeded) {
			exp.CapacityReached = true
		}
		return
	}
	if created {
		exp.NewNodes = append(exp.NewNodes, *n)
	}
	if m.addLinkLocked(parentID, n.ID) {
		exp.NewEdges = append(exp.NewEdges, Edge{Source: parentID, Target: n.ID})
	}
}

// AddExternalsForNode merges external references found on parentID as
// nodes at depth, linked to the parent. It does nothing while external
// nodes are hidden, and merging the same refs again adds nothing.
func (m *Model) AddExternalsForNode(parentID string, refs []links.ExternalRef, depth int) (Expansion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[parentID]; !ok {
		return Expansion{}, fmt.Errorf("%w: %s", ErrNodeNotFound, parentID)
	}
	var exp Expansion
	if !m.showExternal {
		return exp, nil
	}
	m.mergeExternalsLocked(parentID, refs, depth, &exp)
	return exp, nil
}

// RemoveExternalNodes deletes every external node and every edge touching
// one, in a single critical section. It returns the number of nodes removed.
func (m *Model) RemoveExternalNodes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeExternalsLocked()
}

func (m *Model) removeExternalsLocked() int {
	removed := 0
	for id, n := range m.nodes {
		if n.External != nil {
			delete(m.nodes, id)
			removed++
		}
	}
	if removed == 0 {
		return 0
	}
	for key := range m.edges {
		a, b, err := kb.ParseEdgeKey(key)
		if err != nil {
			delete(m.edges, key)
			continue
		}
		_, okA := m.nodes[a]
		_, okB := m.nodes[b]
		if !okA || !okB {
			delete(m.edges, key)
		}
	}
	return removed
}

// SetExternalVisibility switches external nodes on or off. Turning them off
// purges them; turning them on merges the external references of every
// article fetched so far, from the request cache. removed is the number of
// purged nodes.
func (m *Model) SetExternalVisibility(on bool) (added Expansion, removed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.showExternal = on
	if !on {
		return Expansion{}, m.removeExternalsLocked()
	}

	for _, n := range m.sortedNodesLocked() {
		if n.External != nil || !n.Expanded {
			continue
		}
		a, ok := m.requests.Peek(n.ID)
		if !ok {
			continue
		}
		res := m.opts.Extractor.Extract(a.Body)
		m.mergeExternalsLocked(n.ID, res.External, n.Depth+1, &added)
	}
	return added, 0
}

// SetLinkStatus stores a health-check result and reports whether it changed
// the node.
func (m *Model) SetLinkStatus(id string, status kb.LinkStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok || n.Status == status {
		return false
	}
	n.Status = status
	return true
}

// Neighbors returns the ids sharing an edge with id, sorted.
func (m *Model) Neighbors(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for key := range m.edges {
		a, b, err := kb.ParseEdgeKey(key)
		if err != nil {
			continue
		}
		switch id {
		case a:
			out = append(out, b)
		case b:
			out = append(out, a)
		}
	}
	slices.Sort(out)
	return out
}

// Node returns a snapshot of the node stored under id.
func (m *Model) Node(id string) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns snapshots of all nodes ordered by depth, then id.
func (m *Model) Nodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodesLocked()
}

func (m *Model) nodesLocked() []Node {
	sorted := m.sortedNodesLocked()
	out := make([]Node, len(sorted))
	for i, n := range sorted {
		out[i] = *n
	}
	return out
}

func (m *Model) sortedNodesLocked() []*Node {
	out := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b *Node) int {
		return cmp.Or(cmp.Compare(a.Depth, b.Depth), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// Edges returns all edges sorted by key, each with Source < Target.
func (m *Model) Edges() []Edge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.edgesLocked()
}

func (m *Model) edgesLocked() []Edge {
	keys := make([]string, 0, len(m.edges))
	for key := range m.edges {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	out := make([]Edge, 0, len(keys))
	for _, key := range keys {
		a, b, err := kb.ParseEdgeKey(key)
		if err != nil {
			continue
		}
		out = append(out, Edge{Source: a, Target: b})
	}
	return out
}

// Snapshot is a consistent copy of the whole graph.
type Snapshot struct {
	Root         string
	Nodes        []Node
	Edges        []Edge
	MaxNodes     int
	ShowExternal bool
}

// Snapshot copies nodes and edges under one read lock, so a concurrent
// purge is seen either entirely or not at all.
func (m *Model) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Root:         m.root,
		Nodes:        m.nodesLocked(),
		Edges:        m.edgesLocked(),
		MaxNodes:     m.opts.MaxNodes,
		ShowExternal: m.showExternal,
	}
}

// NodeCount returns the number of nodes in the graph.
func (m *Model) NodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// EdgeCount returns the number of edges in the graph.
func (m *Model) EdgeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.edges)
}

// MaxNodes returns the node cap.
func (m *Model) MaxNodes() int { return m.opts.MaxNodes }

// ShowExternal reports whether external nodes are currently merged.
func (m *Model) ShowExternal() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.showExternal
}

// Root returns the id of the root node, or "" before SeedRoot.
func (m *Model) Root() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root
}

