package graph

import (
	"context"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/latebit/kbgraph/internal/article"
	"github.com/latebit/kbgraph/internal/kb"
)

// FetchTitlesForUnexpanded fetches, through the request cache, every article
// that is neither expanded nor title-resolved, and records its title and
// status without expanding it. It returns the ids whose label or status
// changed, sorted. Individual failures only update status; authorization
// failures are also collected into the returned error.
func (m *Model) FetchTitlesForUnexpanded(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	var pending []string
	for id, n := range m.nodes {
		if n.External == nil && !n.Expanded && !n.TitleResolved {
			pending = append(pending, id)
		}
	}
	m.mu.RUnlock()
	slices.Sort(pending)

	var (
		mu      sync.Mutex
		changed []string
		authErr *multierror.Error
	)
	var g errgroup.Group
	g.SetLimit(m.opts.TitleConcurrency)
	for _, id := range pending {
		g.Go(func() error {
			a, err := m.fetch(ctx, id)
			if m.recordTitle(id, a, err) {
				mu.Lock()
				changed = append(changed, id)
				mu.Unlock()
			}
			if err != nil && article.IsAuth(err) {
				mu.Lock()
				authErr = multierror.Append(authErr, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(changed)
	m.opts.Logger.Debug("title backfill finished", "pending", len(pending), "changed", len(changed))
	return changed, authErr.ErrorOrNil()
}

func (m *Model) recordTitle(id string, a article.Article, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return false
	}
	label, status := n.Label, n.Status
	if err != nil {
		applyFetchError(n, err)
	} else {
		applyArticle(n, a)
	}
	return n.Label != label || n.Status != status
}

// Unresolved returns the article ids still waiting for a title, sorted.
func (m *Model) Unresolved() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, n := range m.nodes {
		if n.Type() == kb.TypeArticle && !n.TitleResolved {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
