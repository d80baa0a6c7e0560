package graph

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/latebit/kbgraph/internal/article"
	"github.com/latebit/kbgraph/internal/kb"
)

// CrawlOptions configures ExpandAll.
type CrawlOptions struct {
	MaxDepth int                            // maximum link hops from the root, 0 for no limit
	Workers  int                            // concurrent expansions (default: 5)
	OnExpand func(id string, exp Expansion) // called after each successful expansion, may be nil
}

func (o *CrawlOptions) applyDefaults() {
	if o.MaxDepth < 0 {
		o.MaxDepth = 0
	}
	if o.Workers <= 0 {
		o.Workers = 5
	}
}

// CrawlReport describes how far ExpandAll got.
type CrawlReport struct {
	Levels          int
	Expanded        int
	Failed          int
	NewNodes        int
	CapacityReached bool
}

// ExpandAll expands unexpanded articles breadth first, one depth level at a
// time, until nothing is left to expand, MaxDepth is reached or the graph is
// full. Failed expansions are counted and skipped, except authorization
// failures, which stop the crawl and are returned with the partial report.
// Nothing is rolled back.
func (m *Model) ExpandAll(ctx context.Context, opts CrawlOptions) (CrawlReport, error) {
	opts.applyDefaults()
	var report CrawlReport

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		frontier := m.frontier(opts.MaxDepth)
		if len(frontier) == 0 {
			return report, nil
		}
		report.Levels++

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Workers)
		for _, id := range frontier {
			if m.NodeCount() >= m.MaxNodes() {
				mu.Lock()
				report.CapacityReached = true
				mu.Unlock()
				break
			}
			g.Go(func() error {
				exp, err := m.ExpandNode(gctx, id)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case errors.Is(err, ErrAlreadyExpanded):
					return nil
				case errors.Is(err, ErrCapacityExceeded):
					report.CapacityReached = true
					return nil
				case err != nil:
					report.Failed++
					if article.IsAuth(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return err
					}
					m.opts.Logger.Warn("skipping article", "id", id, "err", err)
					return nil
				}
				report.Expanded++
				report.NewNodes += len(exp.NewNodes)
				if exp.CapacityReached {
					report.CapacityReached = true
				}
				if opts.OnExpand != nil {
					opts.OnExpand(id, exp)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return report, err
		}
		if report.CapacityReached {
			return report, nil
		}
	}
}

// frontier returns the shallowest unexpanded articles that are still worth
// expanding. Articles already known to be broken or to need authorization
// are left alone.
func (m *Model) frontier(maxDepth int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	level := -1
	for _, n := range m.sortedNodesLocked() {
		if n.External != nil || n.Expanded {
			continue
		}
		if n.Status == kb.StatusBroken || n.Status == kb.StatusAuthRequired {
			continue
		}
		if maxDepth > 0 && n.Depth >= maxDepth {
			continue
		}
		if level == -1 {
			level = n.Depth
		}
		if n.Depth != level {
			break
		}
		out = append(out, n.ID)
	}
	return out
}
