// Package health checks whether the targets of graph nodes are reachable.
// Results are cached per target for the lifetime of a Checker, and batches
// are processed in fixed-size chunks to bound concurrent requests.
package health

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/latebit/kbgraph/internal/cache"
	"github.com/latebit/kbgraph/internal/graph"
	"github.com/latebit/kbgraph/internal/kb"
	"github.com/latebit/kbgraph/internal/logging"
)

// DefaultBatchSize is the chunk size used when Options.BatchSize is not set.
const DefaultBatchSize = 6

// Options configures a Checker.
type Options struct {
	BatchSize int // concurrent probes per chunk (default: 6)
	Logger    *slog.Logger
}

// Graph is the part of *graph.Model a Checker reads and updates.
type Graph interface {
	Node(id string) (graph.Node, bool)
	SetLinkStatus(id string, status kb.LinkStatus) bool
}

// Checker probes nodes and records the results.
type Checker struct {
	prober  Prober
	opts    Options
	results *cache.Cache[kb.LinkStatus]
}

// New creates a Checker that probes through prober.
func New(prober Prober, opts Options) *Checker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	opts.Logger = logging.OrDiscard(opts.Logger)
	return &Checker{prober: prober, opts: opts, results: cache.New[kb.LinkStatus]()}
}

// CheckNode returns the status of the node's target, probing it on first
// use. Checking a node again is free and never changes the graph.
func (c *Checker) CheckNode(ctx context.Context, n graph.Node) kb.LinkStatus {
	target := n.ID
	if n.External != nil {
		target = n.External.URL
	}
	key := kb.ProbeKey(n.Type(), target)

	status, err := c.results.Do(key, func() (kb.LinkStatus, error) {
		if n.External != nil {
			return c.prober.ProbeURL(ctx, target)
		}
		return c.prober.ProbeArticle(ctx, target)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.results.Forget(key)
		}
		c.opts.Logger.Debug("probe inconclusive", "id", n.ID, "err", err)
	}
	return status
}

// CheckBatch checks the given nodes, BatchSize at a time, and stores every
// determinate result in model. Chunks run one after another. It returns the ids
// whose status changed, in input order. Unknown ids are skipped.
func (c *Checker) CheckBatch(ctx context.Context, model Graph, ids []string) ([]string, error) {
	var changed []string
	for start := 0; start < len(ids); start += c.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		chunk := ids[start:min(start+c.opts.BatchSize, len(ids))]
		updated := make([]bool, len(chunk))

		var g errgroup.Group
		for i, id := range chunk {
			n, ok := model.Node(id)
			if !ok {
				continue
			}
			g.Go(func() error {
				status := c.CheckNode(ctx, n)
				if status.Determinate() {
					updated[i] = model.SetLinkStatus(id, status)
				}
				return nil
			})
		}
		_ = g.Wait()

		for i, id := range chunk {
			if updated[i] {
				changed = append(changed, id)
			}
		}
	}
	c.opts.Logger.Debug("health batch finished", "checked", len(ids), "changed", len(changed))
	return changed, nil
}

// Pending returns the ids of nodes whose status is still unknown.
func Pending(nodes []graph.Node) []string {
	var out []string
	for _, n := range nodes {
		if !n.Status.Determinate() {
			out = append(out, n.ID)
		}
	}
	return out
}

// Reset forgets every cached result.
func (c *Checker) Reset() {
	c.results.Reset()
}
