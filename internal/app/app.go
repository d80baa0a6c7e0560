// Package app wires a graph model, its article fetcher and a health checker
// from a Config. Every kbgraph binary starts from here.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/latebit/kbgraph/internal/article"
	"github.com/latebit/kbgraph/internal/config"
	"github.com/latebit/kbgraph/internal/graph"
	"github.com/latebit/kbgraph/internal/health"
	"github.com/latebit/kbgraph/internal/kb"
	"github.com/latebit/kbgraph/internal/links"
	"github.com/latebit/kbgraph/internal/logging"
	"github.com/latebit/kbgraph/internal/ratelimit"
	"github.com/latebit/kbgraph/internal/tokens"
)

// App is a wired graph session.
type App struct {
	Config  *config.Config
	Model   *graph.Model
	Checker *health.Checker
	Fetcher *article.Fetcher
	Logger  *slog.Logger

	limiter *ratelimit.Limiter
}

// ResolveToken picks the session token: an explicit value, then the config
// (file or KBGRAPH_TOKEN), then the token store entry for the instance.
func ResolveToken(explicit string, cfg *config.Config, storePath string) string {
	if explicit != "" {
		return explicit
	}
	if cfg.Token != "" {
		return cfg.Token
	}
	if cfg.Instance == "" {
		return ""
	}
	if ts, err := tokens.Load(storePath); err == nil {
		return ts.Get(cfg.Instance)
	}
	return ""
}

// New validates cfg and builds the session. Articles come from
// cfg.ArticlesDir when set, otherwise from the instance's Table API.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger = logging.OrDiscard(logger)

	client := &http.Client{
		Transport: article.NewTransport(article.TransportOptions{HTTP3: cfg.HTTP3, Insecure: cfg.Insecure}),
		Timeout:   cfg.RequestTimeout,
	}

	var (
		repo    article.Repository
		prober  health.ArticleProber
		base    *url.URL
		extHost string
	)
	if cfg.Instance != "" {
		table, err := article.NewTableClient(article.ClientOptions{
			Instance:   cfg.Instance,
			Token:      cfg.Token,
			HTTPClient: client,
			Timeout:    cfg.RequestTimeout,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		base = table.Base()
		extHost = base.Host
		prober = table
		repo = table
	}
	if cfg.ArticlesDir != "" {
		dir := article.DirRepository{Root: cfg.ArticlesDir}
		repo = dir
		prober = dirProber{dir}
	}

	fetcher := article.NewFetcher(repo, article.RetryOptions{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBase,
		Jitter:     true,
		Logger:     logger,
	})
	model := graph.New(fetcher, graph.Options{
		MaxNodes:         cfg.MaxNodes,
		ShowExternal:     cfg.ShowExternal,
		Extractor:        links.Extractor{Base: base, DocsHosts: cfg.DocsHosts},
		TitleConcurrency: cfg.TitleConcurrency,
		Logger:           logger,
	})
	limiter := ratelimit.New(cfg.ProbeRate, cfg.ProbeBurst)
	checker := health.New(health.NewHTTPProber(prober, client, limiter), health.Options{
		BatchSize: cfg.BatchSize,
		Logger:    logger,
	})

	logger.Debug("session ready", "instance", extHost, "articles_dir", cfg.ArticlesDir,
		"max_nodes", cfg.MaxNodes, "http3", cfg.HTTP3)
	return &App{
		Config:  cfg,
		Model:   model,
		Checker: checker,
		Fetcher: fetcher,
		Logger:  logger,
		limiter: limiter,
	}, nil
}

// Seed fetches the root article and seeds the graph with it.
func (a *App) Seed(ctx context.Context, id string) (graph.Expansion, error) {
	num, ok := kb.NormalizeArticleNumber(id)
	if !ok {
		return graph.Expansion{}, fmt.Errorf("%w: %q", article.ErrInvalidID, id)
	}
	root, err := a.Fetcher.Fetch(ctx, num)
	if err != nil {
		return graph.Expansion{}, fmt.Errorf("fetch root: %w", err)
	}
	exp, err := a.Model.SeedRoot(root.ID, root.Title, root.Body)
	if err != nil {
		return graph.Expansion{}, err
	}
	a.Logger.Info("seeded root", "id", root.ID, "new_nodes", len(exp.NewNodes))
	return exp, nil
}

// Close releases background resources.
func (a *App) Close() {
	a.limiter.Stop()
}

// dirProber answers article probes from an articles directory.
type dirProber struct {
	dir article.DirRepository
}

func (p dirProber) Exists(ctx context.Context, id string) error {
	_, err := p.dir.Article(ctx, id)
	return err
}
