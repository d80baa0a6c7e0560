// Package article fetches knowledge-base articles from an article repository,
// retrying transient failures with exponential backoff and classifying the
// permanent ones (not found, unauthorized, forbidden).
package article

import (
	"context"
	"time"
)

// Article is the metadata and body of one knowledge-base article.
type Article struct {
	ID            string // article number, e.g. KB0010001
	SysID         string
	Title         string
	Body          string // HTML or markdown
	UpdatedAt     time.Time
	WorkflowState string
}

// Repository returns a single article by number. Implementations report
// failures as *FetchError so callers can tell permanent from transient ones;
// any other error is treated as transient.
type Repository interface {
	Article(ctx context.Context, id string) (Article, error)
}

// RepositoryFunc adapts a plain function into a Repository.
type RepositoryFunc func(ctx context.Context, id string) (Article, error)

// Article implements Repository.
func (f RepositoryFunc) Article(ctx context.Context, id string) (Article, error) {
	return f(ctx, id)
}
