package article

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/latebit/kbgraph/internal/kb"
	"github.com/latebit/kbgraph/internal/logging"
)

// RetryOptions configures the retry policy of a Fetcher.
type RetryOptions struct {
	MaxRetries int           // retries after the first attempt (default: 2, negative disables)
	BaseDelay  time.Duration // delay before the first retry, doubled each time (default: 1s)
	Jitter     bool          // add up to half the delay at random
	Sleep      func(ctx context.Context, d time.Duration) error
	Logger     *slog.Logger
}

func (o *RetryOptions) applyDefaults() {
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = 2
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
}

// Fetcher retrieves articles from a Repository with bounded retries.
type Fetcher struct {
	repo Repository
	opts RetryOptions
}

// NewFetcher wraps repo with the given retry policy.
func NewFetcher(repo Repository, opts RetryOptions) *Fetcher {
	opts.applyDefaults()
	return &Fetcher{repo: repo, opts: opts}
}

// Fetch returns the article with the given number. Malformed numbers are
// rejected with ErrInvalidID before any request is made. Permanent failures
// return immediately; transient ones are retried with exponential backoff.
// It never mutates any graph state.
func (f *Fetcher) Fetch(ctx context.Context, id string) (Article, error) {
	num, ok := kb.NormalizeArticleNumber(id)
	if !ok {
		return Article{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	var lastErr error
	for attempt := 0; attempt <= f.opts.MaxRetries; attempt++ {
		a, err := f.repo.Article(ctx, num)
		if err == nil {
			return a, nil
		}
		lastErr = asFetchError(num, err)
		if IsPermanent(lastErr) || ctx.Err() != nil {
			return Article{}, lastErr
		}
		if attempt == f.opts.MaxRetries {
			break
		}

		delay := f.backoff(attempt)
		f.opts.Logger.Debug("retrying article fetch", "id", num, "attempt", attempt+1, "delay", delay, "err", lastErr)
		if err := f.opts.Sleep(ctx, delay); err != nil {
			return Article{}, err
		}
	}
	return Article{}, lastErr
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	d := f.opts.BaseDelay * time.Duration(1<<uint(attempt))
	if f.opts.Jitter && d > 1 {
		d += time.Duration(rand.Int64N(int64(d / 2)))
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
