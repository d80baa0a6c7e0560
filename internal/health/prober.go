package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/latebit/kbgraph/internal/article"
	"github.com/latebit/kbgraph/internal/kb"
	"github.com/latebit/kbgraph/internal/ratelimit"
)

// Prober determines the reachability of a single target. A status of
// kb.StatusUnknown means the outcome could not be established; the error
// then says why.
type Prober interface {
	ProbeArticle(ctx context.Context, id string) (kb.LinkStatus, error)
	ProbeURL(ctx context.Context, rawURL string) (kb.LinkStatus, error)
}

// ArticleProber checks that an article exists without downloading it;
// *article.TableClient satisfies it.
type ArticleProber interface {
	Exists(ctx context.Context, id string) error
}

// HTTPProber probes articles through the instance API and external URLs
// with HEAD requests, paced per destination host.
type HTTPProber struct {
	articles ArticleProber
	client   *http.Client
	limiter  *ratelimit.Limiter
}

// NewHTTPProber creates a prober. A nil client gets a 10 second timeout and
// a nil limiter disables pacing.
func NewHTTPProber(articles ArticleProber, client *http.Client, limiter *ratelimit.Limiter) *HTTPProber {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProber{articles: articles, client: client, limiter: limiter}
}

// ProbeArticle implements Prober.
func (p *HTTPProber) ProbeArticle(ctx context.Context, id string) (kb.LinkStatus, error) {
	if p.articles == nil {
		return kb.StatusUnknown, errors.New("no article prober configured")
	}
	err := p.articles.Exists(ctx, id)
	switch {
	case err == nil:
		return kb.StatusOK, nil
	case article.IsAuth(err):
		return kb.StatusAuthRequired, nil
	case errors.Is(err, article.ErrNotFound), errors.Is(err, article.ErrInvalidID):
		return kb.StatusBroken, nil
	}
	return kb.StatusUnknown, err
}

// ProbeURL implements Prober. Servers that refuse HEAD are asked again
// with GET.
func (p *HTTPProber) ProbeURL(ctx context.Context, rawURL string) (kb.LinkStatus, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return kb.StatusUnknown, fmt.Errorf("not an http(s) URL: %q", rawURL)
	}

	code, err := p.do(ctx, http.MethodHead, u)
	if err == nil && (code == http.StatusMethodNotAllowed || code == http.StatusNotImplemented) {
		code, err = p.do(ctx, http.MethodGet, u)
	}
	if err != nil {
		return kb.StatusUnknown, err
	}
	return StatusForCode(code), nil
}

func (p *HTTPProber) do(ctx context.Context, method string, u *url.URL) (int, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, ratelimit.HostKey(u.Host)); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// StatusForCode maps an HTTP status code to a link status.
func StatusForCode(code int) kb.LinkStatus {
	switch {
	case code >= 200 && code < 400:
		return kb.StatusOK
	case code == http.StatusNotFound, code == http.StatusGone:
		return kb.StatusBroken
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return kb.StatusAuthRequired
	}
	return kb.StatusUnknown
}
