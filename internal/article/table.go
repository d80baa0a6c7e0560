package article

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/latebit/kbgraph/internal/logging"
)

const (
	tablePath     = "/api/now/table/kb_knowledge"
	articleFields = "sys_id,number,short_description,text,sys_updated_on,workflow_state"
	existsFields  = "sys_id,number"
	updatedLayout = "2006-01-02 15:04:05"

	// TokenHeader carries the session token; its value is passed through as is.
	TokenHeader = "X-UserToken"
)

// ClientOptions configures a TableClient.
type ClientOptions struct {
	Instance   string // instance origin, e.g. https://example.service-now.com
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration // per-request timeout (default: 15s)
	Logger     *slog.Logger
}

func (o *ClientOptions) applyDefaults() {
	if o.Timeout == 0 {
		o.Timeout = 15 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Transport: NewTransport(TransportOptions{})}
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
}

// TableClient reads articles through the ServiceNow Table API.
type TableClient struct {
	base *url.URL
	opts ClientOptions
}

// NewTableClient creates a client for the instance in opts.
func NewTableClient(opts ClientOptions) (*TableClient, error) {
	opts.applyDefaults()
	base, err := url.Parse(strings.TrimRight(opts.Instance, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid instance URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" || base.Host == "" {
		return nil, fmt.Errorf("invalid instance URL %q: expected http(s)://host", opts.Instance)
	}
	return &TableClient{base: base, opts: opts}, nil
}

// Base returns the instance origin the client talks to.
func (c *TableClient) Base() *url.URL {
	u := *c.base
	return &u
}

type tableRecord struct {
	SysID            string `json:"sys_id"`
	Number           string `json:"number"`
	ShortDescription string `json:"short_description"`
	Text             string `json:"text"`
	UpdatedOn        string `json:"sys_updated_on"`
	WorkflowState    string `json:"workflow_state"`
}

type tableResponse struct {
	Result []tableRecord `json:"result"`
}

// Article implements Repository.
func (c *TableClient) Article(ctx context.Context, id string) (Article, error) {
	rec, err := c.query(ctx, id, articleFields)
	if err != nil {
		return Article{}, err
	}
	a := Article{
		ID:            rec.Number,
		SysID:         rec.SysID,
		Title:         strings.TrimSpace(rec.ShortDescription),
		Body:          rec.Text,
		WorkflowState: strings.ToLower(strings.TrimSpace(rec.WorkflowState)),
	}
	if a.ID == "" {
		a.ID = id
	}
	if a.Title == "" {
		a.Title = a.ID
	}
	if rec.UpdatedOn != "" {
		if t, err := time.Parse(updatedLayout, rec.UpdatedOn); err == nil {
			a.UpdatedAt = t
		}
	}
	return a, nil
}

// Exists checks that the article can be read without downloading its body.
func (c *TableClient) Exists(ctx context.Context, id string) error {
	_, err := c.query(ctx, id, existsFields)
	return err
}

func (c *TableClient) query(ctx context.Context, id, fields string) (tableRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	u := *c.base
	u.Path = tablePath
	q := url.Values{}
	q.Set("sysparm_query", "number="+id)
	q.Set("sysparm_fields", fields)
	q.Set("sysparm_limit", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return tableRecord{}, &FetchError{ID: id, Kind: KindTransient, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.Token != "" {
		req.Header.Set(TokenHeader, c.opts.Token)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return tableRecord{}, &FetchError{ID: id, Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		kind := ClassifyStatus(resp.StatusCode)
		c.opts.Logger.Debug("table api error", "id", id, "status", resp.StatusCode, "kind", kind)
		return tableRecord{}, &FetchError{ID: id, Kind: kind, StatusCode: resp.StatusCode}
	}

	var body tableResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return tableRecord{}, &FetchError{ID: id, Kind: KindTransient, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(body.Result) == 0 {
		return tableRecord{}, &FetchError{ID: id, Kind: KindNotFound, StatusCode: resp.StatusCode, Err: errors.New("empty result")}
	}
	return body.Result[0], nil
}
