// Package upstream fetches catalogue pages from upflix.pl and turns them into records.
package upstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vmunix/upflix/internal/media"
)

const (
	defaultBaseURL = "https://upflix.pl"
	defaultTimeout = 10 * time.Second

	// defaultUserAgent mimics a desktop browser.
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

	maxDocumentSize = 4 << 20
)

// Client fetches and extracts catalogue pages.
type Client struct {
	baseURL    *url.URL
	userAgent  string
	timeout    time.Duration
	docClient  *http.Client
	linkClient *http.Client
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every upstream request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithHTTPClient sets a custom HTTP client for document fetches.
// Link resolution always uses a copy that does not follow redirects.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.docClient = hc
	}
}

// WithClock overrides the time source used for FetchedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the catalogue at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url must be absolute: %q", baseURL)
	}

	c := &Client{
		baseURL:   u,
		userAgent: defaultUserAgent,
		timeout:   defaultTimeout,
		docClient: &http.Client{},
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}

	c.docClient = withTimeout(c.docClient, c.timeout)
	link := *c.docClient
	link.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	c.linkClient = &link
	return c, nil
}

func withTimeout(hc *http.Client, d time.Duration) *http.Client {
	cp := *hc
	if cp.Timeout == 0 || cp.Timeout > d {
		cp.Timeout = d
	}
	return &cp
}

// Fetch scrapes the catalogue page at path and resolves its canonical links.
func (c *Client) Fetch(ctx context.Context, path string) (*media.Record, error) {
	body, fetchedAt, err := c.fetchDocument(ctx, path)
	if err != nil {
		return nil, err
	}

	page, err := Parse(body)
	if err != nil {
		return nil, &ExtractionError{Path: path, Err: err}
	}

	filmweb, err := c.resolveLink(ctx, page.FilmwebLink)
	if err != nil {
		return nil, err
	}
	imdb, err := c.resolveLink(ctx, page.IMDBLink)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("fetched catalogue page",
		"path", path,
		"bytes", len(body),
		"genres", len(page.Genres),
		"subscriptions", len(page.Subscriptions),
		"rents", len(page.Rents),
	)

	return &media.Record{
		FetchedAt:     fetchedAt,
		PolishTitle:   page.PolishTitle,
		EnglishTitle:  page.EnglishTitle,
		Year:          page.Year,
		Genres:        page.Genres,
		FilmwebURL:    filmweb,
		IMDBURL:       imdb,
		Subscriptions: page.Subscriptions,
		Rents:         page.Rents,
	}, nil
}

// fetchDocument GETs the page and stamps the completion time.
func (c *Client) fetchDocument(ctx context.Context, path string) ([]byte, time.Time, error) {
	target := c.pageURL(path)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, c.docClient, target)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, time.Time{}, &StatusError{URL: target, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, time.Time{}, &TransportError{URL: target, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, c.now().UTC().Truncate(time.Second), nil
}

// resolveLink requests an intermediary URL without following redirects and
// returns its Location header. An empty href or missing Location is absent.
func (c *Client) resolveLink(ctx context.Context, href string) (*string, error) {
	if href == "" {
		return nil, nil
	}
	ref, err := url.Parse(href)
	if err != nil {
		c.logger.Debug("skipping malformed link", "href", href, "error", err)
		return nil, nil
	}
	target := c.baseURL.ResolveReference(ref).String()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, c.linkClient, target)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	loc := resp.Header.Get("Location")
	if loc == "" {
		c.logger.Debug("link did not redirect", "url", target, "status", resp.StatusCode)
		return nil, nil
	}
	return &loc, nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &TransportError{URL: target, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "pl,en;q=0.8")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, &TransportError{URL: target, Err: err}
	}
	return resp, nil
}

func (c *Client) pageURL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = ""
	return u.String()
}
