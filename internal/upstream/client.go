package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ETAnderson/catalogsync/internal/config"
	"github.com/ETAnderson/catalogsync/internal/domain"
	"github.com/ETAnderson/catalogsync/internal/logging"
	"github.com/ETAnderson/catalogsync/internal/metrics"
	"github.com/ETAnderson/catalogsync/internal/retry"
)

const (
	apiPrefix       = "/wp-json/wc/v3"
	maxResponseSize = 32 << 20
	variationsPage  = 100
)

type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration

	// RPS limits attempts per site; <= 0 disables limiting.
	RPS   float64
	Burst int

	// Retry sets attempts and backoff. Its predicate defaults to IsTransient.
	Retry retry.Policy

	Logger    logrus.FieldLogger
	UserAgent string
}

// Client talks to the four storefront REST APIs. Safe for concurrent use.
type Client struct {
	sites      config.Sites
	httpClient *http.Client
	limiters   map[domain.Site]*rate.Limiter
	policy     retry.Policy
	log        logrus.FieldLogger
	userAgent  string
	schemas    schemaSet
}

func New(sites config.Sites, opts Options) (*Client, error) {
	s, err := loadSchemas()
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	policy := opts.Retry
	if policy.MaxAttempts <= 0 {
		d := retry.Default(nil)
		policy.MaxAttempts, policy.BaseDelay, policy.MaxDelay = d.MaxAttempts, d.BaseDelay, d.MaxDelay
	}
	if policy.Retryable == nil {
		policy.Retryable = IsTransient
	}

	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	limiters := make(map[domain.Site]*rate.Limiter, len(domain.AllSites))
	for _, site := range domain.AllSites {
		limit := rate.Inf
		if opts.RPS > 0 {
			limit = rate.Limit(opts.RPS)
		}
		limiters[site] = rate.NewLimiter(limit, burst)
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = "catalogsync/1.0"
	}

	c := &Client{
		sites:      sites,
		httpClient: httpClient,
		limiters:   limiters,
		policy:     policy,
		log:        logging.OrDiscard(opts.Logger),
		userAgent:  ua,
		schemas:    s,
	}
	if c.policy.OnRetry == nil {
		c.policy.OnRetry = func(attempt int, delay time.Duration, err error) {
			c.log.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay.String(),
			}).Warn("upstream attempt failed; retrying")
		}
	}
	return c, nil
}

// Configured reports whether site has a base URL and credentials.
func (c *Client) Configured(site domain.Site) error {
	_, err := c.site(site)
	return err
}

// FetchEntity returns the full product detail.
func (c *Client) FetchEntity(ctx context.Context, site domain.Site, id int64) (Entity, error) {
	var out Entity
	if id <= 0 {
		return out, ErrInvalidID
	}
	_, err := c.do(ctx, site, "fetch_entity", http.MethodGet, fmt.Sprintf("/products/%d", id), nil, nil, c.schemas.entity, &out)
	return out, err
}

// ListEntities returns one listing page and whether more pages follow.
func (c *Client) ListEntities(ctx context.Context, site domain.Site, page int, filter ListFilter) ([]Entity, bool, error) {
	if page < 1 {
		page = 1
	}
	f := filter.withDefaults()
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(f.PageSize))
	q.Set("status", f.Status)
	q.Set("orderby", f.OrderBy)
	q.Set("order", f.Order)
	if !f.ModifiedAfter.IsZero() {
		q.Set("modified_after", f.ModifiedAfter.UTC().Format("2006-01-02T15:04:05"))
	}

	var out []Entity
	hdr, err := c.do(ctx, site, "list_entities", http.MethodGet, "/products", q, nil, c.schemas.list, &out)
	if err != nil {
		return nil, false, err
	}
	if total, convErr := strconv.Atoi(hdr.Get("X-WP-TotalPages")); convErr == nil {
		return out, page < total, nil
	}
	return out, len(out) == f.PageSize, nil
}

// ListVariations returns every sub-variant of a variable product.
func (c *Client) ListVariations(ctx context.Context, site domain.Site, parentID int64) ([]Entity, error) {
	if parentID <= 0 {
		return nil, ErrInvalidID
	}
	var all []Entity
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("per_page", strconv.Itoa(variationsPage))
		q.Set("page", strconv.Itoa(page))

		var batch []Entity
		hdr, err := c.do(ctx, site, "list_variations", http.MethodGet, fmt.Sprintf("/products/%d/variations", parentID), q, nil, c.schemas.list, &batch)
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)

		if total, convErr := strconv.Atoi(hdr.Get("X-WP-TotalPages")); convErr == nil {
			if page >= total {
				return all, nil
			}
			continue
		}
		if len(batch) < variationsPage {
			return all, nil
		}
	}
}

// UpdateEntityKey publishes key as the entity's SKU on site.
func (c *Client) UpdateEntityKey(ctx context.Context, site domain.Site, id int64, key string) error {
	if id <= 0 {
		return ErrInvalidID
	}
	var out Entity
	_, err := c.do(ctx, site, "update_key", http.MethodPut, fmt.Sprintf("/products/%d", id), nil, map[string]string{"sku": key}, c.schemas.entity, &out)
	return err
}

// Ping checks connectivity and credentials with a one-item listing.
func (c *Client) Ping(ctx context.Context, site domain.Site) error {
	q := url.Values{}
	q.Set("per_page", "1")
	var out []Entity
	_, err := c.do(ctx, site, "ping", http.MethodGet, "/products", q, nil, c.schemas.list, &out)
	return err
}

func (c *Client) site(site domain.Site) (config.SiteConfig, error) {
	sc, ok := c.sites[site]
	if !ok || sc.BaseURL == "" {
		return sc, fmt.Errorf("%w: %s", ErrUnknownSite, site)
	}
	if !sc.HasCredentials() {
		return sc, fmt.Errorf("%w: %s", ErrMissingCredentials, site)
	}
	return sc, nil
}

func (c *Client) do(ctx context.Context, site domain.Site, op, method, path string, q url.Values, body any, sch *jsonschema.Schema, out any) (http.Header, error) {
	sc, err := c.site(site)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}

	endpoint := sc.BaseURL + apiPrefix + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var hdr http.Header
	err = c.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := c.limiters[site].Wait(ctx); err != nil {
			return err
		}
		start := time.Now()
		h, err := c.attempt(ctx, sc, site, op, method, endpoint, payload, sch, out)
		metrics.RecordUpstream(string(site), op, outcomeLabel(err), time.Since(start))
		hdr = h
		return err
	})
	return hdr, err
}

func (c *Client) attempt(ctx context.Context, sc config.SiteConfig, site domain.Site, op, method, endpoint string, payload []byte, sch *jsonschema.Schema, out any) (http.Header, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(sc.ConsumerKey, sc.ConsumerSec)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Site: site, Op: op, Kind: KindTransient, Reason: "network", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return resp.Header, &Error{Site: site, Op: op, StatusCode: resp.StatusCode, Kind: KindTransient, Reason: "network", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind, reason := classifyStatus(resp.StatusCode)
		return resp.Header, &Error{
			Site:       site,
			Op:         op,
			StatusCode: resp.StatusCode,
			Kind:       kind,
			Reason:     reason,
			Err:        errors.New(snippet(respBody)),
			retryAfter: parseRetryAfterSeconds(resp.Header.Get("Retry-After")),
		}
	}

	if err := decodeValidated(respBody, sch, out); err != nil {
		if errors.Is(err, errNotStructured) {
			return resp.Header, &Error{Site: site, Op: op, StatusCode: resp.StatusCode, Kind: KindTransient, Reason: "disguised_failure", Err: err}
		}
		return resp.Header, &Error{Site: site, Op: op, StatusCode: resp.StatusCode, Kind: KindPermanent, Reason: "schema_invalid", Err: err}
	}
	return resp.Header, nil
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Reason
	}
	return "error"
}

func snippet(b []byte) string {
	const limit = 200
	s := string(bytes.TrimSpace(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
