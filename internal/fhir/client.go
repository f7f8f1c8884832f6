package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/clinsight/fhir-pipes/pkg/errors"
	"github.com/clinsight/fhir-pipes/pkg/resilience"
)

// ClientConfig holds the endpoint, credentials, and sizing for one FHIR
// server connection.
type ClientConfig struct {
	ServerURL   string
	User        string
	Password    string
	BearerToken string
	Timeout     time.Duration
	// MaxConns bounds the HTTP connection pool; the pipeline sets it to the
	// worker count so inflight requests never exceed the workers.
	MaxConns int
	Retry    resilience.RetryConfig
}

// Client talks to one FHIR server. The batch pipeline uses one client for the
// source and, when mirroring, a second one for the sink.
type Client struct {
	cfg    ClientConfig
	base   string
	http   *http.Client
	logger *slog.Logger
}

// NewClient builds a Client with a bounded connection pool.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, apperrors.New(apperrors.ErrConfig, apperrors.ExitConfig, "FHIR server URL is empty")
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.Retry.Retryable = apperrors.IsTransient
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxConns,
		MaxConnsPerHost:     cfg.MaxConns,
		IdleConnTimeout:     90 * time.Second,
	}
	// Per-request deadlines come from resilience.WithTimeout in get and
	// UploadResource, not from http.Client.Timeout, so a timed-out attempt
	// is classified and retried like any other transient failure.
	return &Client{
		cfg:    cfg,
		base:   strings.TrimRight(cfg.ServerURL, "/"),
		http:   &http.Client{Transport: transport},
		logger: slog.Default().With("component", "fhir-client", "server", cfg.ServerURL),
	}, nil
}

// BaseURL returns the server base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.base
}

// SearchForResource runs a type-level search. With summaryCount set the
// server returns only the total, which the planner uses to size the segment
// plan.
func (c *Client) SearchForResource(ctx context.Context, resourceType string, count int, summaryCount bool) (*Bundle, error) {
	params := url.Values{}
	params.Set("_count", strconv.Itoa(count))
	if summaryCount {
		params.Set("_summary", "count")
	}
	return c.getBundle(ctx, fmt.Sprintf("%s/%s?%s", c.base, resourceType, params.Encode()))
}

// SearchByPage fetches one page of a paged search using the server's
// _getpages cursor. pageToken is the verbatim "_getpages=<token>" pair
// returned by FindBaseSearchURL.
func (c *Client) SearchByPage(ctx context.Context, pageToken string, count, offset int) (*Bundle, error) {
	u := fmt.Sprintf("%s?%s&_getpagesoffset=%d&_count=%d", c.base, pageToken, offset, count)
	return c.getBundle(ctx, u)
}

// BatchGetByIDs fetches the given resources in one request via _id search.
func (c *Client) BatchGetByIDs(ctx context.Context, resourceType string, ids string) (*Bundle, error) {
	params := url.Values{}
	params.Set("_id", ids)
	return c.getBundle(ctx, fmt.Sprintf("%s/%s?%s", c.base, resourceType, params.Encode()))
}

// SearchUpdatedSince runs a type-level search restricted to resources whose
// lastUpdated is at or after the given instant. Incremental runs plan their
// segments against this query using the previous run's watermark.
func (c *Client) SearchUpdatedSince(ctx context.Context, resourceType string, count int, summaryCount bool, since time.Time) (*Bundle, error) {
	params := url.Values{}
	params.Set("_count", strconv.Itoa(count))
	if summaryCount {
		params.Set("_summary", "count")
	}
	params.Set("_lastUpdated", "ge"+since.UTC().Format(time.RFC3339))
	return c.getBundle(ctx, fmt.Sprintf("%s/%s?%s", c.base, resourceType, params.Encode()))
}

// GetResource fetches a single resource by its logical ID.
func (c *Client) GetResource(ctx context.Context, resourceType, id string) (*Resource, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/%s/%s", c.base, resourceType, id))
	if err != nil {
		return nil, err
	}
	return ParseResource(body)
}

// UploadResource mirrors one resource to this server with FHIR update
// semantics (PUT by id).
func (c *Client) UploadResource(ctx context.Context, r *Resource) error {
	u := fmt.Sprintf("%s/%s/%s", c.base, r.ResourceType, r.ID)
	return resilience.Retry(ctx, "fhir-put", c.cfg.Retry, func() error {
		err := resilience.WithTimeout(ctx, c.cfg.Timeout, "PUT "+u, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(r.Raw))
			if err != nil {
				return apperrors.Newf(apperrors.ErrPermanentRemote, apperrors.ExitRuntime, "building PUT %s: %v", u, err)
			}
			req.Header.Set("Content-Type", "application/fhir+json")
			c.setAuth(req)
			resp, err := c.http.Do(req)
			if err != nil {
				return fmt.Errorf("%w: PUT %s: %v", apperrors.ErrTransientRemote, u, err)
			}
			defer resp.Body.Close()
			io.Copy(io.Discard, resp.Body)
			return classifyStatus(resp.StatusCode, u)
		})
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %v", apperrors.ErrTransientRemote, err)
		}
		return err
	})
}

// UploadBundle mirrors every entry of the bundle, returning the number of
// entries that failed. Per-resource failures are counted, not fatal.
func (c *Client) UploadBundle(ctx context.Context, b *Bundle) int {
	failed := 0
	resources, err := b.Resources()
	if err != nil {
		c.logger.Error("skipping unparseable bundle", "error", err)
		return len(b.Entry)
	}
	for _, r := range resources {
		if err := c.UploadResource(ctx, r); err != nil {
			c.logger.Error("failed to upload resource", "type", r.ResourceType, "id", r.ID, "error", err)
			failed++
		}
	}
	return failed
}

// FindBaseSearchURL extracts the "_getpages=<token>" parameter pair from the
// bundle's next link, verbatim.
func FindBaseSearchURL(b *Bundle) (string, error) {
	next := b.NextLink()
	if next == "" {
		return "", apperrors.New(apperrors.ErrNoNextLink, apperrors.ExitRuntime, "bundle carries no next link")
	}
	u, err := url.Parse(next)
	if err != nil {
		return "", apperrors.Newf(apperrors.ErrMalformedLink, apperrors.ExitRuntime, "parsing next link %q: %v", next, err)
	}
	token := u.Query().Get("_getpages")
	if token == "" {
		return "", apperrors.Newf(apperrors.ErrMissingGetpages, apperrors.ExitRuntime, "next link %q has no _getpages parameter", next)
	}
	return "_getpages=" + token, nil
}

func (c *Client) getBundle(ctx context.Context, u string) (*Bundle, error) {
	var bundle *Bundle
	err := resilience.Retry(ctx, "fhir-search", c.cfg.Retry, func() error {
		body, err := c.get(ctx, u)
		if err != nil {
			return err
		}
		var b Bundle
		if err := json.Unmarshal(body, &b); err != nil {
			return apperrors.Newf(apperrors.ErrPermanentRemote, apperrors.ExitRuntime, "decoding bundle from %s: %v", u, err)
		}
		bundle = &b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	var body []byte
	err := resilience.WithTimeout(ctx, c.cfg.Timeout, "GET "+u, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return apperrors.Newf(apperrors.ErrPermanentRemote, apperrors.ExitRuntime, "building GET %s: %v", u, err)
		}
		req.Header.Set("Accept", "application/fhir+json")
		c.setAuth(req)
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: GET %s: %v", apperrors.ErrTransientRemote, u, err)
		}
		defer resp.Body.Close()
		if err := classifyStatus(resp.StatusCode, u); err != nil {
			io.Copy(io.Discard, resp.Body)
			return err
		}
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: reading body of %s: %v", apperrors.ErrTransientRemote, u, err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrTransientRemote, err)
		}
		return nil, err
	}
	return body, nil
}

func (c *Client) setAuth(req *http.Request) {
	switch {
	case c.cfg.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	case c.cfg.User != "":
		req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	}
}

// classifyStatus maps an HTTP status to the error taxonomy: 5xx transient,
// 4xx permanent.
func classifyStatus(status int, u string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 500:
		return fmt.Errorf("%w: %s returned %d", apperrors.ErrTransientRemote, u, status)
	default:
		return apperrors.Newf(apperrors.ErrPermanentRemote, apperrors.ExitRuntime, "%s returned %d", u, status)
	}
}
