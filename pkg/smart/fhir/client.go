package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carebridge/chartlink/pkg/smart/provider"
)

// TokenSource supplies a valid bearer token for resource calls. The oauth
// Client satisfies it.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// RequestInterceptor may rewrite the outgoing request (URL, headers) before
// dispatch. Interceptors run in registration order.
type RequestInterceptor func(req *http.Request) error

// ResponseInterceptor may transform the decoded payload after parsing. For
// a read the slice holds the single resource. Interceptors run in
// registration order; each sees the previous one's output.
type ResponseInterceptor func(resources []*Resource) ([]*Resource, error)

// Client issues authenticated REST calls to one provider's FHIR endpoint,
// applying the provider's quirks to headers, query construction, error
// interpretation and bundle unwrapping.
type Client struct {
	provider   provider.Descriptor
	tokens     TokenSource
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	requestInterceptors  []RequestInterceptor
	responseInterceptors []ResponseInterceptor
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the outbound HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a resource client bound to the given provider and token
// source. The descriptor must be fully resolved.
func NewClient(d provider.Descriptor, tokens TokenSource, opts ...ClientOption) (*Client, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		provider:   d,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AddRequestInterceptor appends fn to the request chain.
func (c *Client) AddRequestInterceptor(fn RequestInterceptor) {
	c.requestInterceptors = append(c.requestInterceptors, fn)
}

// AddResponseInterceptor appends fn to the response chain.
func (c *Client) AddResponseInterceptor(fn ResponseInterceptor) {
	c.responseInterceptors = append(c.responseInterceptors, fn)
}

// IsResourceTypeSupported reports whether the provider declares support for
// resourceType (no declared list means everything is supported).
func (c *Client) IsResourceTypeSupported(resourceType string) bool {
	return c.provider.SupportsResourceType(resourceType)
}

// Read fetches {base}/{resourceType}/{id}. A status in the provider's
// not-found set yields (nil, nil): some systems answer access-denied for
// resources that simply do not exist, and that is a normal empty outcome.
func (c *Client) Read(ctx context.Context, resourceType, id string) (*Resource, error) {
	u := c.baseURL() + "/" + resourceType + "/" + url.PathEscape(id)
	body, notFound, err := c.get(ctx, u, resourceType)
	if err != nil {
		return nil, err
	}
	if notFound {
		// Interceptors still see the empty outcome, so one that injects
		// synthetic defaults can supply a resource.
		out, err := c.applyResponseInterceptors([]*Resource{})
		if err != nil {
			return nil, err
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out[0], nil
	}

	var res Resource
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrParse, resourceType, id, err)
	}

	out, err := c.applyResponseInterceptors([]*Resource{&res})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

// Search queries {base}/{resourceType} with the given parameters. Types
// outside the provider's declared set fail with ErrUnsupportedResource.
// Array-valued parameters repeat the key; empty values are omitted. The
// provider's default parameters and, when required, a default date window
// are injected for keys the caller did not set. The returned bundle is
// unwrapped into a flat list, filtered by resourceType when the provider
// serves mixed bundles.
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) ([]*Resource, error) {
	if !c.provider.SupportsResourceType(resourceType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedResource, resourceType)
	}
	query := c.buildQuery(resourceType, params)
	u := c.baseURL() + "/" + resourceType
	if encoded := query.Encode(); encoded != "" {
		u += "?" + encoded
	}

	body, notFound, err := c.get(ctx, u, resourceType)
	if err != nil {
		return nil, err
	}
	if notFound {
		return c.applyResponseInterceptors([]*Resource{})
	}

	var bundle Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("%w: %s search: %v", ErrParse, resourceType, err)
	}

	resources := bundle.Resources()
	if c.provider.Quirks.FilterResultsByType {
		filtered := resources[:0]
		for _, r := range resources {
			if r.ResourceType == resourceType {
				filtered = append(filtered, r)
			}
		}
		resources = filtered
	}

	return c.applyResponseInterceptors(resources)
}

// SearchByPatient runs Search with patient=<patientID> injected.
func (c *Client) SearchByPatient(ctx context.Context, resourceType, patientID string, extra url.Values) ([]*Resource, error) {
	params := url.Values{}
	for k, vs := range extra {
		params[k] = vs
	}
	params.Set("patient", patientID)
	return c.Search(ctx, resourceType, params)
}

func (c *Client) baseURL() string {
	return strings.TrimSuffix(c.provider.ResourceBaseURL, "/")
}

// buildQuery copies the caller's parameters (dropping empty values) and
// layers in the provider's defaults.
func (c *Client) buildQuery(resourceType string, params url.Values) url.Values {
	query := url.Values{}
	for key, values := range params {
		for _, v := range values {
			if v == "" {
				continue
			}
			query.Add(key, v)
		}
	}

	for key, value := range c.provider.Quirks.DefaultSearchParams[resourceType] {
		if !query.Has(key) {
			query.Set(key, value)
		}
	}

	if c.provider.Quirks.RequiresDateFilter[resourceType] && !query.Has("date") {
		days := c.provider.Quirks.DateFilterDays
		if days <= 0 {
			days = 365
		}
		since := c.now().AddDate(0, 0, -days).Format("2006-01-02")
		query.Set("date", "ge"+since)
	}
	return query
}

// get performs the authenticated GET and interprets the status per provider
// quirks. notFound is true for statuses in the provider's not-found set;
// those are a normal empty outcome and are not logged as failures.
func (c *Client) get(ctx context.Context, rawURL, resourceType string) (body []byte, notFound bool, err error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", c.provider.AcceptHeader())
	for k, v := range c.provider.Quirks.ExtraHeaders {
		req.Header.Set(k, v)
	}
	for _, intercept := range c.requestInterceptors {
		if err := intercept(req); err != nil {
			return nil, false, fmt.Errorf("request interceptor failed: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrNetwork, resourceType, err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrNetwork, resourceType, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if c.provider.IsNotFoundStatus(resp.StatusCode) {
			c.logger.Debug("treating status as not found", "provider", c.provider.ID,
				"resource_type", resourceType, "status", resp.StatusCode)
			return nil, true, nil
		}
		return nil, false, &RequestError{
			ProviderID:   c.provider.ID,
			ResourceType: resourceType,
			StatusCode:   resp.StatusCode,
			Diagnostics:  outcomeDiagnostics(body),
		}
	}
	return body, false, nil
}

func (c *Client) applyResponseInterceptors(resources []*Resource) ([]*Resource, error) {
	var err error
	for _, intercept := range c.responseInterceptors {
		resources, err = intercept(resources)
		if err != nil {
			return nil, fmt.Errorf("response interceptor failed: %w", err)
		}
	}
	return resources, nil
}

// outcomeDiagnostics extracts OperationOutcome text from an error body,
// falling back to the raw text for non-OperationOutcome bodies.
func outcomeDiagnostics(body []byte) string {
	var outcome OperationOutcome
	if err := json.Unmarshal(body, &outcome); err == nil && outcome.ResourceType == "OperationOutcome" {
		if msg := outcome.Diagnostics(); msg != "" {
			return msg
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 512 {
		text = text[:512]
	}
	return text
}
