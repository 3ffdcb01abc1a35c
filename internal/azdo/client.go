// Package azdo is a small Azure DevOps REST client: paced, retried for reads,
// guarded by a circuit breaker, and able to page through collections.
package azdo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// CredentialKind selects how the secret is presented.
type CredentialKind string

const (
	// CredentialPAT sends a personal access token as basic auth with an
	// empty user name.
	CredentialPAT CredentialKind = "pat"
	// CredentialBearer sends the secret as an OAuth bearer token.
	CredentialBearer CredentialKind = "bearer"
)

// Credential addresses one organization. It is immutable for the life of the
// client.
type Credential struct {
	// Host is the server, with or without scheme, e.g. "dev.azure.com" or
	// "https://azdo.example.com/tfs".
	Host         string
	Organization string
	Secret       string
	Kind         CredentialKind
}

// BaseURL returns the organization URL.
func (c Credential) BaseURL() string {
	host := strings.TrimRight(c.Host, "/")
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	return host + "/" + strings.Trim(c.Organization, "/")
}

// Config configures a Client.
type Config struct {
	Credential Credential
	// BaseURL overrides the URL derived from the credential, e.g. for the
	// release management host.
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
	// MaxRetries bounds retries of GET requests. Other methods are never
	// retried.
	MaxRetries int
	RateLimit  float64
	RateBurst  int
	// BreakerFailures is the number of consecutive server or transport
	// failures that opens the circuit.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	UserAgent       string
	// Transport replaces http.DefaultTransport (for tests).
	Transport http.RoundTripper
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		APIVersion:      "7.1-preview",
		Timeout:         30 * time.Second,
		MaxRetries:      3,
		RateLimit:       10,
		RateBurst:       5,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
		UserAgent:       "sweep/1.0",
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.APIVersion == "" {
		c.APIVersion = d.APIVersion
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RateLimit == 0 {
		c.RateLimit = d.RateLimit
	}
	if c.RateBurst == 0 {
		c.RateBurst = d.RateBurst
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.BreakerTimeout == 0 {
		c.BreakerTimeout = d.BreakerTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.Credential.Kind == "" {
		c.Credential.Kind = CredentialPAT
	}
}

// Client talks to one Azure DevOps organization.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[*Response]
}

// NewClient creates a client. A nil config uses DefaultConfig without a
// credential.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	cfg.applyDefaults()

	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Credential.Host == "" || cfg.Credential.Organization == "" {
			return nil, errors.New("azure devops host and organization are required")
		}
		baseURL = cfg.Credential.BaseURL()
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	switch cfg.Credential.Kind {
	case CredentialPAT:
	case CredentialBearer:
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Credential.Secret, TokenType: "Bearer"}),
			Base:   transport,
		}
	default:
		return nil, fmt.Errorf("unknown credential kind %q", cfg.Credential.Kind)
	}

	name := "azdo"
	breaker := gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:    name,
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var apiErr *APIError
			return errors.As(err, &apiErr) && !apiErr.retryable()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			RecordBreakerState(name, to)
		},
	})

	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		breaker: breaker,
	}, nil
}

// WithBaseURL returns a client for another service host of the same
// organization. Pacing, circuit breaker and connection pool are shared.
func (c *Client) WithBaseURL(baseURL string) *Client {
	clone := *c
	clone.baseURL = strings.TrimRight(baseURL, "/")
	return &clone
}

// BaseURL returns the URL requests are resolved against.
func (c *Client) BaseURL() string { return c.baseURL }

// Request is one API call. Path is relative to the base URL unless absolute.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// Body is JSON encoded unless it is already a json.RawMessage.
	Body any
}

// Response is a completed API call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Text holds the body when a successful response was not JSON.
	Text string
}

// JSON unmarshals the response body into target.
func (r *Response) JSON(target any) error {
	if r.Text != "" {
		return fmt.Errorf("response is not json: %.80q", r.Text)
	}
	return json.Unmarshal(r.Body, target)
}

// Do executes a request. GET requests are retried with exponential backoff on
// 429, 5xx and transport errors; other methods are attempted exactly once.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.Method != http.MethodGet || c.cfg.MaxRetries == 0 {
		return c.doOnce(ctx, req)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx)

	return backoff.RetryNotifyWithData(func() (*Response, error) {
		resp, err := c.doOnce(ctx, req)
		if err != nil && !isRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}, policy, func(err error, wait time.Duration) {
		RecordRetry(req.Method)
		slog.WarnContext(ctx, "azure devops request failed, retrying",
			"method", req.Method,
			"path", req.Path,
			"backoff", wait,
			"err", err)
	})
}

func isRetryable(err error) bool {
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.retryable()
	}
	// Anything else is a transport failure.
	return true
}

func (c *Client) doOnce(ctx context.Context, req *Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	resp, err := c.breaker.Execute(func() (*Response, error) {
		return c.roundTrip(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return resp, err
}

func (c *Client) resolve(path string, query url.Values) string {
	u := path
	if !strings.Contains(path, "://") {
		u = c.baseURL + "/" + strings.TrimLeft(path, "/")
	}
	q := maps.Clone(query)
	if q == nil {
		q = url.Values{}
	}
	if q.Get("api-version") == "" {
		q.Set("api-version", c.cfg.APIVersion)
	}
	return u + "?" + q.Encode()
}

func (c *Client) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	fullURL := c.resolve(req.Path, req.Query)

	var body io.Reader
	if req.Body != nil {
		raw, ok := req.Body.(json.RawMessage)
		if !ok {
			var err error
			raw, err = json.Marshal(req.Body)
			if err != nil {
				return nil, fmt.Errorf("encode request body: %w", err)
			}
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Credential.Kind == CredentialPAT {
		httpReq.SetBasicAuth("", c.cfg.Credential.Secret)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		RecordRequest(req.Method, 0, time.Since(start))
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	RecordRequest(req.Method, httpResp.StatusCode, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, newAPIError(req.Method, stripQuery(fullURL), httpResp.StatusCode, data)
	}

	resp := &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: data}
	if len(bytes.TrimSpace(data)) > 0 && !json.Valid(data) {
		slog.WarnContext(ctx, "non-json response",
			"method", req.Method,
			"url", stripQuery(fullURL),
			"status", httpResp.StatusCode,
			"content_type", httpResp.Header.Get("Content-Type"))
		resp.Text = string(data)
	}
	return resp, nil
}

func stripQuery(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}

// Get issues a GET and decodes the JSON response into target.
func (c *Client) Get(ctx context.Context, path string, query url.Values, target any) error {
	resp, err := c.Do(ctx, &Request{Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return err
	}
	return resp.JSON(target)
}

// GetRaw issues a GET and returns the raw JSON document.
func (c *Client) GetRaw(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	resp, err := c.Do(ctx, &Request{Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return nil, err
	}
	if resp.Text != "" {
		return nil, fmt.Errorf("GET %s: response is not json", path)
	}
	return json.RawMessage(resp.Body), nil
}

// Put issues a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, path string, query url.Values, body any) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPut, Path: path, Query: query, Body: body})
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodDelete, Path: path, Query: query})
}
