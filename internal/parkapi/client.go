// Package parkapi is the client for the park backend REST API.
package parkapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/park-checkout/internal/obs"
	"github.com/noah-isme/park-checkout/internal/resilience"
)

const maxBody = 1 << 20

var (
	// ErrUnexpectedStatus wraps non-2xx responses.
	ErrUnexpectedStatus = errors.New("parkapi: unexpected status")
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("parkapi: not found")
	// ErrUnauthorized is returned for 401/403 responses.
	ErrUnauthorized = errors.New("parkapi: unauthorized")
	// ErrMalformedResponse is returned when a 2xx body lacks the expected fields.
	ErrMalformedResponse = errors.New("parkapi: malformed response")
)

// APIError describes a failed backend call.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("parkapi: %s %s: %d %s", e.Method, e.Path, e.StatusCode, msg)
}

// Is maps status codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnexpectedStatus:
		return true
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

// TokenSource supplies the bearer token of the signed-in user.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

// Token returns t.
func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

type tokenKey struct{}

// WithToken attaches a per-request bearer token, overriding the client's source.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// Options configures NewClient.
type Options struct {
	BaseURL       string
	Tokens        TokenSource
	Timeout       time.Duration
	MaxAttempts   int
	RetryBase     time.Duration
	Breaker       *resilience.Breaker
	// StatusBreaker guards payment status polls so a flaky status endpoint
	// cannot open the breaker used by preorder and signature calls.
	StatusBreaker *resilience.Breaker
	Transport     http.RoundTripper
	Logger        zerolog.Logger
}

// Client calls the park backend.
type Client struct {
	BaseURL string
	HTTP    resilience.HTTPClient
	// Status sends payment status requests exactly once; the poll interval
	// is the only retry.
	Status resilience.HTTPClient
	Tokens TokenSource
	Logger zerolog.Logger
}

// NewClient builds a client with an instrumented transport, retries and a breaker.
func NewClient(opts Options) *Client {
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.NewBreakerWithSettings(resilience.BreakerSettings{Target: "park_api", MinRequests: 10})
	}
	statusBreaker := opts.StatusBreaker
	if statusBreaker == nil {
		statusBreaker = resilience.NewBreakerWithSettings(resilience.BreakerSettings{Target: "park_api_status", MinRequests: 10})
	}
	httpClient := &http.Client{Transport: otelhttp.NewTransport(transport)}
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		HTTP: resilience.HTTPClient{
			Client:      httpClient,
			Breaker:     breaker.WithLogger(opts.Logger),
			BaseBackoff: opts.RetryBase,
			MaxAttempts: opts.MaxAttempts,
			Jitter:      0.2,
			Timeout:     timeout,
		},
		Status: resilience.HTTPClient{
			Client:      httpClient,
			Breaker:     statusBreaker.WithLogger(opts.Logger),
			MaxAttempts: 1,
			Timeout:     timeout,
		},
		Tokens: opts.Tokens,
		Logger: opts.Logger,
	}
}

func (c *Client) token(ctx context.Context) (string, error) {
	if v, ok := ctx.Value(tokenKey{}).(string); ok && v != "" {
		return v, nil
	}
	if c.Tokens == nil {
		return "", nil
	}
	return c.Tokens.Token(ctx)
}

// do sends one JSON request through the retrying client and returns the raw
// 2xx response body.
func (c *Client) do(ctx context.Context, method, path string, in any, header http.Header) ([]byte, error) {
	return c.doWith(ctx, c.HTTP, method, path, in, header)
}

func (c *Client) doWith(ctx context.Context, hc resilience.HTTPClient, method, path string, in any, header http.Header) ([]byte, error) {
	ctx, span := otel.Tracer(obs.TracerName).Start(ctx, "parkapi "+method+" "+path)
	defer span.End()

	body, err := c.roundTrip(ctx, hc, method, path, in, header)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			span.SetAttributes(attribute.Int("http.status_code", apiErr.StatusCode))
		}
		return nil, err
	}
	return body, nil
}

func (c *Client) roundTrip(ctx context.Context, hc resilience.HTTPClient, method, path string, in any, header http.Header) ([]byte, error) {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("parkapi: encode %s: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	token, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("parkapi: token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := hc.Do(ctx, req)
	if err != nil {
		c.Logger.Warn().Err(err).Str("method", method).Str("path", path).Msg("park_api_request_failed")
		return nil, fmt.Errorf("parkapi: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("parkapi: read %s: %w", path, err)
	}
	c.Logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("park_api_request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(raw),
		}
	}
	return raw, nil
}

func errorMessage(raw []byte) string {
	if !gjson.ValidBytes(raw) {
		return ""
	}
	for _, path := range []string{"message", "error.message", "error"} {
		if v := gjson.GetBytes(raw, path); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func decode(raw []byte, out any, path string) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, path, err)
	}
	return nil
}

func escape(segment string) string {
	return url.PathEscape(strings.TrimSpace(segment))
}
