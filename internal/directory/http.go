// Package directory implements user.Directory over the user service HTTP
// API, with an optional Redis cache in front of it.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/orders-cqrs/internal/domain/user"
)

var _ user.Directory = (*Client)(nil)

// StatusError is returned for unexpected HTTP responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("user service responded %d: %s", e.Code, e.Body)
}

// Client calls the user service.
type Client struct {
	base *url.URL
	http *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*http.Client)

// WithTelemetry instruments outgoing requests.
func WithTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) ClientOption {
	return func(c *http.Client) {
		c.Transport = otelhttp.NewTransport(c.Transport,
			otelhttp.WithTracerProvider(tp),
			otelhttp.WithMeterProvider(mp),
		)
	}
}

// WithTransport replaces the underlying transport.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *http.Client) { c.Transport = rt }
}

// NewClient returns a Client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse user service url")
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("user service url %q must be absolute", baseURL)
	}
	hc := &http.Client{Timeout: timeout, Transport: http.DefaultTransport}
	for _, opt := range opts {
		opt(hc)
	}
	return &Client{base: u, http: hc}, nil
}

// GetUserByID implements user.Directory. A 404 maps to user.ErrNotFound.
func (c *Client) GetUserByID(ctx context.Context, id int64) (*user.User, error) {
	var u user.User
	if err := c.get(ctx, "/users/"+strconv.FormatInt(id, 10), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Health calls the user service health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/users/health", nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+path, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "GET %s", path)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return user.ErrNotFound
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	return nil
}
