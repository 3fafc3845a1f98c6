package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/utafrali/catalog-screen/internal/query"
	"github.com/utafrali/catalog-screen/pkg/httpclient"
	"github.com/utafrali/catalog-screen/pkg/tracing"
)

const (
	serviceName = "listing"
	// maxBody bounds a listing response body.
	maxBody = 32 << 20
)

var fetchDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "catalog_listing_fetch_duration_seconds",
		Help:    "Duration of product listing requests by outcome",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"outcome"},
)

// envelope is the listing service response body.
type envelope struct {
	Success  *bool           `json:"success"`
	Products json.RawMessage `json:"products"`
	Error    json.RawMessage `json:"error,omitempty"`
}

// Client fetches product listings from GET <baseURL>/products/?<query>.
type Client struct {
	doer    httpclient.Doer
	baseURL string
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewClient creates a listing client. baseURL is the API root, for example
// http://localhost:5000/api; a trailing slash is ignored.
func NewClient(doer httpclient.Doer, baseURL string, logger *slog.Logger) *Client {
	return &Client{
		doer:    doer,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		tracer:  tracing.Tracer("github.com/utafrali/catalog-screen/internal/catalog"),
	}
}

// URL returns the request URL for criteria.
func (c *Client) URL(criteria query.Criteria) string {
	return c.baseURL + "/products/?" + query.Encode(criteria)
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Fetch issues exactly one GET for criteria. There are no retries and no
// caching; any error is a *FetchError.
func (c *Client) Fetch(ctx context.Context, criteria query.Criteria) ([]Product, error) {
	encoded := query.Encode(criteria)

	ctx, span := c.tracer.Start(ctx, "catalog.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("catalog.query", encoded)),
	)
	defer span.End()

	start := time.Now()
	products, err := c.fetch(ctx, encoded)
	outcome := "success"
	if err != nil {
		outcome = Reason(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	} else {
		span.SetAttributes(attribute.Int("catalog.products", len(products)))
	}
	fetchDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	c.logger.DebugContext(ctx, "listing fetch finished",
		slog.String("query", encoded),
		slog.String("outcome", outcome),
		slog.Int("products", len(products)),
		slog.Duration("duration", time.Since(start)),
	)

	return products, err
}

func (c *Client) fetch(ctx context.Context, encoded string) ([]Product, error) {
	fail := func(kind, cause error) ([]Product, error) {
		return nil, &FetchError{Kind: kind, Query: encoded, Err: cause}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/products/?"+encoded, http.NoBody)
	if err != nil {
		return fail(ErrTransport, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.doer.Do(ctx, req)
	if err != nil {
		return fail(ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(ErrTransport, httpclient.ParseResponseError(resp, serviceName))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fail(ErrTransport, fmt.Errorf("read body: %w", err))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fail(ErrMalformed, fmt.Errorf("decode envelope: %w", err))
	}
	if env.Success == nil {
		return fail(ErrMalformed, errors.New("missing success flag"))
	}
	if !*env.Success {
		return fail(ErrRejected, rejection(env.Error))
	}

	raw := bytes.TrimSpace(env.Products)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fail(ErrMalformed, errors.New("missing products"))
	}
	products := []Product{}
	if err := json.Unmarshal(raw, &products); err != nil {
		return fail(ErrMalformed, fmt.Errorf("decode products: %w", err))
	}
	for i, p := range products {
		if p == nil || bytes.Equal(p, []byte("null")) {
			return fail(ErrMalformed, fmt.Errorf("product %d is null", i))
		}
	}
	return products, nil
}

// rejection turns the optional error field of a success=false body into an
// error. Both a plain string and {"message": "..."} are accepted.
func rejection(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var msg string
	if json.Unmarshal(raw, &msg) == nil && msg != "" {
		return errors.New(msg)
	}
	var structured struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &structured) == nil && structured.Message != "" {
		return errors.New(structured.Message)
	}
	return nil
}
