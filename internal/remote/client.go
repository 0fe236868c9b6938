// Package remote is the client for the remote document store: a named
// collection of field-map documents keyed by id, reached over HTTP.
//
// Each method is exactly one round trip. The client never retries and keeps
// no state between calls; retry policy belongs to the pending operation
// queue. Every error is a failure.KindRemote error whose reason tells a
// missing document apart from a server or transport failure.
package remote

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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/mod/semver"

	"github.com/trackflow/featsync/internal/failure"
)

// APIVersion is the document API version this client speaks. Servers with
// the same major version are compatible.
const APIVersion = "v1.0.0"

// Document is a remote document. It always carries its id under "id".
type Document map[string]any

// ID returns the document id.
func (d Document) ID() string {
	s, _ := d["id"].(string)
	return s
}

// Filter narrows Query.
type Filter struct {
	// CreatedBy restricts results to one owner.
	CreatedBy string
	// Limit caps the result size. Zero means the server default.
	Limit int
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status     string `json:"status"`
	APIVersion string `json:"api_version"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return e.Code + ": " + e.Message
}

type queryResponse struct {
	Documents []Document `json:"documents"`
}

// Client talks to one collection.
type Client struct {
	BaseURL    string
	Collection string
	APIKey     string
	HTTP       *http.Client

	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.APIKey = key }
}

// WithHTTPClient replaces the default 30s-timeout HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTP = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for collection at baseURL.
func New(baseURL, collection string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Collection: collection,
		HTTP:       &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		tracer:     otel.Tracer("github.com/trackflow/featsync/internal/remote"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "remote", "collection", collection)
	return c
}

// Fetch returns the document with id.
func (c *Client) Fetch(ctx context.Context, id string) (Document, error) {
	var doc Document
	if err := c.do(ctx, "fetch", http.MethodGet, c.docPath(id), nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Query returns the documents matching filter, newest createdAt first.
func (c *Client) Query(ctx context.Context, filter Filter) ([]Document, error) {
	q := url.Values{}
	if filter.CreatedBy != "" {
		q.Set("createdBy", filter.CreatedBy)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := c.collectionPath()
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp queryResponse
	if err := c.do(ctx, "query", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

// Create writes doc under its id, replacing any existing document. Replaying
// a create is therefore harmless.
func (c *Client) Create(ctx context.Context, doc Document) error {
	id := doc.ID()
	if id == "" {
		return failure.Invalid("remote create", errors.New("document id is required"))
	}
	return c.do(ctx, "create", http.MethodPut, c.docPath(id), doc, nil)
}

// Update merges doc's fields into the existing document. A missing document
// is a not-found failure.
func (c *Client) Update(ctx context.Context, doc Document) error {
	id := doc.ID()
	if id == "" {
		return failure.Invalid("remote update", errors.New("document id is required"))
	}
	return c.do(ctx, "update", http.MethodPatch, c.docPath(id), doc, nil)
}

// Delete removes the document with id. A missing document is a not-found
// failure; callers replaying deletes treat that as success.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, "delete", http.MethodDelete, c.docPath(id), nil, nil)
}

// Health calls /healthz.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, "health", http.MethodGet, "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckCompatible verifies the server is reachable and speaks a compatible
// API version.
func (c *Client) CheckCompatible(ctx context.Context) (*HealthResponse, error) {
	h, err := c.Health(ctx)
	if err != nil {
		return nil, err
	}
	if !semver.IsValid(h.APIVersion) {
		return h, failure.Remote("health", failure.ReasonServer,
			fmt.Errorf("server reported invalid api version %q", h.APIVersion))
	}
	if semver.Major(h.APIVersion) != semver.Major(APIVersion) {
		return h, failure.Remote("health", failure.ReasonServer,
			fmt.Errorf("server api %s is incompatible with client api %s", h.APIVersion, APIVersion))
	}
	return h, nil
}

func (c *Client) collectionPath() string {
	return "/v1/collections/" + url.PathEscape(c.Collection) + "/docs"
}

func (c *Client) docPath(id string) string {
	return c.collectionPath() + "/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, result any) (err error) {
	ctx, span := c.tracer.Start(ctx, "remote."+op, trace.WithAttributes(
		attribute.String("http.request.method", method),
		attribute.String("featsync.collection", c.Collection),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return failure.Invalid("remote "+op, fmt.Errorf("marshal request: %w", err))
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return failure.Remote(op, failure.ReasonTransport, fmt.Errorf("create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return failure.Remote(op, failure.ReasonTransport, fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure.Remote(op, failure.ReasonTransport, fmt.Errorf("read response: %w", err))
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	c.logger.Debug("remote round trip", "op", op, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode >= 400 {
		var apiErr apiError
		var cause error = fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Code != "" {
			cause = &apiErr
		}
		if resp.StatusCode == http.StatusNotFound {
			return failure.Remote(op, failure.ReasonNotFound, cause)
		}
		return failure.Remote(op, failure.ReasonServer, cause)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return failure.Remote(op, failure.ReasonServer, fmt.Errorf("unmarshal response: %w", err))
		}
	}
	return nil
}
