// Package fhirclient provides a minimal REST client for a FHIR server,
// covering the interactions the subscription machinery needs: searching,
// creating and deleting resources, and invoking extended operations.
package fhirclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/beda-software/fhir-tbs/pkg/fhirmodels"
)

// Client is the FHIR server interface consumed by the subscription machinery.
// All failures propagate unmodified; no retries are attempted at this layer.
type Client interface {
	// SearchBundle performs GET <base>/<resourceType>?<params> and returns
	// the raw searchset bundle.
	SearchBundle(ctx context.Context, resourceType string, params url.Values) (json.RawMessage, error)
	// Create performs POST <base>/<resourceType> and returns the raw created
	// resource as echoed by the server.
	Create(ctx context.Context, resourceType string, resource interface{}) (json.RawMessage, error)
	// Delete performs DELETE <base>/<resourceType>/<id>.
	Delete(ctx context.Context, resourceType, id string) error
	// Operation performs GET <base>/<path>?<params> for extended operations
	// such as Subscription/<id>/$events.
	Operation(ctx context.Context, path string, params url.Values) (json.RawMessage, error)
}

// Option configures a RESTClient.
type Option func(*RESTClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(rc *RESTClient) { rc.httpClient = c }
}

// WithBearerToken sets a static bearer token sent on every request.
func WithBearerToken(token string) Option {
	return func(rc *RESTClient) { rc.token = token }
}

// WithLogger attaches a logger. The default logger discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(rc *RESTClient) { rc.logger = logger }
}

// RESTClient talks to a FHIR server over plain HTTP.
type RESTClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewRESTClient creates a client for the FHIR server at baseURL.
func NewRESTClient(baseURL string, opts ...Option) *RESTClient {
	rc := &RESTClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(rc)
	}
	return rc
}

var _ Client = (*RESTClient)(nil)

func (rc *RESTClient) SearchBundle(ctx context.Context, resourceType string, params url.Values) (json.RawMessage, error) {
	return rc.do(ctx, http.MethodGet, resourceType, params, nil)
}

func (rc *RESTClient) Create(ctx context.Context, resourceType string, resource interface{}) (json.RawMessage, error) {
	return rc.do(ctx, http.MethodPost, resourceType, nil, resource)
}

func (rc *RESTClient) Delete(ctx context.Context, resourceType, id string) error {
	_, err := rc.do(ctx, http.MethodDelete, resourceType+"/"+id, nil, nil)
	return err
}

func (rc *RESTClient) Operation(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	return rc.do(ctx, http.MethodGet, path, params, nil)
}

func (rc *RESTClient) do(ctx context.Context, method, path string, params url.Values, body interface{}) (json.RawMessage, error) {
	reqURL := rc.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s %s body: %w", method, path, err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	req.Header.Set("Accept", fhirmodels.ContentTypeFHIRJSON)
	if body != nil {
		req.Header.Set("Content-Type", fhirmodels.ContentTypeFHIRJSON)
	}
	if rc.token != "" {
		req.Header.Set("Authorization", "Bearer "+rc.token)
	}

	start := time.Now()
	resp, err := rc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	rc.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("fhir request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read at most 4KB of the OperationOutcome for diagnostics.
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s %s: server returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read response: %w", method, path, err)
	}
	return raw, nil
}
