// Package inference provides the client for inference backends: adapter
// lifecycle calls against a tenant's private backend and completion calls
// against private or shared services.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

// TenantHeader carries the tenant identity on calls to shared services.
const TenantHeader = "X-Tenant-ID"

// Client defines the inference backend operations.
type Client interface {
	// AttachAdapter loads a tenant adapter into the backend's serving slots.
	// The call is synchronous; the adapter serves traffic once it returns.
	AttachAdapter(ctx context.Context, adapterID string) error
	// DetachAdapter unloads an adapter, freeing its slot.
	DetachAdapter(ctx context.Context, adapterID string) error
	// Infer runs a completion. TenantID is attached as a request header and
	// body field so shared services can account and isolate per tenant.
	Infer(ctx context.Context, req InferRequest) (*InferResponse, error)
}

// InferRequest is a completion request.
type InferRequest struct {
	TenantID  string   `json:"tenant_id,omitempty"`
	AdapterID string   `json:"adapter_id,omitempty"`
	Prompt    string   `json:"prompt"`
	Context   []string `json:"context,omitempty"`
	MaxTokens int      `json:"max_tokens,omitempty"`
}

// InferResponse is a completion result.
type InferResponse struct {
	Text         string `json:"text"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Option configures the inference client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an inference client for the given backend base URL.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) AttachAdapter(ctx context.Context, adapterID string) error {
	payload, err := json.Marshal(map[string]string{"adapter_id": adapterID})
	if err != nil {
		return eris.Wrap(err, "inference: marshal attach request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/adapters", bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "inference: create attach request")
	}
	req.Header.Set("Content-Type", "application/json")

	return c.expectStatus(req, http.StatusOK, "attach adapter "+adapterID)
}

func (c *httpClient) DetachAdapter(ctx context.Context, adapterID string) error {
	reqURL := fmt.Sprintf("%s/v1/adapters/%s", c.baseURL, url.PathEscape(adapterID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
	if err != nil {
		return eris.Wrap(err, "inference: create detach request")
	}

	return c.expectStatus(req, http.StatusOK, "detach adapter "+adapterID)
}

func (c *httpClient) Infer(ctx context.Context, ir InferRequest) (*InferResponse, error) {
	payload, err := json.Marshal(ir)
	if err != nil {
		return nil, eris.Wrap(err, "inference: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/infer", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "inference: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if ir.TenantID != "" {
		req.Header.Set(TenantHeader, ir.TenantID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "inference: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "inference: read response body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("inference: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var result InferResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "inference: unmarshal response")
	}
	return &result, nil
}

func (c *httpClient) expectStatus(req *http.Request, want int, action string) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "inference: %s", action)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		return eris.Errorf("inference: %s: unexpected status %d: %s", action, resp.StatusCode, string(body))
	}
	return nil
}
