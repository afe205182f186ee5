package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "http://localhost:8082"

// Client matches extracted line items against the product catalog and
// estimates revenue, cost ratio, and available capacity.
type Client interface {
	Match(ctx context.Context, req MatchRequest) (*MatchResponse, error)
}

// RequestedLine is one line item to match.
type RequestedLine struct {
	Description string            `json:"description"`
	Quantity    float64           `json:"quantity"`
	Unit        string            `json:"unit"`
	Specs       map[string]string `json:"specs,omitempty"`
}

// MatchRequest is the request body for POST /v1/match.
type MatchRequest struct {
	Counterparty      string          `json:"counterparty"`
	Lines             []RequestedLine `json:"lines"`
	RequestedQuantity float64         `json:"requested_quantity"`
}

// LineMatch is one catalog hit for a requested line.
type LineMatch struct {
	Description  string  `json:"description"`
	SKU          string  `json:"sku"`
	MatchPercent float64 `json:"match_percent"`
}

// MatchResponse carries the match set plus the estimation figures used
// downstream for ranking and pricing.
type MatchResponse struct {
	Matches           []LineMatch `json:"matches"`
	EstimatedRevenue  float64     `json:"estimated_revenue"`
	AssumedCostRatio  float64     `json:"assumed_cost_ratio"`
	AvailableCapacity float64     `json:"available_capacity"`
	Summary           string      `json:"summary"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("catalog: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default service base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a catalog service client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Match(ctx context.Context, req MatchRequest) (*MatchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/match", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "catalog: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result MatchResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "catalog: unmarshal response")
	}
	return &result, nil
}
