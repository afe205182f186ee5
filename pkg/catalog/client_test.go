package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/match", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"matches": [{"description": "steel beam", "sku": "SB-100", "match_percent": 92.5}],
			"estimated_revenue": 120000,
			"assumed_cost_ratio": 0.62,
			"available_capacity": 500,
			"summary": "1 of 1 lines matched"
		}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := client.Match(context.Background(), MatchRequest{
		Counterparty:      "Acme Rail",
		Lines:             []RequestedLine{{Description: "steel beam", Quantity: 40, Unit: "pcs"}},
		RequestedQuantity: 40,
	})
	require.NoError(t, err)
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "SB-100", resp.Matches[0].SKU)
	assert.Equal(t, 0.62, resp.AssumedCostRatio)
	assert.Equal(t, 500.0, resp.AvailableCapacity)
}

func TestMatchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error": "upstream down"}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := client.Match(context.Background(), MatchRequest{})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
}
