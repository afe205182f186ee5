package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteAppliesDefaultContingency(t *testing.T) {
	var got QuoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/quote", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"material_costs": [{"label": "steel beam", "quantity": 40, "total": 60000}],
			"testing_costs": [{"label": "load test", "quantity": 1, "total": 2000}],
			"subtotal": 62000,
			"contingency": 6200,
			"grand_total": 68200,
			"currency": "USD"
		}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := client.Quote(context.Background(), QuoteRequest{
		Counterparty: "Acme Rail",
		Lines:        []QuoteLine{{Description: "steel beam", SKU: "SB-100", Quantity: 40}},
	})
	require.NoError(t, err)

	assert.Equal(t, DefaultContingencyRate, got.ContingencyRate)
	assert.Equal(t, 68200.0, resp.GrandTotal)
	assert.Equal(t, "USD", resp.Currency)
}

func TestQuoteErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": "rate limited"}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := client.Quote(context.Background(), QuoteRequest{})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
}
