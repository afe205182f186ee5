package stage

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bidflow/internal/model"
	"github.com/sells-group/bidflow/internal/resilience"
	"github.com/sells-group/bidflow/pkg/catalog"
	"github.com/sells-group/bidflow/pkg/dispatch"
	"github.com/sells-group/bidflow/pkg/extraction"
	"github.com/sells-group/bidflow/pkg/narrative"
	"github.com/sells-group/bidflow/pkg/pricing"
)

var testDoc = model.DocumentRef{ID: "doc-1", Name: "rfp.pdf", URI: "file:///tmp/rfp.pdf"}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func baseOutputs(t *testing.T) map[string]json.RawMessage {
	t.Helper()
	return map[string]json.RawMessage{
		string(model.StageExtraction): mustJSON(t, model.ExtractionResult{
			Counterparty:      "Acme Rail",
			LineItems:         []model.LineItem{{Description: "steel beam", Quantity: 40, Unit: "pcs"}},
			RequestedQuantity: 40,
			Summary:           "Structural steel order",
		}),
		string(model.StageMatching): mustJSON(t, model.MatchResult{
			Matches:          []model.LineMatch{{Description: "steel beam", SKU: "SB-100", MatchPercent: 92.5}},
			EstimatedRevenue: 120000,
			AssumedCostRatio: 0.62,
			Summary:          "1 of 1 lines matched",
		}),
	}
}

func TestExtractionExecutorSuccess(t *testing.T) {
	exec := NewExtraction(&mockExtraction{fn: func(_ context.Context, req extraction.ExtractRequest) (*extraction.ExtractResponse, error) {
		assert.Equal(t, "doc-1", req.DocumentID)
		return &extraction.ExtractResponse{
			Counterparty: "Acme Rail",
			LineItems:    []extraction.LineItem{{Description: "steel beam", Quantity: 40}},
		}, nil
	}})

	payload, err := exec.Execute(context.Background(), testDoc, nil)
	require.NoError(t, err)

	var result model.ExtractionResult
	require.NoError(t, json.Unmarshal(payload, &result))
	assert.Equal(t, "Acme Rail", result.Counterparty)
}

func TestExtractionExecutorEmptyLinesIsFatal(t *testing.T) {
	exec := NewExtraction(&mockExtraction{fn: func(context.Context, extraction.ExtractRequest) (*extraction.ExtractResponse, error) {
		return &extraction.ExtractResponse{Counterparty: "Acme Rail"}, nil
	}})

	_, err := exec.Execute(context.Background(), testDoc, nil)
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err))
}

func TestExtractionExecutorClassifiesStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"service_unavailable", http.StatusServiceUnavailable, true},
		{"rate_limited", http.StatusTooManyRequests, true},
		{"bad_request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := NewExtraction(&mockExtraction{fn: func(context.Context, extraction.ExtractRequest) (*extraction.ExtractResponse, error) {
				return nil, &extraction.APIError{StatusCode: tt.status}
			}})

			_, err := exec.Execute(context.Background(), testDoc, nil)
			require.Error(t, err)
			assert.Equal(t, tt.transient, resilience.IsTransient(err))
			assert.Equal(t, !tt.transient, resilience.IsFatal(err))
		})
	}
}

func TestMatchingExecutorChainsExtraction(t *testing.T) {
	exec := NewMatching(&mockCatalog{fn: func(_ context.Context, req catalog.MatchRequest) (*catalog.MatchResponse, error) {
		assert.Equal(t, "Acme Rail", req.Counterparty)
		require.Len(t, req.Lines, 1)
		assert.Equal(t, 40.0, req.Lines[0].Quantity)
		return &catalog.MatchResponse{
			Matches:          []catalog.LineMatch{{SKU: "SB-100", MatchPercent: 92.5}},
			EstimatedRevenue: 120000,
		}, nil
	}})

	payload, err := exec.Execute(context.Background(), testDoc, baseOutputs(t))
	require.NoError(t, err)

	var result model.MatchResult
	require.NoError(t, json.Unmarshal(payload, &result))
	assert.Equal(t, 120000.0, result.EstimatedRevenue)
}

func TestMatchingExecutorMissingExtractionIsFatal(t *testing.T) {
	exec := NewMatching(&mockCatalog{fn: func(context.Context, catalog.MatchRequest) (*catalog.MatchResponse, error) {
		t.Fatal("client must not be called without extraction output")
		return nil, nil
	}})

	_, err := exec.Execute(context.Background(), testDoc, map[string]json.RawMessage{})
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err))
}

func TestPricingExecutorBuildsQuoteFromUpstream(t *testing.T) {
	exec := NewPricing(&mockPricing{fn: func(_ context.Context, req pricing.QuoteRequest) (*pricing.QuoteResponse, error) {
		require.Len(t, req.Lines, 1)
		assert.Equal(t, "SB-100", req.Lines[0].SKU)
		assert.Equal(t, 40.0, req.Lines[0].Quantity)
		assert.Equal(t, 120000.0, req.EstimatedRevenue)
		return &pricing.QuoteResponse{Subtotal: 62000, Contingency: 6200, GrandTotal: 68200, Currency: "USD"}, nil
	}}, 0)

	payload, err := exec.Execute(context.Background(), testDoc, baseOutputs(t))
	require.NoError(t, err)

	var result model.PricingResult
	require.NoError(t, json.Unmarshal(payload, &result))
	assert.Equal(t, 68200.0, result.GrandTotal)
}

func TestAssemblyExecutorComposesNarrative(t *testing.T) {
	outputs := baseOutputs(t)
	outputs[string(model.StagePricing)] = mustJSON(t, model.PricingResult{GrandTotal: 68200, Currency: "USD"})

	exec := NewAssembly(&mockNarrative{fn: func(_ context.Context, req narrative.ComposeRequest) (*narrative.ComposeResponse, error) {
		assert.Equal(t, "Acme Rail", req.Counterparty)
		assert.Equal(t, 68200.0, req.GrandTotal)
		return &narrative.ComposeResponse{Narrative: "Dear Acme Rail, ..."}, nil
	}})

	payload, err := exec.Execute(context.Background(), testDoc, outputs)
	require.NoError(t, err)

	var result model.AssemblyResult
	require.NoError(t, json.Unmarshal(payload, &result))
	assert.Equal(t, "Dear Acme Rail, ...", result.Narrative)
	assert.NotEmpty(t, result.DocumentURI)
}

func TestAssemblyExecutorMissingPricingIsFatal(t *testing.T) {
	exec := NewAssembly(&mockNarrative{fn: func(context.Context, narrative.ComposeRequest) (*narrative.ComposeResponse, error) {
		t.Fatal("client must not be called without pricing output")
		return nil, nil
	}})

	_, err := exec.Execute(context.Background(), testDoc, baseOutputs(t))
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err))
}

func TestDispatchExecutorSendsAssembledBid(t *testing.T) {
	outputs := baseOutputs(t)
	outputs[string(model.StageAssembly)] = mustJSON(t, model.AssemblyResult{
		Narrative:   "Dear Acme Rail, ...",
		DocumentURI: "bidflow://bids/doc-1",
	})

	exec := NewDispatch(&mockDispatch{fn: func(_ context.Context, req dispatch.SendRequest) (*dispatch.SendResponse, error) {
		assert.Equal(t, "bids@acme-rail.example", req.Recipient)
		assert.Equal(t, "Dear Acme Rail, ...", req.Body)
		return &dispatch.SendResponse{MessageID: "msg-42", Accepted: true}, nil
	}}, "bids@acme-rail.example")

	payload, err := exec.Execute(context.Background(), testDoc, outputs)
	require.NoError(t, err)

	var result model.DispatchResult
	require.NoError(t, json.Unmarshal(payload, &result))
	assert.Equal(t, "msg-42", result.MessageID)
	assert.True(t, result.Dispatched)
}
