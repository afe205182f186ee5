package stage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bidflow/internal/model"
	"github.com/sells-group/bidflow/internal/resilience"
	"github.com/sells-group/bidflow/pkg/pricing"
)

type pricingExecutor struct {
	client          pricing.Client
	contingencyRate float64
}

// NewPricing returns the executor for the final-pricing stage.
// A contingencyRate of 0 uses the client default.
func NewPricing(client pricing.Client, contingencyRate float64) Executor {
	return &pricingExecutor{client: client, contingencyRate: contingencyRate}
}

func (e *pricingExecutor) Stage() model.Stage { return model.StagePricing }

func (e *pricingExecutor) Execute(ctx context.Context, doc model.DocumentRef, outputs map[string]json.RawMessage) (json.RawMessage, error) {
	var extracted model.ExtractionResult
	if ok, err := decodeOutput(outputs, model.StageExtraction, &extracted); err != nil {
		return nil, eris.Wrap(err, "stage: decode extraction output")
	} else if !ok {
		return nil, resilience.NewFatalError(eris.Errorf("stage: pricing requires extraction output for %s", doc.ID))
	}

	var matched model.MatchResult
	if ok, err := decodeOutput(outputs, model.StageMatching, &matched); err != nil {
		return nil, eris.Wrap(err, "stage: decode match output")
	} else if !ok {
		return nil, resilience.NewFatalError(eris.Errorf("stage: pricing requires match output for %s", doc.ID))
	}

	lines := make([]pricing.QuoteLine, 0, len(matched.Matches))
	for i, m := range matched.Matches {
		qty := 0.0
		if i < len(extracted.LineItems) {
			qty = extracted.LineItems[i].Quantity
		}
		lines = append(lines, pricing.QuoteLine{
			Description: m.Description,
			SKU:         m.SKU,
			Quantity:    qty,
		})
	}

	resp, err := e.client.Quote(ctx, pricing.QuoteRequest{
		Counterparty:     extracted.Counterparty,
		Lines:            lines,
		EstimatedRevenue: matched.EstimatedRevenue,
		ContingencyRate:  e.contingencyRate,
	})
	if err != nil {
		var apiErr *pricing.APIError
		if errors.As(err, &apiErr) {
			return nil, classifyStatus(err, apiErr.StatusCode)
		}
		return nil, err
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, eris.Wrap(err, "stage: marshal pricing result")
	}
	return payload, nil
}
