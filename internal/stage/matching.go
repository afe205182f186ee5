package stage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bidflow/internal/model"
	"github.com/sells-group/bidflow/internal/resilience"
	"github.com/sells-group/bidflow/pkg/catalog"
)

type matchingExecutor struct {
	client catalog.Client
}

// NewMatching returns the executor for the catalog-matching stage.
func NewMatching(client catalog.Client) Executor {
	return &matchingExecutor{client: client}
}

func (e *matchingExecutor) Stage() model.Stage { return model.StageMatching }

func (e *matchingExecutor) Execute(ctx context.Context, doc model.DocumentRef, outputs map[string]json.RawMessage) (json.RawMessage, error) {
	var extracted model.ExtractionResult
	ok, err := decodeOutput(outputs, model.StageExtraction, &extracted)
	if err != nil {
		return nil, eris.Wrap(err, "stage: decode extraction output")
	}
	if !ok {
		return nil, resilience.NewFatalError(eris.Errorf("stage: matching requires extraction output for %s", doc.ID))
	}

	lines := make([]catalog.RequestedLine, len(extracted.LineItems))
	for i, li := range extracted.LineItems {
		lines[i] = catalog.RequestedLine{
			Description: li.Description,
			Quantity:    li.Quantity,
			Unit:        li.Unit,
			Specs:       extracted.Specs,
		}
	}

	resp, err := e.client.Match(ctx, catalog.MatchRequest{
		Counterparty:      extracted.Counterparty,
		Lines:             lines,
		RequestedQuantity: extracted.RequestedQuantity,
	})
	if err != nil {
		var apiErr *catalog.APIError
		if errors.As(err, &apiErr) {
			return nil, classifyStatus(err, apiErr.StatusCode)
		}
		return nil, err
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, eris.Wrap(err, "stage: marshal match result")
	}
	return payload, nil
}
