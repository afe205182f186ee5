package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bidflow/internal/model"
	"github.com/sells-group/bidflow/internal/resilience"
	"github.com/sells-group/bidflow/pkg/narrative"
)

type assemblyExecutor struct {
	client narrative.Client
}

// NewAssembly returns the executor for the document-assembly stage. The
// narrative client composes the bid text from the upstream stage results.
func NewAssembly(client narrative.Client) Executor {
	return &assemblyExecutor{client: client}
}

func (e *assemblyExecutor) Stage() model.Stage { return model.StageAssembly }

func (e *assemblyExecutor) Execute(ctx context.Context, doc model.DocumentRef, outputs map[string]json.RawMessage) (json.RawMessage, error) {
	var extracted model.ExtractionResult
	if ok, err := decodeOutput(outputs, model.StageExtraction, &extracted); err != nil {
		return nil, eris.Wrap(err, "stage: decode extraction output")
	} else if !ok {
		return nil, resilience.NewFatalError(eris.Errorf("stage: assembly requires extraction output for %s", doc.ID))
	}

	var matched model.MatchResult
	if ok, err := decodeOutput(outputs, model.StageMatching, &matched); err != nil {
		return nil, eris.Wrap(err, "stage: decode match output")
	} else if !ok {
		return nil, resilience.NewFatalError(eris.Errorf("stage: assembly requires match output for %s", doc.ID))
	}

	var priced model.PricingResult
	if ok, err := decodeOutput(outputs, model.StagePricing, &priced); err != nil {
		return nil, eris.Wrap(err, "stage: decode pricing output")
	} else if !ok {
		return nil, resilience.NewFatalError(eris.Errorf("stage: assembly requires pricing output for %s", doc.ID))
	}

	resp, err := e.client.Compose(ctx, narrative.ComposeRequest{
		Counterparty:   extracted.Counterparty,
		RequestSummary: extracted.Summary,
		MatchSummary:   matched.Summary,
		GrandTotal:     priced.GrandTotal,
		Currency:       priced.Currency,
	})
	if err != nil {
		return nil, err
	}

	result := model.AssemblyResult{
		Narrative:   resp.Narrative,
		DocumentURI: fmt.Sprintf("bidflow://bids/%s", doc.ID),
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, eris.Wrap(err, "stage: marshal assembly result")
	}
	return payload, nil
}
