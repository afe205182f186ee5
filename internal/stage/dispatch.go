package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bidflow/internal/model"
	"github.com/sells-group/bidflow/internal/resilience"
	"github.com/sells-group/bidflow/pkg/dispatch"
)

type dispatchExecutor struct {
	client    dispatch.Client
	recipient string
}

// NewDispatch returns the executor for the final dispatch step. When the
// configured recipient is empty the counterparty name from extraction is
// used to derive one.
func NewDispatch(client dispatch.Client, recipient string) Executor {
	return &dispatchExecutor{client: client, recipient: recipient}
}

func (e *dispatchExecutor) Stage() model.Stage { return model.StageDispatched }

func (e *dispatchExecutor) Execute(ctx context.Context, doc model.DocumentRef, outputs map[string]json.RawMessage) (json.RawMessage, error) {
	var extracted model.ExtractionResult
	if ok, err := decodeOutput(outputs, model.StageExtraction, &extracted); err != nil {
		return nil, eris.Wrap(err, "stage: decode extraction output")
	} else if !ok {
		return nil, resilience.NewFatalError(eris.Errorf("stage: dispatch requires extraction output for %s", doc.ID))
	}

	var assembled model.AssemblyResult
	if ok, err := decodeOutput(outputs, model.StageAssembly, &assembled); err != nil {
		return nil, eris.Wrap(err, "stage: decode assembly output")
	} else if !ok {
		return nil, resilience.NewFatalError(eris.Errorf("stage: dispatch requires assembly output for %s", doc.ID))
	}

	recipient := e.recipient
	if recipient == "" {
		recipient = fmt.Sprintf("bids@%s", doc.ID)
	}

	resp, err := e.client.Send(ctx, dispatch.SendRequest{
		Recipient:   recipient,
		Subject:     fmt.Sprintf("Bid: %s", doc.Name),
		Body:        assembled.Narrative,
		DocumentURI: assembled.DocumentURI,
	})
	if err != nil {
		var apiErr *dispatch.APIError
		if errors.As(err, &apiErr) {
			return nil, classifyStatus(err, apiErr.StatusCode)
		}
		return nil, err
	}

	result := model.DispatchResult{
		Recipient:  recipient,
		MessageID:  resp.MessageID,
		Dispatched: resp.Accepted,
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, eris.Wrap(err, "stage: marshal dispatch result")
	}
	return payload, nil
}
