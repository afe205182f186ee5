package stage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bidflow/internal/model"
	"github.com/sells-group/bidflow/internal/resilience"
	"github.com/sells-group/bidflow/pkg/extraction"
)

// classifyStatus maps an HTTP status from a collaborator into the retry
// taxonomy: retryable server-side statuses become transient, everything
// else is fatal.
func classifyStatus(err error, status int) error {
	if resilience.IsTransientHTTPStatus(status) {
		return resilience.NewTransientError(err, status)
	}
	return resilience.NewFatalError(err)
}

type extractionExecutor struct {
	client extraction.Client
}

// NewExtraction returns the executor for the extraction stage.
func NewExtraction(client extraction.Client) Executor {
	return &extractionExecutor{client: client}
}

func (e *extractionExecutor) Stage() model.Stage { return model.StageExtraction }

func (e *extractionExecutor) Execute(ctx context.Context, doc model.DocumentRef, _ map[string]json.RawMessage) (json.RawMessage, error) {
	resp, err := e.client.Extract(ctx, extraction.ExtractRequest{
		DocumentID:   doc.ID,
		DocumentName: doc.Name,
		DocumentURI:  doc.URI,
	})
	if err != nil {
		var apiErr *extraction.APIError
		if errors.As(err, &apiErr) {
			return nil, classifyStatus(err, apiErr.StatusCode)
		}
		return nil, err
	}

	if len(resp.LineItems) == 0 {
		return nil, resilience.NewFatalError(eris.Errorf("stage: no line items extracted from %s", doc.ID))
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, eris.Wrap(err, "stage: marshal extraction result")
	}
	return payload, nil
}
