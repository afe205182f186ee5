package stage

import (
	"context"
	"encoding/json"

	"github.com/sells-group/bidflow/internal/model"
)

// Executor runs one work stage by delegating to a collaborator service.
// Execute receives the validated document reference and the outputs of all
// prior stages; it returns the payload to record under the stage's key.
type Executor interface {
	Stage() model.Stage
	Execute(ctx context.Context, doc model.DocumentRef, outputs map[string]json.RawMessage) (json.RawMessage, error)
}

// ExecFunc is a function form of the Execute method.
type ExecFunc func(ctx context.Context, doc model.DocumentRef, outputs map[string]json.RawMessage) (json.RawMessage, error)

type funcExecutor struct {
	stage model.Stage
	fn    ExecFunc
}

// NewFunc adapts a function to an Executor; used by tests and stubs.
func NewFunc(st model.Stage, fn ExecFunc) Executor {
	return &funcExecutor{stage: st, fn: fn}
}

func (f *funcExecutor) Stage() model.Stage { return f.stage }

func (f *funcExecutor) Execute(ctx context.Context, doc model.DocumentRef, outputs map[string]json.RawMessage) (json.RawMessage, error) {
	return f.fn(ctx, doc, outputs)
}

// decodeOutput unmarshals a prior stage's payload into v. Returns false when
// the stage has no recorded output.
func decodeOutput(outputs map[string]json.RawMessage, st model.Stage, v any) (bool, error) {
	raw, ok := outputs[string(st)]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}
