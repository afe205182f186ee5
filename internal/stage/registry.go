package stage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/bidflow/internal/model"
	"github.com/sells-group/bidflow/internal/resilience"
)

// Registry maps work stages to their executors and enforces a shared rate
// limit plus a per-call timeout across all collaborator calls.
type Registry struct {
	executors map[model.Stage]Executor
	limiter   *rate.Limiter
	timeout   time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRateLimit caps collaborator calls at n per second with the given burst.
func WithRateLimit(n float64, burst int) RegistryOption {
	return func(r *Registry) {
		r.limiter = rate.NewLimiter(rate.Limit(n), burst)
	}
}

// WithTimeout sets the per-call stage timeout.
func WithTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.timeout = d
	}
}

// NewRegistry builds a registry from the given executors. Later executors
// for the same stage replace earlier ones.
func NewRegistry(executors []Executor, opts ...RegistryOption) *Registry {
	r := &Registry{
		executors: make(map[model.Stage]Executor, len(executors)),
		limiter:   rate.NewLimiter(rate.Limit(10), 20),
		timeout:   120 * time.Second,
	}
	for _, e := range executors {
		r.executors[e.Stage()] = e
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Has reports whether an executor is registered for the stage.
func (r *Registry) Has(st model.Stage) bool {
	_, ok := r.executors[st]
	return ok
}

// Run executes the stage's collaborator call under the shared rate limit and
// per-call timeout. A missing executor is a fatal, non-retryable condition.
func (r *Registry) Run(ctx context.Context, st model.Stage, doc model.DocumentRef, outputs map[string]json.RawMessage) (json.RawMessage, error) {
	exec, ok := r.executors[st]
	if !ok {
		return nil, resilience.NewFatalError(eris.Errorf("stage: no executor registered for %s", st))
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrapf(err, "stage: rate limit wait for %s", st)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	payload, err := exec.Execute(callCtx, doc, outputs)
	elapsed := time.Since(start)

	if err != nil {
		zap.L().Warn("stage call failed",
			zap.String("stage", string(st)),
			zap.String("document", doc.ID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return nil, err
	}

	zap.L().Debug("stage call completed",
		zap.String("stage", string(st)),
		zap.String("document", doc.ID),
		zap.Duration("elapsed", elapsed),
	)
	return payload, nil
}
