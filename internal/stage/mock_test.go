package stage

import (
	"context"

	"github.com/sells-group/bidflow/pkg/catalog"
	"github.com/sells-group/bidflow/pkg/dispatch"
	"github.com/sells-group/bidflow/pkg/extraction"
	"github.com/sells-group/bidflow/pkg/narrative"
	"github.com/sells-group/bidflow/pkg/pricing"
)

type mockExtraction struct {
	fn func(ctx context.Context, req extraction.ExtractRequest) (*extraction.ExtractResponse, error)
}

func (m *mockExtraction) Extract(ctx context.Context, req extraction.ExtractRequest) (*extraction.ExtractResponse, error) {
	return m.fn(ctx, req)
}

type mockCatalog struct {
	fn func(ctx context.Context, req catalog.MatchRequest) (*catalog.MatchResponse, error)
}

func (m *mockCatalog) Match(ctx context.Context, req catalog.MatchRequest) (*catalog.MatchResponse, error) {
	return m.fn(ctx, req)
}

type mockPricing struct {
	fn func(ctx context.Context, req pricing.QuoteRequest) (*pricing.QuoteResponse, error)
}

func (m *mockPricing) Quote(ctx context.Context, req pricing.QuoteRequest) (*pricing.QuoteResponse, error) {
	return m.fn(ctx, req)
}

type mockNarrative struct {
	fn func(ctx context.Context, req narrative.ComposeRequest) (*narrative.ComposeResponse, error)
}

func (m *mockNarrative) Compose(ctx context.Context, req narrative.ComposeRequest) (*narrative.ComposeResponse, error) {
	return m.fn(ctx, req)
}

type mockDispatch struct {
	fn func(ctx context.Context, req dispatch.SendRequest) (*dispatch.SendResponse, error)
}

func (m *mockDispatch) Send(ctx context.Context, req dispatch.SendRequest) (*dispatch.SendResponse, error) {
	return m.fn(ctx, req)
}
