package narrative

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 2048
)

const systemPrompt = `You are a proposal writer for an industrial supplier. Given a
summary of the counterparty's request, the catalog match results, and the
final cost breakdown, write a concise professional bid narrative. Address the
counterparty directly, reference the matched products, and close with the
grand total. Plain prose only, no markdown.`

// Client generates the bid narrative for an assembled proposal.
type Client interface {
	Compose(ctx context.Context, req ComposeRequest) (*ComposeResponse, error)
}

// ComposeRequest carries the upstream stage results the narrative draws on.
type ComposeRequest struct {
	Counterparty   string
	RequestSummary string
	MatchSummary   string
	GrandTotal     float64
	Currency       string
}

// ComposeResponse is the generated narrative.
type ComposeResponse struct {
	Narrative    string
	InputTokens  int64
	OutputTokens int64
}

// Option configures the client.
type Option func(*sdkClient)

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *sdkClient) {
		c.model = model
	}
}

// WithMaxTokens overrides the default completion budget.
func WithMaxTokens(n int64) Option {
	return func(c *sdkClient) {
		c.maxTokens = n
	}
}

// WithBaseURL overrides the API base URL; used by tests.
func WithBaseURL(url string) Option {
	return func(c *sdkClient) {
		c.requestOpts = append(c.requestOpts, option.WithBaseURL(url))
	}
}

type sdkClient struct {
	client      sdk.Client
	model       string
	maxTokens   int64
	requestOpts []option.RequestOption
}

// NewClient creates a narrative client backed by the Anthropic SDK.
func NewClient(apiKey string, opts ...Option) Client {
	c := &sdkClient{
		model:     defaultModel,
		maxTokens: defaultMaxTokens,
	}
	for _, o := range opts {
		o(c)
	}
	c.requestOpts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, c.requestOpts...)
	c.client = sdk.NewClient(c.requestOpts...)
	return c
}

func (c *sdkClient) Compose(ctx context.Context, req ComposeRequest) (*ComposeResponse, error) {
	prompt := fmt.Sprintf(
		"Counterparty: %s\n\nRequest summary:\n%s\n\nCatalog match summary:\n%s\n\nFinal price: %.2f %s\n",
		req.Counterparty, req.RequestSummary, req.MatchSummary, req.GrandTotal, req.Currency,
	)

	msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		System: []sdk.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "narrative: create message")
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return nil, eris.New("narrative: empty completion")
	}

	return &ComposeResponse{
		Narrative:    text,
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}
