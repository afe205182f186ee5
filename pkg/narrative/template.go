package narrative

import (
	"context"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

type templateClient struct{}

// NewTemplate creates a narrative client that fills a fixed template instead
// of calling the API. Used when no API key is configured.
func NewTemplate() Client {
	return templateClient{}
}

func (templateClient) Compose(_ context.Context, req ComposeRequest) (*ComposeResponse, error) {
	p := message.NewPrinter(language.English)
	var sb strings.Builder

	counterparty := req.Counterparty
	if counterparty == "" {
		counterparty = "your team"
	}

	p.Fprintf(&sb, "Dear %s, thank you for your request. ", counterparty)
	if req.RequestSummary != "" {
		p.Fprintf(&sb, "We reviewed the following scope: %s. ", strings.TrimSpace(req.RequestSummary))
	}
	if req.MatchSummary != "" {
		p.Fprintf(&sb, "Our catalog covers it as follows: %s. ", strings.TrimSpace(req.MatchSummary))
	}
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}
	p.Fprintf(&sb, "Our total bid price is %.2f %s, inclusive of testing and contingency. We look forward to working with you.", req.GrandTotal, currency)

	return &ComposeResponse{Narrative: sb.String()}, nil
}
