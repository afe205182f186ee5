package model

// Typed shapes of the collaborator stage payloads. The coordinator stores
// them opaquely in stage_outputs and decodes them only at the selector and
// report boundaries.

// LineItem is one requested product line extracted from the proposal.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	Unit        string  `json:"unit"`
}

// ExtractionResult is the extraction collaborator's output.
type ExtractionResult struct {
	Counterparty      string            `json:"counterparty"`
	LineItems         []LineItem        `json:"line_items"`
	RequestedQuantity float64           `json:"requested_quantity"`
	Specs             map[string]string `json:"specs"`
	Summary           string            `json:"summary"`
}

// LineMatch is one catalog match for a requested line item.
type LineMatch struct {
	Description  string  `json:"description"`
	SKU          string  `json:"sku"`
	MatchPercent float64 `json:"match_percent"`
}

// MatchResult is the catalog matching collaborator's output, including the
// pricing-estimation figures the scorer consumes.
type MatchResult struct {
	Matches           []LineMatch `json:"matches"`
	EstimatedRevenue  float64     `json:"estimated_revenue"`
	AssumedCostRatio  float64     `json:"assumed_cost_ratio"`
	AvailableCapacity float64     `json:"available_capacity"`
	Summary           string      `json:"summary"`
}

// CostLine is one material or testing cost entry.
type CostLine struct {
	Label    string  `json:"label"`
	Quantity float64 `json:"quantity"`
	Total    float64 `json:"total"`
}

// PricingResult is the final-pricing collaborator's output.
type PricingResult struct {
	MaterialCosts []CostLine `json:"material_costs"`
	TestingCosts  []CostLine `json:"testing_costs"`
	Subtotal      float64    `json:"subtotal"`
	Contingency   float64    `json:"contingency"`
	GrandTotal    float64    `json:"grand_total"`
	Currency      string     `json:"currency"`
}

// AssemblyResult is the document-assembly collaborator's output.
type AssemblyResult struct {
	Narrative   string `json:"narrative"`
	DocumentURI string `json:"document_uri,omitempty"`
}

// DispatchResult records the dispatch collaborator's acknowledgement.
type DispatchResult struct {
	Recipient  string `json:"recipient"`
	MessageID  string `json:"message_id"`
	Dispatched bool   `json:"dispatched"`
}

// StageError is the reserved payload recorded under ErrorOutputKey when a
// session fails a stage.
type StageError struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
	Final   bool   `json:"final"`
}
