package model

import "time"

// BatchStatus represents the lifecycle state of a batch. Transitions are
// monotonic: processing → ranking → pricing → completed.
type BatchStatus string

const (
	BatchProcessing BatchStatus = "processing"
	BatchRanking    BatchStatus = "ranking"
	BatchPricing    BatchStatus = "pricing"
	BatchCompleted  BatchStatus = "completed"
)

// Batch groups sessions submitted together for comparative ranking.
// SessionIDs preserve submission order.
type Batch struct {
	ID                 string      `json:"id"`
	SessionIDs         []string    `json:"session_ids"`
	TotalCount         int         `json:"total_count"`
	CompletedCount     int         `json:"completed_count"`
	FailedCount        int         `json:"failed_count"`
	Status             BatchStatus `json:"status"`
	SelectedSessionID  string      `json:"selected_session_id,omitempty"`
	SelectionReasoning string      `json:"selection_reasoning,omitempty"`
	Scores             []Score     `json:"scores,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Score is a ranking record for one session within a batch. Sub-scores are
// normalized to 0-100 before weighting; Total is the weighted sum rounded to
// two decimal places. Rank 1 is best. Scores are derived data: a ranking
// rerun overwrites them.
type Score struct {
	SessionID string    `json:"session_id"`
	BatchID   string    `json:"batch_id"`
	SpecMatch float64   `json:"spec_match"`
	Margin    float64   `json:"margin"`
	Capacity  float64   `json:"capacity"`
	Priority  float64   `json:"priority"`
	Total     float64   `json:"total"`
	Rank      int       `json:"rank"`
	CreatedAt time.Time `json:"created_at"`
}
