package persistence

import (
	"encoding/json"
	"time"
)

// RunSummary is the queryable slice of a run row, without the state blob.
type RunSummary struct {
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	RunID             string    `json:"run_id"`
	Status            string    `json:"status"`
	CurrentStage      string    `json:"current_stage"`
	PhenotypeCategory string    `json:"phenotype_category,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	Confidence        float64   `json:"confidence"`
	Iteration         int       `json:"iteration"`
}

// FeedbackRecord is one exported reviewer decision. Decision holds the raw
// decision-record JSON as submitted.
type FeedbackRecord struct {
	CreatedAt    time.Time       `json:"created_at"`
	RunID        string          `json:"run_id"`
	CheckpointID string          `json:"checkpoint_id"`
	Assessment   string          `json:"assessment"`
	Decision     json.RawMessage `json:"decision"`
	ID           int64           `json:"id"`
}

// RunFilter narrows ListRuns. Zero values mean no filtering.
type RunFilter struct {
	Status string
	Limit  int
}
