package reporting

import "time"

// TimeRange filters records by creation time. A zero bound is open.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type SummaryRequest struct {
	Range TimeRange `json:"range"`
}

// Summary aggregates call records by their visible state.
type Summary struct {
	Range TimeRange `json:"range"`

	TotalRecords int            `json:"total_records"`
	ByState      map[string]int `json:"by_state"`

	AwaitingStart int `json:"awaiting_start"`
	InProgress    int `json:"in_progress"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`

	// Failed starts that were retried, summed over all records.
	StartRetries int `json:"start_retries"`

	// CompletionRate is completed / (completed + failed), 0 when nothing finished.
	CompletionRate float64 `json:"completion_rate"`

	GeneratedAt time.Time `json:"generated_at"`
}
