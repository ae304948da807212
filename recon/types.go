package recon

import "time"

type TriggerSyncRequest struct {
	Entities    []string `json:"entities"`
	TriggeredBy string   `json:"triggeredBy"`
}

type TriggerSyncResponse struct {
	RunId  uint   `json:"runId"`
	Status string `json:"status"`
}

type SyncRunResponse struct {
	ID            uint    `json:"id"`
	Status        string  `json:"status"`
	TriggeredBy   string  `json:"triggeredBy"`
	StartedAt     *string `json:"startedAt"`
	FinishedAt    *string `json:"finishedAt"`
	DurationMs    int64   `json:"durationMs"`
	RecordsLoaded int     `json:"recordsLoaded"`
	ErrorCount    int     `json:"errorCount"`
	ParentRunId   *uint   `json:"parentRunId,omitempty"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Outcomes []EntityOutcome     `json:"outcomes,omitempty"`
	Errors   []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	EntityType string `json:"entityType"`
	SourceTag  string `json:"sourceTag"`
	NaturalKey string `json:"naturalKey"`
	ErrorCode  string `json:"errorCode"`
	Message    string `json:"message"`
	Fatal      bool   `json:"fatal"`
	Retryable  bool   `json:"retryable"`
}

type SyncStateResponse struct {
	EntityType            string  `json:"entityType"`
	LastCutoff            *string `json:"lastCutoff"`
	FullResyncRecommended bool    `json:"fullResyncRecommended"`
}

type ReconciledRowsResponse struct {
	EntityType string         `json:"entityType"`
	Stats      ReconcileStats `json:"stats"`
	Rows       []Row          `json:"rows"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
