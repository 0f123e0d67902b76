package model

import "time"

type SyncError struct {
	ExternalID string `json:"external_id"`
	Subject    string `json:"subject"`
	Error      string `json:"error"`
}

// SyncReport summarizes one ingestion run.
type SyncReport struct {
	RunID           int64       `json:"run_id"`
	TotalFound      int         `json:"total_found"`
	Created         int         `json:"created"`
	AlreadyExisting int         `json:"already_existing"`
	Errors          []SyncError `json:"errors"`
	StartedAt       time.Time   `json:"started_at"`
	FinishedAt      time.Time   `json:"finished_at"`
}

type SyncRunStatus string

const (
	SyncRunRunning   SyncRunStatus = "running"
	SyncRunSucceeded SyncRunStatus = "succeeded"
	SyncRunFailed    SyncRunStatus = "failed"
)

// SyncRun is the persisted audit row for one ingestion run.
type SyncRun struct {
	ID              int64         `json:"id"`
	Trigger         string        `json:"trigger"`
	Status          SyncRunStatus `json:"status"`
	TotalFound      int           `json:"total_found"`
	Created         int           `json:"created"`
	AlreadyExisting int           `json:"already_existing"`
	ErrorCount      int           `json:"error_count"`
	Error           *string       `json:"error,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
}

type SyncSummary struct {
	TotalEmails  int `json:"totalEmails"`
	NewBugs      int `json:"newBugs"`
	ExistingBugs int `json:"existingBugs"`
	Errors       int `json:"errors"`
}

type SyncSurfaceError struct {
	Subject string `json:"subject"`
	Error   string `json:"error"`
}

// SyncSurface is the report shape returned to the dashboard after a manual sync.
type SyncSurface struct {
	Success bool               `json:"success"`
	Summary SyncSummary        `json:"summary"`
	Errors  []SyncSurfaceError `json:"errors"`
}

func (r *SyncReport) Surface() SyncSurface {
	errs := make([]SyncSurfaceError, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, SyncSurfaceError{Subject: e.Subject, Error: e.Error})
	}
	return SyncSurface{
		Success: true,
		Summary: SyncSummary{
			TotalEmails:  r.TotalFound,
			NewBugs:      r.Created,
			ExistingBugs: r.AlreadyExisting,
			Errors:       len(r.Errors),
		},
		Errors: errs,
	}
}
