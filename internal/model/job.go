package model

import "time"

// JobStatus is the lifecycle of a scrape/sync job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobCounters accumulates per-job outcome totals. Parent jobs hold sums of
// their sub-jobs' counters.
type JobCounters struct {
	TotalExtracted          int `json:"total_extracted"`
	NewRecords              int `json:"new_records"`
	DuplicateRecordsSkipped int `json:"duplicate_records_skipped"`
	CompaniesCreated        int `json:"companies_created"`
	RatingsCreated          int `json:"ratings_created"`
	UploadedToAirtable      int `json:"uploaded_to_airtable"`
	SyncFailures            int `json:"sync_failures"`
}

// Add accumulates another counter set into this one.
func (c *JobCounters) Add(o JobCounters) {
	c.TotalExtracted += o.TotalExtracted
	c.NewRecords += o.NewRecords
	c.DuplicateRecordsSkipped += o.DuplicateRecordsSkipped
	c.CompaniesCreated += o.CompaniesCreated
	c.RatingsCreated += o.RatingsCreated
	c.UploadedToAirtable += o.UploadedToAirtable
	c.SyncFailures += o.SyncFailures
}

// JobError is one recorded failure on a job. Trace carries the wrapped
// error chain, not a goroutine stack.
type JobError struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Trace     string    `json:"trace,omitempty"`
}

// Job is a tracked unit of orchestrated work. A parent job over a large date
// range carries sub-job ids; its counters and progress are aggregates.
type Job struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Status      JobStatus   `json:"status"`
	Progress    int         `json:"progress"`
	Message     string      `json:"message,omitempty"`
	StartDate   string      `json:"start_date,omitempty"`
	EndDate     string      `json:"end_date,omitempty"`
	Counters    JobCounters `json:"counters"`
	Errors      []JobError  `json:"errors,omitempty"`
	ParentID    string      `json:"parent_id,omitempty"`
	SubJobIDs   []string    `json:"sub_job_ids,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Job type names used by the orchestrator.
const (
	JobTypeScrapeRange = "scrape_range"
	JobTypeScrapeChunk = "scrape_chunk"
	JobTypeResync      = "resync"
	JobTypeCINLookup   = "cin_lookup"
)
