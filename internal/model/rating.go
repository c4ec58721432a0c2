package model

import "time"

// NotFound is the sentinel stored for fields the extractor could not locate
// in a press-release block. It is a real value, not an absence marker: it is
// persisted and mirrored as-is.
const NotFound = "Not found"

// SyncState tracks a rating's mirror status in the system of record.
type SyncState string

const (
	SyncStateUnsynced SyncState = "unsynced"
	SyncStateSynced   SyncState = "synced"
	SyncStateFailed   SyncState = "failed"
)

// Rating is one extracted rating-action disclosure. The quadruple
// (CompanyName, Instrument, Rating, RatingDate) identifies a record for
// deduplication purposes.
type Rating struct {
	ID               int64      `json:"id"`
	CompanyID        int64      `json:"company_id,omitempty"`
	CompanyName      string     `json:"company_name"`
	Instrument       string     `json:"instrument"`
	Rating           string     `json:"rating"`
	Outlook          string     `json:"outlook"`
	Amount           string     `json:"amount"`
	RawDate          string     `json:"raw_date"`
	RatingDate       time.Time  `json:"rating_date"`
	SourceURL        string     `json:"source_url"`
	JobID            string     `json:"job_id"`
	AirtableRecordID string     `json:"airtable_record_id,omitempty"`
	UploadedAt       *time.Time `json:"uploaded_at,omitempty"`
	SyncFailed       bool       `json:"sync_failed"`
	SyncError        string     `json:"sync_error,omitempty"`
}

// SyncState derives the rating's mirror status from its persisted fields.
func (r *Rating) SyncState() SyncState {
	switch {
	case r.SyncFailed:
		return SyncStateFailed
	case r.AirtableRecordID != "":
		return SyncStateSynced
	default:
		return SyncStateUnsynced
	}
}

// DedupKey returns the identity quadruple used by the store's unique index.
type DedupKey struct {
	CompanyName string
	Instrument  string
	Rating      string
	RatingDate  time.Time
}

// Key returns the rating's dedup identity.
func (r *Rating) Key() DedupKey {
	return DedupKey{
		CompanyName: r.CompanyName,
		Instrument:  r.Instrument,
		Rating:      r.Rating,
		RatingDate:  r.RatingDate,
	}
}
