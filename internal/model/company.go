package model

import "time"

// CINStatus is the lifecycle of a company's corporate-identifier lookup.
type CINStatus string

const (
	CINStatusPending         CINStatus = "pending"
	CINStatusFound           CINStatus = "found"
	CINStatusNotFound        CINStatus = "not_found"
	CINStatusMultipleMatches CINStatus = "multiple_matches"
	CINStatusNoResults       CINStatus = "no_results"
	CINStatusError           CINStatus = "error"
)

// Company is a rated entity. Name is unique in the store; the row is created
// on first sight of a rating for that name.
type Company struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	AirtableRecordID string    `json:"airtable_record_id,omitempty"`
	CIN              string    `json:"cin,omitempty"`
	CINStatus        CINStatus `json:"cin_status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NeedsCINLookup reports whether an identifier lookup should be scheduled.
// Terminal lookups (found, not_found, multiple_matches, no_results) are
// never retried automatically; errored lookups are.
func (c *Company) NeedsCINLookup() bool {
	return c.CINStatus == CINStatusPending || c.CINStatus == CINStatusError || c.CINStatus == ""
}
