// Package model defines the warehouse record types shared across the pipeline.
package model

import "time"

// SourceSystem identifies the upstream system an interaction came from.
type SourceSystem string

const (
	SourceGmail      SourceSystem = "gmail"
	SourceSalesforce SourceSystem = "salesforce"
	SourceDialpad    SourceSystem = "dialpad"
	SourceHubSpot    SourceSystem = "hubspot"
)

// InteractionKind distinguishes email threads from phone calls.
type InteractionKind string

const (
	InteractionEmail InteractionKind = "email"
	InteractionCall  InteractionKind = "call"
)

// InteractionRecord is one communication event from an upstream source.
// Records are append-only; the matcher fills ContactID, nothing else
// mutates them.
type InteractionRecord struct {
	ID           string          `json:"id"`
	Source       SourceSystem    `json:"source"`
	Kind         InteractionKind `json:"kind"`
	Participants []string        `json:"participants"`
	OccurredAt   *time.Time      `json:"occurred_at,omitempty"`
	Content      string          `json:"content,omitempty"`
	ContactID    *string         `json:"contact_id,omitempty"`
}

// Contact is a system-of-record entity mirrored read-only into the
// warehouse. Identifier lists hold normalized values from the CRM sync.
type Contact struct {
	ID          string   `json:"id"`
	AccountID   string   `json:"account_id"`
	DisplayName string   `json:"display_name"`
	Emails      []string `json:"emails"`
	Phones      []string `json:"phones"`
}

// Opportunity is an open-pipeline entry mirrored from the CRM.
type Opportunity struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	Name      string     `json:"name"`
	Stage     string     `json:"stage"`
	Amount    *float64   `json:"amount,omitempty"`
	CloseDate *time.Time `json:"close_date,omitempty"`
	Open      bool       `json:"open"`
}

// Activity is a CRM activity (task, meeting, note) mirrored read-only.
type Activity struct {
	ID         string     `json:"id"`
	AccountID  string     `json:"account_id"`
	Type       string     `json:"type"`
	Subject    string     `json:"subject"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}
