package model

import "time"

// MatchMethod records how an interaction was resolved to a contact.
type MatchMethod string

const (
	MatchExactEmail MatchMethod = "exact_email"
	MatchExactPhone MatchMethod = "exact_phone"
	MatchFuzzy      MatchMethod = "fuzzy"
	MatchManual     MatchMethod = "manual"
	MatchUnmatched  MatchMethod = "unmatched"
)

// Match is the output of entity resolution for one interaction record.
// At most one Match exists per interaction (upsert keyed by InteractionID).
type Match struct {
	InteractionID string      `json:"interaction_id"`
	ContactID     *string     `json:"contact_id,omitempty"`
	AccountID     *string     `json:"account_id,omitempty"`
	Method        MatchMethod `json:"method"`
	Confidence    float64     `json:"confidence"`
	Note          string      `json:"note,omitempty"`
	MatchedAt     time.Time   `json:"matched_at"`
}

// Resolved reports whether the match points at a contact.
func (m Match) Resolved() bool {
	return m.ContactID != nil && m.Method != MatchUnmatched
}

// Sticky reports whether the match must not be replaced by a weaker
// result on re-run (without an explicit force).
func (m Match) Sticky() bool {
	switch m.Method {
	case MatchExactEmail, MatchExactPhone, MatchManual:
		return true
	}
	return false
}
