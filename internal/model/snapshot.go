package model

import "time"

// Bounds applied to every persisted snapshot regardless of what the
// provider returned.
const (
	ScoreMin = 0
	ScoreMax = 100

	// NeutralScore is used when the provider output is missing or unusable.
	NeutralScore = 50

	MaxReasoningLen  = 1000
	MaxActionLen     = 500
	MaxKeySignals    = 10
	MaxKeySignalLen  = 200
)

// AccountData is the bounded recent-activity view the scoring engine
// consumes. Window slices are capped; Total* counts include interactions
// excluded from the windows (e.g., records without timestamps).
type AccountData struct {
	AccountID     string
	AccountName   string
	Emails        []InteractionRecord
	Calls         []InteractionRecord
	Opportunities []Opportunity
	Activities    []Activity

	TotalEmails     int
	TotalCalls      int
	LastInteraction *time.Time
}

// AccountScoreSnapshot is one scored row per (account, date). Rows are
// written fresh per run and never mutated afterwards; "latest score" is a
// max-date selection over the history.
type AccountScoreSnapshot struct {
	AccountID           string     `json:"account_id"`
	ScoreDate           time.Time  `json:"score_date"`
	PriorityScore       int        `json:"priority_score"`
	BudgetLikelihood    int        `json:"budget_likelihood"`
	EngagementScore     int        `json:"engagement_score"`
	Reasoning           string     `json:"reasoning"`
	RecommendedAction   string     `json:"recommended_action"`
	KeySignals          []string   `json:"key_signals"`
	LastInteractionDate *time.Time `json:"last_interaction_date,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}
