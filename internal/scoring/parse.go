package scoring

import (
	"encoding/json"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sells-group/sales-pipeline/internal/model"
)

// parseScores turns a completion into a snapshot for the given account
// and date. Every field degrades independently: a missing or non-numeric
// score becomes NeutralScore, out-of-range values clamp, text fields
// truncate. Only a completion with no parseable JSON at all produces
// the full fallback snapshot.
func parseScores(text, accountID string, scoreDate time.Time, lastInteraction *time.Time) (model.AccountScoreSnapshot, bool) {
	text = cleanJSON(text)

	var raw struct {
		PriorityScore     json.RawMessage `json:"priority_score"`
		BudgetLikelihood  json.RawMessage `json:"budget_likelihood"`
		EngagementScore   json.RawMessage `json:"engagement_score"`
		Reasoning         string          `json:"reasoning"`
		RecommendedAction string          `json:"recommended_action"`
		KeySignals        []string        `json:"key_signals"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return fallbackSnapshot(accountID, scoreDate, lastInteraction), false
	}

	snap := model.AccountScoreSnapshot{
		AccountID:           accountID,
		ScoreDate:           scoreDate,
		PriorityScore:       coerceScore(raw.PriorityScore),
		BudgetLikelihood:    coerceScore(raw.BudgetLikelihood),
		EngagementScore:     coerceScore(raw.EngagementScore),
		Reasoning:           truncate(strings.TrimSpace(raw.Reasoning), model.MaxReasoningLen),
		RecommendedAction:   truncate(strings.TrimSpace(raw.RecommendedAction), model.MaxActionLen),
		KeySignals:          boundSignals(raw.KeySignals),
		LastInteractionDate: lastInteraction,
		CreatedAt:           time.Now().UTC(),
	}
	return snap, true
}

// fallbackSnapshot is the neutral snapshot stored when the provider's
// output is unusable. Scores are NeutralScore so downstream sorting
// neither buries nor promotes the account.
func fallbackSnapshot(accountID string, scoreDate time.Time, lastInteraction *time.Time) model.AccountScoreSnapshot {
	return model.AccountScoreSnapshot{
		AccountID:           accountID,
		ScoreDate:           scoreDate,
		PriorityScore:       model.NeutralScore,
		BudgetLikelihood:    model.NeutralScore,
		EngagementScore:     model.NeutralScore,
		Reasoning:           "scoring output could not be parsed",
		RecommendedAction:   "review account manually",
		LastInteractionDate: lastInteraction,
		CreatedAt:           time.Now().UTC(),
	}
}

// coerceScore accepts a number or a numeric string and clamps it into
// the score range. Anything else is NeutralScore.
func coerceScore(raw json.RawMessage) int {
	if len(raw) == 0 {
		return model.NeutralScore
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return model.NeutralScore
		}
		if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &f); err != nil {
			return model.NeutralScore
		}
	}
	if math.IsNaN(f) {
		return model.NeutralScore
	}
	// Clamp before converting; float-to-int conversion of values
	// outside the int range is unspecified.
	if f < float64(model.ScoreMin) {
		f = float64(model.ScoreMin)
	}
	if f > float64(model.ScoreMax) {
		f = float64(model.ScoreMax)
	}
	return int(f + 0.5)
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func boundSignals(signals []string) []string {
	if len(signals) > model.MaxKeySignals {
		signals = signals[:model.MaxKeySignals]
	}
	out := make([]string, 0, len(signals))
	for _, s := range signals {
		s = truncate(strings.TrimSpace(s), model.MaxKeySignalLen)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// cleanJSON strips markdown code fences and any prose around the first
// JSON object in a completion.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
