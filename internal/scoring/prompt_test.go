package scoring

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/sales-pipeline/internal/model"
)

func sampleAccountData() *model.AccountData {
	occurred := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	amount := 50000.0
	closeDate := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	return &model.AccountData{
		AccountID:   "acct-1",
		AccountName: "Acme Corp",
		Emails: []model.InteractionRecord{
			{ID: "e1", Source: model.SourceGmail, Kind: model.InteractionEmail,
				OccurredAt: &occurred, Content: "Following up on the proposal."},
		},
		Calls: []model.InteractionRecord{
			{ID: "c1", Source: model.SourceDialpad, Kind: model.InteractionCall,
				OccurredAt: &occurred, Content: "Discussed rollout timeline."},
		},
		Opportunities: []model.Opportunity{
			{ID: "o1", AccountID: "acct-1", Name: "Acme Expansion", Stage: "Negotiation",
				Amount: &amount, CloseDate: &closeDate, Open: true},
		},
		Activities: []model.Activity{
			{ID: "a1", AccountID: "acct-1", Type: "meeting", Subject: "QBR", OccurredAt: &occurred},
		},
		TotalEmails:     12,
		TotalCalls:      4,
		LastInteraction: &occurred,
	}
}

func TestBuildPromptIncludesAllSections(t *testing.T) {
	prompt := buildPrompt(sampleAccountData(), 16384)

	assert.Contains(t, prompt, "Acme Corp")
	assert.Contains(t, prompt, "Total emails: 12 (showing 1 most recent)")
	assert.Contains(t, prompt, "Total calls: 4")
	assert.Contains(t, prompt, "Following up on the proposal.")
	assert.Contains(t, prompt, "Discussed rollout timeline.")
	assert.Contains(t, prompt, "Acme Expansion")
	assert.Contains(t, prompt, "$50000.00")
	assert.Contains(t, prompt, "2026-04-01")
	assert.Contains(t, prompt, "QBR")
	assert.Contains(t, prompt, "Last interaction: 2026-03-10")
}

func TestBuildPromptEmptyAccount(t *testing.T) {
	data := &model.AccountData{AccountID: "acct-2", AccountName: "Empty Inc"}
	prompt := buildPrompt(data, 16384)

	assert.Contains(t, prompt, "Empty Inc")
	assert.Contains(t, prompt, "Last interaction: unknown")
	assert.Contains(t, prompt, "(none)")
}

func TestBuildPromptRespectsBudget(t *testing.T) {
	data := sampleAccountData()
	// Inflate email content so later sections blow the budget.
	data.Emails[0].Content = strings.Repeat("x", contentSnippet)

	budget := 600
	prompt := buildPrompt(data, budget)

	// The header and first section always render; later sections drop.
	assert.Contains(t, prompt, "Acme Corp")
	assert.Contains(t, prompt, "Open opportunities")
	assert.Less(t, len(prompt), budget+contentSnippet+200)
}

func TestBuildPromptTruncatesLongContent(t *testing.T) {
	data := sampleAccountData()
	data.Emails[0].Content = strings.Repeat("y", contentSnippet*3)

	prompt := buildPrompt(data, 1<<20)
	assert.Contains(t, prompt, "...")
	assert.NotContains(t, prompt, strings.Repeat("y", contentSnippet+1))
}
