package scoring

import (
	"fmt"
	"strings"
	"time"

	"github.com/sells-group/sales-pipeline/internal/model"
)

const systemPrompt = `You are a sales analyst. Given an account summary with recent emails,
calls, open opportunities and activities, assess the account and respond
with ONLY a JSON object, no prose, no markdown fences:

{
  "priority_score": <0-100>,
  "budget_likelihood": <0-100>,
  "engagement_score": <0-100>,
  "reasoning": "<short explanation>",
  "recommended_action": "<one concrete next step>",
  "key_signals": ["<signal>", ...]
}`

// contentSnippet bounds how much of one interaction body goes into the
// prompt. The window counts are the first line of defense; this guards
// against a single enormous email.
const contentSnippet = 1500

// buildPrompt renders an account summary. Output is bounded by maxBytes;
// sections are dropped from least to most important when over budget.
func buildPrompt(data *model.AccountData, maxBytes int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Account: %s (id %s)\n", data.AccountName, data.AccountID)
	fmt.Fprintf(&b, "Total emails: %d (showing %d most recent)\n", data.TotalEmails, len(data.Emails))
	fmt.Fprintf(&b, "Total calls: %d (showing %d most recent)\n", data.TotalCalls, len(data.Calls))
	fmt.Fprintf(&b, "Last interaction: %s\n", formatDate(data.LastInteraction))

	var sections []string
	sections = append(sections, opportunitySection(data.Opportunities))
	sections = append(sections, interactionSection("Recent emails", data.Emails))
	sections = append(sections, interactionSection("Recent calls", data.Calls))
	sections = append(sections, activitySection(data.Activities))

	head := b.Len()
	for i, s := range sections {
		if head+len(s) > maxBytes && i > 0 {
			break
		}
		b.WriteString(s)
		head += len(s)
	}
	return b.String()
}

func interactionSection(title string, recs []model.InteractionRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s:\n", title)
	if len(recs) == 0 {
		b.WriteString("  (none)\n")
		return b.String()
	}
	for _, r := range recs {
		content := strings.TrimSpace(r.Content)
		if len(content) > contentSnippet {
			content = content[:contentSnippet] + "..."
		}
		fmt.Fprintf(&b, "  [%s] %s via %s: %s\n",
			formatTimePtr(r.OccurredAt), r.Kind, r.Source, content)
	}
	return b.String()
}

func opportunitySection(opps []model.Opportunity) string {
	var b strings.Builder
	b.WriteString("\nOpen opportunities:\n")
	if len(opps) == 0 {
		b.WriteString("  (none)\n")
		return b.String()
	}
	for _, o := range opps {
		amount := "unknown amount"
		if o.Amount != nil {
			amount = fmt.Sprintf("$%.2f", *o.Amount)
		}
		fmt.Fprintf(&b, "  %s, stage %s, %s, close %s\n",
			o.Name, o.Stage, amount, formatDate(o.CloseDate))
	}
	return b.String()
}

func activitySection(acts []model.Activity) string {
	var b strings.Builder
	b.WriteString("\nRecent activities:\n")
	if len(acts) == 0 {
		b.WriteString("  (none)\n")
		return b.String()
	}
	for _, a := range acts {
		fmt.Fprintf(&b, "  [%s] %s: %s\n", formatDate(a.OccurredAt), a.Type, a.Subject)
	}
	return b.String()
}

// formatDate renders a date as ISO-8601 or "unknown". Formatting never
// fails, so a bad timestamp can never take down an account's scoring.
func formatDate(t *time.Time) string {
	if t == nil {
		return "unknown"
	}
	return t.Format("2006-01-02")
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "unknown"
	}
	return t.Format(time.RFC3339)
}
