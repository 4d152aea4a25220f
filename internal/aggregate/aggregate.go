// Package aggregate assembles the per-account view consumed by scoring:
// recent matched emails and calls, open opportunities, recent activities,
// and totals. Windows are bounded so prompt size stays predictable on
// high-volume accounts.
package aggregate

import (
	"context"
	"time"

	"github.com/sells-group/sales-pipeline/internal/config"
	"github.com/sells-group/sales-pipeline/internal/model"
	"github.com/sells-group/sales-pipeline/internal/store"
)

// Aggregator reads the matched mirror tables for one account at a time.
type Aggregator struct {
	store store.Store
	cfg   config.ScoringConfig
}

func New(s store.Store, cfg config.ScoringConfig) *Aggregator {
	return &Aggregator{store: s, cfg: cfg}
}

// Aggregate builds the account view. An unknown account id returns
// store.ErrAccountNotFound; an account with no data at all is still a
// valid view with empty slices and zero totals.
func (a *Aggregator) Aggregate(ctx context.Context, accountID string) (*model.AccountData, error) {
	name, err := a.store.GetAccountName(ctx, accountID)
	if err != nil {
		return nil, err
	}

	data := &model.AccountData{
		AccountID:   accountID,
		AccountName: name,
	}

	data.Emails, data.TotalEmails, err = a.store.RecentInteractions(ctx, accountID, model.InteractionEmail, a.cfg.EmailWindow)
	if err != nil {
		return nil, err
	}
	data.Calls, data.TotalCalls, err = a.store.RecentInteractions(ctx, accountID, model.InteractionCall, a.cfg.CallWindow)
	if err != nil {
		return nil, err
	}
	data.Opportunities, err = a.store.OpenOpportunities(ctx, accountID, a.cfg.OpportunityWindow)
	if err != nil {
		return nil, err
	}
	data.Activities, err = a.store.RecentActivities(ctx, accountID, a.cfg.ActivityWindow)
	if err != nil {
		return nil, err
	}

	data.LastInteraction = lastInteraction(data.Emails, data.Calls)
	return data, nil
}

// lastInteraction picks the newest occurred_at across emails and calls.
// The windows are already sorted newest-first, so only the heads matter,
// but records with unknown timestamps may sort anywhere; scan all.
func lastInteraction(emails, calls []model.InteractionRecord) *time.Time {
	var last *time.Time
	for _, recs := range [][]model.InteractionRecord{emails, calls} {
		for _, r := range recs {
			if r.OccurredAt == nil {
				continue
			}
			if last == nil || r.OccurredAt.After(*last) {
				t := *r.OccurredAt
				last = &t
			}
		}
	}
	return last
}
