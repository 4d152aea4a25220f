package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sales-pipeline/internal/config"
	"github.com/sells-group/sales-pipeline/internal/model"
	"github.com/sells-group/sales-pipeline/internal/store"
)

// fakeStore returns canned per-account data for aggregator tests.
type fakeStore struct {
	store.Store // panic on anything the aggregator should not call

	names         map[string]string
	emails        []model.InteractionRecord
	calls         []model.InteractionRecord
	totalEmails   int
	totalCalls    int
	opportunities []model.Opportunity
	activities    []model.Activity

	gotLimits map[model.InteractionKind]int
}

func (f *fakeStore) GetAccountName(ctx context.Context, accountID string) (string, error) {
	name, ok := f.names[accountID]
	if !ok {
		return "", store.ErrAccountNotFound
	}
	return name, nil
}

func (f *fakeStore) RecentInteractions(ctx context.Context, accountID string, kind model.InteractionKind, limit int) ([]model.InteractionRecord, int, error) {
	if f.gotLimits == nil {
		f.gotLimits = make(map[model.InteractionKind]int)
	}
	f.gotLimits[kind] = limit
	if kind == model.InteractionEmail {
		return f.emails, f.totalEmails, nil
	}
	return f.calls, f.totalCalls, nil
}

func (f *fakeStore) OpenOpportunities(ctx context.Context, accountID string, limit int) ([]model.Opportunity, error) {
	return f.opportunities, nil
}

func (f *fakeStore) RecentActivities(ctx context.Context, accountID string, limit int) ([]model.Activity, error) {
	return f.activities, nil
}

func ts(day, hour int) *time.Time {
	t := time.Date(2026, 3, day, hour, 0, 0, 0, time.UTC)
	return &t
}

func testCfg() config.ScoringConfig {
	return config.ScoringConfig{EmailWindow: 5, CallWindow: 3, OpportunityWindow: 5, ActivityWindow: 10}
}

func TestAggregate(t *testing.T) {
	st := &fakeStore{
		names: map[string]string{"a1": "Acme Corp"},
		emails: []model.InteractionRecord{
			{ID: "e1", Kind: model.InteractionEmail, OccurredAt: ts(10, 9)},
			{ID: "e2", Kind: model.InteractionEmail, OccurredAt: ts(8, 14)},
		},
		calls: []model.InteractionRecord{
			{ID: "c1", Kind: model.InteractionCall, OccurredAt: ts(12, 11)},
		},
		totalEmails:   27,
		totalCalls:    6,
		opportunities: []model.Opportunity{{ID: "o1", AccountID: "a1", Open: true}},
		activities:    []model.Activity{{ID: "act1", AccountID: "a1"}},
	}

	agg := New(st, testCfg())
	data, err := agg.Aggregate(context.Background(), "a1")
	require.NoError(t, err)

	assert.Equal(t, "a1", data.AccountID)
	assert.Equal(t, "Acme Corp", data.AccountName)
	assert.Len(t, data.Emails, 2)
	assert.Len(t, data.Calls, 1)
	assert.Equal(t, 27, data.TotalEmails)
	assert.Equal(t, 6, data.TotalCalls)
	assert.Len(t, data.Opportunities, 1)
	assert.Len(t, data.Activities, 1)

	// Newest across both kinds: the call on the 12th.
	require.NotNil(t, data.LastInteraction)
	assert.Equal(t, *ts(12, 11), *data.LastInteraction)

	// Window sizes flow from configuration.
	assert.Equal(t, 5, st.gotLimits[model.InteractionEmail])
	assert.Equal(t, 3, st.gotLimits[model.InteractionCall])
}

func TestAggregateUnknownAccount(t *testing.T) {
	st := &fakeStore{names: map[string]string{}}
	agg := New(st, testCfg())

	_, err := agg.Aggregate(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrAccountNotFound)
}

func TestAggregateEmptyAccount(t *testing.T) {
	st := &fakeStore{names: map[string]string{"a1": "Quiet Co"}}
	agg := New(st, testCfg())

	data, err := agg.Aggregate(context.Background(), "a1")
	require.NoError(t, err)
	assert.Empty(t, data.Emails)
	assert.Empty(t, data.Calls)
	assert.Zero(t, data.TotalEmails)
	assert.Nil(t, data.LastInteraction)
}

func TestAggregateIgnoresNilTimestamps(t *testing.T) {
	st := &fakeStore{
		names: map[string]string{"a1": "Acme"},
		emails: []model.InteractionRecord{
			{ID: "e1", OccurredAt: nil},
			{ID: "e2", OccurredAt: ts(5, 8)},
		},
	}
	agg := New(st, testCfg())

	data, err := agg.Aggregate(context.Background(), "a1")
	require.NoError(t, err)
	require.NotNil(t, data.LastInteraction)
	assert.Equal(t, *ts(5, 8), *data.LastInteraction)
}
