package matcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sales-pipeline/internal/etlrun"
	"github.com/sells-group/sales-pipeline/internal/model"
)

func TestRunMatchesBatch(t *testing.T) {
	st := newFakeStore()
	st.contacts = []model.Contact{
		{ID: "c1", AccountID: "a1", Emails: []string{"jane@acme.com"}},
		{ID: "c2", AccountID: "a2", Phones: []string{"+12345678901"}},
	}
	st.interactions = []model.InteractionRecord{
		emailRecord("i1", "jane@acme.com"),
		{ID: "i2", Source: model.SourceDialpad, Kind: model.InteractionCall, Participants: []string{"(234) 567-8901"}},
		emailRecord("i3", "stranger@elsewhere.com"),
	}
	m := New(st, nil, 0.8, "US", testRetry())

	res, err := m.Run(context.Background(), etlrun.NewTracker(st), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, res.Status)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 1, res.Unmatched)
	assert.Equal(t, 0, res.Errored)

	assert.Equal(t, model.MatchExactEmail, st.matches["i1"].Method)
	assert.Equal(t, model.MatchExactPhone, st.matches["i2"].Method)
	assert.Equal(t, model.MatchUnmatched, st.matches["i3"].Method)
}

func TestRunIsIdempotent(t *testing.T) {
	st := newFakeStore()
	st.contacts = []model.Contact{
		{ID: "c1", AccountID: "a1", Emails: []string{"jane@acme.com"}},
	}
	st.interactions = []model.InteractionRecord{emailRecord("i1", "jane@acme.com")}
	m := New(st, nil, 0.8, "US", testRetry())

	res1, err := m.Run(context.Background(), etlrun.NewTracker(st), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res1.Processed)

	// Second run: the interaction already has a sticky match row, so
	// nothing is listed.
	res2, err := m.Run(context.Background(), etlrun.NewTracker(st), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res2.Processed)
	require.Len(t, st.matches, 1)
}

func TestRunDoesNotDowngradeStickyMatch(t *testing.T) {
	st := newFakeStore()
	st.interactions = []model.InteractionRecord{emailRecord("i1", "jane@acme.com")}
	contactID, accountID := "c-manual", "a-manual"
	st.matches["i1"] = model.Match{
		InteractionID: "i1", ContactID: &contactID, AccountID: &accountID,
		Method: model.MatchManual, Confidence: 1.0,
	}
	m := New(st, nil, 0.8, "US", testRetry())

	// Without --force a sticky match is never relisted, so a manual
	// assignment survives any number of batches.
	res, err := m.Run(context.Background(), etlrun.NewTracker(st), RunOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, model.MatchManual, st.matches["i1"].Method)
}

func TestRunRevisitsUnmatchedWhenContactAppears(t *testing.T) {
	st := newFakeStore()
	st.interactions = []model.InteractionRecord{emailRecord("i1", "jane@acme.com")}
	m := New(st, nil, 0.8, "US", testRetry())

	res, err := m.Run(context.Background(), etlrun.NewTracker(st), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unmatched)
	assert.Equal(t, model.MatchUnmatched, st.matches["i1"].Method)

	// The contact mirror catches up; the next batch re-resolves the
	// record without --force.
	st.contacts = []model.Contact{
		{ID: "c1", AccountID: "a1", Emails: []string{"jane@acme.com"}},
	}
	res, err = m.Run(context.Background(), etlrun.NewTracker(st), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, model.MatchExactEmail, st.matches["i1"].Method)
}

func TestRunRetriesTransientUpsert(t *testing.T) {
	st := newFakeStore()
	st.contacts = []model.Contact{
		{ID: "c1", AccountID: "a1", Emails: []string{"jane@acme.com"}},
	}
	st.interactions = []model.InteractionRecord{emailRecord("i1", "jane@acme.com")}
	st.upsertTransient = 1
	m := New(st, nil, 0.8, "US", testRetry())

	res, err := m.Run(context.Background(), etlrun.NewTracker(st), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, res.Status)
	assert.Equal(t, model.MatchExactEmail, st.matches["i1"].Method)
}

func TestRunForceReResolves(t *testing.T) {
	st := newFakeStore()
	st.contacts = []model.Contact{
		{ID: "c1", AccountID: "a1", Emails: []string{"jane@acme.com"}},
	}
	st.interactions = []model.InteractionRecord{emailRecord("i1", "jane@acme.com")}
	contactID, accountID := "c-old", "a-old"
	st.matches["i1"] = model.Match{
		InteractionID: "i1", ContactID: &contactID, AccountID: &accountID,
		Method: model.MatchManual, Confidence: 1.0,
	}
	m := New(st, nil, 0.8, "US", testRetry())

	res, err := m.Run(context.Background(), etlrun.NewTracker(st), RunOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, model.MatchExactEmail, st.matches["i1"].Method)
	assert.Equal(t, "c1", *st.matches["i1"].ContactID)
}

func TestRunRecordsRunRow(t *testing.T) {
	st := newFakeStore()
	st.interactions = []model.InteractionRecord{emailRecord("i1", "nobody@nowhere.io")}
	m := New(st, nil, 0.8, "US", testRetry())

	_, err := m.Run(context.Background(), etlrun.NewTracker(st), RunOptions{})
	require.NoError(t, err)

	require.Len(t, st.runs, 1)
	assert.Equal(t, RunSource, st.runs[0].SourceSystem)
	assert.Equal(t, model.RunStatusSuccess, st.runs[0].Status)
	assert.Equal(t, int64(1), st.runs[0].RowsProcessed)
}

func TestRunLookupFailureIsolatedPerRecord(t *testing.T) {
	st := newFakeStore()
	st.failEmailLookup = true
	st.interactions = []model.InteractionRecord{emailRecord("i1", "jane@acme.com")}
	m := New(st, nil, 0.8, "US", testRetry())

	res, err := m.Run(context.Background(), etlrun.NewTracker(st), RunOptions{})
	require.NoError(t, err)
	// Lookup failures are per-record: the record is stored as unmatched
	// with the error noted, not dropped.
	assert.Equal(t, 1, res.Errored)
	assert.Equal(t, model.RunStatusSuccess, res.Status)
	assert.Contains(t, st.matches["i1"].Note, "resolution error")
}

func TestRunSourceFilter(t *testing.T) {
	st := newFakeStore()
	st.contacts = []model.Contact{
		{ID: "c1", AccountID: "a1", Emails: []string{"jane@acme.com"}},
		{ID: "c2", AccountID: "a2", Phones: []string{"+12345678901"}},
	}
	st.interactions = []model.InteractionRecord{
		emailRecord("i1", "jane@acme.com"),
		{ID: "i2", Source: model.SourceDialpad, Kind: model.InteractionCall, Participants: []string{"(234) 567-8901"}},
	}
	m := New(st, nil, 0.8, "US", testRetry())

	res, err := m.Run(context.Background(), etlrun.NewTracker(st), RunOptions{Source: "dialpad"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.NotContains(t, st.matches, "i1")
	assert.Equal(t, model.MatchExactPhone, st.matches["i2"].Method)
}

func TestRunRespectsLimit(t *testing.T) {
	st := newFakeStore()
	for _, id := range []string{"i1", "i2", "i3", "i4"} {
		st.interactions = append(st.interactions, emailRecord(id, "x@y.co"))
	}
	m := New(st, nil, 0.8, "US", testRetry())

	res, err := m.Run(context.Background(), etlrun.NewTracker(st), RunOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
}
