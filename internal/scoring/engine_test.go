package scoring

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/sales-pipeline/internal/aggregate"
	"github.com/sells-group/sales-pipeline/internal/config"
	"github.com/sells-group/sales-pipeline/internal/etlrun"
	"github.com/sells-group/sales-pipeline/internal/model"
	"github.com/sells-group/sales-pipeline/internal/resilience"
	"github.com/sells-group/sales-pipeline/internal/store"
	"github.com/sells-group/sales-pipeline/pkg/llm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeStore is an in-memory Store for engine tests. Only the methods the
// scoring path touches have behavior; the rest return empty results.
type fakeStore struct {
	mu        sync.Mutex
	accounts  map[string]string // id -> name
	snapshots map[string]model.AccountScoreSnapshot
	runs      []model.ETLRun
	nextRunID int64

	failAccount  string // GetAccountName fails for this id
	failSnapshot string // UpsertScoreSnapshot fails for this account id
}

func newFakeStore(accounts map[string]string) *fakeStore {
	return &fakeStore{
		accounts:  accounts,
		snapshots: make(map[string]model.AccountScoreSnapshot),
	}
}

func (f *fakeStore) FindContactsByEmail(ctx context.Context, email string) ([]model.Contact, error) {
	return nil, nil
}
func (f *fakeStore) FindContactsByPhone(ctx context.Context, phone string) ([]model.Contact, error) {
	return nil, nil
}
func (f *fakeStore) FindContactsByEmailDomain(ctx context.Context, domain string) ([]model.Contact, error) {
	return nil, nil
}
func (f *fakeStore) GetContact(ctx context.Context, contactID string) (*model.Contact, error) {
	return nil, nil
}

func (f *fakeStore) GetAccountName(ctx context.Context, accountID string) (string, error) {
	if accountID == f.failAccount {
		return "", eris.New("storage unavailable")
	}
	name, ok := f.accounts[accountID]
	if !ok {
		return "", store.ErrAccountNotFound
	}
	return name, nil
}

func (f *fakeStore) ListAccountIDs(ctx context.Context, limit int) ([]string, error) {
	ids := make([]string, 0, len(f.accounts))
	for id := range f.accounts {
		ids = append(ids, id)
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (f *fakeStore) ListUnmatchedInteractions(ctx context.Context, limit int) ([]model.InteractionRecord, error) {
	return nil, nil
}
func (f *fakeStore) ListInteractions(ctx context.Context, limit int) ([]model.InteractionRecord, error) {
	return nil, nil
}
func (f *fakeStore) RecentInteractions(ctx context.Context, accountID string, kind model.InteractionKind, limit int) ([]model.InteractionRecord, int, error) {
	return nil, 0, nil
}
func (f *fakeStore) OpenOpportunities(ctx context.Context, accountID string, limit int) ([]model.Opportunity, error) {
	return nil, nil
}
func (f *fakeStore) RecentActivities(ctx context.Context, accountID string, limit int) ([]model.Activity, error) {
	return nil, nil
}
func (f *fakeStore) GetMatch(ctx context.Context, interactionID string) (*model.Match, error) {
	return nil, nil
}
func (f *fakeStore) UpsertMatches(ctx context.Context, matches []model.Match) (int64, error) {
	return 0, nil
}

func (f *fakeStore) UpsertScoreSnapshot(ctx context.Context, snap model.AccountScoreSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap.AccountID == f.failSnapshot {
		return eris.New("write failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[snap.AccountID] = snap
	return nil
}

func (f *fakeStore) LatestScore(ctx context.Context, accountID string) (*model.AccountScoreSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[accountID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (f *fakeStore) StartRun(ctx context.Context, source string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRunID++
	f.runs = append(f.runs, model.ETLRun{
		ID: f.nextRunID, SourceSystem: source, Status: model.RunStatusRunning, StartedAt: time.Now(),
	})
	return f.nextRunID, nil
}

func (f *fakeStore) CompleteRun(ctx context.Context, runID int64, status model.RunStatus, rows int64, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.runs {
		if f.runs[i].ID == runID {
			now := time.Now()
			f.runs[i].Status = status
			f.runs[i].RowsProcessed = rows
			f.runs[i].Error = errMsg
			f.runs[i].CompletedAt = &now
			return nil
		}
	}
	return eris.Errorf("run not found: %d", runID)
}

func (f *fakeStore) ListRuns(ctx context.Context, source string, limit int) ([]model.ETLRun, error) {
	return f.runs, nil
}

func (f *fakeStore) Migrate(ctx context.Context) error { return nil }
func (f *fakeStore) Ping(ctx context.Context) error    { return nil }
func (f *fakeStore) Close() error                      { return nil }

const goodResponse = `{"priority_score": 75, "budget_likelihood": 60, "engagement_score": 80,
	"reasoning": "steady engagement", "recommended_action": "book demo", "key_signals": ["emails"]}`

// slowProvider delays each completion, for exercising the time budget.
type slowProvider struct {
	delay    time.Duration
	response string
}

func (p *slowProvider) Generate(ctx context.Context, req llm.Request) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(p.delay):
	}
	return p.response, nil
}

func testEngine(st store.Store, provider llm.Provider) *Engine {
	cfg := config.ScoringConfig{
		EmailWindow: 5, CallWindow: 3, OpportunityWindow: 5, ActivityWindow: 10,
		MaxPromptBytes: 16384, Concurrency: 2, ProviderRateLimit: 1000, ProviderTimeout: 5,
	}
	retry := resilience.DefaultPolicy()
	retry.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return NewEngine(st, aggregate.New(st, cfg), provider, cfg, 1024, retry)
}

func TestRunScoresAllAccounts(t *testing.T) {
	st := newFakeStore(map[string]string{
		"a1": "One", "a2": "Two", "a3": "Three", "a4": "Four", "a5": "Five",
	})
	provider := llm.NewMock(goodResponse)
	engine := testEngine(st, provider)

	res, err := engine.Run(context.Background(), etlrun.NewTracker(st), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, res.Status)
	assert.Equal(t, 5, res.Scored)
	assert.Equal(t, 0, res.Fallback)
	assert.Equal(t, 0, res.Failed)
	assert.Len(t, st.snapshots, 5)

	snap := st.snapshots["a1"]
	assert.Equal(t, 75, snap.PriorityScore)
	assert.Equal(t, 60, snap.BudgetLikelihood)
	assert.Equal(t, 80, snap.EngagementScore)
}

func TestRunGarbageOutputStoresFallback(t *testing.T) {
	st := newFakeStore(map[string]string{"a1": "One"})
	provider := llm.NewMock("no json here at all")
	engine := testEngine(st, provider)

	res, err := engine.Run(context.Background(), etlrun.NewTracker(st), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, res.Status)
	assert.Equal(t, 1, res.Scored)
	assert.Equal(t, 1, res.Fallback)

	snap := st.snapshots["a1"]
	assert.Equal(t, model.NeutralScore, snap.PriorityScore)
	assert.Contains(t, res.Error, "fallback snapshots: a1")
}

func TestRunProviderErrorStoresFallback(t *testing.T) {
	st := newFakeStore(map[string]string{"a1": "One"})
	provider := llm.NewMock(goodResponse)
	provider.SetError(eris.New("api unreachable"))
	engine := testEngine(st, provider)

	res, err := engine.Run(context.Background(), etlrun.NewTracker(st), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fallback)
	assert.Equal(t, model.NeutralScore, st.snapshots["a1"].PriorityScore)
}

func TestRunOneAccountFailingDoesNotStopBatch(t *testing.T) {
	st := newFakeStore(map[string]string{"a1": "One", "a2": "Two", "a3": "Three"})
	st.failAccount = "a2"
	provider := llm.NewMock(goodResponse)
	engine := testEngine(st, provider)

	res, err := engine.Run(context.Background(), etlrun.NewTracker(st), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, res.Status)
	assert.Equal(t, 2, res.Scored)
	assert.Equal(t, 1, res.Failed)
	assert.NotContains(t, st.snapshots, "a2")
	assert.Contains(t, res.Error, "failed accounts: a2")
}

func TestRunSnapshotWriteFailureCountsFailed(t *testing.T) {
	st := newFakeStore(map[string]string{"a1": "One"})
	st.failSnapshot = "a1"
	provider := llm.NewMock(goodResponse)
	engine := testEngine(st, provider)

	res, err := engine.Run(context.Background(), etlrun.NewTracker(st), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, res.Status)
	assert.Equal(t, 0, res.Scored)
	assert.Equal(t, 1, res.Failed)
	assert.Contains(t, res.Error, "all accounts failed")
}

func TestRunFallbackCountedOnceInRunRow(t *testing.T) {
	st := newFakeStore(map[string]string{"a1": "One", "a2": "Two"})
	engine := testEngine(st, llm.NewMock("no json here at all"))

	res, err := engine.Run(context.Background(), etlrun.NewTracker(st), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scored)
	assert.Equal(t, 2, res.Fallback)

	require.Len(t, st.runs, 1)
	assert.Equal(t, int64(2), st.runs[0].RowsProcessed)
	assert.Contains(t, st.runs[0].Error, "fallback snapshots:")
	assert.Contains(t, st.runs[0].Error, "a1")
	assert.Contains(t, st.runs[0].Error, "a2")
}

// testBudgetEngine runs single-flight with a one second budget.
func testBudgetEngine(st store.Store, provider llm.Provider) *Engine {
	cfg := config.ScoringConfig{
		EmailWindow: 5, CallWindow: 3, OpportunityWindow: 5, ActivityWindow: 10,
		MaxPromptBytes: 16384, Concurrency: 1, ProviderRateLimit: 1000,
		ProviderTimeout: 5, TimeBudgetSecs: 1,
	}
	retry := resilience.DefaultPolicy()
	retry.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return NewEngine(st, aggregate.New(st, cfg), provider, cfg, 1024, retry)
}

func TestRunBudgetLetsInFlightFinish(t *testing.T) {
	st := newFakeStore(map[string]string{"a1": "One"})
	provider := &slowProvider{delay: 1500 * time.Millisecond, response: goodResponse}
	engine := testBudgetEngine(st, provider)

	res, err := engine.Run(context.Background(), etlrun.NewTracker(st), RunOptions{})
	require.NoError(t, err)
	// The budget expired mid-call, but the admitted account still
	// finished and its snapshot was written.
	assert.Equal(t, model.RunStatusSuccess, res.Status)
	assert.Equal(t, 1, res.Scored)
	assert.Equal(t, 0, res.Failed)
	assert.Len(t, st.snapshots, 1)
}

func TestRunBudgetStopsAdmittingAccounts(t *testing.T) {
	st := newFakeStore(map[string]string{"a1": "One", "a2": "Two"})
	provider := &slowProvider{delay: 1500 * time.Millisecond, response: goodResponse}
	engine := testBudgetEngine(st, provider)

	res, err := engine.Run(context.Background(), etlrun.NewTracker(st), RunOptions{})
	require.NoError(t, err)
	// One account finishes after expiry and flushes; the other is
	// never started.
	assert.Equal(t, model.RunStatusPartial, res.Status)
	assert.Equal(t, 1, res.Scored)
	assert.Equal(t, 0, res.Failed)
	assert.Contains(t, res.Error, "time budget exceeded")
	assert.Len(t, st.snapshots, 1)
}

func TestRunNoAccounts(t *testing.T) {
	st := newFakeStore(map[string]string{})
	engine := testEngine(st, llm.NewMock(goodResponse))

	res, err := engine.Run(context.Background(), etlrun.NewTracker(st), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, res.Status)
	assert.Equal(t, 0, res.Scored)
}

func TestRunSameDateOverwrites(t *testing.T) {
	st := newFakeStore(map[string]string{"a1": "One"})
	provider := llm.NewMock(goodResponse)
	engine := testEngine(st, provider)
	date := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	_, err := engine.Run(context.Background(), etlrun.NewTracker(st), RunOptions{Date: date})
	require.NoError(t, err)

	provider.SetResponse(`{"priority_score": 10, "budget_likelihood": 10, "engagement_score": 10,
		"reasoning": "gone quiet", "recommended_action": "pause outreach"}`)
	_, err = engine.Run(context.Background(), etlrun.NewTracker(st), RunOptions{Date: date})
	require.NoError(t, err)

	snap := st.snapshots["a1"]
	assert.Equal(t, date, snap.ScoreDate)
	assert.Equal(t, 10, snap.PriorityScore)
}

func TestRunRecordsRun(t *testing.T) {
	st := newFakeStore(map[string]string{"a1": "One"})
	engine := testEngine(st, llm.NewMock(goodResponse))

	_, err := engine.Run(context.Background(), etlrun.NewTracker(st), RunOptions{})
	require.NoError(t, err)

	require.Len(t, st.runs, 1)
	assert.Equal(t, RunSource, st.runs[0].SourceSystem)
	assert.Equal(t, model.RunStatusSuccess, st.runs[0].Status)
	assert.Equal(t, int64(1), st.runs[0].RowsProcessed)
	assert.NotNil(t, st.runs[0].CompletedAt)
}
