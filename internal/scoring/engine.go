// Package scoring produces daily account score snapshots from aggregated
// account data via a completion provider. Failures are isolated per
// account: bad provider output degrades to a neutral snapshot, and one
// account's error never stops the batch.
package scoring

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/sales-pipeline/internal/aggregate"
	"github.com/sells-group/sales-pipeline/internal/config"
	"github.com/sells-group/sales-pipeline/internal/etlrun"
	"github.com/sells-group/sales-pipeline/internal/model"
	"github.com/sells-group/sales-pipeline/internal/resilience"
	"github.com/sells-group/sales-pipeline/internal/store"
	"github.com/sells-group/sales-pipeline/pkg/llm"
)

// RunSource is the etl_runs source label for scoring batches.
const RunSource = "scorer"

// Engine scores accounts one snapshot per account per date.
type Engine struct {
	store      store.Store
	aggregator *aggregate.Aggregator
	provider   llm.Provider
	cfg        config.ScoringConfig
	maxTokens  int64
	limiter    *rate.Limiter
	retry      resilience.Policy
	log        *zap.Logger
}

func NewEngine(s store.Store, agg *aggregate.Aggregator, provider llm.Provider, cfg config.ScoringConfig, maxTokens int64, retry resilience.Policy) *Engine {
	rps := cfg.ProviderRateLimit
	if rps <= 0 {
		rps = 2
	}
	return &Engine{
		store:      s,
		aggregator: agg,
		provider:   provider,
		cfg:        cfg,
		maxTokens:  maxTokens,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		retry:      retry,
		log:        zap.L().With(zap.String("component", "scoring")),
	}
}

// RunOptions controls a scoring batch.
type RunOptions struct {
	// Limit caps how many accounts are scored; 0 means all.
	Limit int
	// Date is the snapshot date; zero means today (UTC). Re-running
	// for the same date overwrites that date's snapshots.
	Date time.Time
}

// Run scores a batch of accounts under the configured time budget and
// concurrency. The batch is partial when the budget expires before
// every account was admitted, failed when no account produced a
// snapshot, success otherwise.
func (e *Engine) Run(ctx context.Context, tracker *etlrun.Tracker, opts RunOptions) (model.ScoreBatchResult, error) {
	runID, err := tracker.Start(ctx, RunSource)
	if err != nil {
		return model.ScoreBatchResult{Status: model.RunStatusFailed, Error: err.Error()}, err
	}

	res, runErr := e.runBatch(ctx, opts)

	errMsg := res.Error
	if runErr != nil {
		errMsg = runErr.Error()
	}
	tracker.Complete(context.WithoutCancel(ctx), runID, res.Status, int64(res.Scored), errMsg)
	return res, runErr
}

func (e *Engine) runBatch(ctx context.Context, opts RunOptions) (model.ScoreBatchResult, error) {
	var res model.ScoreBatchResult

	scoreDate := opts.Date
	if scoreDate.IsZero() {
		scoreDate = time.Now().UTC()
	}
	scoreDate = scoreDate.UTC().Truncate(24 * time.Hour)

	accountIDs, err := e.store.ListAccountIDs(ctx, opts.Limit)
	if err != nil {
		res.Status = model.RunStatusFailed
		res.Error = err.Error()
		return res, err
	}
	if len(accountIDs) == 0 {
		res.Status = model.RunStatusSuccess
		e.log.Info("no accounts to score")
		return res, nil
	}

	start := time.Now()
	budget := e.cfg.TimeBudget()
	overBudget := func() bool {
		return budget > 0 && time.Since(start) >= budget
	}

	e.log.Info("scoring batch starting",
		zap.Int("accounts", len(accountIDs)),
		zap.Time("score_date", scoreDate))

	var mu sync.Mutex
	var failedIDs, fallbackIDs []string
	var g errgroup.Group
	concurrency := e.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	g.SetLimit(concurrency)

	// The budget gates admission only. Admitted accounts run on a
	// context that survives both budget expiry and caller cancellation,
	// so in-flight work completes and its snapshot is written; the
	// per-call provider timeout still bounds each of them.
	workCtx := context.WithoutCancel(ctx)
	for _, accountID := range accountIDs {
		if ctx.Err() != nil || overBudget() {
			break
		}
		g.Go(func() error {
			if overBudget() {
				return nil
			}
			outcome := e.scoreAccount(workCtx, accountID, scoreDate)
			mu.Lock()
			switch outcome {
			case outcomeScored:
				res.Scored++
			case outcomeFallback:
				res.Scored++
				res.Fallback++
				fallbackIDs = append(fallbackIDs, accountID)
			case outcomeFailed:
				res.Failed++
				failedIDs = append(failedIDs, accountID)
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	var notes []string
	if len(failedIDs) > 0 {
		notes = append(notes, "failed accounts: "+strings.Join(failedIDs, ", "))
	}
	if len(fallbackIDs) > 0 {
		notes = append(notes, "fallback snapshots: "+strings.Join(fallbackIDs, ", "))
	}
	detail := strings.Join(notes, "; ")

	handled := res.Scored + res.Failed
	switch {
	case ctx.Err() != nil:
		res.Status = model.RunStatusPartial
		res.Error = joinDetail(ctx.Err().Error(), detail)
	case handled < len(accountIDs):
		res.Status = model.RunStatusPartial
		res.Error = joinDetail("time budget exceeded", detail)
	case res.Scored == 0 && res.Failed > 0:
		res.Status = model.RunStatusFailed
		res.Error = "all accounts failed: " + strings.Join(failedIDs, ", ")
	default:
		res.Status = model.RunStatusSuccess
		res.Error = detail
	}

	e.log.Info("scoring batch complete",
		zap.String("status", string(res.Status)),
		zap.Int("scored", res.Scored),
		zap.Int("fallback", res.Fallback),
		zap.Int("failed", res.Failed))
	return res, nil
}

func joinDetail(msg, detail string) string {
	if detail == "" {
		return msg
	}
	return msg + "; " + detail
}

type scoreOutcome int

const (
	outcomeScored scoreOutcome = iota
	outcomeFallback
	outcomeFailed
)

func (e *Engine) scoreAccount(ctx context.Context, accountID string, scoreDate time.Time) scoreOutcome {
	log := e.log.With(zap.String("account_id", accountID))

	data, err := e.aggregator.Aggregate(ctx, accountID)
	if err != nil {
		log.Warn("aggregation failed", zap.Error(err))
		return outcomeFailed
	}

	snap, parsed, err := e.scoreOne(ctx, data, scoreDate)
	if err != nil {
		log.Warn("provider call failed", zap.Error(err))
		snap = fallbackSnapshot(accountID, scoreDate, data.LastInteraction)
		parsed = false
	}

	writeErr := resilience.Do(ctx, e.retry, func(ctx context.Context) error {
		return e.store.UpsertScoreSnapshot(ctx, snap)
	})
	if writeErr != nil {
		log.Error("snapshot write failed", zap.Error(writeErr))
		return outcomeFailed
	}

	if !parsed {
		log.Info("stored fallback snapshot")
		return outcomeFallback
	}
	log.Debug("stored snapshot",
		zap.Int("priority", snap.PriorityScore),
		zap.Int("budget", snap.BudgetLikelihood),
		zap.Int("engagement", snap.EngagementScore))
	return outcomeScored
}

// scoreOne makes the rate-limited, time-bounded provider call for one
// account and parses the completion.
func (e *Engine) scoreOne(ctx context.Context, data *model.AccountData, scoreDate time.Time) (model.AccountScoreSnapshot, bool, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return model.AccountScoreSnapshot{}, false, err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.ProviderTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(e.cfg.ProviderTimeout)*time.Second)
		defer cancel()
	}

	prompt := buildPrompt(data, e.cfg.MaxPromptBytes)
	text, err := resilience.DoVal(callCtx, e.retry, func(ctx context.Context) (string, error) {
		return e.provider.Generate(ctx, llm.Request{
			System:    systemPrompt,
			Prompt:    prompt,
			MaxTokens: e.maxTokens,
		})
	})
	if err != nil {
		return model.AccountScoreSnapshot{}, false, err
	}

	snap, ok := parseScores(text, data.AccountID, scoreDate, data.LastInteraction)
	return snap, ok, nil
}
