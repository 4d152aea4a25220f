package matcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/sales-pipeline/internal/etlrun"
	"github.com/sells-group/sales-pipeline/internal/model"
	"github.com/sells-group/sales-pipeline/internal/resilience"
)

// RunSource is the etl_runs source label for match batches.
const RunSource = "matcher"

// flushEvery bounds how many pending matches accumulate before an upsert.
const flushEvery = 500

// RunOptions controls a match batch.
type RunOptions struct {
	// Limit caps how many interactions are considered; 0 means all.
	Limit int
	// Force re-resolves interactions that already have a match,
	// including sticky (exact or manual) ones.
	Force bool
	// Source restricts the batch to interactions from one source
	// system (gmail, salesforce, dialpad, hubspot); empty means all.
	Source string
}

// Run resolves a batch of interactions and upserts the results. A
// per-record resolution failure is recorded as an unmatched match and
// counted, never aborting the batch; only store-level failures do that.
func (m *Matcher) Run(ctx context.Context, tracker *etlrun.Tracker, opts RunOptions) (model.MatchBatchResult, error) {
	runID, err := tracker.Start(ctx, RunSource)
	if err != nil {
		return model.MatchBatchResult{Status: model.RunStatusFailed, Error: err.Error()}, err
	}

	res, runErr := m.runBatch(ctx, opts)

	errMsg := res.Error
	if runErr != nil {
		errMsg = runErr.Error()
	}
	tracker.Complete(context.WithoutCancel(ctx), runID, res.Status, int64(res.Processed), errMsg)
	return res, runErr
}

func (m *Matcher) runBatch(ctx context.Context, opts RunOptions) (model.MatchBatchResult, error) {
	var res model.MatchBatchResult

	// The source filter is applied after listing, so the list limit
	// only applies when unfiltered.
	listLimit := opts.Limit
	if opts.Source != "" {
		listLimit = 0
	}

	// Non-force batches list only interactions without a sticky match:
	// fuzzy and unmatched decisions are re-resolved as the contact
	// mirror fills in, exact and manual ones need --force.
	var records []model.InteractionRecord
	var err error
	if opts.Force {
		records, err = resilience.DoVal(ctx, m.retry, func(ctx context.Context) ([]model.InteractionRecord, error) {
			return m.store.ListInteractions(ctx, listLimit)
		})
	} else {
		records, err = resilience.DoVal(ctx, m.retry, func(ctx context.Context) ([]model.InteractionRecord, error) {
			return m.store.ListUnmatchedInteractions(ctx, listLimit)
		})
	}
	if err != nil {
		res.Status = model.RunStatusFailed
		res.Error = err.Error()
		return res, err
	}

	if opts.Source != "" {
		filtered := records[:0]
		for _, rec := range records {
			if string(rec.Source) == opts.Source {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
		if opts.Limit > 0 && len(records) > opts.Limit {
			records = records[:opts.Limit]
		}
	}

	m.log.Info("match batch starting",
		zap.Int("records", len(records)),
		zap.Bool("force", opts.Force),
		zap.String("source", opts.Source))

	pending := make([]model.Match, 0, flushEvery)
	flush := func(ctx context.Context) error {
		if len(pending) == 0 {
			return nil
		}
		err := resilience.Do(ctx, m.retry, func(ctx context.Context) error {
			_, err := m.store.UpsertMatches(ctx, pending)
			return err
		})
		if err != nil {
			return err
		}
		pending = pending[:0]
		return nil
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			res.Status = model.RunStatusPartial
			res.Error = err.Error()
			// Flush what was already resolved before stopping.
			if ferr := flush(context.WithoutCancel(ctx)); ferr != nil {
				return res, ferr
			}
			return res, nil
		}

		match, err := m.Resolve(ctx, rec)
		res.Processed++
		if err != nil {
			res.Errored++
			m.log.Warn("record resolution failed",
				zap.String("interaction_id", rec.ID),
				zap.Error(err))
			match = *m.unmatched(rec, "resolution error: "+err.Error())
		}

		if match.Resolved() {
			res.Matched++
		} else {
			res.Unmatched++
		}
		pending = append(pending, match)
		if len(pending) >= flushEvery {
			if err := flush(ctx); err != nil {
				res.Status = model.RunStatusFailed
				res.Error = err.Error()
				return res, err
			}
		}
	}

	if err := flush(ctx); err != nil {
		res.Status = model.RunStatusFailed
		res.Error = err.Error()
		return res, err
	}

	res.Status = model.RunStatusSuccess
	m.log.Info("match batch complete",
		zap.Int("processed", res.Processed),
		zap.Int("matched", res.Matched),
		zap.Int("unmatched", res.Unmatched),
		zap.Int("errored", res.Errored))
	return res, nil
}
