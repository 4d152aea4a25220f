// Package etlrun records the lifecycle of pipeline batch runs so that
// operators can audit when each stage last ran and with what outcome.
package etlrun

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/sales-pipeline/internal/model"
	"github.com/sells-group/sales-pipeline/internal/store"
)

// MaxErrorLen bounds the error message stored on a run row.
const MaxErrorLen = 500

// Tracker opens and closes etl_runs rows around a batch.
type Tracker struct {
	store store.Store
	log   *zap.Logger
}

func NewTracker(s store.Store) *Tracker {
	return &Tracker{
		store: s,
		log:   zap.L().With(zap.String("component", "etlrun")),
	}
}

// Start inserts a running row for the named stage and returns its id.
func (t *Tracker) Start(ctx context.Context, source string) (int64, error) {
	id, err := t.store.StartRun(ctx, source)
	if err != nil {
		return 0, err
	}
	t.log.Info("run started", zap.Int64("run_id", id), zap.String("source", source))
	return id, nil
}

// Complete finalizes the run row. Error messages are truncated to
// MaxErrorLen bytes before storage. A tracker failure here is logged
// but not returned: the batch outcome should not be masked by a
// bookkeeping write.
func (t *Tracker) Complete(ctx context.Context, runID int64, status model.RunStatus, rows int64, errMsg string) {
	if len(errMsg) > MaxErrorLen {
		errMsg = errMsg[:MaxErrorLen]
	}
	if err := t.store.CompleteRun(ctx, runID, status, rows, errMsg); err != nil {
		t.log.Error("failed to record run completion",
			zap.Int64("run_id", runID),
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}
	t.log.Info("run completed",
		zap.Int64("run_id", runID),
		zap.String("status", string(status)),
		zap.Int64("rows", rows))
}
