// Package store is the warehouse access layer. InteractionRecord,
// Contact, Account, Opportunity and Activity tables are read-only mirrors
// owned by upstream sync; Match, AccountScoreSnapshot and ETLRun writes
// are owned exclusively by this pipeline and are idempotent upserts.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sales-pipeline/internal/model"
)

// ErrAccountNotFound is returned when an account id has no mirror row.
var ErrAccountNotFound = eris.New("store: account not found")

// Store defines the persistence interface for the pipeline.
type Store interface {
	// Contact/account mirror (read-only).
	FindContactsByEmail(ctx context.Context, email string) ([]model.Contact, error)
	FindContactsByPhone(ctx context.Context, phone string) ([]model.Contact, error)
	FindContactsByEmailDomain(ctx context.Context, domain string) ([]model.Contact, error)
	GetContact(ctx context.Context, contactID string) (*model.Contact, error)
	GetAccountName(ctx context.Context, accountID string) (string, error)
	ListAccountIDs(ctx context.Context, limit int) ([]string, error)

	// Interaction mirror (read-only).
	// ListUnmatchedInteractions returns interactions whose match, if
	// any, is not sticky: fuzzy and unmatched decisions are revisited
	// on later runs as the contact mirror fills in, exact and manual
	// matches are not.
	ListUnmatchedInteractions(ctx context.Context, limit int) ([]model.InteractionRecord, error)
	ListInteractions(ctx context.Context, limit int) ([]model.InteractionRecord, error)
	RecentInteractions(ctx context.Context, accountID string, kind model.InteractionKind, limit int) ([]model.InteractionRecord, int, error)
	OpenOpportunities(ctx context.Context, accountID string, limit int) ([]model.Opportunity, error)
	RecentActivities(ctx context.Context, accountID string, limit int) ([]model.Activity, error)

	// Matches (owned; keyed by interaction id).
	GetMatch(ctx context.Context, interactionID string) (*model.Match, error)
	UpsertMatches(ctx context.Context, matches []model.Match) (int64, error)

	// Score snapshots (owned; keyed by account id + score date).
	UpsertScoreSnapshot(ctx context.Context, snap model.AccountScoreSnapshot) error
	LatestScore(ctx context.Context, accountID string) (*model.AccountScoreSnapshot, error)

	// ETL runs (owned; append-only).
	StartRun(ctx context.Context, source string) (int64, error)
	CompleteRun(ctx context.Context, runID int64, status model.RunStatus, rows int64, errMsg string) error
	ListRuns(ctx context.Context, source string, limit int) ([]model.ETLRun, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
