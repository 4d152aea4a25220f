package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/sales-pipeline/internal/db"
	"github.com/sells-group/sales-pipeline/internal/model"
	"github.com/sells-group/sales-pipeline/internal/normalize"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, maxConns, minConns int32) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	if maxConns <= 0 {
		maxConns = 10
	}
	if minConns <= 0 {
		minConns = 2
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool (used by tests with pgxmock).
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS accounts (
	id        TEXT PRIMARY KEY,
	name      TEXT NOT NULL DEFAULT '',
	synced_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS contacts (
	id           TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	emails       JSONB NOT NULL DEFAULT '[]',
	phones       JSONB NOT NULL DEFAULT '[]',
	synced_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_contacts_account ON contacts(account_id);
CREATE INDEX IF NOT EXISTS idx_contacts_emails ON contacts USING gin(emails);
CREATE INDEX IF NOT EXISTS idx_contacts_phones ON contacts USING gin(phones);

CREATE TABLE IF NOT EXISTS interactions (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	kind         TEXT NOT NULL,
	participants JSONB NOT NULL DEFAULT '[]',
	occurred_at  TIMESTAMPTZ,
	content      TEXT NOT NULL DEFAULT '',
	contact_id   TEXT
);

CREATE INDEX IF NOT EXISTS idx_interactions_contact ON interactions(contact_id);
CREATE INDEX IF NOT EXISTS idx_interactions_occurred ON interactions(occurred_at DESC NULLS LAST);

CREATE TABLE IF NOT EXISTS opportunities (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	stage      TEXT NOT NULL DEFAULT '',
	amount     DOUBLE PRECISION,
	close_date DATE,
	open       BOOLEAN NOT NULL DEFAULT true
);

CREATE INDEX IF NOT EXISTS idx_opportunities_account ON opportunities(account_id);

CREATE TABLE IF NOT EXISTS activities (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL,
	type        TEXT NOT NULL DEFAULT '',
	subject     TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_activities_account ON activities(account_id);

CREATE TABLE IF NOT EXISTS matches (
	interaction_id TEXT PRIMARY KEY,
	contact_id     TEXT,
	account_id     TEXT,
	method         TEXT NOT NULL,
	confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
	note           TEXT NOT NULL DEFAULT '',
	matched_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_matches_contact ON matches(contact_id);
CREATE INDEX IF NOT EXISTS idx_matches_account ON matches(account_id);

CREATE TABLE IF NOT EXISTS account_scores (
	account_id            TEXT NOT NULL,
	score_date            DATE NOT NULL,
	priority_score        INTEGER NOT NULL,
	budget_likelihood     INTEGER NOT NULL,
	engagement_score      INTEGER NOT NULL,
	reasoning             TEXT NOT NULL DEFAULT '',
	recommended_action    TEXT NOT NULL DEFAULT '',
	key_signals           JSONB NOT NULL DEFAULT '[]',
	last_interaction_date DATE,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (account_id, score_date)
);

CREATE TABLE IF NOT EXISTS etl_runs (
	id             BIGSERIAL PRIMARY KEY,
	source_system  TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'running',
	rows_processed BIGINT NOT NULL DEFAULT 0,
	error          TEXT,
	started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_etl_runs_source_started ON etl_runs(source_system, started_at DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const contactColumns = `id, account_id, display_name, emails, phones`

// Contact lookups normalize the stored side at comparison time: upstream
// sync does not guarantee lowercased emails or E.164 phones, so stored
// emails are lowercased and stored phones reduced to digits before the
// comparison.
func (s *PostgresStore) FindContactsByEmail(ctx context.Context, email string) ([]model.Contact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contactColumns+` FROM contacts
		 WHERE EXISTS (
		   SELECT 1 FROM jsonb_array_elements_text(emails) e
		   WHERE lower(btrim(e)) = $1
		 )
		 ORDER BY id`,
		email,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find contacts by email")
	}
	defer rows.Close()
	return scanContacts(rows)
}

func (s *PostgresStore) FindContactsByPhone(ctx context.Context, phone string) ([]model.Contact, error) {
	full, national := normalize.PhoneVariants(phone)
	rows, err := s.pool.Query(ctx,
		`SELECT `+contactColumns+` FROM contacts
		 WHERE EXISTS (
		   SELECT 1 FROM jsonb_array_elements_text(phones) p
		   WHERE regexp_replace(p, '\D', '', 'g') IN ($1, $2)
		 )
		 ORDER BY id`,
		full, national,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find contacts by phone")
	}
	defer rows.Close()
	return scanContacts(rows)
}

func (s *PostgresStore) FindContactsByEmailDomain(ctx context.Context, domain string) ([]model.Contact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contactColumns+` FROM contacts
		 WHERE EXISTS (
		   SELECT 1 FROM jsonb_array_elements_text(emails) e
		   WHERE split_part(lower(btrim(e)), '@', 2) = $1
		 )
		 ORDER BY id`,
		domain,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find contacts by domain")
	}
	defer rows.Close()
	return scanContacts(rows)
}

func scanContacts(rows pgx.Rows) ([]model.Contact, error) {
	var contacts []model.Contact
	for rows.Next() {
		var c model.Contact
		var emailsJSON, phonesJSON []byte
		if err := rows.Scan(&c.ID, &c.AccountID, &c.DisplayName, &emailsJSON, &phonesJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan contact")
		}
		if err := json.Unmarshal(emailsJSON, &c.Emails); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal contact emails")
		}
		if err := json.Unmarshal(phonesJSON, &c.Phones); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal contact phones")
		}
		contacts = append(contacts, c)
	}
	return contacts, eris.Wrap(rows.Err(), "postgres: iterate contacts")
}

func (s *PostgresStore) GetContact(ctx context.Context, contactID string) (*model.Contact, error) {
	var c model.Contact
	var emailsJSON, phonesJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = $1`,
		contactID,
	).Scan(&c.ID, &c.AccountID, &c.DisplayName, &emailsJSON, &phonesJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get contact %s", contactID)
	}
	if err := json.Unmarshal(emailsJSON, &c.Emails); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal contact emails")
	}
	if err := json.Unmarshal(phonesJSON, &c.Phones); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal contact phones")
	}
	return &c, nil
}

func (s *PostgresStore) GetAccountName(ctx context.Context, accountID string) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx,
		`SELECT name FROM accounts WHERE id = $1`,
		accountID,
	).Scan(&name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrAccountNotFound
		}
		return "", eris.Wrapf(err, "postgres: get account %s", accountID)
	}
	return name, nil
}

func (s *PostgresStore) ListAccountIDs(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT id FROM accounts ORDER BY id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list account ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan account id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: iterate account ids")
}

const interactionColumns = `id, source, kind, participants, occurred_at, content, contact_id`

func (s *PostgresStore) ListUnmatchedInteractions(ctx context.Context, limit int) ([]model.InteractionRecord, error) {
	query := `SELECT ` + interactionColumns + ` FROM interactions i
	 WHERE NOT EXISTS (
	   SELECT 1 FROM matches m
	   WHERE m.interaction_id = i.id
	     AND m.method IN ('exact_email', 'exact_phone', 'manual')
	 )
	 ORDER BY i.occurred_at DESC NULLS LAST`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unmatched interactions")
	}
	defer rows.Close()
	return scanInteractions(rows)
}

func (s *PostgresStore) ListInteractions(ctx context.Context, limit int) ([]model.InteractionRecord, error) {
	query := `SELECT ` + interactionColumns + ` FROM interactions
	 ORDER BY occurred_at DESC NULLS LAST`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list interactions")
	}
	defer rows.Close()
	return scanInteractions(rows)
}

func scanInteractions(rows pgx.Rows) ([]model.InteractionRecord, error) {
	var recs []model.InteractionRecord
	for rows.Next() {
		var r model.InteractionRecord
		var participantsJSON []byte
		if err := rows.Scan(&r.ID, &r.Source, &r.Kind, &participantsJSON, &r.OccurredAt, &r.Content, &r.ContactID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan interaction")
		}
		if err := json.Unmarshal(participantsJSON, &r.Participants); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal participants")
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: iterate interactions")
}

// RecentInteractions returns the most recent interactions of one kind for
// an account plus the account's total count for that kind. Interactions
// without a timestamp sort last, so they fall out of small windows but
// still show up in the total.
func (s *PostgresStore) RecentInteractions(ctx context.Context, accountID string, kind model.InteractionKind, limit int) ([]model.InteractionRecord, int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT i.id, i.source, i.kind, i.participants, i.occurred_at, i.content, i.contact_id,
		        COUNT(*) OVER() AS total
		 FROM interactions i
		 JOIN matches m ON m.interaction_id = i.id
		 WHERE m.account_id = $1 AND i.kind = $2
		 ORDER BY i.occurred_at DESC NULLS LAST
		 LIMIT $3`,
		accountID, string(kind), limit,
	)
	if err != nil {
		return nil, 0, eris.Wrap(err, "postgres: recent interactions")
	}
	defer rows.Close()

	var recs []model.InteractionRecord
	var total int
	for rows.Next() {
		var r model.InteractionRecord
		var participantsJSON []byte
		if err := rows.Scan(&r.ID, &r.Source, &r.Kind, &participantsJSON, &r.OccurredAt, &r.Content, &r.ContactID, &total); err != nil {
			return nil, 0, eris.Wrap(err, "postgres: scan recent interaction")
		}
		if err := json.Unmarshal(participantsJSON, &r.Participants); err != nil {
			return nil, 0, eris.Wrap(err, "postgres: unmarshal participants")
		}
		recs = append(recs, r)
	}
	return recs, total, eris.Wrap(rows.Err(), "postgres: iterate recent interactions")
}

func (s *PostgresStore) OpenOpportunities(ctx context.Context, accountID string, limit int) ([]model.Opportunity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, name, stage, amount, close_date, open
		 FROM opportunities
		 WHERE account_id = $1 AND open
		 ORDER BY close_date ASC NULLS LAST
		 LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: open opportunities")
	}
	defer rows.Close()

	var opps []model.Opportunity
	for rows.Next() {
		var o model.Opportunity
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Name, &o.Stage, &o.Amount, &o.CloseDate, &o.Open); err != nil {
			return nil, eris.Wrap(err, "postgres: scan opportunity")
		}
		opps = append(opps, o)
	}
	return opps, eris.Wrap(rows.Err(), "postgres: iterate opportunities")
}

func (s *PostgresStore) RecentActivities(ctx context.Context, accountID string, limit int) ([]model.Activity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, type, subject, occurred_at
		 FROM activities
		 WHERE account_id = $1
		 ORDER BY occurred_at DESC NULLS LAST
		 LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent activities")
	}
	defer rows.Close()

	var acts []model.Activity
	for rows.Next() {
		var a model.Activity
		if err := rows.Scan(&a.ID, &a.AccountID, &a.Type, &a.Subject, &a.OccurredAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan activity")
		}
		acts = append(acts, a)
	}
	return acts, eris.Wrap(rows.Err(), "postgres: iterate activities")
}

func (s *PostgresStore) GetMatch(ctx context.Context, interactionID string) (*model.Match, error) {
	var m model.Match
	err := s.pool.QueryRow(ctx,
		`SELECT interaction_id, contact_id, account_id, method, confidence, note, matched_at
		 FROM matches WHERE interaction_id = $1`,
		interactionID,
	).Scan(&m.InteractionID, &m.ContactID, &m.AccountID, &m.Method, &m.Confidence, &m.Note, &m.MatchedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get match %s", interactionID)
	}
	return &m, nil
}

var matchUpsert = db.UpsertConfig{
	Table:        "matches",
	Columns:      []string{"interaction_id", "contact_id", "account_id", "method", "confidence", "note", "matched_at"},
	ConflictKeys: []string{"interaction_id"},
}

// UpsertMatches flushes a batch of match rows and back-fills the resolved
// contact id on the interaction rows. Re-flushing the same batch rewrites
// the same rows.
func (s *PostgresStore) UpsertMatches(ctx context.Context, matches []model.Match) (int64, error) {
	if len(matches) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(matches))
	for i, m := range matches {
		rows[i] = []any{m.InteractionID, m.ContactID, m.AccountID, string(m.Method), m.Confidence, m.Note, m.MatchedAt}
	}

	n, err := db.BulkUpsert(ctx, s.pool, matchUpsert, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert matches")
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE interactions i SET contact_id = m.contact_id
		 FROM matches m
		 WHERE i.id = m.interaction_id AND m.contact_id IS NOT NULL
		   AND i.contact_id IS DISTINCT FROM m.contact_id`,
	)
	if err != nil {
		return n, eris.Wrap(err, "postgres: backfill interaction contact ids")
	}
	return n, nil
}

func (s *PostgresStore) UpsertScoreSnapshot(ctx context.Context, snap model.AccountScoreSnapshot) error {
	signalsJSON, err := json.Marshal(snap.KeySignals)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal key signals")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO account_scores
		 (account_id, score_date, priority_score, budget_likelihood, engagement_score,
		  reasoning, recommended_action, key_signals, last_interaction_date, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (account_id, score_date) DO UPDATE SET
		   priority_score = $3, budget_likelihood = $4, engagement_score = $5,
		   reasoning = $6, recommended_action = $7, key_signals = $8,
		   last_interaction_date = $9, created_at = $10`,
		snap.AccountID, snap.ScoreDate, snap.PriorityScore, snap.BudgetLikelihood,
		snap.EngagementScore, snap.Reasoning, snap.RecommendedAction, signalsJSON,
		snap.LastInteractionDate, snap.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert score snapshot %s", snap.AccountID)
}

func (s *PostgresStore) LatestScore(ctx context.Context, accountID string) (*model.AccountScoreSnapshot, error) {
	var snap model.AccountScoreSnapshot
	var signalsJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, score_date, priority_score, budget_likelihood, engagement_score,
		        reasoning, recommended_action, key_signals, last_interaction_date, created_at
		 FROM account_scores
		 WHERE account_id = $1
		 ORDER BY score_date DESC LIMIT 1`,
		accountID,
	).Scan(&snap.AccountID, &snap.ScoreDate, &snap.PriorityScore, &snap.BudgetLikelihood,
		&snap.EngagementScore, &snap.Reasoning, &snap.RecommendedAction, &signalsJSON,
		&snap.LastInteractionDate, &snap.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: latest score %s", accountID)
	}
	if err := json.Unmarshal(signalsJSON, &snap.KeySignals); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal key signals")
	}
	return &snap, nil
}

func (s *PostgresStore) StartRun(ctx context.Context, source string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO etl_runs (source_system, status, started_at)
		 VALUES ($1, 'running', now()) RETURNING id`,
		source,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: start run for %s", source)
	}
	return id, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID int64, status model.RunStatus, rowsProcessed int64, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE etl_runs
		 SET status = $1, rows_processed = $2, error = NULLIF($3, ''), completed_at = now()
		 WHERE id = $4`,
		string(status), rowsProcessed, errMsg, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %d", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("etl_run not found: %d", runID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, source string, limit int) ([]model.ETLRun, error) {
	query := `SELECT id, source_system, status, rows_processed, error, started_at, completed_at
	          FROM etl_runs WHERE true`
	args := []any{}
	argIdx := 1

	if source != "" {
		query += ` AND source_system = $1`
		args = append(args, source)
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.ETLRun
	for rows.Next() {
		var r model.ETLRun
		var errStr *string
		if err := rows.Scan(&r.ID, &r.SourceSystem, &r.Status, &r.RowsProcessed, &errStr, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if errStr != nil {
			r.Error = *errStr
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate runs")
}
