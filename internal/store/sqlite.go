package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/sales-pipeline/internal/model"
	"github.com/sells-group/sales-pipeline/internal/normalize"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// and mock-provider runs; the production warehouse is Postgres.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single connection keeps writers serialized and makes :memory:
	// databases behave (each connection would otherwise get its own).
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS accounts (
	id        TEXT PRIMARY KEY,
	name      TEXT NOT NULL DEFAULT '',
	synced_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS contacts (
	id           TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	emails       TEXT NOT NULL DEFAULT '[]',
	phones       TEXT NOT NULL DEFAULT '[]',
	synced_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_contacts_account ON contacts(account_id);

CREATE TABLE IF NOT EXISTS interactions (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	kind         TEXT NOT NULL,
	participants TEXT NOT NULL DEFAULT '[]',
	occurred_at  DATETIME,
	content      TEXT NOT NULL DEFAULT '',
	contact_id   TEXT
);

CREATE INDEX IF NOT EXISTS idx_interactions_contact ON interactions(contact_id);

CREATE TABLE IF NOT EXISTS opportunities (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	stage      TEXT NOT NULL DEFAULT '',
	amount     REAL,
	close_date DATETIME,
	open       INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_opportunities_account ON opportunities(account_id);

CREATE TABLE IF NOT EXISTS activities (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL,
	type        TEXT NOT NULL DEFAULT '',
	subject     TEXT NOT NULL DEFAULT '',
	occurred_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_activities_account ON activities(account_id);

CREATE TABLE IF NOT EXISTS matches (
	interaction_id TEXT PRIMARY KEY,
	contact_id     TEXT,
	account_id     TEXT,
	method         TEXT NOT NULL,
	confidence     REAL NOT NULL DEFAULT 0,
	note           TEXT NOT NULL DEFAULT '',
	matched_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_matches_account ON matches(account_id);

CREATE TABLE IF NOT EXISTS account_scores (
	account_id            TEXT NOT NULL,
	score_date            DATE NOT NULL,
	priority_score        INTEGER NOT NULL,
	budget_likelihood     INTEGER NOT NULL,
	engagement_score      INTEGER NOT NULL,
	reasoning             TEXT NOT NULL DEFAULT '',
	recommended_action    TEXT NOT NULL DEFAULT '',
	key_signals           TEXT NOT NULL DEFAULT '[]',
	last_interaction_date DATE,
	created_at            DATETIME NOT NULL,
	PRIMARY KEY (account_id, score_date)
);

CREATE TABLE IF NOT EXISTS etl_runs (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	source_system  TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'running',
	rows_processed INTEGER NOT NULL DEFAULT 0,
	error          TEXT,
	started_at     DATETIME NOT NULL,
	completed_at   DATETIME
);

CREATE INDEX IF NOT EXISTS idx_etl_runs_source_started ON etl_runs(source_system, started_at DESC);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) findContactsWhere(ctx context.Context, where string, args ...any) ([]model.Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, display_name, emails, phones FROM contacts WHERE `+where+` ORDER BY id`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query contacts")
	}
	defer rows.Close()

	var contacts []model.Contact
	for rows.Next() {
		var c model.Contact
		var emailsJSON, phonesJSON string
		if err := rows.Scan(&c.ID, &c.AccountID, &c.DisplayName, &emailsJSON, &phonesJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan contact")
		}
		if err := json.Unmarshal([]byte(emailsJSON), &c.Emails); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal contact emails")
		}
		if err := json.Unmarshal([]byte(phonesJSON), &c.Phones); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal contact phones")
		}
		contacts = append(contacts, c)
	}
	return contacts, eris.Wrap(rows.Err(), "sqlite: iterate contacts")
}

// sqlitePhoneDigits strips the separators CRM phone values carry.
// SQLite has no regexp_replace, so common formatting characters are
// peeled off one replace at a time.
const sqlitePhoneDigits = `replace(replace(replace(replace(replace(replace(json_each.value, ' ', ''), '-', ''), '(', ''), ')', ''), '.', ''), '+', '')`

// Contact lookups lowercase stored emails and reduce stored phones to
// digits before comparing; upstream sync does not guarantee canonical
// identifiers in the mirror.
func (s *SQLiteStore) FindContactsByEmail(ctx context.Context, email string) ([]model.Contact, error) {
	return s.findContactsWhere(ctx,
		`EXISTS (SELECT 1 FROM json_each(contacts.emails) WHERE lower(trim(json_each.value)) = ?)`, email)
}

func (s *SQLiteStore) FindContactsByPhone(ctx context.Context, phone string) ([]model.Contact, error) {
	full, national := normalize.PhoneVariants(phone)
	return s.findContactsWhere(ctx,
		`EXISTS (SELECT 1 FROM json_each(contacts.phones) WHERE `+sqlitePhoneDigits+` IN (?, ?))`,
		full, national)
}

func (s *SQLiteStore) FindContactsByEmailDomain(ctx context.Context, domain string) ([]model.Contact, error) {
	return s.findContactsWhere(ctx,
		`EXISTS (SELECT 1 FROM json_each(contacts.emails)
		 WHERE substr(lower(trim(json_each.value)), instr(lower(trim(json_each.value)), '@') + 1) = ?)`, domain)
}

func (s *SQLiteStore) GetContact(ctx context.Context, contactID string) (*model.Contact, error) {
	contacts, err := s.findContactsWhere(ctx, `id = ?`, contactID)
	if err != nil {
		return nil, err
	}
	if len(contacts) == 0 {
		return nil, nil
	}
	return &contacts[0], nil
}

func (s *SQLiteStore) GetAccountName(ctx context.Context, accountID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM accounts WHERE id = ?`, accountID).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrAccountNotFound
		}
		return "", eris.Wrapf(err, "sqlite: get account %s", accountID)
	}
	return name, nil
}

func (s *SQLiteStore) ListAccountIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list account ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan account id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: iterate account ids")
}

func (s *SQLiteStore) scanInteractionRows(rows *sql.Rows) ([]model.InteractionRecord, error) {
	var recs []model.InteractionRecord
	for rows.Next() {
		var r model.InteractionRecord
		var participantsJSON string
		if err := rows.Scan(&r.ID, &r.Source, &r.Kind, &participantsJSON, &r.OccurredAt, &r.Content, &r.ContactID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan interaction")
		}
		if err := json.Unmarshal([]byte(participantsJSON), &r.Participants); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal participants")
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: iterate interactions")
}

func (s *SQLiteStore) ListUnmatchedInteractions(ctx context.Context, limit int) ([]model.InteractionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, kind, participants, occurred_at, content, contact_id
		 FROM interactions i
		 WHERE NOT EXISTS (
		   SELECT 1 FROM matches m
		   WHERE m.interaction_id = i.id
		     AND m.method IN ('exact_email', 'exact_phone', 'manual')
		 )
		 ORDER BY i.occurred_at IS NULL, i.occurred_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unmatched interactions")
	}
	defer rows.Close()
	return s.scanInteractionRows(rows)
}

func (s *SQLiteStore) ListInteractions(ctx context.Context, limit int) ([]model.InteractionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, kind, participants, occurred_at, content, contact_id
		 FROM interactions
		 ORDER BY occurred_at IS NULL, occurred_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list interactions")
	}
	defer rows.Close()
	return s.scanInteractionRows(rows)
}

func (s *SQLiteStore) RecentInteractions(ctx context.Context, accountID string, kind model.InteractionKind, limit int) ([]model.InteractionRecord, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM interactions i
		 JOIN matches m ON m.interaction_id = i.id
		 WHERE m.account_id = ? AND i.kind = ?`,
		accountID, string(kind),
	).Scan(&total)
	if err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: count interactions")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT i.id, i.source, i.kind, i.participants, i.occurred_at, i.content, i.contact_id
		 FROM interactions i
		 JOIN matches m ON m.interaction_id = i.id
		 WHERE m.account_id = ? AND i.kind = ?
		 ORDER BY i.occurred_at IS NULL, i.occurred_at DESC
		 LIMIT ?`,
		accountID, string(kind), limit,
	)
	if err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: recent interactions")
	}
	defer rows.Close()

	recs, err := s.scanInteractionRows(rows)
	return recs, total, err
}

func (s *SQLiteStore) OpenOpportunities(ctx context.Context, accountID string, limit int) ([]model.Opportunity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, name, stage, amount, close_date, open
		 FROM opportunities
		 WHERE account_id = ? AND open = 1
		 ORDER BY close_date IS NULL, close_date ASC
		 LIMIT ?`,
		accountID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open opportunities")
	}
	defer rows.Close()

	var opps []model.Opportunity
	for rows.Next() {
		var o model.Opportunity
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Name, &o.Stage, &o.Amount, &o.CloseDate, &o.Open); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan opportunity")
		}
		opps = append(opps, o)
	}
	return opps, eris.Wrap(rows.Err(), "sqlite: iterate opportunities")
}

func (s *SQLiteStore) RecentActivities(ctx context.Context, accountID string, limit int) ([]model.Activity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, type, subject, occurred_at
		 FROM activities
		 WHERE account_id = ?
		 ORDER BY occurred_at IS NULL, occurred_at DESC
		 LIMIT ?`,
		accountID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent activities")
	}
	defer rows.Close()

	var acts []model.Activity
	for rows.Next() {
		var a model.Activity
		if err := rows.Scan(&a.ID, &a.AccountID, &a.Type, &a.Subject, &a.OccurredAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan activity")
		}
		acts = append(acts, a)
	}
	return acts, eris.Wrap(rows.Err(), "sqlite: iterate activities")
}

func (s *SQLiteStore) GetMatch(ctx context.Context, interactionID string) (*model.Match, error) {
	var m model.Match
	err := s.db.QueryRowContext(ctx,
		`SELECT interaction_id, contact_id, account_id, method, confidence, note, matched_at
		 FROM matches WHERE interaction_id = ?`,
		interactionID,
	).Scan(&m.InteractionID, &m.ContactID, &m.AccountID, &m.Method, &m.Confidence, &m.Note, &m.MatchedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get match %s", interactionID)
	}
	return &m, nil
}

func (s *SQLiteStore) UpsertMatches(ctx context.Context, matches []model.Match) (int64, error) {
	if len(matches) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO matches (interaction_id, contact_id, account_id, method, confidence, note, matched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (interaction_id) DO UPDATE SET
		   contact_id = excluded.contact_id, account_id = excluded.account_id,
		   method = excluded.method, confidence = excluded.confidence,
		   note = excluded.note, matched_at = excluded.matched_at`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare match upsert")
	}
	defer stmt.Close()

	var n int64
	for _, m := range matches {
		if _, err := stmt.ExecContext(ctx, m.InteractionID, m.ContactID, m.AccountID,
			string(m.Method), m.Confidence, m.Note, m.MatchedAt); err != nil {
			return n, eris.Wrapf(err, "sqlite: upsert match %s", m.InteractionID)
		}
		n++
		if m.ContactID != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE interactions SET contact_id = ? WHERE id = ?`,
				m.ContactID, m.InteractionID); err != nil {
				return n, eris.Wrapf(err, "sqlite: backfill interaction %s", m.InteractionID)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return n, eris.Wrap(err, "sqlite: commit match upsert")
	}
	return n, nil
}

func (s *SQLiteStore) UpsertScoreSnapshot(ctx context.Context, snap model.AccountScoreSnapshot) error {
	signalsJSON, err := json.Marshal(snap.KeySignals)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal key signals")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO account_scores
		 (account_id, score_date, priority_score, budget_likelihood, engagement_score,
		  reasoning, recommended_action, key_signals, last_interaction_date, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, score_date) DO UPDATE SET
		   priority_score = excluded.priority_score,
		   budget_likelihood = excluded.budget_likelihood,
		   engagement_score = excluded.engagement_score,
		   reasoning = excluded.reasoning,
		   recommended_action = excluded.recommended_action,
		   key_signals = excluded.key_signals,
		   last_interaction_date = excluded.last_interaction_date,
		   created_at = excluded.created_at`,
		snap.AccountID, snap.ScoreDate.Format("2006-01-02"), snap.PriorityScore,
		snap.BudgetLikelihood, snap.EngagementScore, snap.Reasoning, snap.RecommendedAction,
		string(signalsJSON), snap.LastInteractionDate, snap.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert score snapshot %s", snap.AccountID)
}

func (s *SQLiteStore) LatestScore(ctx context.Context, accountID string) (*model.AccountScoreSnapshot, error) {
	var snap model.AccountScoreSnapshot
	var scoreDate string
	var signalsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, score_date, priority_score, budget_likelihood, engagement_score,
		        reasoning, recommended_action, key_signals, last_interaction_date, created_at
		 FROM account_scores
		 WHERE account_id = ?
		 ORDER BY score_date DESC LIMIT 1`,
		accountID,
	).Scan(&snap.AccountID, &scoreDate, &snap.PriorityScore, &snap.BudgetLikelihood,
		&snap.EngagementScore, &snap.Reasoning, &snap.RecommendedAction, &signalsJSON,
		&snap.LastInteractionDate, &snap.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: latest score %s", accountID)
	}
	snap.ScoreDate, err = parseSQLiteDate(scoreDate)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: parse score date")
	}
	if err := json.Unmarshal([]byte(signalsJSON), &snap.KeySignals); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal key signals")
	}
	return &snap, nil
}

// parseSQLiteDate accepts the formats the driver may hand back for a
// DATE column depending on how the value was written.
func parseSQLiteDate(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05.999999999-07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(24 * time.Hour), nil
		}
	}
	return time.Time{}, eris.Errorf("unrecognized date format: %q", s)
}

func (s *SQLiteStore) StartRun(ctx context.Context, source string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO etl_runs (source_system, status, started_at) VALUES (?, 'running', ?)`,
		source, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: start run for %s", source)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: run id")
	}
	return id, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID int64, status model.RunStatus, rowsProcessed int64, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE etl_runs
		 SET status = ?, rows_processed = ?, error = NULLIF(?, ''), completed_at = ?
		 WHERE id = ?`,
		string(status), rowsProcessed, errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %d", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: complete run rows affected")
	}
	if n == 0 {
		return eris.Errorf("etl_run not found: %d", runID)
	}
	return nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, source string, limit int) ([]model.ETLRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, source_system, status, rows_processed, error, started_at, completed_at
	          FROM etl_runs`
	args := []any{}
	if source != "" {
		query += ` WHERE source_system = ?`
		args = append(args, source)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.ETLRun
	for rows.Next() {
		var r model.ETLRun
		var errStr *string
		if err := rows.Scan(&r.ID, &r.SourceSystem, &r.Status, &r.RowsProcessed, &errStr, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		if errStr != nil {
			r.Error = *errStr
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}
