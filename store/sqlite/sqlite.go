/*
Package sqlite provides a SQLite-backed implementation of template.Store.

PURPOSE:
  Persists rate templates, their audit history, calculation results and
  bulk jobs. In production the same patterns apply to PostgreSQL with
  minor SQL dialect differences.

KEY TABLES:
  rate_templates:    Current template state (decimals stored as TEXT)
  template_history:  Append-only audit rows, one per mutation
  rate_calculations: Persisted calculation inputs and results
  bulk_calculations: Bulk jobs with their per-template results
  bulk_templates:    Which bulk jobs reference which templates

INVARIANTS ENFORCED BY THE SCHEMA:
  - idx_one_active_per_name: at most one active template per (org, name)
  - UpdateTemplate is a compare-and-swap on version:
      UPDATE ... WHERE id = ? AND version = ?
  - No UPDATE or DELETE statements on template_history

CONCURRENCY:
  The pool is limited to one connection, so ":memory:" databases are
  shared and writes are serialized. WithTx holds that connection for the
  whole transaction, which is why everything inside fn goes through the
  *sql.Tx.

USAGE:
  store, err := sqlite.New("./data/rates.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := template.NewService(store, engine)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - template/store.go: Interface definition
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/rate-engine/rate"
	"github.com/warp/rate-engine/template"
)

// Store implements template.Store using SQLite.
type Store struct {
	db *sql.DB
	queries
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, queries: queries{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rate_templates (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		name TEXT NOT NULL,
		base_rate TEXT NOT NULL,
		base_margin TEXT NOT NULL,
		super_rate TEXT NOT NULL,
		leave_loading TEXT NOT NULL,
		workers_comp_rate TEXT NOT NULL,
		payroll_tax_rate TEXT NOT NULL,
		training_cost_rate TEXT NOT NULL,
		other_costs_rate TEXT NOT NULL,
		funding_offset TEXT NOT NULL,
		casual_loading TEXT NOT NULL,
		award_code TEXT,
		classification_code TEXT,
		work_pattern_json TEXT,
		billable_json TEXT,
		effective_from TEXT,
		effective_to TEXT,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_by TEXT NOT NULL,
		updated_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rate_templates_org
		ON rate_templates(org_id, name);

	-- At most one active template per organization and name
	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_per_name
		ON rate_templates(org_id, name)
		WHERE status = 'active';

	-- Audit history (append-only)
	CREATE TABLE IF NOT EXISTS template_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		template_id TEXT NOT NULL,
		org_id TEXT NOT NULL,
		action TEXT NOT NULL,
		version INTEGER NOT NULL,
		changes_json TEXT,
		actor TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_template_history_template
		ON template_history(template_id, version);
	CREATE INDEX IF NOT EXISTS idx_template_history_org
		ON template_history(org_id, seq);

	CREATE TABLE IF NOT EXISTS rate_calculations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		template_id TEXT NOT NULL,
		template_version INTEGER NOT NULL,
		rate TEXT NOT NULL,
		inputs_json TEXT NOT NULL,
		result_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rate_calculations_template
		ON rate_calculations(template_id, seq);

	CREATE TABLE IF NOT EXISTS bulk_calculations (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		status TEXT NOT NULL,
		template_ids_json TEXT NOT NULL,
		results_json TEXT NOT NULL,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bulk_calculations_org
		ON bulk_calculations(org_id, created_at);

	CREATE TABLE IF NOT EXISTS bulk_templates (
		bulk_id TEXT NOT NULL,
		template_id TEXT NOT NULL,
		PRIMARY KEY (bulk_id, template_id)
	);

	CREATE INDEX IF NOT EXISTS idx_bulk_templates_template
		ON bulk_templates(template_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store template.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{q: sqlTx}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	queries
}

// WithTx inside a transaction joins it.
func (ts *txStore) WithTx(_ context.Context, fn func(store template.Store) error) error {
	return fn(ts)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement; Store runs it on the pool and txStore on
// the open transaction.
type queries struct {
	q querier
}

// =============================================================================
// TEMPLATES
// =============================================================================

const templateColumns = `
	id, org_id, name, base_rate, base_margin, super_rate, leave_loading,
	workers_comp_rate, payroll_tax_rate, training_cost_rate, other_costs_rate,
	funding_offset, casual_loading, award_code, classification_code,
	work_pattern_json, billable_json, effective_from, effective_to,
	status, version, created_by, updated_by, created_at, updated_at`

// CreateTemplate inserts a new template.
func (q queries) CreateTemplate(ctx context.Context, t template.Template) error {
	args, err := templateArgs(t)
	if err != nil {
		return err
	}

	query := `INSERT INTO rate_templates (` + templateColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := q.q.ExecContext(ctx, query, args...); err != nil {
		if isUniqueConstraintError(err) {
			if isActiveNameError(err) {
				return activeNameTaken()
			}
			return &rate.ConflictError{TemplateID: t.ID}
		}
		return fmt.Errorf("failed to insert template: %w", err)
	}
	return nil
}

// GetTemplate returns nil, nil when id does not exist.
func (q queries) GetTemplate(ctx context.Context, id string) (*template.Template, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM rate_templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTemplates returns an org's templates ordered by name.
func (q queries) ListTemplates(ctx context.Context, orgID string) ([]template.Template, error) {
	return q.queryTemplates(ctx,
		`SELECT `+templateColumns+` FROM rate_templates WHERE org_id = ? ORDER BY name, created_at`,
		orgID)
}

// ListActive returns active templates across every org.
func (q queries) ListActive(ctx context.Context) ([]template.Template, error) {
	return q.queryTemplates(ctx,
		`SELECT `+templateColumns+` FROM rate_templates WHERE status = 'active' ORDER BY org_id, name`)
}

// FindActive returns the active template for (orgID, name), if any.
func (q queries) FindActive(ctx context.Context, orgID, name string) (*template.Template, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM rate_templates WHERE org_id = ? AND name = ? AND status = 'active'`,
		orgID, name)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTemplate replaces the stored row if its version is still
// expectedVersion.
func (q queries) UpdateTemplate(ctx context.Context, t template.Template, expectedVersion int) error {
	args, err := templateArgs(t)
	if err != nil {
		return err
	}

	query := `
		UPDATE rate_templates SET
			org_id = ?, name = ?, base_rate = ?, base_margin = ?, super_rate = ?,
			leave_loading = ?, workers_comp_rate = ?, payroll_tax_rate = ?,
			training_cost_rate = ?, other_costs_rate = ?, funding_offset = ?,
			casual_loading = ?, award_code = ?, classification_code = ?,
			work_pattern_json = ?, billable_json = ?, effective_from = ?,
			effective_to = ?, status = ?, version = ?, created_by = ?,
			updated_by = ?, created_at = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`
	// args[0] is the id; it moves to the WHERE clause.
	setArgs := append(append([]any{}, args[1:]...), t.ID, expectedVersion)

	res, err := q.q.ExecContext(ctx, query, setArgs...)
	if err != nil {
		if isActiveNameError(err) {
			return activeNameTaken()
		}
		return fmt.Errorf("failed to update template: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var actual int
	err = q.q.QueryRowContext(ctx, "SELECT version FROM rate_templates WHERE id = ?", t.ID).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return &rate.NotFoundError{Kind: "template", ID: t.ID}
	}
	if err != nil {
		return err
	}
	return &rate.ConflictError{TemplateID: t.ID, ExpectedVersion: expectedVersion, ActualVersion: actual}
}

func (q queries) queryTemplates(ctx context.Context, query string, args ...any) ([]template.Template, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var templates []template.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

func templateArgs(t template.Template) ([]any, error) {
	wp, err := optionalJSON(t.WorkPattern)
	if err != nil {
		return nil, err
	}
	billable, err := optionalJSON(t.Billable)
	if err != nil {
		return nil, err
	}

	return []any{
		t.ID,
		t.OrgID,
		t.Name,
		t.BaseRate.String(),
		t.BaseMargin.String(),
		t.SuperRate.String(),
		t.LeaveLoading.String(),
		t.WorkersCompRate.String(),
		t.PayrollTaxRate.String(),
		t.TrainingCostRate.String(),
		t.OtherCostsRate.String(),
		t.FundingOffset.String(),
		t.CasualLoading.String(),
		nullString(t.AwardCode),
		nullString(t.ClassificationCode),
		wp,
		billable,
		nullTime(t.EffectiveFrom),
		nullTime(t.EffectiveTo),
		string(t.Status),
		t.Version,
		t.CreatedBy,
		t.UpdatedBy,
		formatTime(t.CreatedAt),
		formatTime(t.UpdatedAt),
	}, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row scanner) (template.Template, error) {
	var (
		t                    template.Template
		decimals             [10]string
		awardCode, classCode sql.NullString
		wpJSON, billableJSON sql.NullString
		effFrom, effTo       sql.NullString
		status               string
		createdAt, updatedAt string
	)

	err := row.Scan(
		&t.ID, &t.OrgID, &t.Name,
		&decimals[0], &decimals[1], &decimals[2], &decimals[3], &decimals[4],
		&decimals[5], &decimals[6], &decimals[7], &decimals[8], &decimals[9],
		&awardCode, &classCode, &wpJSON, &billableJSON, &effFrom, &effTo,
		&status, &t.Version, &t.CreatedBy, &t.UpdatedBy, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return t, err
	}
	if err != nil {
		return t, fmt.Errorf("failed to scan template: %w", err)
	}

	targets := []*decimal.Decimal{
		&t.BaseRate, &t.BaseMargin, &t.SuperRate, &t.LeaveLoading, &t.WorkersCompRate,
		&t.PayrollTaxRate, &t.TrainingCostRate, &t.OtherCostsRate, &t.FundingOffset, &t.CasualLoading,
	}
	for i, dst := range targets {
		v, err := decimal.NewFromString(decimals[i])
		if err != nil {
			return t, fmt.Errorf("template %s: bad decimal %q: %w", t.ID, decimals[i], err)
		}
		*dst = v
	}

	t.AwardCode = awardCode.String
	t.ClassificationCode = classCode.String
	t.Status = template.Status(status)
	if wpJSON.Valid {
		t.WorkPattern = &rate.WorkPattern{}
		if err := json.Unmarshal([]byte(wpJSON.String), t.WorkPattern); err != nil {
			return t, fmt.Errorf("template %s: bad work pattern: %w", t.ID, err)
		}
	}
	if billableJSON.Valid {
		t.Billable = &rate.BillableOptions{}
		if err := json.Unmarshal([]byte(billableJSON.String), t.Billable); err != nil {
			return t, fmt.Errorf("template %s: bad billable options: %w", t.ID, err)
		}
	}
	t.EffectiveFrom = parseNullTime(effFrom)
	t.EffectiveTo = parseNullTime(effTo)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

// =============================================================================
// HISTORY
// =============================================================================

// AppendHistory inserts one audit row.
func (q queries) AppendHistory(ctx context.Context, h template.History) error {
	changes, err := json.Marshal(h.Changes)
	if err != nil {
		return fmt.Errorf("failed to encode changes: %w", err)
	}

	_, err = q.q.ExecContext(ctx, `
		INSERT INTO template_history (id, template_id, org_id, action, version, changes_json, actor, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.TemplateID, h.OrgID, string(h.Action), h.Version, string(changes), h.Actor, formatTime(h.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// ListHistory returns a template's history ordered by version.
func (q queries) ListHistory(ctx context.Context, templateID string) ([]template.History, error) {
	return q.queryHistory(ctx, `
		SELECT id, template_id, org_id, action, version, changes_json, actor, timestamp
		FROM template_history
		WHERE template_id = ?
		ORDER BY version ASC, seq ASC`, templateID)
}

// RecentHistory returns an org's latest history rows, newest first.
func (q queries) RecentHistory(ctx context.Context, orgID string, limit int) ([]template.History, error) {
	if limit <= 0 {
		limit = -1 // no limit
	}
	return q.queryHistory(ctx, `
		SELECT id, template_id, org_id, action, version, changes_json, actor, timestamp
		FROM template_history
		WHERE org_id = ?
		ORDER BY seq DESC
		LIMIT ?`, orgID, limit)
}

func (q queries) queryHistory(ctx context.Context, query string, args ...any) ([]template.History, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []template.History
	for rows.Next() {
		var (
			h           template.History
			action      string
			changesJSON sql.NullString
			ts          string
		)
		if err := rows.Scan(&h.ID, &h.TemplateID, &h.OrgID, &action, &h.Version, &changesJSON, &h.Actor, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		h.Action = template.Action(action)
		h.Timestamp = parseTime(ts)
		if changesJSON.Valid && changesJSON.String != "" && changesJSON.String != "null" {
			if err := json.Unmarshal([]byte(changesJSON.String), &h.Changes); err != nil {
				return nil, fmt.Errorf("history %s: bad changes: %w", h.ID, err)
			}
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// =============================================================================
// CALCULATIONS
// =============================================================================

// SaveCalculation stores a calculation result.
func (q queries) SaveCalculation(ctx context.Context, c template.Calculation) error {
	inputs, err := json.Marshal(c.Inputs)
	if err != nil {
		return fmt.Errorf("failed to encode inputs: %w", err)
	}
	result, err := json.Marshal(c.Result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	_, err = q.q.ExecContext(ctx, `
		INSERT INTO rate_calculations (id, template_id, template_version, rate, inputs_json, result_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TemplateID, c.TemplateVersion, c.Result.Rate.String(), string(inputs), string(result), formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save calculation: %w", err)
	}
	return nil
}

// LatestCalculation returns the most recent calculation of a template.
func (q queries) LatestCalculation(ctx context.Context, templateID string) (*template.Calculation, error) {
	var (
		c                  template.Calculation
		inputs, result, ts string
	)
	err := q.q.QueryRowContext(ctx, `
		SELECT id, template_id, template_version, inputs_json, result_json, created_at
		FROM rate_calculations
		WHERE template_id = ?
		ORDER BY seq DESC
		LIMIT 1`, templateID,
	).Scan(&c.ID, &c.TemplateID, &c.TemplateVersion, &inputs, &result, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load calculation: %w", err)
	}

	if err := json.Unmarshal([]byte(inputs), &c.Inputs); err != nil {
		return nil, fmt.Errorf("calculation %s: bad inputs: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(result), &c.Result); err != nil {
		return nil, fmt.Errorf("calculation %s: bad result: %w", c.ID, err)
	}
	c.CreatedAt = parseTime(ts)
	return &c, nil
}

// =============================================================================
// BULK CALCULATIONS
// =============================================================================

// SaveBulk inserts or replaces a bulk job.
func (q queries) SaveBulk(ctx context.Context, b template.BulkCalculation) error {
	ids, err := json.Marshal(b.TemplateIDs)
	if err != nil {
		return fmt.Errorf("failed to encode template ids: %w", err)
	}
	results := b.Results
	if results == nil {
		results = []template.BulkResult{}
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}

	_, err = q.q.ExecContext(ctx, `
		INSERT INTO bulk_calculations (id, org_id, status, template_ids_json, results_json, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			template_ids_json = excluded.template_ids_json,
			results_json = excluded.results_json,
			updated_at = excluded.updated_at`,
		b.ID, b.OrgID, string(b.Status), string(ids), string(resultsJSON),
		nullString(b.CreatedBy), formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save bulk calculation: %w", err)
	}

	for _, id := range b.TemplateIDs {
		if _, err := q.q.ExecContext(ctx,
			"INSERT OR IGNORE INTO bulk_templates (bulk_id, template_id) VALUES (?, ?)",
			b.ID, id,
		); err != nil {
			return fmt.Errorf("failed to index bulk calculation: %w", err)
		}
	}
	return nil
}

// GetBulk returns nil, nil when id does not exist.
func (q queries) GetBulk(ctx context.Context, id string) (*template.BulkCalculation, error) {
	out, err := q.queryBulk(ctx, bulkSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

// ListBulk returns an org's bulk jobs, newest first.
func (q queries) ListBulk(ctx context.Context, orgID string) ([]template.BulkCalculation, error) {
	return q.queryBulk(ctx, bulkSelect+` WHERE org_id = ? ORDER BY created_at DESC, id DESC`, orgID)
}

// BulkReferences returns the ids of bulk jobs that include templateID.
func (q queries) BulkReferences(ctx context.Context, templateID string) ([]string, error) {
	rows, err := q.q.QueryContext(ctx,
		"SELECT bulk_id FROM bulk_templates WHERE template_id = ? ORDER BY bulk_id", templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bulk references: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const bulkSelect = `
	SELECT id, org_id, status, template_ids_json, results_json, created_by, created_at, updated_at
	FROM bulk_calculations`

func (q queries) queryBulk(ctx context.Context, query string, args ...any) ([]template.BulkCalculation, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bulk calculations: %w", err)
	}
	defer rows.Close()

	var out []template.BulkCalculation
	for rows.Next() {
		var (
			b                    template.BulkCalculation
			status, ids, results string
			createdBy            sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&b.ID, &b.OrgID, &status, &ids, &results, &createdBy, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bulk calculation: %w", err)
		}
		b.Status = template.BulkStatus(status)
		b.CreatedBy = createdBy.String
		b.CreatedAt = parseTime(createdAt)
		b.UpdatedAt = parseTime(updatedAt)
		if err := json.Unmarshal([]byte(ids), &b.TemplateIDs); err != nil {
			return nil, fmt.Errorf("bulk %s: bad template ids: %w", b.ID, err)
		}
		if err := json.Unmarshal([]byte(results), &b.Results); err != nil {
			return nil, fmt.Errorf("bulk %s: bad results: %w", b.ID, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func optionalJSON[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func activeNameTaken() error {
	return &rate.ConfigurationError{Field: "name", Reason: "another active template already uses this name"}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

// isActiveNameError detects idx_one_active_per_name. SQLite reports the
// indexed columns rather than the index name.
func isActiveNameError(err error) bool {
	return isUniqueConstraintError(err) && strings.Contains(err.Error(), "rate_templates.org_id, rate_templates.name")
}

var (
	_ template.Store = (*Store)(nil)
	_ template.Store = (*txStore)(nil)
)
