// Package ledger persists per-call spend so monthly cost enforcement and
// reporting survive restarts.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/velar-health/velar/pkg/models"
)

// Ledger records and queries spend.
type Ledger interface {
	// Record stores one completed generation.
	Record(ctx context.Context, entry models.LedgerEntry) error
	// MonthToDateCents returns total spend since the start of the current
	// calendar month (UTC).
	MonthToDateCents(ctx context.Context) (int64, error)
	// Summary returns aggregated spend grouped by provider and model,
	// optionally filtered by provider.
	Summary(ctx context.Context, provider string) ([]models.SpendSummary, error)
	// Report is Summary restricted to entries recorded at or after since.
	Report(ctx context.Context, since time.Time) ([]models.SpendSummary, error)
	// Close releases resources.
	Close() error
}

// SQLiteLedger implements Ledger with a SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	tokens_in INTEGER NOT NULL,
	tokens_out INTEGER NOT NULL,
	cost_cents INTEGER NOT NULL,
	cache_hit INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_ledger_time ON ledger_entries(created_at);
CREATE INDEX IF NOT EXISTS idx_ledger_provider ON ledger_entries(provider, created_at);
`

// New creates a SQLiteLedger and runs auto-migration.
func New(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}

	return &SQLiteLedger{db: db}, nil
}

// Record stores one completed generation.
func (l *SQLiteLedger) Record(ctx context.Context, entry models.LedgerEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO ledger_entries (request_id, provider, model, tokens_in, tokens_out, cost_cents, cache_hit, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.Provider, entry.Model, entry.TokensIn, entry.TokensOut,
		entry.CostCents, entry.CacheHit, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record ledger entry: %w", err)
	}
	return nil
}

// MonthStart returns the first instant of t's calendar month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MonthToDateCents returns total spend since the start of the current month.
func (l *SQLiteLedger) MonthToDateCents(ctx context.Context) (int64, error) {
	var total int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_cents), 0) FROM ledger_entries WHERE created_at >= ?`,
		MonthStart(time.Now()),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("month-to-date spend: %w", err)
	}
	return total, nil
}

// Summary returns aggregated spend grouped by provider and model.
func (l *SQLiteLedger) Summary(ctx context.Context, provider string) ([]models.SpendSummary, error) {
	query := `SELECT provider, model, COUNT(*), SUM(tokens_in), SUM(tokens_out), SUM(cost_cents)
		 FROM ledger_entries`
	var args []any
	if provider != "" {
		query += ` WHERE provider = ?`
		args = append(args, provider)
	}
	query += ` GROUP BY provider, model ORDER BY provider, model`

	return l.summarize(ctx, query, args...)
}

// Report returns aggregated spend for entries recorded at or after since.
func (l *SQLiteLedger) Report(ctx context.Context, since time.Time) ([]models.SpendSummary, error) {
	query := `SELECT provider, model, COUNT(*), SUM(tokens_in), SUM(tokens_out), SUM(cost_cents)
		 FROM ledger_entries WHERE created_at >= ?
		 GROUP BY provider, model ORDER BY provider, model`

	return l.summarize(ctx, query, since)
}

func (l *SQLiteLedger) summarize(ctx context.Context, query string, args ...any) ([]models.SpendSummary, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("spend summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.SpendSummary
	for rows.Next() {
		var s models.SpendSummary
		if err := rows.Scan(&s.Provider, &s.Model, &s.RequestCount, &s.TokensIn, &s.TokensOut, &s.CostCents); err != nil {
			return nil, fmt.Errorf("scan spend summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Close releases the database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
