// Package audit persists a tamper-evident trail of gateway decisions:
// policy checks, denials, and completed generations.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/velar-health/velar/pkg/models"
)

// Sink receives audit events. Implementations must be safe for concurrent
// use. Recording failures are the caller's to log; they must never fail
// the request being audited.
type Sink interface {
	Record(ctx context.Context, ev models.AuditEvent) error
}

// NopSink discards events. Used when auditing is disabled.
type NopSink struct{}

func (NopSink) Record(context.Context, models.AuditEvent) error { return nil }

// Logger implements Sink with a dedicated SQLite database.
type Logger struct {
	db     *sql.DB
	cfg    models.AuditConfig
	redact func(string) string
	done   chan struct{}
	wg     sync.WaitGroup
}

// New opens the audit database and creates the schema. redact is applied
// to every metadata value before persistence; nil means no redaction.
// When retention is configured, a background sweep prunes old events
// hourly until Close.
func New(cfg models.AuditConfig, redact func(string) string) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	if redact == nil {
		redact = func(s string) string { return s }
	}

	l := &Logger{
		db:     db,
		cfg:    cfg,
		redact: redact,
		done:   make(chan struct{}),
	}

	if cfg.RetentionDays > 0 {
		l.wg.Add(1)
		go l.retentionLoop()
	}

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_events (
		id         TEXT PRIMARY KEY,
		request_id TEXT,
		action     TEXT NOT NULL,
		result     TEXT NOT NULL,
		rule       TEXT,
		provider   TEXT,
		model      TEXT,
		latency_ms INTEGER,
		metadata   TEXT,
		created_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_events(action, result)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_events(created_at)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_events(request_id)`)
	return err
}

// Record inserts an audit event, redacting metadata values first.
func (l *Logger) Record(ctx context.Context, ev models.AuditEvent) error {
	if l == nil || l.db == nil {
		return nil
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	var metaJSON string
	if len(ev.Metadata) > 0 {
		clean := make(map[string]string, len(ev.Metadata))
		for k, v := range ev.Metadata {
			clean[k] = l.redact(v)
		}
		b, err := json.Marshal(clean)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		if l.cfg.MaxMetaSize > 0 && len(b) > l.cfg.MaxMetaSize {
			b, _ = json.Marshal(map[string]string{
				"truncated": fmt.Sprintf("metadata exceeded %d bytes", l.cfg.MaxMetaSize),
			})
		}
		metaJSON = string(b)
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_events
		(id, request_id, action, result, rule, provider, model, latency_ms, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RequestID, ev.Action, ev.Result, ev.Rule,
		ev.Provider, ev.Model, ev.LatencyMs, metaJSON, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

// Query returns audit events matching the given options, newest first.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEvent, error) {
	q := `SELECT id, request_id, action, result, rule, provider, model, latency_ms, metadata, created_at
		FROM audit_events WHERE 1=1`
	var args []any

	if opts.Action != "" {
		q += " AND action = ?"
		args = append(args, opts.Action)
	}
	if opts.Result != "" {
		q += " AND result = ?"
		args = append(args, opts.Result)
	}
	if opts.Provider != "" {
		q += " AND provider = ?"
		args = append(args, opts.Provider)
	}
	if opts.RequestID != "" {
		q += " AND request_id = ?"
		args = append(args, opts.RequestID)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since)
	}

	q += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		var requestID, rule, provider, model, meta sql.NullString
		var latency sql.NullInt64
		if err := rows.Scan(
			&ev.ID, &requestID, &ev.Action, &ev.Result, &rule,
			&provider, &model, &latency, &meta, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		ev.RequestID = requestID.String
		ev.Rule = rule.String
		ev.Provider = provider.String
		ev.Model = model.String
		ev.LatencyMs = latency.Int64
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &ev.Metadata)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Stats returns aggregate counts grouped by action, result, and day.
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT action, result, date(created_at) as day, count(*) as cnt
		 FROM audit_events GROUP BY action, result, day ORDER BY day DESC, action, result`)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var s models.AuditStat
		var day sql.NullString
		if err := rows.Scan(&s.Action, &s.Result, &day, &s.Count); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes events older than the configured retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	if l.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM audit_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			_, _ = l.Cleanup(context.Background())
		}
	}
}
