package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pario-ai/genqueue/pkg/models"
	_ "modernc.org/sqlite"
)

// Logger writes and queries interactions in a dedicated SQLite database.
type Logger struct {
	db      *sql.DB
	cfg     models.AuditConfig
	done    chan struct{}
	wg      sync.WaitGroup
	include map[string]bool
	exclude map[string]bool
}

// New opens the audit SQLite database and creates the schema.
func New(cfg models.AuditConfig) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	inc := make(map[string]bool)
	for _, v := range cfg.Include {
		inc[v] = true
	}
	exc := make(map[string]bool)
	for _, v := range cfg.ExcludeSources {
		exc[v] = true
	}

	l := &Logger{
		db:      db,
		cfg:     cfg,
		done:    make(chan struct{}),
		include: inc,
		exclude: exc,
	}

	l.wg.Add(1)
	go l.retentionLoop()

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS interactions (
		request_id      TEXT PRIMARY KEY,
		conversation_id TEXT,
		source          TEXT NOT NULL,
		priority        INTEGER NOT NULL,
		model           TEXT,
		provider        TEXT,
		outcome         TEXT NOT NULL,
		transcript      TEXT,
		result_text     TEXT,
		error_text      TEXT,
		chars           INTEGER,
		latency_ms      INTEGER,
		wait_ms         INTEGER,
		created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_interactions_conversation ON interactions(conversation_id)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_interactions_created ON interactions(created_at)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_interactions_source ON interactions(source)`)
	return err
}

// LogInteraction inserts one interaction, respecting include/exclude configuration.
func (l *Logger) LogInteraction(ctx context.Context, ia models.Interaction) error {
	if l == nil || l.db == nil {
		return nil
	}
	if l.exclude[ia.Request.Source] {
		return nil
	}

	var transcript string
	if l.include["transcripts"] && len(ia.Transcript) > 0 {
		b, err := json.Marshal(ia.Transcript)
		if err != nil {
			return fmt.Errorf("encode transcript: %w", err)
		}
		transcript = string(b)
	}
	result := ia.ResultText
	if !l.include["responses"] {
		result = ""
	}
	model, provider := ia.Request.Model, ia.Request.Provider
	if !l.include["metadata"] {
		model, provider = "", ""
	}

	if l.cfg.MaxBodySize > 0 {
		transcript = truncate(transcript, l.cfg.MaxBodySize)
		result = truncate(result, l.cfg.MaxBodySize)
	}

	created := ia.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO interactions
		(request_id, conversation_id, source, priority, model, provider,
		 outcome, transcript, result_text, error_text,
		 chars, latency_ms, wait_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ia.Request.RequestID, ia.ConversationID, ia.Request.Source, ia.Request.Priority,
		model, provider,
		ia.Response.Outcome, transcript, result, ia.ErrorText,
		ia.Response.Chars, ia.Response.LatencyMs, ia.Response.WaitMs, created,
	)
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// Query returns interactions matching the given options, newest first.
// Transcripts that were truncated on write are not decoded.
func (l *Logger) Query(ctx context.Context, opts models.InteractionQueryOpts) ([]models.Interaction, error) {
	q := `SELECT request_id, conversation_id, source, priority, model, provider,
		outcome, transcript, result_text, error_text,
		chars, latency_ms, wait_ms, created_at
		FROM interactions WHERE 1=1`
	var args []any

	if opts.RequestID != "" {
		q += " AND request_id = ?"
		args = append(args, opts.RequestID)
	}
	if opts.ConversationID != "" {
		q += " AND conversation_id = ?"
		args = append(args, opts.ConversationID)
	}
	if opts.Source != "" {
		q += " AND source = ?"
		args = append(args, opts.Source)
	}
	if opts.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, opts.Outcome)
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
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	var out []models.Interaction
	for rows.Next() {
		var ia models.Interaction
		var conversation, model, provider, transcript, result, errText sql.NullString
		if err := rows.Scan(
			&ia.Request.RequestID, &conversation, &ia.Request.Source, &ia.Request.Priority,
			&model, &provider,
			&ia.Response.Outcome, &transcript, &result, &errText,
			&ia.Response.Chars, &ia.Response.LatencyMs, &ia.Response.WaitMs, &ia.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan interaction row: %w", err)
		}
		ia.ConversationID = conversation.String
		ia.Request.Model = model.String
		ia.Request.Provider = provider.String
		ia.ResultText = result.String
		ia.ErrorText = errText.String
		if transcript.Valid && transcript.String != "" {
			_ = json.Unmarshal([]byte(transcript.String), &ia.Transcript)
		}
		out = append(out, ia)
	}
	return out, rows.Err()
}

// Stats returns aggregate counts grouped by source, outcome and day.
func (l *Logger) Stats(ctx context.Context) ([]models.InteractionStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT source, outcome, date(created_at) as day, count(*) as cnt
		 FROM interactions GROUP BY source, outcome, day ORDER BY day DESC, source, outcome`)
	if err != nil {
		return nil, fmt.Errorf("interaction stats: %w", err)
	}
	defer rows.Close()

	var stats []models.InteractionStat
	for rows.Next() {
		var s models.InteractionStat
		var day sql.NullString
		if err := rows.Scan(&s.Source, &s.Outcome, &day, &s.Count); err != nil {
			return nil, fmt.Errorf("scan interaction stat: %w", err)
		}
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes interactions older than the configured retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM interactions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("interaction cleanup: %w", err)
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
