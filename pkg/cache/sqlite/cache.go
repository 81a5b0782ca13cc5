package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/genqueue/pkg/models"
)

// Cache replays responses for transcripts the provider has already
// answered. Entries are keyed by (transcript hash, model) and expire after
// the TTL they were written with.
type Cache struct {
	db     *sql.DB
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS responses (
	transcript_hash TEXT NOT NULL,
	model TEXT NOT NULL,
	response TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	ttl_seconds INTEGER NOT NULL,
	PRIMARY KEY (transcript_hash, model)
);
`

// New creates a Cache with the given database path and default TTL.
func New(dbPath string, ttl time.Duration) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db, ttl: ttl}, nil
}

// HashTranscript computes a SHA-256 hash of the model and transcript.
func HashTranscript(model string, transcript []models.Turn) string {
	h := sha256.New()
	h.Write([]byte(model))
	data, _ := json.Marshal(transcript)
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Get retrieves a cached response. Returns false if not found or expired.
func (c *Cache) Get(ctx context.Context, hash, model string) (string, bool) {
	var response string
	var createdAt time.Time
	var ttlSeconds int64

	err := c.db.QueryRowContext(ctx,
		`SELECT response, created_at, ttl_seconds FROM responses WHERE transcript_hash = ? AND model = ?`,
		hash, model,
	).Scan(&response, &createdAt, &ttlSeconds)

	if err != nil {
		c.misses.Add(1)
		return "", false
	}

	ttl := time.Duration(ttlSeconds) * time.Second
	if time.Since(createdAt) > ttl {
		c.misses.Add(1)
		return "", false
	}

	c.hits.Add(1)
	return response, true
}

// Put stores a response in the cache.
func (c *Cache) Put(ctx context.Context, hash, model, response string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO responses (transcript_hash, model, response, created_at, ttl_seconds)
		 VALUES (?, ?, ?, ?, ?)`,
		hash, model, response, time.Now().UTC(), int64(c.ttl.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

const expiredExpr = `(julianday('now') - julianday(created_at)) * 86400 > ttl_seconds`

// Stats reports the entries held per model together with this process's
// hit and miss counts.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT model,
		       COUNT(*),
		       COALESCE(SUM(CASE WHEN `+expiredExpr+` THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(LENGTH(response)), 0)
		FROM responses
		GROUP BY model
		ORDER BY model`)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	defer rows.Close()

	stats := models.CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	for rows.Next() {
		var m models.ModelCacheStats
		if err := rows.Scan(&m.Model, &m.Entries, &m.Expired, &m.Chars); err != nil {
			return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
		}
		stats.Entries += m.Entries
		stats.Expired += m.Expired
		stats.Models = append(stats.Models, m)
	}
	if err := rows.Err(); err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return stats, nil
}

// Clear deletes entries and returns how many were removed. With
// expiredOnly, entries still inside their TTL are kept.
func (c *Cache) Clear(ctx context.Context, expiredOnly bool) (int64, error) {
	query := `DELETE FROM responses`
	if expiredOnly {
		query += ` WHERE ` + expiredExpr
	}
	res, err := c.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return n, nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
