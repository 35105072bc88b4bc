package sqlite

import (
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gowebpki/jcs"
	_ "modernc.org/sqlite"

	"github.com/velar-health/velar/pkg/models"
)

// Cache is a content-addressed response cache backed by SQLite. Lookups
// treat expired entries as misses; storage failures degrade to a miss on
// Get and an error the caller is expected to log and ignore on Put.
// Caching is an optimization, never a correctness requirement.
//
// Each provider adapter owns its own Cache (and database file).
type Cache struct {
	db     *sql.DB
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	response BLOB NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	ttl_seconds INTEGER NOT NULL
);
`

// New creates a Cache with the given database path and default TTL.
func New(dbPath string, ttl time.Duration) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db, ttl: ttl}, nil
}

// Key derives the content-addressed key for a generation. The full tuple
// is serialized to canonical JSON (RFC 8785, sorted keys) before hashing,
// so semantically identical calls always collide regardless of field
// order or formatting.
func Key(provider, model, prompt, system string, params models.Params) string {
	tuple := struct {
		Provider string        `json:"provider"`
		Model    string        `json:"model"`
		Prompt   string        `json:"prompt"`
		System   string        `json:"system"`
		Params   models.Params `json:"params"`
	}{provider, model, prompt, system, params}

	data, _ := json.Marshal(tuple)
	if canon, err := jcs.Transform(data); err == nil {
		data = canon
	}

	h := sha256.New()
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Get retrieves a cached response. Returns false if absent, expired, or
// unreadable.
func (c *Cache) Get(key string) ([]byte, bool) {
	var response []byte
	var createdAt time.Time
	var ttlSeconds int64

	err := c.db.QueryRow(
		`SELECT response, created_at, ttl_seconds FROM cache_entries WHERE key = ?`,
		key,
	).Scan(&response, &createdAt, &ttlSeconds)

	if err != nil {
		c.misses.Add(1)
		return nil, false
	}

	ttl := time.Duration(ttlSeconds) * time.Second
	if time.Since(createdAt) > ttl {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return response, true
}

// Put stores a response under its key.
func (c *Cache) Put(key, provider, model string, response []byte) error {
	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO cache_entries (key, provider, model, response, created_at, ttl_seconds)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		key, provider, model, response, time.Now().UTC(), int64(c.ttl.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Stats returns cache performance metrics.
func (c *Cache) Stats() (models.CacheStats, error) {
	var count int64
	err := c.db.QueryRow(`SELECT COUNT(*) FROM cache_entries`).Scan(&count)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries: count,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// ClearExpired removes entries past their TTL and returns how many were
// removed.
func (c *Cache) ClearExpired() (int64, error) {
	res, err := c.db.Exec(
		`DELETE FROM cache_entries WHERE (julianday('now') - julianday(created_at)) * 86400 > ttl_seconds`,
	)
	if err != nil {
		return 0, fmt.Errorf("cache clear expired: %w", err)
	}
	return res.RowsAffected()
}

// ClearAll removes every entry and returns how many were removed.
func (c *Cache) ClearAll() (int64, error) {
	res, err := c.db.Exec(`DELETE FROM cache_entries`)
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
